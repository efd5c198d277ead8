package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Role classifies an account. Payers fund work, payees perform it,
// admins only read reporting endpoints.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
	RoleAdmin Role = "admin"
)

// AgreementStatus follows the proposed -> active -> closed lifecycle.
// Closed is terminal.
type AgreementStatus string

const (
	StatusProposed AgreementStatus = "proposed"
	StatusActive   AgreementStatus = "active"
	StatusClosed   AgreementStatus = "closed"
)

// Account is a party holding a monetary balance. Balances are NUMERIC(12,2)
// in the store and decimal here; they never pass through float64.
type Account struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Role      Role            `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Agreement binds exactly one payer to one payee. Its status gates which
// work records are payable and which count toward the deposit cap.
type Agreement struct {
	ID        int64           `json:"id"`
	PayerID   int64           `json:"payer_id"`
	PayeeID   int64           `json:"payee_id"`
	Terms     string          `json:"terms"`
	Status    AgreementStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// WorkRecord is one billable unit under an agreement. Once Paid flips to
// true, Amount and PaidAt never change again.
type WorkRecord struct {
	ID          int64           `json:"id"`
	AgreementID int64           `json:"agreement_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Paid        bool            `json:"paid"`
	PaidAt      *time.Time      `json:"paid_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DepositRequest is the payload for a balance top-up.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// DepositResponse reports the balance after a successful top-up.
type DepositResponse struct {
	Message string          `json:"message"`
	Balance decimal.Decimal `json:"balance"`
}

// PaymentResponse is the canonical success payload for a settlement.
// Its marshaled bytes are what the idempotency ledger stores.
type PaymentResponse struct {
	Message string     `json:"message"`
	Record  WorkRecord `json:"record"`
}

// IdempotencyRecord binds a caller-supplied key to the exact response bytes
// produced the first time that key was used. Replayed marks a record that
// was loaded from the ledger rather than produced by this request.
type IdempotencyRecord struct {
	Key            string
	ResponseStatus int
	ResponseBody   json.RawMessage
	CreatedAt      time.Time
	Replayed       bool
}

// depositCapRate is the fraction of outstanding obligations a payer may
// hold as top-ups per deposit.
var depositCapRate = decimal.New(25, -2)

// DepositCap returns the maximum allowable deposit given the payer's total
// unpaid work under active agreements.
func DepositCap(totalOwed decimal.Decimal) decimal.Decimal {
	return totalOwed.Mul(depositCapRate)
}
