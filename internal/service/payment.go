package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tarunvenkatesh/settleops/internal/domain"
)

// errBindRace signals that another request committed the same idempotency
// key while this transaction was in flight. The caller re-reads the ledger
// and returns the winner's stored response.
var errBindRace = errors.New("idempotency key bound concurrently")

// PaymentService settles work records: it moves the record's amount from
// the payer to the payee and flips the record to paid, exactly once per
// idempotency key. All state lives in the store; the service holds no
// mutable state across requests.
type PaymentService struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPaymentService(db *pgxpool.Pool, logger *slog.Logger) *PaymentService {
	return &PaymentService{db: db, logger: logger}
}

// Pay settles workRecordID on behalf of payerID. The returned record always
// carries the exact response bytes to write to the caller, whether freshly
// produced or replayed from the idempotency ledger.
func (s *PaymentService) Pay(ctx context.Context, workRecordID, payerID int64, idempotencyKey string) (*domain.IdempotencyRecord, error) {
	if idempotencyKey == "" {
		return nil, ErrMissingKey
	}

	// Fast path: a completed request with this key returns its stored
	// response without opening a settlement transaction.
	rec, err := s.lookup(ctx, s.db, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.Replayed = true
		return rec, nil
	}

	for attempt := 1; ; attempt++ {
		rec, err := s.attempt(ctx, workRecordID, payerID, idempotencyKey)
		if err == nil {
			if !rec.Replayed {
				s.logger.Info("payment settled",
					"work_record_id", workRecordID,
					"payer_id", payerID,
					"idempotency_key", idempotencyKey,
				)
			}
			return rec, nil
		}
		if errors.Is(err, errBindRace) {
			winner, lerr := s.lookup(ctx, s.db, idempotencyKey)
			if lerr != nil {
				return nil, lerr
			}
			if winner != nil {
				winner.Replayed = true
				return winner, nil
			}
			// The winner rolled back after taking the key; run again.
		} else if !retryable(err) {
			return nil, err
		}
		if attempt >= maxTxAttempts {
			return nil, fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		s.logger.Warn("payment conflict, retrying",
			"work_record_id", workRecordID,
			"attempt", attempt,
		)
		if berr := backoff(ctx, attempt); berr != nil {
			return nil, berr
		}
	}
}

// attempt runs one settlement transaction end to end. Any error rolls the
// whole transaction back; the idempotency binding and the money movement
// commit together or not at all.
func (s *PaymentService) attempt(ctx context.Context, workRecordID, payerID int64, idempotencyKey string) (*domain.IdempotencyRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-check the key inside the transaction: two requests with the same
	// key can both miss the fast path before either commits.
	rec, err := s.lookup(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.Replayed = true
		return rec, nil
	}

	var (
		record     domain.WorkRecord
		amountText string
		payeeID    int64
	)
	err = tx.QueryRow(ctx,
		`SELECT w.id, w.agreement_id, w.description, w.amount::text, w.paid, w.created_at, a.payee_id
		 FROM work_records w
		 JOIN agreements a ON a.id = w.agreement_id
		 WHERE w.id = $1 AND a.payer_id = $2
		 FOR UPDATE OF w`,
		workRecordID, payerID).Scan(
		&record.ID, &record.AgreementID, &record.Description, &amountText,
		&record.Paid, &record.CreatedAt, &payeeID)
	if err == pgx.ErrNoRows {
		return nil, ErrWorkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("work record lock failed: %w", err)
	}
	if record.Amount, err = decimal.NewFromString(amountText); err != nil {
		return nil, fmt.Errorf("malformed work amount: %w", err)
	}
	if record.Paid {
		return nil, ErrAlreadyPaid
	}

	// Lock both accounts in ascending ID order regardless of which is the
	// payer, so two payments touching the same pair can never deadlock.
	firstID, secondID := payerID, payeeID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}
	balance1, err := lockBalance(ctx, tx, firstID)
	if err != nil {
		return nil, err
	}
	balance2, err := lockBalance(ctx, tx, secondID)
	if err != nil {
		return nil, err
	}

	payerBalance := balance1
	if payerID != firstID {
		payerBalance = balance2
	}
	if payerBalance.LessThan(record.Amount) {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1::numeric WHERE id = $2",
		record.Amount.String(), payerID); err != nil {
		return nil, fmt.Errorf("payer debit failed: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2",
		record.Amount.String(), payeeID); err != nil {
		return nil, fmt.Errorf("payee credit failed: %w", err)
	}

	err = tx.QueryRow(ctx,
		"UPDATE work_records SET paid = true, paid_at = now() WHERE id = $1 RETURNING paid_at",
		record.ID).Scan(&record.PaidAt)
	if err != nil {
		return nil, fmt.Errorf("settlement flag update failed: %w", err)
	}
	record.Paid = true

	resp := domain.PaymentResponse{Message: "Payment successful", Record: record}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("response marshal failed: %w", err)
	}

	// Bind-or-fail: the primary key on idempotency_keys is the backstop
	// against the fast-path race. A duplicate here means another request
	// already committed this key; roll back and return its response.
	_, err = tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, response_status, response_body) VALUES ($1, $2, $3)",
		idempotencyKey, http.StatusOK, string(body))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errBindRace
		}
		return nil, fmt.Errorf("idempotency bind failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	return &domain.IdempotencyRecord{
		Key:            idempotencyKey,
		ResponseStatus: http.StatusOK,
		ResponseBody:   body,
	}, nil
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx, so the
// idempotency lookup runs identically inside and outside a transaction.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PaymentService) lookup(ctx context.Context, q queryRower, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var body string
	err := q.QueryRow(ctx,
		"SELECT response_status, response_body, created_at FROM idempotency_keys WHERE key = $1",
		key).Scan(&rec.ResponseStatus, &body, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	rec.ResponseBody = json.RawMessage(body)
	return &rec, nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, accountID int64) (decimal.Decimal, error) {
	var balanceText string
	err := tx.QueryRow(ctx,
		"SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE",
		accountID).Scan(&balanceText)
	if err == pgx.ErrNoRows {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("account lock failed: %w", err)
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed balance for account %d: %w", accountID, err)
	}
	return balance, nil
}
