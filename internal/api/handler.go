package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/tarunvenkatesh/settleops/internal/domain"
	"github.com/tarunvenkatesh/settleops/internal/service"
	"github.com/tarunvenkatesh/settleops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_payments_total",
		Help: "Settlement outcomes: settled, replayed, or rejected",
	}, []string{"outcome"})

	depositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_deposits_total",
		Help: "Deposit outcomes: accepted or rejected",
	}, []string{"outcome"})
)

// Reader is the read-only slice of the store the handlers need. Satisfied
// by *store.Store; faked in tests.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAgreement(ctx context.Context, id, accountID int64) (*domain.Agreement, error)
	ListAgreements(ctx context.Context, accountID int64, closedOnly bool, limit int) ([]domain.Agreement, error)
	ListUnpaidWork(ctx context.Context, accountID int64) ([]domain.WorkRecord, error)
	BestCategory(ctx context.Context, start, end time.Time) (*store.CategoryEarnings, error)
	TopPayers(ctx context.Context, start, end time.Time, limit int) ([]store.PayerSpend, error)
}

// Depositor authorizes balance top-ups.
type Depositor interface {
	Deposit(ctx context.Context, payerID int64, amount decimal.Decimal) (decimal.Decimal, error)
}

// Settler executes idempotent work-record payments.
type Settler interface {
	Pay(ctx context.Context, workRecordID, payerID int64, idempotencyKey string) (*domain.IdempotencyRecord, error)
}

type Handler struct {
	store    Reader
	deposits Depositor
	payments Settler
}

func NewHandler(s Reader, deposits Depositor, payments Settler) *Handler {
	return &Handler{store: s, deposits: deposits, payments: payments}
}

// RequireAccount resolves the caller identity from the X-Account-ID header
// before invoking next. Authentication proper happens upstream; this layer
// only maps an already-authenticated identifier to an account row.
func (h *Handler) RequireAccount(next func(http.ResponseWriter, *http.Request, *domain.Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := r.Header.Get("X-Account-ID")
		if idStr == "" {
			respondWithError(w, http.StatusUnauthorized, "Missing X-Account-ID header")
			return
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Malformed X-Account-ID header")
			return
		}
		account, err := h.store.GetAccount(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondWithError(w, http.StatusUnauthorized, "Account not found")
				return
			}
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		next(w, r, account)
	}
}

// RequireAdmin additionally rejects callers whose role is not admin.
func (h *Handler) RequireAdmin(next func(http.ResponseWriter, *http.Request, *domain.Account)) http.HandlerFunc {
	return h.RequireAccount(func(w http.ResponseWriter, r *http.Request, account *domain.Account) {
		if account.Role != domain.RoleAdmin {
			respondWithError(w, http.StatusForbidden, "Forbidden: admins only")
			return
		}
		next(w, r, account)
	})
}

// respondServiceError maps engine errors onto the HTTP taxonomy: 400 for
// validation, 404 for not-found-or-denied, 422 for business rejections,
// 503 for transient conflicts the caller may retry, 500 otherwise. It
// returns the status code it wrote.
func respondServiceError(w http.ResponseWriter, err error) int {
	var code int
	message := err.Error()
	switch {
	case errors.Is(err, service.ErrMissingKey):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidAmount):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrWorkNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrDepositLimitExceeded),
		errors.Is(err, service.ErrAlreadyPaid),
		errors.Is(err, service.ErrInsufficientFunds):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTxConflict):
		code = http.StatusServiceUnavailable
		message = "Transient conflict, retry the request"
	default:
		code = http.StatusInternalServerError
		message = "Internal Server Error"
	}
	respondWithError(w, code, message)
	return code
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
