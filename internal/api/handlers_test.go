package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarunvenkatesh/settleops/internal/domain"
	"github.com/tarunvenkatesh/settleops/internal/service"
	"github.com/tarunvenkatesh/settleops/internal/store"
)

type fakeReader struct {
	accounts       map[int64]*domain.Account
	agreements     []domain.Agreement
	unpaid         []domain.WorkRecord
	best           *store.CategoryEarnings
	top            []store.PayerSpend
	lastClosedOnly bool
	lastLimit      int
}

func (f *fakeReader) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	if acc, ok := f.accounts[id]; ok {
		return acc, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeReader) GetAgreement(_ context.Context, id, accountID int64) (*domain.Agreement, error) {
	for _, a := range f.agreements {
		if a.ID == id && (a.PayerID == accountID || a.PayeeID == accountID) {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeReader) ListAgreements(_ context.Context, accountID int64, closedOnly bool, limit int) ([]domain.Agreement, error) {
	f.lastClosedOnly = closedOnly
	f.lastLimit = limit
	return f.agreements, nil
}

func (f *fakeReader) ListUnpaidWork(_ context.Context, accountID int64) ([]domain.WorkRecord, error) {
	return f.unpaid, nil
}

func (f *fakeReader) BestCategory(_ context.Context, start, end time.Time) (*store.CategoryEarnings, error) {
	if f.best == nil {
		return nil, store.ErrNotFound
	}
	return f.best, nil
}

func (f *fakeReader) TopPayers(_ context.Context, start, end time.Time, limit int) ([]store.PayerSpend, error) {
	return f.top, nil
}

type fakeDepositor struct {
	fn func(payerID int64, amount decimal.Decimal) (decimal.Decimal, error)
}

func (f *fakeDepositor) Deposit(_ context.Context, payerID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	return f.fn(payerID, amount)
}

type fakeSettler struct {
	fn func(workRecordID, payerID int64, key string) (*domain.IdempotencyRecord, error)
}

func (f *fakeSettler) Pay(_ context.Context, workRecordID, payerID int64, key string) (*domain.IdempotencyRecord, error) {
	return f.fn(workRecordID, payerID, key)
}

func payerAccount() *domain.Account {
	return &domain.Account{ID: 4, Name: "Payer", Role: domain.RolePayer}
}

func TestDepositHandlerSuccess(t *testing.T) {
	deposits := &fakeDepositor{fn: func(payerID int64, amount decimal.Decimal) (decimal.Decimal, error) {
		assert.EqualValues(t, 4, payerID)
		assert.True(t, amount.Equal(decimal.RequireFromString("100")))
		return decimal.RequireFromString("1100"), nil
	}}
	h := NewHandler(&fakeReader{}, deposits, nil)

	req := httptest.NewRequest("POST", "/api/v1/balances/4/deposit", strings.NewReader(`{"amount":100}`))
	req = mux.SetURLVars(req, map[string]string{"id": "4"})
	w := httptest.NewRecorder()
	h.DepositHandler(w, req, payerAccount())

	require.Equal(t, http.StatusOK, w.Code)
	var resp domain.DepositResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Deposit successful", resp.Message)
	assert.True(t, resp.Balance.Equal(decimal.RequireFromString("1100")))
}

func TestDepositHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"limit exceeded", service.ErrDepositLimitExceeded, http.StatusUnprocessableEntity},
		{"invalid amount", service.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{"unknown payer", service.ErrAccountNotFound, http.StatusNotFound},
		{"conflict", service.ErrTxConflict, http.StatusServiceUnavailable},
		{"infrastructure", context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deposits := &fakeDepositor{fn: func(int64, decimal.Decimal) (decimal.Decimal, error) {
				return decimal.Zero, tc.err
			}}
			h := NewHandler(&fakeReader{}, deposits, nil)

			req := httptest.NewRequest("POST", "/api/v1/balances/4/deposit", strings.NewReader(`{"amount":100}`))
			req = mux.SetURLVars(req, map[string]string{"id": "4"})
			w := httptest.NewRecorder()
			h.DepositHandler(w, req, payerAccount())

			assert.Equal(t, tc.wantCode, w.Code)
		})
	}
}

func TestDepositHandlerMalformedBody(t *testing.T) {
	h := NewHandler(&fakeReader{}, &fakeDepositor{fn: func(int64, decimal.Decimal) (decimal.Decimal, error) {
		t.Fatal("service must not be reached on malformed input")
		return decimal.Zero, nil
	}}, nil)

	req := httptest.NewRequest("POST", "/api/v1/balances/4/deposit", strings.NewReader(`{`))
	req = mux.SetURLVars(req, map[string]string{"id": "4"})
	w := httptest.NewRecorder()
	h.DepositHandler(w, req, payerAccount())

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayWorkHandlerWritesStoredBytesVerbatim(t *testing.T) {
	stored := []byte(`{"message":"Payment successful","record":{"id":9}}`)
	settler := &fakeSettler{fn: func(workRecordID, payerID int64, key string) (*domain.IdempotencyRecord, error) {
		assert.EqualValues(t, 9, workRecordID)
		assert.EqualValues(t, 4, payerID)
		assert.Equal(t, "key-1", key)
		return &domain.IdempotencyRecord{Key: key, ResponseStatus: http.StatusOK, ResponseBody: stored}, nil
	}}
	h := NewHandler(&fakeReader{}, nil, settler)

	req := httptest.NewRequest("POST", "/api/v1/work/9/pay", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	req = mux.SetURLVars(req, map[string]string{"id": "9"})
	w := httptest.NewRecorder()
	h.PayWorkHandler(w, req, payerAccount())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, stored, w.Body.Bytes())
}

func TestPayWorkHandlerReplayIsByteIdentical(t *testing.T) {
	stored := []byte(`{"message":"Payment successful","record":{"id":9}}`)
	replayed := false
	settler := &fakeSettler{fn: func(_, _ int64, key string) (*domain.IdempotencyRecord, error) {
		rec := &domain.IdempotencyRecord{Key: key, ResponseStatus: http.StatusOK, ResponseBody: stored, Replayed: replayed}
		replayed = true
		return rec, nil
	}}
	h := NewHandler(&fakeReader{}, nil, settler)

	var bodies [][]byte
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/work/9/pay", nil)
		req.Header.Set("Idempotency-Key", "key-1")
		req = mux.SetURLVars(req, map[string]string{"id": "9"})
		w := httptest.NewRecorder()
		h.PayWorkHandler(w, req, payerAccount())
		require.Equal(t, http.StatusOK, w.Code)
		bodies = append(bodies, w.Body.Bytes())
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestPayWorkHandlerMissingKey(t *testing.T) {
	h := NewHandler(&fakeReader{}, nil, &fakeSettler{fn: func(_, _ int64, _ string) (*domain.IdempotencyRecord, error) {
		t.Fatal("service must not be reached without an idempotency key")
		return nil, nil
	}})

	req := httptest.NewRequest("POST", "/api/v1/work/9/pay", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "9"})
	w := httptest.NewRecorder()
	h.PayWorkHandler(w, req, payerAccount())

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayWorkHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found or denied", service.ErrWorkNotFound, http.StatusNotFound},
		{"already paid", service.ErrAlreadyPaid, http.StatusUnprocessableEntity},
		{"insufficient funds", service.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{"conflict", service.ErrTxConflict, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settler := &fakeSettler{fn: func(_, _ int64, _ string) (*domain.IdempotencyRecord, error) {
				return nil, tc.err
			}}
			h := NewHandler(&fakeReader{}, nil, settler)

			req := httptest.NewRequest("POST", "/api/v1/work/9/pay", nil)
			req.Header.Set("Idempotency-Key", "key-1")
			req = mux.SetURLVars(req, map[string]string{"id": "9"})
			w := httptest.NewRecorder()
			h.PayWorkHandler(w, req, payerAccount())

			assert.Equal(t, tc.wantCode, w.Code)
		})
	}
}

func TestRequireAccount(t *testing.T) {
	reader := &fakeReader{accounts: map[int64]*domain.Account{
		4: {ID: 4, Role: domain.RolePayer},
	}}
	h := NewHandler(reader, nil, nil)
	wrapped := h.RequireAccount(func(w http.ResponseWriter, r *http.Request, account *domain.Account) {
		respondWithJSON(w, http.StatusOK, account)
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		wrapped(w, httptest.NewRequest("GET", "/api/v1/agreements", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown account", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/agreements", nil)
		req.Header.Set("X-Account-ID", "99")
		w := httptest.NewRecorder()
		wrapped(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("resolved", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/agreements", nil)
		req.Header.Set("X-Account-ID", "4")
		w := httptest.NewRecorder()
		wrapped(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	reader := &fakeReader{accounts: map[int64]*domain.Account{
		1: {ID: 1, Role: domain.RoleAdmin},
		4: {ID: 4, Role: domain.RolePayer},
	}}
	h := NewHandler(reader, nil, nil)
	wrapped := h.RequireAdmin(func(w http.ResponseWriter, r *http.Request, account *domain.Account) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest("GET", "/api/v1/admin/top-payers", nil)
	req.Header.Set("X-Account-ID", "4")
	w := httptest.NewRecorder()
	wrapped(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req.Header.Set("X-Account-ID", "1")
	w = httptest.NewRecorder()
	wrapped(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetAgreementsHandlerFilters(t *testing.T) {
	reader := &fakeReader{}
	h := NewHandler(reader, nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/agreements?status=closed&limit=5", nil)
	w := httptest.NewRecorder()
	h.GetAgreementsHandler(w, req, payerAccount())

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reader.lastClosedOnly)
	assert.Equal(t, 5, reader.lastLimit)
	// An empty result is a JSON array, never null.
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestGetAgreementsHandlerBadLimit(t *testing.T) {
	h := NewHandler(&fakeReader{}, nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/agreements?limit=zero", nil)
	w := httptest.NewRecorder()
	h.GetAgreementsHandler(w, req, payerAccount())

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBestCategoryHandler(t *testing.T) {
	reader := &fakeReader{best: &store.CategoryEarnings{
		Category:    "engineering",
		TotalEarned: decimal.RequireFromString("1500.00"),
	}}
	h := NewHandler(reader, nil, nil)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/admin/best-category?start=2026-01-01&end=2026-02-01", nil)
		w := httptest.NewRecorder()
		h.BestCategoryHandler(w, req, &domain.Account{ID: 1, Role: domain.RoleAdmin})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "engineering")
	})

	t.Run("bad range", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/admin/best-category?start=2026-02-01&end=2026-01-01", nil)
		w := httptest.NewRecorder()
		h.BestCategoryHandler(w, req, &domain.Account{ID: 1, Role: domain.RoleAdmin})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty window", func(t *testing.T) {
		h := NewHandler(&fakeReader{}, nil, nil)
		req := httptest.NewRequest("GET", "/api/v1/admin/best-category?start=2026-01-01&end=2026-02-01", nil)
		w := httptest.NewRecorder()
		h.BestCategoryHandler(w, req, &domain.Account{ID: 1, Role: domain.RoleAdmin})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
