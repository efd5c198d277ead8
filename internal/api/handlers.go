package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarunvenkatesh/settleops/internal/domain"
	"github.com/tarunvenkatesh/settleops/internal/store"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DepositHandler tops up the balance of the payer named in the path.
func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/balances/{id}/deposit"))
	defer timer.ObserveDuration()

	payerID, err := pathID(r)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/balances/{id}/deposit", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed account id")
		return
	}

	var req domain.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/balances/{id}/deposit", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	balance, err := h.deposits.Deposit(r.Context(), payerID, req.Amount)
	if err != nil {
		depositsTotal.WithLabelValues("rejected").Inc()
		code := respondServiceError(w, err)
		httpRequestsTotal.WithLabelValues("POST", "/balances/{id}/deposit", strconv.Itoa(code)).Inc()
		return
	}

	depositsTotal.WithLabelValues("accepted").Inc()
	httpRequestsTotal.WithLabelValues("POST", "/balances/{id}/deposit", "200").Inc()
	respondWithJSON(w, http.StatusOK, domain.DepositResponse{
		Message: "Deposit successful",
		Balance: balance,
	})
}

// PayWorkHandler settles the work record named in the path on behalf of the
// calling payer. The Idempotency-Key header is mandatory; the response is
// always the stored ledger bytes, so replays are byte-identical.
func (h *Handler) PayWorkHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/work/{id}/pay"))
	defer timer.ObserveDuration()

	workRecordID, err := pathID(r)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/work/{id}/pay", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed work record id")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		httpRequestsTotal.WithLabelValues("POST", "/work/{id}/pay", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	rec, err := h.payments.Pay(r.Context(), workRecordID, caller.ID, idempotencyKey)
	if err != nil {
		paymentsTotal.WithLabelValues("rejected").Inc()
		code := respondServiceError(w, err)
		httpRequestsTotal.WithLabelValues("POST", "/work/{id}/pay", strconv.Itoa(code)).Inc()
		return
	}

	if rec.Replayed {
		paymentsTotal.WithLabelValues("replayed").Inc()
	} else {
		paymentsTotal.WithLabelValues("settled").Inc()
	}
	httpRequestsTotal.WithLabelValues("POST", "/work/{id}/pay", strconv.Itoa(rec.ResponseStatus)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.ResponseStatus)
	w.Write(rec.ResponseBody)
}

// GetAgreementsHandler lists the caller's agreements. status=closed selects
// closed ones; the default view excludes them.
func (h *Handler) GetAgreementsHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	closedOnly := r.URL.Query().Get("status") == string(domain.StatusClosed)
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "Malformed limit")
			return
		}
		limit = parsed
	}

	agreements, err := h.store.ListAgreements(r.Context(), caller.ID, closedOnly, limit)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/agreements", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if agreements == nil {
		agreements = []domain.Agreement{}
	}

	httpRequestsTotal.WithLabelValues("GET", "/agreements", "200").Inc()
	respondWithJSON(w, http.StatusOK, agreements)
}

func (h *Handler) GetAgreementHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed agreement id")
		return
	}

	agreement, err := h.store.GetAgreement(r.Context(), id, caller.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/agreements/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Agreement not found or access denied")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/agreements/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/agreements/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, agreement)
}

func (h *Handler) GetUnpaidWorkHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	records, err := h.store.ListUnpaidWork(r.Context(), caller.ID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/work/unpaid", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if records == nil {
		records = []domain.WorkRecord{}
	}

	httpRequestsTotal.WithLabelValues("GET", "/work/unpaid", "200").Inc()
	respondWithJSON(w, http.StatusOK, records)
}

// BestCategoryHandler reports the payee category with the highest settled
// earnings in the requested window. Admin only.
func (h *Handler) BestCategoryHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	start, end, ok := dateRange(w, r)
	if !ok {
		return
	}

	result, err := h.store.BestCategory(r.Context(), start, end)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "No settled work in range")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// TopPayersHandler ranks payers by settled spend in the requested window.
// Admin only.
func (h *Handler) TopPayersHandler(w http.ResponseWriter, r *http.Request, caller *domain.Account) {
	start, end, ok := dateRange(w, r)
	if !ok {
		return
	}

	limit := 2
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "Malformed limit")
			return
		}
		limit = parsed
	}

	payers, err := h.store.TopPayers(r.Context(), start, end, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if payers == nil {
		payers = []store.PayerSpend{}
	}

	respondWithJSON(w, http.StatusOK, payers)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// dateRange parses the required start and end query parameters, accepting
// RFC 3339 timestamps or plain dates. A plain end date is extended to the
// end of that day so ranges are inclusive.
func dateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	start, err := parseTimeParam(r.URL.Query().Get("start"), false)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed or missing start date")
		return time.Time{}, time.Time{}, false
	}
	end, err := parseTimeParam(r.URL.Query().Get("end"), true)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed or missing end date")
		return time.Time{}, time.Time{}, false
	}
	if end.Before(start) {
		respondWithError(w, http.StatusBadRequest, "End date must be after start date")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
