package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradecore/ledger-engine/internal/model"
)

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}

	o, err := s.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// RecordExecution handles POST /api/v1/executions. The caller is the
// venue connectivity layer reporting a fill for an accepted order.
func (s *Service) RecordExecution(w http.ResponseWriter, r *http.Request) {
	var req RecordExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		writeError(w, "order_id is required", http.StatusBadRequest)
		return
	}

	exec, o, err := s.ApplyFill(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution": exec,
		"order":     o,
	})
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	o, err := s.Cancel(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type settlementRequest struct {
	RefDate string          `json:"ref_date"` // YYYY-MM-DD
	Kind    model.BatchKind `json:"kind"`
	Scope   string          `json:"scope"`
}

// RunSettlementBatch handles POST /api/v1/settlements. Re-running a
// completed batch returns the prior batch unchanged.
func (s *Service) RunSettlementBatch(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := s.RunSettlement(r.Context(), req.RefDate, req.Kind, req.Scope)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type evaluateRiskRequest struct {
	AccountID string            `json:"account_id"`
	Marks     map[string]string `json:"marks"` // instrument -> mark price
}

// EvaluateRisk handles POST /api/v1/risk/evaluate, an on-demand margin
// pass for one account against caller-supplied marks.
func (s *Service) EvaluateRisk(w http.ResponseWriter, r *http.Request) {
	var req evaluateRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	marks, err := parseMarks(req.Marks)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.risk.Evaluate(r.Context(), req.AccountID, marks)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeDomainError maps the engine's typed errors onto HTTP statuses:
// validation 400, not found 404, state/price/concurrency/settlement
// conflicts 409, anything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		notFound   *model.NotFoundError
		state      *model.InvalidStateError
		price      *model.PriceViolationError
		conc       *model.ConcurrencyConflictError
		settlement *model.SettlementConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &notFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &state),
		errors.As(err, &price),
		errors.As(err, &conc),
		errors.As(err, &settlement):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
