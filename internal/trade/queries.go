package trade

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/store"
)

// GetOrderByID handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrdersByAccount(r.Context(), chi.URLParam(r, "accountID"), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// ListExecutions handles GET /api/v1/accounts/{accountID}/executions.
func (s *Service) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListExecutionsByAccount(r.Context(), chi.URLParam(r, "accountID"), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// ListOrderExecutions handles GET /api/v1/orders/{orderID}/executions.
func (s *Service) ListOrderExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListExecutionsByOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context(), chi.URLParam(r, "accountID"), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// ListLots handles GET /api/v1/accounts/{accountID}/lots?instrument=X.
// Full lot history for the position, open and closed, for audit.
func (s *Service) ListLots(w http.ResponseWriter, r *http.Request) {
	instrumentID := r.URL.Query().Get("instrument")
	if instrumentID == "" {
		writeError(w, "instrument query parameter is required", http.StatusBadRequest)
		return
	}
	lots, err := s.store.ListLots(r.Context(), chi.URLParam(r, "accountID"), instrumentID, pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

// ListLedger handles GET /api/v1/accounts/{accountID}/ledger.
func (s *Service) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedgerEntries(r.Context(), chi.URLParam(r, "accountID"), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance. The cash
// balance is the ledger tail's running balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	seq, balance, err := s.store.LedgerTail(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"seq":        seq,
		"balance":    balance,
	})
}

// ListAlerts handles GET /api/v1/accounts/{accountID}/alerts.
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListRiskAlerts(r.Context(), chi.URLParam(r, "accountID"), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ListSettlements handles GET /api/v1/settlements.
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	batches, err := s.store.ListSettlementBatches(r.Context(), pageFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func pageFrom(r *http.Request) store.Page {
	var p store.Page
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Offset = n
		}
	}
	return p
}

func parseMarks(raw map[string]string) (map[string]decimal.Decimal, error) {
	marks := make(map[string]decimal.Decimal, len(raw))
	for instrument, s := range raw {
		px, err := decimal.NewFromString(s)
		if err != nil {
			return nil, model.Invalid("marks", "invalid price for "+instrument)
		}
		marks[instrument] = px
	}
	return marks, nil
}
