// Package trade provides the command surface of the ledger engine:
// placing and cancelling orders, applying executions, and the query
// endpoints consumed by the UI/API layer.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/lotbook"
	"github.com/tradecore/ledger-engine/internal/metrics"
	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/order"
	"github.com/tradecore/ledger-engine/internal/risk"
	"github.com/tradecore/ledger-engine/internal/settle"
	"github.com/tradecore/ledger-engine/internal/store"
)

// moneyScale is the rounding applied to ledger amounts (currency minor
// units), banker's rounding on ties.
const moneyScale = 2

// Service handles the engine's commands. Mutations for one account are
// serialized through that account's scope; different accounts proceed in
// parallel.
type Service struct {
	store  store.Store
	risk   *risk.Evaluator
	settle *settle.Engine
	hub    *WSHub // optional WebSocket hub for real-time broadcasts
	scopes *scopes
}

// NewService creates the trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, evaluator *risk.Evaluator, engine *settle.Engine, hub *WSHub, scopeWait time.Duration) *Service {
	if scopeWait <= 0 {
		scopeWait = 2 * time.Second
	}
	return &Service{
		store:  st,
		risk:   evaluator,
		settle: engine,
		hub:    hub,
		scopes: newScopes(scopeWait),
	}
}

// PlaceOrderRequest is the inbound PlaceOrder command.
type PlaceOrderRequest struct {
	AccountID    string            `json:"account_id"`
	InstrumentID string            `json:"instrument_id"`
	Side         model.Side        `json:"side"`
	Type         model.OrderType   `json:"type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	LimitPrice   decimal.Decimal   `json:"limit_price"`
	StopPrice    decimal.Decimal   `json:"stop_price"`
	TimeInForce  model.TimeInForce `json:"time_in_force"`
	Venue        string            `json:"venue"`
}

// RecordExecutionRequest is the inbound RecordExecution command, invoked
// by the external matching/venue-connectivity component.
type RecordExecutionRequest struct {
	OrderID    string          `json:"order_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExecutedAt time.Time       `json:"executed_at"`
	Liquidity  string          `json:"liquidity"`
	Fee        decimal.Decimal `json:"fee"`
}

// Submit validates and records a new order. A validation failure against
// business rules records the order as REJECTED with a reason code; the
// rejected order is returned, not an error.
func (s *Service) Submit(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}

	release, err := s.scopes.acquire(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	tif := req.TimeInForce
	if tif == "" {
		tif = model.TIFDay
	}
	o := &model.Order{
		ID:           uuid.New().String(),
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		TimeInForce:  tif,
		Status:       model.OrderNew,
		Venue:        req.Venue,
		FilledQty:    decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	reason, verr := order.ValidateNew(o, inst)
	switch {
	case verr != nil:
		// fall through with the computed reason
	case !inst.Tradable:
		reason = order.ReasonInstrumentHalted
	case !acct.Active:
		reason = order.ReasonAccountInactive
	case acct.Restricted:
		reason = order.ReasonAccountRestricted
	}

	if reason != "" {
		o.Status = model.OrderRejected
		o.Reason = reason
	} else {
		o.Status = model.OrderAccepted
	}

	if err := s.store.InsertOrder(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues(string(o.Status)).Inc()
	slog.Info("order submitted",
		"order", o.ID,
		"account", o.AccountID,
		"instrument", o.InstrumentID,
		"side", o.Side,
		"qty", o.Quantity.String(),
		"status", o.Status,
		"reason", o.Reason,
	)
	s.broadcastOrder(o)
	return o, nil
}

// ApplyFill applies a single execution atomically against the order, the
// lot book, the cash ledger and the position cache. Any precondition
// failure aborts the whole unit with no partial writes.
func (s *Service) ApplyFill(ctx context.Context, req RecordExecutionRequest) (*model.Execution, *model.Order, error) {
	if !req.Quantity.IsPositive() {
		return nil, nil, model.Invalid("quantity", "must be positive")
	}
	if !req.Price.IsPositive() {
		return nil, nil, model.Invalid("price", "must be positive")
	}
	if req.Fee.IsNegative() {
		return nil, nil, model.Invalid("fee", "must not be negative")
	}
	liquidity := req.Liquidity
	if liquidity == "" {
		liquidity = "TAKER"
	}
	if liquidity != "MAKER" && liquidity != "TAKER" {
		return nil, nil, model.Invalid("liquidity", "must be MAKER or TAKER")
	}
	execTs := req.ExecutedAt
	if execTs.IsZero() {
		execTs = time.Now().UTC()
	}

	peek, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	release, err := s.scopes.acquire(ctx, peek.AccountID)
	if err != nil {
		metrics.FillsRejected.WithLabelValues("concurrency").Inc()
		return nil, nil, err
	}
	defer release()

	// Re-read under the scope: a racing cancel may have won.
	o, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if !o.Status.Fillable() {
		metrics.FillsRejected.WithLabelValues("state").Inc()
		return nil, nil, &model.InvalidStateError{
			Entity: "order", ID: o.ID,
			From: string(o.Status), To: string(model.OrderPartiallyFilled),
		}
	}
	if !o.LastExecAt.IsZero() && execTs.Before(o.LastExecAt) {
		metrics.FillsRejected.WithLabelValues("ordering").Inc()
		return nil, nil, model.Invalid("executed_at",
			"fills must be applied in increasing execution time order")
	}
	newFilled := o.FilledQty.Add(req.Quantity)
	if newFilled.GreaterThan(o.Quantity) {
		metrics.FillsRejected.WithLabelValues("overfill").Inc()
		return nil, nil, model.Invalid("quantity", "fill exceeds remaining order quantity")
	}
	if !order.Marketable(o, req.Price) {
		metrics.FillsRejected.WithLabelValues("price").Inc()
		return nil, nil, &model.PriceViolationError{
			OrderID: o.ID, Side: o.Side,
			LimitPx: o.LimitPrice.String(), FillPx: req.Price.String(),
		}
	}

	acct, err := s.store.GetAccount(ctx, o.AccountID)
	if err != nil {
		return nil, nil, err
	}
	inst, err := s.store.GetInstrument(ctx, o.InstrumentID)
	if err != nil {
		return nil, nil, err
	}
	method := acct.Allocation
	if !method.Valid() {
		method = model.FIFO // regulatory-safest default
	}

	open, err := s.store.OpenLots(ctx, o.AccountID, o.InstrumentID)
	if err != nil {
		return nil, nil, err
	}
	res, err := lotbook.Apply(open, lotbook.Fill{
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Timestamp:    execTs,
		Method:       method,
	})
	if err != nil {
		return nil, nil, err
	}

	exec := model.Execution{
		ID:           uuid.New().String(),
		OrderID:      o.ID,
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Liquidity:    liquidity,
		Fee:          req.Fee,
		ExecutedAt:   execTs,
	}

	entries, err := s.fillEntries(ctx, o, &exec, inst.Currency)
	if err != nil {
		return nil, nil, err
	}

	if err := order.Transition(o, order.FillStatus(o, newFilled)); err != nil {
		return nil, nil, err
	}
	o.FilledQty = newFilled
	o.LastExecAt = execTs
	o.UpdatedAt = time.Now().UTC()

	pos, err := s.refreshPosition(ctx, o.AccountID, o.InstrumentID, open, res, req.Price)
	if err != nil {
		return nil, nil, err
	}

	commit := store.FillCommit{
		Execution:  exec,
		Order:      *o,
		NewLots:    res.Opened,
		LotUpdates: res.Updated,
		Entries:    entries,
		Position:   pos,
	}
	if err := s.store.CommitFill(ctx, commit); err != nil {
		return nil, nil, err
	}

	metrics.FillsApplied.WithLabelValues(string(o.Side)).Inc()
	metrics.FillLatency.WithLabelValues(string(o.Side)).Observe(time.Since(start).Seconds())
	slog.Info("execution applied",
		"execution", exec.ID,
		"order", o.ID,
		"account", o.AccountID,
		"instrument", o.InstrumentID,
		"side", o.Side,
		"price", exec.Price.String(),
		"qty", exec.Quantity.String(),
		"realized", res.Realized.String(),
		"order_status", o.Status,
	)
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:         "execution",
			AccountID:    o.AccountID,
			OrderID:      o.ID,
			InstrumentID: o.InstrumentID,
			Side:         string(o.Side),
			Price:        exec.Price.String(),
			Quantity:     exec.Quantity.String(),
			Status:       string(o.Status),
		})
	}

	// Post-commit margin check. The fill is durable; an evaluation error
	// is surfaced in logs and metrics, not to the fill's caller.
	if s.risk != nil {
		marks := map[string]decimal.Decimal{o.InstrumentID: req.Price}
		result, err := s.risk.Evaluate(ctx, o.AccountID, marks)
		if err != nil {
			slog.Error("margin evaluation failed", "account", o.AccountID, "err", err)
		} else {
			for _, alert := range result.Alerts {
				metrics.RiskAlerts.WithLabelValues(string(alert.Type)).Inc()
				if s.hub != nil {
					s.hub.Broadcast(WSMessage{
						Type:        "risk_alert",
						AccountID:   alert.AccountID,
						AlertType:   string(alert.Type),
						Description: alert.Description,
					})
				}
			}
		}
	}
	return &exec, o, nil
}

// Cancel cancels an order from ACCEPTED or PARTIALLY_FILLED. A fill in
// flight always completes before a queued cancel takes effect: both
// contend for the account scope and the loser observes the winner's
// state.
func (s *Service) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	peek, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	release, err := s.scopes.acquire(ctx, peek.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.Transition(o, model.OrderCancelled); err != nil {
		return nil, err
	}
	o.Reason = "CANCELLED_BY_REQUEST"
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateOrderStatus(ctx, o.ID, o.Status, o.Reason, o.UpdatedAt); err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "order", o.ID, "account", o.AccountID)
	s.broadcastOrder(o)
	return o, nil
}

// RunSettlement delegates to the settlement engine, which holds the
// exclusive batch key for the entire run.
func (s *Service) RunSettlement(ctx context.Context, refDate string, kind model.BatchKind, scope string) (*model.SettlementBatch, error) {
	batch, err := s.settle.Run(ctx, refDate, kind, scope)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		var conflict *model.SettlementConflictError
		if errors.As(err, &conflict) {
			outcome = "conflict"
		}
	}
	metrics.SettlementRuns.WithLabelValues(string(kind), outcome).Inc()
	if err == nil && s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:        "settlement",
			Status:      string(batch.Status),
			Description: batch.Key(),
		})
	}
	return batch, err
}

// fillEntries builds the TRADE (and FEE, if any) ledger entries for one
// execution, chained onto the account's current ledger tail.
func (s *Service) fillEntries(ctx context.Context, o *model.Order, exec *model.Execution, currency string) ([]model.LedgerEntry, error) {
	seq, balance, err := s.store.LedgerTail(ctx, o.AccountID)
	if err != nil {
		return nil, err
	}

	// BUY moves cash out, SELL moves cash in.
	gross := exec.Price.Mul(exec.Quantity).Mul(o.Side.Sign()).Neg().RoundBank(moneyScale)

	var entries []model.LedgerEntry
	seq++
	balance = balance.Add(gross)
	entries = append(entries, model.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    o.AccountID,
		Seq:          seq,
		Type:         model.EntryTrade,
		Amount:       gross,
		Currency:     currency,
		BalanceAfter: balance,
		Reference:    exec.ID,
		Remarks:      string(o.Side) + " " + exec.Quantity.String() + " @ " + exec.Price.String(),
		Timestamp:    exec.ExecutedAt,
	})

	if exec.Fee.IsPositive() {
		fee := exec.Fee.RoundBank(moneyScale).Neg()
		seq++
		balance = balance.Add(fee)
		entries = append(entries, model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    o.AccountID,
			Seq:          seq,
			Type:         model.EntryFee,
			Amount:       fee,
			Currency:     currency,
			BalanceAfter: balance,
			Reference:    exec.ID,
			Timestamp:    exec.ExecutedAt,
		})
	}
	return entries, nil
}

// refreshPosition recomputes the position cache from the lot book state
// after the fill, marked at the fill price. Realized P&L accumulates on
// the cached position, so a failed read aborts the fill: only a missing
// record counts as a fresh position.
func (s *Service) refreshPosition(ctx context.Context, accountID, instrumentID string, before []model.Lot, res lotbook.Result, mark decimal.Decimal) (model.Position, error) {
	after := make(map[string]model.Lot, len(before)+len(res.Opened))
	for _, l := range before {
		after[l.ID] = l
	}
	for _, l := range res.Updated {
		after[l.ID] = l
	}
	for _, l := range res.Opened {
		after[l.ID] = l
	}
	lots := make([]model.Lot, 0, len(after))
	for _, l := range after {
		lots = append(lots, l)
	}
	snap := lotbook.Aggregate(lots, mark)

	realized := decimal.Zero
	prior, err := s.store.GetPosition(ctx, accountID, instrumentID)
	if err == nil {
		realized = prior.RealizedPnL
	} else {
		var nf *model.NotFoundError
		if !errors.As(err, &nf) {
			return model.Position{}, err
		}
	}
	return model.Position{
		AccountID:     accountID,
		InstrumentID:  instrumentID,
		NetQuantity:   snap.NetQuantity,
		AvgCost:       snap.AvgCost,
		MarkPrice:     mark,
		UnrealizedPnL: snap.UnrealizedPnL,
		RealizedPnL:   realized.Add(res.Realized),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (s *Service) broadcastOrder(o *model.Order) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:         "order_status",
		AccountID:    o.AccountID,
		OrderID:      o.ID,
		InstrumentID: o.InstrumentID,
		Side:         string(o.Side),
		Quantity:     o.Quantity.String(),
		Status:       string(o.Status),
		Description:  o.Reason,
	})
}
