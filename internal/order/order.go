// Package order implements the order state machine:
//
//	NEW → ACCEPTED → {PARTIALLY_FILLED ⟲ → FILLED} | REJECTED | CANCELLED | EXPIRED
//
// The state machine is the only writer of order status. Transitions move
// forward only; PARTIALLY_FILLED may loop on further fills until FILLED.
package order

import (
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// Reject reason codes attached to NEW → REJECTED transitions.
const (
	ReasonBadQuantity        = "BAD_QUANTITY"
	ReasonBadLimitPrice      = "BAD_LIMIT_PRICE"
	ReasonLotSize            = "LOT_SIZE_VIOLATION"
	ReasonTickSize           = "TICK_SIZE_VIOLATION"
	ReasonInstrumentHalted   = "INSTRUMENT_NOT_TRADABLE"
	ReasonAccountInactive    = "ACCOUNT_INACTIVE"
	ReasonAccountRestricted  = "ACCOUNT_RESTRICTED"
)

// transitions is the forward transition table.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderNew: {
		model.OrderAccepted,
		model.OrderRejected,
	},
	model.OrderAccepted: {
		model.OrderPartiallyFilled,
		model.OrderFilled,
		model.OrderCancelled,
		model.OrderExpired,
	},
	model.OrderPartiallyFilled: {
		model.OrderPartiallyFilled,
		model.OrderFilled,
		model.OrderCancelled,
		model.OrderExpired,
	},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to model.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the move and returns the updated status, or an
// InvalidStateError if the move is not in the table.
func Transition(o *model.Order, to model.OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return &model.InvalidStateError{
			Entity: "order",
			ID:     o.ID,
			From:   string(o.Status),
			To:     string(to),
		}
	}
	o.Status = to
	return nil
}

// ValidateNew checks a NEW order against quantity/price constraints and
// the instrument's tick and lot sizes. Returns the reject reason code and
// a ValidationError on failure.
func ValidateNew(o *model.Order, inst *model.Instrument) (string, error) {
	if !o.Side.Valid() {
		return ReasonBadQuantity, model.Invalid("side", "must be BUY or SELL")
	}
	if !o.Type.Valid() {
		return ReasonBadQuantity, model.Invalid("type", "must be MARKET or LIMIT")
	}
	if !o.TimeInForce.Valid() {
		return ReasonBadQuantity, model.Invalid("time_in_force", "must be DAY, GTC or IOC")
	}
	if !o.Quantity.IsPositive() {
		return ReasonBadQuantity, model.Invalid("quantity", "must be positive")
	}
	if o.Type == model.Limit && !o.LimitPrice.IsPositive() {
		return ReasonBadLimitPrice, model.Invalid("limit_price", "limit orders require a positive limit price")
	}
	if inst.LotSize.IsPositive() && !o.Quantity.Mod(inst.LotSize).IsZero() {
		return ReasonLotSize, model.Invalid("quantity", "must be a multiple of lot size "+inst.LotSize.String())
	}
	if o.Type == model.Limit && inst.TickSize.IsPositive() &&
		!o.LimitPrice.Mod(inst.TickSize).IsZero() {
		return ReasonTickSize, model.Invalid("limit_price", "must be a multiple of tick size "+inst.TickSize.String())
	}
	return "", nil
}

// Marketable reports whether a fill price satisfies the order's limit.
// Market orders accept any price. BUY limits require fill ≤ limit;
// SELL limits require fill ≥ limit.
func Marketable(o *model.Order, fillPx decimal.Decimal) bool {
	if o.Type != model.Limit {
		return true
	}
	if o.Side == model.Buy {
		return fillPx.LessThanOrEqual(o.LimitPrice)
	}
	return fillPx.GreaterThanOrEqual(o.LimitPrice)
}

// FillStatus returns the status an order lands in after a fill that
// brings cumulative filled quantity to filledQty.
func FillStatus(o *model.Order, filledQty decimal.Decimal) model.OrderStatus {
	if filledQty.Equal(o.Quantity) {
		return model.OrderFilled
	}
	return model.OrderPartiallyFilled
}
