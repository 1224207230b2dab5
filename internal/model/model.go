// Package model defines the core domain types shared across the ledger
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == Buy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool { return t == Market || t == Limit }

// TimeInForce is the order validity window policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

func (t TimeInForce) Valid() bool { return t == TIFDay || t == TIFGTC || t == TIFIOC }

// OrderStatus is the order lifecycle state. Transitions only move forward;
// the order state machine is the sole writer.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// Fillable reports whether an execution may be applied in this status.
func (s OrderStatus) Fillable() bool {
	return s == OrderAccepted || s == OrderPartiallyFilled
}

// Cancellable reports whether a cancel request is legal in this status.
func (s OrderStatus) Cancellable() bool {
	return s == OrderAccepted || s == OrderPartiallyFilled
}

// AllocationMethod selects which open lots a closing fill consumes.
type AllocationMethod string

const (
	FIFO    AllocationMethod = "FIFO"
	LIFO    AllocationMethod = "LIFO"
	Average AllocationMethod = "AVERAGE"
)

func (m AllocationMethod) Valid() bool {
	return m == FIFO || m == LIFO || m == Average
}

// LotDirection is the exposure direction a lot carries.
type LotDirection string

const (
	Long  LotDirection = "LONG"
	Short LotDirection = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (d LotDirection) Sign() decimal.Decimal {
	if d == Long {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTrade           EntryType = "TRADE"
	EntryFee             EntryType = "FEE"
	EntrySettlement      EntryType = "SETTLEMENT"
	EntryCorporateAction EntryType = "CORPORATE_ACTION"
	EntryAdjustment      EntryType = "ADJUSTMENT"
)

// AlertType classifies a risk alert.
type AlertType string

const (
	AlertMarginBreach  AlertType = "MARGIN_BREACH"
	AlertAutoSquareOff AlertType = "AUTO_SQOFF"
)

// BatchKind is the settlement batch variety.
type BatchKind string

const (
	BatchMTM             BatchKind = "MTM"
	BatchExpiry          BatchKind = "EXPIRY"
	BatchCorporateAction BatchKind = "CORPORATE_ACTION"
)

func (k BatchKind) Valid() bool {
	return k == BatchMTM || k == BatchExpiry || k == BatchCorporateAction
}

// BatchStatus is the settlement batch lifecycle state.
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// Order is an instruction to trade. Owned exclusively by the order state
// machine; mutated only through defined transitions, never deleted.
type Order struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Type         OrderType       `json:"type" db:"type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price" db:"limit_price"` // zero when unset
	StopPrice    decimal.Decimal `json:"stop_price" db:"stop_price"`   // zero when unset
	TimeInForce  TimeInForce     `json:"time_in_force" db:"time_in_force"`
	Status       OrderStatus     `json:"status" db:"status"`
	Reason       string          `json:"reason,omitempty" db:"reason"` // reject/cancel reason code
	Venue        string          `json:"venue,omitempty" db:"venue"`
	FilledQty    decimal.Decimal `json:"filled_qty" db:"filled_qty"` // cumulative fill quantity
	LastExecAt   time.Time       `json:"last_exec_at,omitempty" db:"last_exec_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Execution is an immutable record of a single fill. Once created, these
// are never modified or deleted.
type Execution struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Liquidity    string          `json:"liquidity" db:"liquidity"` // "MAKER" or "TAKER"
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// Lot is a discrete batch of opened exposure with its own cost basis,
// closed down over time by offsetting fills. Never physically deleted;
// a lot is open while QuantityClosed < QuantityOpened.
type Lot struct {
	ID             string           `json:"id" db:"id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	InstrumentID   string           `json:"instrument_id" db:"instrument_id"`
	Direction      LotDirection     `json:"direction" db:"direction"`
	OpenPrice      decimal.Decimal  `json:"open_price" db:"open_price"`
	QuantityOpened decimal.Decimal  `json:"quantity_opened" db:"quantity_opened"`
	QuantityClosed decimal.Decimal  `json:"quantity_closed" db:"quantity_closed"`
	Method         AllocationMethod `json:"method" db:"method"`
	OpenedAt       time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt       time.Time        `json:"closed_at,omitempty" db:"closed_at"`
}

// Remaining returns the open (unclosed) quantity of the lot.
func (l *Lot) Remaining() decimal.Decimal {
	return l.QuantityOpened.Sub(l.QuantityClosed)
}

// Open reports whether the lot still carries exposure.
func (l *Lot) Open() bool { return l.Remaining().IsPositive() }

// Position is the derived per-(account, instrument) aggregate. It is a
// cache over the lot book, never an independent source of truth.
type Position struct {
	AccountID     string          `json:"account_id" db:"account_id"`
	InstrumentID  string          `json:"instrument_id" db:"instrument_id"`
	NetQuantity   decimal.Decimal `json:"net_quantity" db:"net_quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	MarkPrice     decimal.Decimal `json:"mark_price" db:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable, append-only cash movement. Entries are
// ordered by a strictly increasing sequence per account and
// BalanceAfter[n] = BalanceAfter[n-1] + Amount[n].
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Seq          int64           `json:"seq" db:"seq"`
	Type         EntryType       `json:"type" db:"type"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed
	Currency     string          `json:"currency" db:"currency"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reference    string          `json:"reference,omitempty" db:"reference"` // e.g. execution or batch id
	Remarks      string          `json:"remarks,omitempty" db:"remarks"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// MarginRuleScope is the level a margin rule applies at. Resolution order
// is instrument-specific, then exchange-wide, then default.
type MarginRuleScope string

const (
	ScopeInstrument MarginRuleScope = "INSTRUMENT"
	ScopeExchange   MarginRuleScope = "EXCHANGE"
	ScopeDefault    MarginRuleScope = "DEFAULT"
)

// MarginRule is a read-only input to the margin evaluator.
type MarginRule struct {
	ID             string          `json:"id" db:"id"`
	Scope          MarginRuleScope `json:"scope" db:"scope"`
	InstrumentID   string          `json:"instrument_id,omitempty" db:"instrument_id"`
	Exchange       string          `json:"exchange,omitempty" db:"exchange"`
	InitialPct     decimal.Decimal `json:"initial_pct" db:"initial_pct"`
	MaintenancePct decimal.Decimal `json:"maintenance_pct" db:"maintenance_pct"`
	Params         json.RawMessage `json:"params,omitempty" db:"params"`
}

// RiskAlert is created only by the margin evaluator. The record is
// immutable except for episode closure (ClosedAt), which re-arms
// deduplication for the same account and alert type.
type RiskAlert struct {
	ID          string     `json:"id" db:"id"`
	Type        AlertType  `json:"type" db:"type"`
	AccountID   string     `json:"account_id" db:"account_id"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// SettlementBatch is one end-of-day settlement run. A batch for a given
// (ref date, kind, scope) runs at most once to completion.
type SettlementBatch struct {
	ID          string      `json:"id" db:"id"`
	RefDate     string      `json:"ref_date" db:"ref_date"` // YYYY-MM-DD
	Kind        BatchKind   `json:"kind" db:"kind"`
	Scope       string      `json:"scope" db:"scope"` // exchange, or "*" for all
	Status      BatchStatus `json:"status" db:"status"`
	Remarks     string      `json:"remarks,omitempty" db:"remarks"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// Key returns the idempotency key for the batch.
func (b *SettlementBatch) Key() string {
	return b.RefDate + "/" + string(b.Kind) + "/" + b.Scope
}

// Instrument is reference data consumed from the excluded reference-data
// surface: tick/lot size, currency, exchange and settlement convention.
type Instrument struct {
	ID       string          `json:"id" db:"id"`
	Symbol   string          `json:"symbol" db:"symbol"`
	Exchange string          `json:"exchange" db:"exchange"`
	Currency string          `json:"currency" db:"currency"`
	TickSize decimal.Decimal `json:"tick_size" db:"tick_size"`
	LotSize  decimal.Decimal `json:"lot_size" db:"lot_size"`
	DailyMTM bool            `json:"daily_mtm" db:"daily_mtm"` // futures-style daily re-basing
	Tradable bool            `json:"tradable" db:"tradable"`
}

// Account is reference data for a trading account. Restricted is the
// order-entry gate flag flipped on auto square-off.
type Account struct {
	ID         string           `json:"id" db:"id"`
	Currency   string           `json:"currency" db:"currency"`
	Allocation AllocationMethod `json:"allocation" db:"allocation"`
	Active     bool             `json:"active" db:"active"`
	Restricted bool             `json:"restricted" db:"restricted"`
}

// SettlementPrice is the daily settlement price for one instrument.
type SettlementPrice struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	RefDate      string          `json:"ref_date" db:"ref_date"`
	Price        decimal.Decimal `json:"price" db:"price"`
}

// CorporateAction is a ratio and/or cash adjustment applied to open lots
// during a CORPORATE_ACTION settlement batch.
type CorporateAction struct {
	ID           string          `json:"id" db:"id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	RefDate      string          `json:"ref_date" db:"ref_date"`
	Ratio        decimal.Decimal `json:"ratio" db:"ratio"`          // quantity multiplier, 1 = none
	CashPerShare decimal.Decimal `json:"cash_per_share" db:"cash_per_share"` // dividend-style cash, 0 = none
	Remarks      string          `json:"remarks,omitempty" db:"remarks"`
}
