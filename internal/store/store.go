// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// Page bounds account-scoped range queries. A zero Limit means the
// implementation default (100).
type Page struct {
	Limit  int
	Offset int
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return 100
	}
	return p.Limit
}

// FillCommit is the atomic unit a fill produces: the execution record,
// lot mutations, ledger entries, the order's new state and the refreshed
// position cache. A store applies all of it or none of it.
type FillCommit struct {
	Execution  model.Execution
	Order      model.Order
	NewLots    []model.Lot
	LotUpdates []model.Lot
	Entries    []model.LedgerEntry
	Position   model.Position
}

// SettlementCommit is the atomic unit a settlement batch run produces.
// Completing the batch and applying its mutations happen together.
type SettlementCommit struct {
	BatchID     string
	CompletedAt time.Time
	Remarks     string
	LotUpdates  []model.Lot
	Entries     []model.LedgerEntry
	Positions   []model.Position
	Orders      []model.Order // expired orders for EXPIRY batches
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer over positions and balances.
type Store interface {
	// --- Orders (append history, never delete) ---

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// UpdateOrderStatus performs a single-record transition
	// (cancel/expire/reject paths). Fill-path updates ride CommitFill.
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, reason string, at time.Time) error
	ListOrdersByAccount(ctx context.Context, accountID string, p Page) ([]model.Order, error)
	// ListExpirableDayOrders returns non-terminal DAY orders under the
	// given exchange scope ("*" for all).
	ListExpirableDayOrders(ctx context.Context, scope string) ([]model.Order, error)

	// --- Executions (immutable) ---

	ListExecutionsByAccount(ctx context.Context, accountID string, p Page) ([]model.Execution, error)
	ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.Execution, error)

	// --- Lot book ---

	// OpenLots returns the still-open lots for one position.
	OpenLots(ctx context.Context, accountID, instrumentID string) ([]model.Lot, error)
	// ListLots returns the full lot history for one position (audit).
	ListLots(ctx context.Context, accountID, instrumentID string, p Page) ([]model.Lot, error)
	// ListOpenLotsByScope returns every open lot whose instrument trades
	// on the given exchange ("*" for all). Used by settlement.
	ListOpenLotsByScope(ctx context.Context, scope string) ([]model.Lot, error)

	// --- Cash ledger (append-only) ---

	ListLedgerEntries(ctx context.Context, accountID string, p Page) ([]model.LedgerEntry, error)
	// LedgerTail returns the last sequence number and running balance for
	// an account (0, 0 when the ledger is empty).
	LedgerTail(ctx context.Context, accountID string) (int64, decimal.Decimal, error)

	// --- Position cache ---

	GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error)
	ListPositions(ctx context.Context, accountID string, p Page) ([]model.Position, error)

	// --- Reference data (read-mostly inputs) ---

	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	UpsertInstrument(ctx context.Context, inst *model.Instrument) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpsertAccount(ctx context.Context, a *model.Account) error
	SetAccountRestricted(ctx context.Context, id string, restricted bool) error
	ListMarginRules(ctx context.Context) ([]model.MarginRule, error)
	UpsertMarginRule(ctx context.Context, r *model.MarginRule) error
	SettlementPrice(ctx context.Context, instrumentID, refDate string) (*model.SettlementPrice, error)
	UpsertSettlementPrice(ctx context.Context, p *model.SettlementPrice) error
	CorporateActionsByDate(ctx context.Context, refDate, scope string) ([]model.CorporateAction, error)
	UpsertCorporateAction(ctx context.Context, ca *model.CorporateAction) error

	// --- Risk alerts ---

	InsertRiskAlert(ctx context.Context, a *model.RiskAlert) error
	// OpenAlert returns the open (unclosed) alert for the account and
	// type, or nil when none exists.
	OpenAlert(ctx context.Context, accountID string, typ model.AlertType) (*model.RiskAlert, error)
	CloseAlert(ctx context.Context, alertID string, at time.Time) error
	ListRiskAlerts(ctx context.Context, accountID string, p Page) ([]model.RiskAlert, error)

	// --- Settlement batches ---

	// AcquireSettlementBatch atomically claims the batch key. When a
	// COMPLETED batch already exists for the key it is returned with a
	// nil error (re-run is a no-op); a RUNNING batch yields a
	// SettlementConflictError; otherwise b is persisted as RUNNING.
	AcquireSettlementBatch(ctx context.Context, b *model.SettlementBatch) (*model.SettlementBatch, error)
	FailSettlementBatch(ctx context.Context, batchID, remarks string, at time.Time) error
	ListSettlementBatches(ctx context.Context, p Page) ([]model.SettlementBatch, error)

	// --- Atomic commits ---

	// CommitFill applies one fill's full effect as a unit: execution,
	// lot mutations, ledger entries, order transition, position cache.
	CommitFill(ctx context.Context, c FillCommit) error
	// CommitSettlement completes a RUNNING batch together with its
	// mutations as a unit; a failed commit leaves every store untouched.
	CommitSettlement(ctx context.Context, c SettlementCommit) error
}

// ValidateChain checks that new ledger entries continue an account's
// sequence and prefix-sum invariant from the given tail. Every commit
// runs this before touching any store.
func ValidateChain(accountID string, tailSeq int64, tailBalance decimal.Decimal, entries []model.LedgerEntry) error {
	seq := tailSeq
	balance := tailBalance
	for i := range entries {
		e := &entries[i]
		if e.AccountID != accountID {
			return fmt.Errorf("ledger chain: entry %s belongs to account %s, want %s", e.ID, e.AccountID, accountID)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("ledger chain: entry %s has seq %d, want %d", e.ID, e.Seq, seq+1)
		}
		if !e.BalanceAfter.Equal(balance.Add(e.Amount)) {
			return fmt.Errorf("ledger chain: entry %s balance %s != %s + %s",
				e.ID, e.BalanceAfter, balance, e.Amount)
		}
		seq = e.Seq
		balance = e.BalanceAfter
	}
	return nil
}
