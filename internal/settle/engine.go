// Package settle implements the end-of-day settlement engine. A batch is
// identified by (ref date, kind, scope) and runs at most once to
// completion: re-running a COMPLETED batch is a no-op, a RUNNING batch
// conflicts, and a FAILED batch may be retried. All mutations of one run
// commit as a single unit.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/lotbook"
	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/order"
	"github.com/tradecore/ledger-engine/internal/store"
)

// moneyScale is the rounding applied to ledger amounts (currency minor
// units), banker's rounding on ties.
const moneyScale = 2

// Engine runs settlement batches against the store.
type Engine struct {
	store store.Store
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Run executes one settlement batch for (refDate, kind, scope). Scope is
// an exchange code or "*" for all. It returns the completed batch; when
// a COMPLETED batch already exists for the key the prior batch is
// returned unchanged (idempotence by batch identity).
func (e *Engine) Run(ctx context.Context, refDate string, kind model.BatchKind, scope string) (*model.SettlementBatch, error) {
	if !kind.Valid() {
		return nil, model.Invalid("kind", "must be MTM, EXPIRY or CORPORATE_ACTION")
	}
	if _, err := time.Parse("2006-01-02", refDate); err != nil {
		return nil, model.Invalid("ref_date", "must be YYYY-MM-DD")
	}
	if scope == "" {
		scope = "*"
	}

	batch := &model.SettlementBatch{
		ID:        uuid.New().String(),
		RefDate:   refDate,
		Kind:      kind,
		Scope:     scope,
		Status:    model.BatchPending,
		StartedAt: time.Now().UTC(),
	}

	prior, err := e.store.AcquireSettlementBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		slog.Info("settlement batch already completed, skipping",
			"key", batch.Key(), "batch", prior.ID)
		return prior, nil
	}
	batch.Status = model.BatchRunning

	commit, err := e.build(ctx, batch)
	if err != nil {
		return nil, e.fail(ctx, batch, err)
	}
	if err := e.store.CommitSettlement(ctx, *commit); err != nil {
		return nil, e.fail(ctx, batch, err)
	}

	batch.Status = model.BatchCompleted
	batch.CompletedAt = commit.CompletedAt
	batch.Remarks = commit.Remarks
	slog.Info("settlement batch completed",
		"key", batch.Key(),
		"batch", batch.ID,
		"entries", len(commit.Entries),
		"lots", len(commit.LotUpdates),
		"orders", len(commit.Orders),
	)
	return batch, nil
}

// fail marks the batch FAILED. The run's mutations were never committed,
// so the stores are untouched and the batch may be retried from PENDING.
func (e *Engine) fail(ctx context.Context, batch *model.SettlementBatch, cause error) error {
	now := time.Now().UTC()
	if ferr := e.store.FailSettlementBatch(ctx, batch.ID, cause.Error(), now); ferr != nil {
		slog.Error("failed to mark settlement batch FAILED", "batch", batch.ID, "err", ferr)
	}
	slog.Error("settlement batch failed", "key", batch.Key(), "batch", batch.ID, "err", cause)
	return fmt.Errorf("settlement batch %s: %w", batch.Key(), cause)
}

func (e *Engine) build(ctx context.Context, batch *model.SettlementBatch) (*store.SettlementCommit, error) {
	switch batch.Kind {
	case model.BatchMTM:
		return e.buildMTM(ctx, batch)
	case model.BatchCorporateAction:
		return e.buildCorporateAction(ctx, batch)
	case model.BatchExpiry:
		return e.buildExpiry(ctx, batch)
	}
	return nil, model.Invalid("kind", "unknown batch kind")
}

// positionGroup is one (account, instrument) slice of the open lot book.
type positionGroup struct {
	accountID    string
	instrumentID string
	lots         []model.Lot
}

func groupLots(lots []model.Lot) []positionGroup {
	idx := make(map[string]int)
	var groups []positionGroup
	for _, l := range lots {
		key := l.AccountID + "|" + l.InstrumentID
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, positionGroup{accountID: l.AccountID, instrumentID: l.InstrumentID})
		}
		groups[i].lots = append(groups[i].lots, l)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].accountID != groups[j].accountID {
			return groups[i].accountID < groups[j].accountID
		}
		return groups[i].instrumentID < groups[j].instrumentID
	})
	return groups
}

// ledgerTails hands out chained sequence numbers per account during one
// batch build.
type ledgerTails struct {
	store store.Store
	tails map[string]*tail
}

type tail struct {
	seq     int64
	balance decimal.Decimal
}

func newLedgerTails(st store.Store) *ledgerTails {
	return &ledgerTails{store: st, tails: make(map[string]*tail)}
}

func (lt *ledgerTails) next(ctx context.Context, accountID string, amount decimal.Decimal) (int64, decimal.Decimal, error) {
	t, ok := lt.tails[accountID]
	if !ok {
		seq, balance, err := lt.store.LedgerTail(ctx, accountID)
		if err != nil {
			return 0, decimal.Zero, err
		}
		t = &tail{seq: seq, balance: balance}
		lt.tails[accountID] = t
	}
	t.seq++
	t.balance = t.balance.Add(amount)
	return t.seq, t.balance, nil
}

func (e *Engine) buildMTM(ctx context.Context, batch *model.SettlementBatch) (*store.SettlementCommit, error) {
	lots, err := e.store.ListOpenLotsByScope(ctx, batch.Scope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	commit := &store.SettlementCommit{BatchID: batch.ID, CompletedAt: now}
	tails := newLedgerTails(e.store)
	marked := 0

	for _, g := range groupLots(lots) {
		inst, err := e.store.GetInstrument(ctx, g.instrumentID)
		if err != nil {
			return nil, err
		}
		sp, err := e.store.SettlementPrice(ctx, g.instrumentID, batch.RefDate)
		if err != nil {
			return nil, fmt.Errorf("missing settlement price for %s on %s: %w",
				g.instrumentID, batch.RefDate, err)
		}
		settlePx := lotbook.RoundToTick(sp.Price, inst.TickSize)

		snap := lotbook.Aggregate(g.lots, settlePx)
		pos, err := e.currentPosition(ctx, g.accountID, g.instrumentID)
		if err != nil {
			return nil, err
		}

		if inst.DailyMTM {
			// Futures convention: realize the variation margin in cash
			// and re-base every open lot to the settlement price.
			variation := snap.UnrealizedPnL.RoundBank(moneyScale)
			if !variation.IsZero() {
				seq, balance, err := tails.next(ctx, g.accountID, variation)
				if err != nil {
					return nil, err
				}
				commit.Entries = append(commit.Entries, model.LedgerEntry{
					ID:           uuid.New().String(),
					AccountID:    g.accountID,
					Seq:          seq,
					Type:         model.EntrySettlement,
					Amount:       variation,
					Currency:     inst.Currency,
					BalanceAfter: balance,
					Reference:    batch.ID,
					Remarks:      "variation margin " + inst.Symbol + " " + batch.RefDate,
					Timestamp:    now,
				})
			}
			for _, l := range g.lots {
				l.OpenPrice = settlePx
				commit.LotUpdates = append(commit.LotUpdates, l)
			}
			pos.AvgCost = settlePx
			pos.UnrealizedPnL = decimal.Zero
			pos.RealizedPnL = pos.RealizedPnL.Add(variation)
		} else {
			pos.AvgCost = snap.AvgCost
			pos.UnrealizedPnL = snap.UnrealizedPnL
		}
		pos.NetQuantity = snap.NetQuantity
		pos.MarkPrice = settlePx
		pos.UpdatedAt = now
		commit.Positions = append(commit.Positions, pos)
		marked++
	}

	commit.Remarks = fmt.Sprintf("marked %d positions", marked)
	return commit, nil
}

func (e *Engine) buildCorporateAction(ctx context.Context, batch *model.SettlementBatch) (*store.SettlementCommit, error) {
	actions, err := e.store.CorporateActionsByDate(ctx, batch.RefDate, batch.Scope)
	if err != nil {
		return nil, err
	}
	allLots, err := e.store.ListOpenLotsByScope(ctx, batch.Scope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	commit := &store.SettlementCommit{BatchID: batch.ID, CompletedAt: now}
	tails := newLedgerTails(e.store)
	applied := 0

	for _, ca := range actions {
		if !ca.Ratio.IsPositive() {
			return nil, model.Invalid("ratio", "corporate action ratio must be positive")
		}
		inst, err := e.store.GetInstrument(ctx, ca.InstrumentID)
		if err != nil {
			return nil, err
		}

		var affected []model.Lot
		for _, l := range allLots {
			if l.InstrumentID == ca.InstrumentID {
				affected = append(affected, l)
			}
		}

		for _, g := range groupLots(affected) {
			one := decimal.NewFromInt(1)
			rebased := make([]model.Lot, 0, len(g.lots))
			if !ca.Ratio.Equal(one) {
				for _, l := range g.lots {
					l.QuantityOpened = l.QuantityOpened.Mul(ca.Ratio)
					l.QuantityClosed = l.QuantityClosed.Mul(ca.Ratio)
					l.OpenPrice = lotbook.RoundToTick(l.OpenPrice.Div(ca.Ratio), inst.TickSize)
					rebased = append(rebased, l)
				}
				commit.LotUpdates = append(commit.LotUpdates, rebased...)
			} else {
				rebased = g.lots
			}

			pos, err := e.currentPosition(ctx, g.accountID, g.instrumentID)
			if err != nil {
				return nil, err
			}
			snap := lotbook.Aggregate(rebased, pos.MarkPrice)

			if !ca.CashPerShare.IsZero() {
				cash := ca.CashPerShare.Mul(snap.NetQuantity).RoundBank(moneyScale)
				if !cash.IsZero() {
					seq, balance, err := tails.next(ctx, g.accountID, cash)
					if err != nil {
						return nil, err
					}
					commit.Entries = append(commit.Entries, model.LedgerEntry{
						ID:           uuid.New().String(),
						AccountID:    g.accountID,
						Seq:          seq,
						Type:         model.EntryCorporateAction,
						Amount:       cash,
						Currency:     inst.Currency,
						BalanceAfter: balance,
						Reference:    ca.ID,
						Remarks:      ca.Remarks,
						Timestamp:    now,
					})
				}
			}

			pos.NetQuantity = snap.NetQuantity
			pos.AvgCost = snap.AvgCost
			pos.UnrealizedPnL = snap.UnrealizedPnL
			pos.UpdatedAt = now
			commit.Positions = append(commit.Positions, pos)
			applied++
		}
	}

	commit.Remarks = fmt.Sprintf("applied %d corporate actions across %d positions", len(actions), applied)
	return commit, nil
}

// buildExpiry sweeps non-terminal DAY orders into EXPIRED at session
// close.
func (e *Engine) buildExpiry(ctx context.Context, batch *model.SettlementBatch) (*store.SettlementCommit, error) {
	orders, err := e.store.ListExpirableDayOrders(ctx, batch.Scope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	commit := &store.SettlementCommit{BatchID: batch.ID, CompletedAt: now}

	for _, o := range orders {
		if err := order.Transition(&o, model.OrderExpired); err != nil {
			return nil, err
		}
		o.Reason = "SESSION_CLOSE"
		o.UpdatedAt = now
		commit.Orders = append(commit.Orders, o)
	}

	commit.Remarks = fmt.Sprintf("expired %d DAY orders", len(commit.Orders))
	return commit, nil
}

// currentPosition loads the cached position, or a zero-valued one when
// the cache has no record yet. Any other read failure fails the batch:
// realized P&L lives on the cached position and must not be rebuilt
// from a default.
func (e *Engine) currentPosition(ctx context.Context, accountID, instrumentID string) (model.Position, error) {
	p, err := e.store.GetPosition(ctx, accountID, instrumentID)
	if err == nil {
		return *p, nil
	}
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		return model.Position{}, err
	}
	return model.Position{
		AccountID:     accountID,
		InstrumentID:  instrumentID,
		NetQuantity:   decimal.Zero,
		AvgCost:       decimal.Zero,
		MarkPrice:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}, nil
}
