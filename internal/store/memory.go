package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Commits validate every mutation before applying any of it under one
// lock, so a failed commit leaves the store untouched.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*model.Order
	orderIDs     []string // insertion order
	executions   []model.Execution
	lots         map[string]*model.Lot
	lotIDs       []string // insertion order
	ledger       map[string][]model.LedgerEntry
	positions    map[string]model.Position
	instruments  map[string]*model.Instrument
	accounts     map[string]*model.Account
	marginRules  []model.MarginRule
	alerts       []*model.RiskAlert
	batches      []*model.SettlementBatch
	settlePrices map[string]model.SettlementPrice
	corpActions  []model.CorporateAction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*model.Order),
		lots:         make(map[string]*model.Lot),
		ledger:       make(map[string][]model.LedgerEntry),
		positions:    make(map[string]model.Position),
		instruments:  make(map[string]*model.Instrument),
		accounts:     make(map[string]*model.Account),
		settlePrices: make(map[string]model.SettlementPrice),
	}
}

func posKey(accountID, instrumentID string) string { return accountID + "|" + instrumentID }
func priceKey(instrumentID, refDate string) string { return instrumentID + "|" + refDate }

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *o
	s.orders[o.ID] = &copy
	s.orderIDs = append(s.orderIDs, o.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "order", ID: id}
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id string, status model.OrderStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return &model.NotFoundError{Entity: "order", ID: id}
	}
	o.Status = status
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string, p Page) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []model.Order
	for _, id := range s.orderIDs {
		if o := s.orders[id]; o.AccountID == accountID {
			all = append(all, *o)
		}
	}
	return pageSlice(all, p), nil
}

func (s *MemoryStore) ListExpirableDayOrders(_ context.Context, scope string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, id := range s.orderIDs {
		o := s.orders[id]
		if o.TimeInForce != model.TIFDay || o.Status.Terminal() || o.Status == model.OrderNew {
			continue
		}
		if scope != "*" {
			inst, ok := s.instruments[o.InstrumentID]
			if !ok || inst.Exchange != scope {
				continue
			}
		}
		out = append(out, *o)
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) ListExecutionsByAccount(_ context.Context, accountID string, p Page) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []model.Execution
	for _, e := range s.executions {
		if e.AccountID == accountID {
			all = append(all, e)
		}
	}
	return pageSlice(all, p), nil
}

func (s *MemoryStore) ListExecutionsByOrder(_ context.Context, orderID string) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Execution
	for _, e := range s.executions {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Lot book ---

func (s *MemoryStore) OpenLots(_ context.Context, accountID, instrumentID string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Lot
	for _, id := range s.lotIDs {
		l := s.lots[id]
		if l.AccountID == accountID && l.InstrumentID == instrumentID && l.Open() {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLots(_ context.Context, accountID, instrumentID string, p Page) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []model.Lot
	for _, id := range s.lotIDs {
		l := s.lots[id]
		if l.AccountID == accountID && l.InstrumentID == instrumentID {
			all = append(all, *l)
		}
	}
	return pageSlice(all, p), nil
}

func (s *MemoryStore) ListOpenLotsByScope(_ context.Context, scope string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Lot
	for _, id := range s.lotIDs {
		l := s.lots[id]
		if !l.Open() {
			continue
		}
		if scope != "*" {
			inst, ok := s.instruments[l.InstrumentID]
			if !ok || inst.Exchange != scope {
				continue
			}
		}
		out = append(out, *l)
	}
	return out, nil
}

// --- Cash ledger ---

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string, p Page) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.ledger[accountID]
	out := make([]model.LedgerEntry, len(entries))
	copy(out, entries)
	return pageSlice(out, p), nil
}

func (s *MemoryStore) LedgerTail(_ context.Context, accountID string) (int64, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgerTailLocked(accountID)
}

func (s *MemoryStore) ledgerTailLocked(accountID string) (int64, decimal.Decimal, error) {
	entries := s.ledger[accountID]
	if len(entries) == 0 {
		return 0, decimal.Zero, nil
	}
	last := entries[len(entries)-1]
	return last.Seq, last.BalanceAfter, nil
}

// --- Position cache ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey(accountID, instrumentID)]
	if !ok {
		return nil, &model.NotFoundError{Entity: "position", ID: posKey(accountID, instrumentID)}
	}
	copy := p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string, p Page) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []model.Position
	for _, pos := range s.positions {
		if pos.AccountID == accountID {
			all = append(all, pos)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InstrumentID < all[j].InstrumentID })
	return pageSlice(all, p), nil
}

// --- Reference data ---

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "instrument", ID: id}
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *inst
	s.instruments[inst.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "account", ID: id}
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) SetAccountRestricted(_ context.Context, id string, restricted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return &model.NotFoundError{Entity: "account", ID: id}
	}
	a.Restricted = restricted
	return nil
}

func (s *MemoryStore) ListMarginRules(_ context.Context) ([]model.MarginRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MarginRule, len(s.marginRules))
	copy(out, s.marginRules)
	return out, nil
}

func (s *MemoryStore) UpsertMarginRule(_ context.Context, r *model.MarginRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.marginRules {
		if s.marginRules[i].ID == r.ID {
			s.marginRules[i] = *r
			return nil
		}
	}
	s.marginRules = append(s.marginRules, *r)
	return nil
}

func (s *MemoryStore) SettlementPrice(_ context.Context, instrumentID, refDate string) (*model.SettlementPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.settlePrices[priceKey(instrumentID, refDate)]
	if !ok {
		return nil, &model.NotFoundError{Entity: "settlement price", ID: priceKey(instrumentID, refDate)}
	}
	copy := p
	return &copy, nil
}

func (s *MemoryStore) UpsertSettlementPrice(_ context.Context, p *model.SettlementPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlePrices[priceKey(p.InstrumentID, p.RefDate)] = *p
	return nil
}

func (s *MemoryStore) CorporateActionsByDate(_ context.Context, refDate, scope string) ([]model.CorporateAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CorporateAction
	for _, ca := range s.corpActions {
		if ca.RefDate != refDate {
			continue
		}
		if scope != "*" {
			inst, ok := s.instruments[ca.InstrumentID]
			if !ok || inst.Exchange != scope {
				continue
			}
		}
		out = append(out, ca)
	}
	return out, nil
}

func (s *MemoryStore) UpsertCorporateAction(_ context.Context, ca *model.CorporateAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpActions = append(s.corpActions, *ca)
	return nil
}

// --- Risk alerts ---

func (s *MemoryStore) InsertRiskAlert(_ context.Context, a *model.RiskAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *a
	s.alerts = append(s.alerts, &copy)
	return nil
}

func (s *MemoryStore) OpenAlert(_ context.Context, accountID string, typ model.AlertType) (*model.RiskAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.AccountID == accountID && a.Type == typ && a.ClosedAt == nil {
			copy := *a
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CloseAlert(_ context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == alertID {
			t := at
			a.ClosedAt = &t
			return nil
		}
	}
	return &model.NotFoundError{Entity: "risk alert", ID: alertID}
}

func (s *MemoryStore) ListRiskAlerts(_ context.Context, accountID string, p Page) ([]model.RiskAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []model.RiskAlert
	for _, a := range s.alerts {
		if a.AccountID == accountID {
			all = append(all, *a)
		}
	}
	return pageSlice(all, p), nil
}

// --- Settlement batches ---

func (s *MemoryStore) AcquireSettlementBatch(_ context.Context, b *model.SettlementBatch) (*model.SettlementBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prior := range s.batches {
		if prior.Key() != b.Key() {
			continue
		}
		switch prior.Status {
		case model.BatchCompleted:
			copy := *prior
			return &copy, nil
		case model.BatchRunning:
			return nil, &model.SettlementConflictError{Key: b.Key(), Status: prior.Status}
		}
	}
	copy := *b
	copy.Status = model.BatchRunning
	s.batches = append(s.batches, &copy)
	return nil, nil
}

func (s *MemoryStore) FailSettlementBatch(_ context.Context, batchID, remarks string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ID == batchID {
			b.Status = model.BatchFailed
			b.Remarks = remarks
			b.CompletedAt = at
			return nil
		}
	}
	return &model.NotFoundError{Entity: "settlement batch", ID: batchID}
}

func (s *MemoryStore) ListSettlementBatches(_ context.Context, p Page) ([]model.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]model.SettlementBatch, 0, len(s.batches))
	for _, b := range s.batches {
		all = append(all, *b)
	}
	return pageSlice(all, p), nil
}

// --- Atomic commits ---

func (s *MemoryStore) CommitFill(_ context.Context, c FillCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating anything.
	if _, ok := s.orders[c.Order.ID]; !ok {
		return &model.NotFoundError{Entity: "order", ID: c.Order.ID}
	}
	for i := range c.LotUpdates {
		if _, ok := s.lots[c.LotUpdates[i].ID]; !ok {
			return &model.NotFoundError{Entity: "lot", ID: c.LotUpdates[i].ID}
		}
	}
	tailSeq, tailBalance, _ := s.ledgerTailLocked(c.Execution.AccountID)
	if err := ValidateChain(c.Execution.AccountID, tailSeq, tailBalance, c.Entries); err != nil {
		return err
	}

	// Apply.
	s.executions = append(s.executions, c.Execution)
	ord := c.Order
	s.orders[ord.ID] = &ord
	for i := range c.LotUpdates {
		l := c.LotUpdates[i]
		s.lots[l.ID] = &l
	}
	for i := range c.NewLots {
		l := c.NewLots[i]
		s.lots[l.ID] = &l
		s.lotIDs = append(s.lotIDs, l.ID)
	}
	s.ledger[c.Execution.AccountID] = append(s.ledger[c.Execution.AccountID], c.Entries...)
	s.positions[posKey(c.Position.AccountID, c.Position.InstrumentID)] = c.Position
	return nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, c SettlementCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch *model.SettlementBatch
	for _, b := range s.batches {
		if b.ID == c.BatchID {
			batch = b
			break
		}
	}
	if batch == nil {
		return &model.NotFoundError{Entity: "settlement batch", ID: c.BatchID}
	}
	if batch.Status != model.BatchRunning {
		return &model.InvalidStateError{
			Entity: "settlement batch", ID: c.BatchID,
			From: string(batch.Status), To: string(model.BatchCompleted),
		}
	}
	for i := range c.LotUpdates {
		if _, ok := s.lots[c.LotUpdates[i].ID]; !ok {
			return &model.NotFoundError{Entity: "lot", ID: c.LotUpdates[i].ID}
		}
	}
	for i := range c.Orders {
		if _, ok := s.orders[c.Orders[i].ID]; !ok {
			return &model.NotFoundError{Entity: "order", ID: c.Orders[i].ID}
		}
	}
	for accountID, entries := range groupByAccount(c.Entries) {
		tailSeq, tailBalance, _ := s.ledgerTailLocked(accountID)
		if err := ValidateChain(accountID, tailSeq, tailBalance, entries); err != nil {
			return err
		}
	}

	// Apply.
	for i := range c.LotUpdates {
		l := c.LotUpdates[i]
		s.lots[l.ID] = &l
	}
	for i := range c.Orders {
		o := c.Orders[i]
		s.orders[o.ID] = &o
	}
	for accountID, entries := range groupByAccount(c.Entries) {
		s.ledger[accountID] = append(s.ledger[accountID], entries...)
	}
	for i := range c.Positions {
		p := c.Positions[i]
		s.positions[posKey(p.AccountID, p.InstrumentID)] = p
	}
	batch.Status = model.BatchCompleted
	batch.CompletedAt = c.CompletedAt
	batch.Remarks = c.Remarks
	return nil
}

// groupByAccount splits ledger entries by account, preserving order.
func groupByAccount(entries []model.LedgerEntry) map[string][]model.LedgerEntry {
	grouped := make(map[string][]model.LedgerEntry)
	for _, e := range entries {
		grouped[e.AccountID] = append(grouped[e.AccountID], e)
	}
	return grouped
}

func pageSlice[T any](all []T, p Page) []T {
	if p.Offset >= len(all) {
		return []T{}
	}
	end := p.Offset + p.limit()
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end]
}
