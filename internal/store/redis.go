package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the hot read paths: position lists and cash balances. Commits
// go to the primary store and invalidate the affected accounts; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func positionsCacheKey(accountID string) string { return fmt.Sprintf("positions:%s", accountID) }
func balanceCacheKey(accountID string) string   { return fmt.Sprintf("balance:%s", accountID) }

// --- Cached reads ---

func (s *CachedStore) ListPositions(ctx context.Context, accountID string, p Page) ([]model.Position, error) {
	// Only the default page is cached; bounded pages pass through.
	if p.Offset != 0 || p.Limit != 0 {
		return s.primary.ListPositions(ctx, accountID, p)
	}

	data, err := s.rdb.Get(ctx, positionsCacheKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID, p)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsCacheKey(accountID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) LedgerTail(ctx context.Context, accountID string) (int64, decimal.Decimal, error) {
	cached, err := s.rdb.Get(ctx, balanceCacheKey(accountID)).Result()
	if err == nil {
		var seq int64
		var balStr string
		if _, scanErr := fmt.Sscanf(cached, "%d|%s", &seq, &balStr); scanErr == nil {
			if bal, decErr := decimal.NewFromString(balStr); decErr == nil {
				return seq, bal, nil
			}
		}
	}

	seq, bal, err := s.primary.LedgerTail(ctx, accountID)
	if err != nil {
		return 0, decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceCacheKey(accountID),
		strconv.FormatInt(seq, 10)+"|"+bal.String(), s.ttl)
	return seq, bal, nil
}

// --- Commits (write to primary, invalidate cache) ---

func (s *CachedStore) CommitFill(ctx context.Context, c FillCommit) error {
	if err := s.primary.CommitFill(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, c.Execution.AccountID)
	return nil
}

func (s *CachedStore) CommitSettlement(ctx context.Context, c SettlementCommit) error {
	if err := s.primary.CommitSettlement(ctx, c); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, p := range c.Positions {
		seen[p.AccountID] = true
	}
	for _, e := range c.Entries {
		seen[e.AccountID] = true
	}
	for accountID := range seen {
		s.invalidate(ctx, accountID)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, accountID string) {
	s.rdb.Del(ctx, positionsCacheKey(accountID), balanceCacheKey(accountID))
}

// --- Passthrough ---

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, reason string, at time.Time) error {
	return s.primary.UpdateOrderStatus(ctx, id, status, reason, at)
}

func (s *CachedStore) ListOrdersByAccount(ctx context.Context, accountID string, p Page) ([]model.Order, error) {
	return s.primary.ListOrdersByAccount(ctx, accountID, p)
}

func (s *CachedStore) ListExpirableDayOrders(ctx context.Context, scope string) ([]model.Order, error) {
	return s.primary.ListExpirableDayOrders(ctx, scope)
}

func (s *CachedStore) ListExecutionsByAccount(ctx context.Context, accountID string, p Page) ([]model.Execution, error) {
	return s.primary.ListExecutionsByAccount(ctx, accountID, p)
}

func (s *CachedStore) ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.Execution, error) {
	return s.primary.ListExecutionsByOrder(ctx, orderID)
}

func (s *CachedStore) OpenLots(ctx context.Context, accountID, instrumentID string) ([]model.Lot, error) {
	return s.primary.OpenLots(ctx, accountID, instrumentID)
}

func (s *CachedStore) ListLots(ctx context.Context, accountID, instrumentID string, p Page) ([]model.Lot, error) {
	return s.primary.ListLots(ctx, accountID, instrumentID, p)
}

func (s *CachedStore) ListOpenLotsByScope(ctx context.Context, scope string) ([]model.Lot, error) {
	return s.primary.ListOpenLotsByScope(ctx, scope)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string, p Page) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, instrumentID)
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return s.primary.GetInstrument(ctx, id)
}

func (s *CachedStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	return s.primary.UpsertInstrument(ctx, inst)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	return s.primary.UpsertAccount(ctx, a)
}

func (s *CachedStore) SetAccountRestricted(ctx context.Context, id string, restricted bool) error {
	return s.primary.SetAccountRestricted(ctx, id, restricted)
}

func (s *CachedStore) ListMarginRules(ctx context.Context) ([]model.MarginRule, error) {
	return s.primary.ListMarginRules(ctx)
}

func (s *CachedStore) UpsertMarginRule(ctx context.Context, r *model.MarginRule) error {
	return s.primary.UpsertMarginRule(ctx, r)
}

func (s *CachedStore) SettlementPrice(ctx context.Context, instrumentID, refDate string) (*model.SettlementPrice, error) {
	return s.primary.SettlementPrice(ctx, instrumentID, refDate)
}

func (s *CachedStore) UpsertSettlementPrice(ctx context.Context, p *model.SettlementPrice) error {
	return s.primary.UpsertSettlementPrice(ctx, p)
}

func (s *CachedStore) CorporateActionsByDate(ctx context.Context, refDate, scope string) ([]model.CorporateAction, error) {
	return s.primary.CorporateActionsByDate(ctx, refDate, scope)
}

func (s *CachedStore) UpsertCorporateAction(ctx context.Context, ca *model.CorporateAction) error {
	return s.primary.UpsertCorporateAction(ctx, ca)
}

func (s *CachedStore) InsertRiskAlert(ctx context.Context, a *model.RiskAlert) error {
	return s.primary.InsertRiskAlert(ctx, a)
}

func (s *CachedStore) OpenAlert(ctx context.Context, accountID string, typ model.AlertType) (*model.RiskAlert, error) {
	return s.primary.OpenAlert(ctx, accountID, typ)
}

func (s *CachedStore) CloseAlert(ctx context.Context, alertID string, at time.Time) error {
	return s.primary.CloseAlert(ctx, alertID, at)
}

func (s *CachedStore) ListRiskAlerts(ctx context.Context, accountID string, p Page) ([]model.RiskAlert, error) {
	return s.primary.ListRiskAlerts(ctx, accountID, p)
}

func (s *CachedStore) AcquireSettlementBatch(ctx context.Context, b *model.SettlementBatch) (*model.SettlementBatch, error) {
	return s.primary.AcquireSettlementBatch(ctx, b)
}

func (s *CachedStore) FailSettlementBatch(ctx context.Context, batchID, remarks string, at time.Time) error {
	return s.primary.FailSettlementBatch(ctx, batchID, remarks, at)
}

func (s *CachedStore) ListSettlementBatches(ctx context.Context, p Page) ([]model.SettlementBatch, error) {
	return s.primary.ListSettlementBatches(ctx, p)
}
