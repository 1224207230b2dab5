package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// atomic commits run inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- Orders ---

const orderCols = `id, account_id, instrument_id, side, type,
	quantity::TEXT, limit_price::TEXT, stop_price::TEXT, time_in_force,
	status, reason, venue, filled_qty::TEXT, last_exec_at, created_at, updated_at`

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, instrument_id, side, type, quantity, limit_price,
		                     stop_price, time_in_force, status, reason, venue, filled_qty,
		                     last_exec_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12,
		         $13::NUMERIC, $14, $15, $16)`,
		o.ID, o.AccountID, o.InstrumentID, o.Side, o.Type,
		o.Quantity.String(), o.LimitPrice.String(), o.StopPrice.String(),
		o.TimeInForce, o.Status, o.Reason, o.Venue, o.FilledQty.String(),
		nullTime(o.LastExecAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var qty, limitPx, stopPx, filled string
	var lastExec *time.Time
	if err := row.Scan(&o.ID, &o.AccountID, &o.InstrumentID, &o.Side, &o.Type,
		&qty, &limitPx, &stopPx, &o.TimeInForce,
		&o.Status, &o.Reason, &o.Venue, &filled, &lastExec, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Quantity, _ = decimal.NewFromString(qty)
	o.LimitPrice, _ = decimal.NewFromString(limitPx)
	o.StopPrice, _ = decimal.NewFromString(stopPx)
	o.FilledQty, _ = decimal.NewFromString(filled)
	if lastExec != nil {
		o.LastExecAt = *lastExec
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "order", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, reason = COALESCE(NULLIF($3, ''), reason), updated_at = $4
		 WHERE id = $1`, id, status, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Entity: "order", ID: id}
	}
	return nil
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string, p Page) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE account_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		accountID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresStore) ListExpirableDayOrders(ctx context.Context, scope string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualify(orderCols, "o")+` FROM orders o
		 JOIN instruments i ON i.id = o.instrument_id
		 WHERE o.time_in_force = 'DAY'
		   AND o.status IN ('ACCEPTED', 'PARTIALLY_FILLED')
		   AND ($1 = '*' OR i.exchange = $1)
		 ORDER BY o.created_at, o.id`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// qualify prefixes every column in a comma list with a table alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// --- Executions ---

const execCols = `id, order_id, account_id, instrument_id, side,
	price::TEXT, quantity::TEXT, liquidity, fee::TEXT, executed_at`

func insertExecution(ctx context.Context, tx pgx.Tx, e *model.Execution) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO executions (id, order_id, account_id, instrument_id, side, price, quantity,
		                         liquidity, fee, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10)`,
		e.ID, e.OrderID, e.AccountID, e.InstrumentID, e.Side,
		e.Price.String(), e.Quantity.String(), e.Liquidity, e.Fee.String(), e.ExecutedAt,
	)
	return err
}

func scanExecutions(rows pgx.Rows) ([]model.Execution, error) {
	var out []model.Execution
	for rows.Next() {
		var e model.Execution
		var price, qty, fee string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.AccountID, &e.InstrumentID, &e.Side,
			&price, &qty, &e.Liquidity, &fee, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(price)
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Fee, _ = decimal.NewFromString(fee)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExecutionsByAccount(ctx context.Context, accountID string, p Page) ([]model.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execCols+` FROM executions
		 WHERE account_id = $1 ORDER BY executed_at, id LIMIT $2 OFFSET $3`,
		accountID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *PostgresStore) ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+execCols+` FROM executions
		 WHERE order_id = $1 ORDER BY executed_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// --- Lot book ---

const lotCols = `id, account_id, instrument_id, direction, open_price::TEXT,
	quantity_opened::TEXT, quantity_closed::TEXT, method, opened_at, closed_at`

func scanLots(rows pgx.Rows) ([]model.Lot, error) {
	var out []model.Lot
	for rows.Next() {
		var l model.Lot
		var openPx, opened, closed string
		var closedAt *time.Time
		if err := rows.Scan(&l.ID, &l.AccountID, &l.InstrumentID, &l.Direction,
			&openPx, &opened, &closed, &l.Method, &l.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		l.OpenPrice, _ = decimal.NewFromString(openPx)
		l.QuantityOpened, _ = decimal.NewFromString(opened)
		l.QuantityClosed, _ = decimal.NewFromString(closed)
		if closedAt != nil {
			l.ClosedAt = *closedAt
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenLots(ctx context.Context, accountID, instrumentID string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotCols+` FROM lots
		 WHERE account_id = $1 AND instrument_id = $2 AND quantity_closed < quantity_opened
		 ORDER BY opened_at, id`, accountID, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *PostgresStore) ListLots(ctx context.Context, accountID, instrumentID string, p Page) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotCols+` FROM lots
		 WHERE account_id = $1 AND instrument_id = $2
		 ORDER BY opened_at, id LIMIT $3 OFFSET $4`,
		accountID, instrumentID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *PostgresStore) ListOpenLotsByScope(ctx context.Context, scope string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualify(lotCols, "l")+` FROM lots l
		 JOIN instruments i ON i.id = l.instrument_id
		 WHERE l.quantity_closed < l.quantity_opened
		   AND ($1 = '*' OR i.exchange = $1)
		 ORDER BY l.account_id, l.instrument_id, l.opened_at, l.id`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func upsertLot(ctx context.Context, tx pgx.Tx, l *model.Lot) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO lots (id, account_id, instrument_id, direction, open_price,
		                   quantity_opened, quantity_closed, method, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   open_price = EXCLUDED.open_price,
		   quantity_opened = EXCLUDED.quantity_opened,
		   quantity_closed = EXCLUDED.quantity_closed,
		   closed_at = EXCLUDED.closed_at`,
		l.ID, l.AccountID, l.InstrumentID, l.Direction, l.OpenPrice.String(),
		l.QuantityOpened.String(), l.QuantityClosed.String(), l.Method,
		l.OpenedAt, nullTime(l.ClosedAt),
	)
	return err
}

// --- Cash ledger ---

const entryCols = `id, account_id, seq, type, amount::TEXT, currency,
	balance_after::TEXT, reference, remarks, timestamp`

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string, p Page) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+` FROM ledger_entries
		 WHERE account_id = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		accountID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, balance string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Seq, &e.Type, &amount, &e.Currency,
			&balance, &e.Reference, &e.Remarks, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(balance)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LedgerTail(ctx context.Context, accountID string) (int64, decimal.Decimal, error) {
	var seq int64
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT seq, balance_after::TEXT FROM ledger_entries
		 WHERE account_id = $1 ORDER BY seq DESC LIMIT 1`, accountID).
		Scan(&seq, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, decimal.Zero, nil
	}
	if err != nil {
		return 0, decimal.Zero, err
	}
	b, _ := decimal.NewFromString(balance)
	return seq, b, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, seq, type, amount, currency,
		                             balance_after, reference, remarks, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		e.ID, e.AccountID, e.Seq, e.Type, e.Amount.String(), e.Currency,
		e.BalanceAfter.String(), e.Reference, e.Remarks, e.Timestamp,
	)
	return err
}

// --- Position cache ---

const positionCols = `account_id, instrument_id, net_quantity::TEXT, avg_cost::TEXT,
	mark_price::TEXT, unrealized_pnl::TEXT, realized_pnl::TEXT, updated_at`

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var net, avg, mark, unrl, rl string
	if err := row.Scan(&p.AccountID, &p.InstrumentID, &net, &avg, &mark, &unrl, &rl, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.NetQuantity, _ = decimal.NewFromString(net)
	p.AvgCost, _ = decimal.NewFromString(avg)
	p.MarkPrice, _ = decimal.NewFromString(mark)
	p.UnrealizedPnL, _ = decimal.NewFromString(unrl)
	p.RealizedPnL, _ = decimal.NewFromString(rl)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "position", ID: accountID + "|" + instrumentID}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string, p Page) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE account_id = $1 ORDER BY instrument_id LIMIT $2 OFFSET $3`,
		accountID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (account_id, instrument_id, net_quantity, avg_cost, mark_price,
		                        unrealized_pnl, realized_pnl, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (account_id, instrument_id) DO UPDATE SET
		   net_quantity = EXCLUDED.net_quantity,
		   avg_cost = EXCLUDED.avg_cost,
		   mark_price = EXCLUDED.mark_price,
		   unrealized_pnl = EXCLUDED.unrealized_pnl,
		   realized_pnl = EXCLUDED.realized_pnl,
		   updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.InstrumentID, p.NetQuantity.String(), p.AvgCost.String(),
		p.MarkPrice.String(), p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.UpdatedAt,
	)
	return err
}

// --- Reference data ---

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	var tick, lot string
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, exchange, currency, tick_size::TEXT, lot_size::TEXT, daily_mtm, tradable
		 FROM instruments WHERE id = $1`, id).
		Scan(&inst.ID, &inst.Symbol, &inst.Exchange, &inst.Currency, &tick, &lot,
			&inst.DailyMTM, &inst.Tradable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "instrument", ID: id}
	}
	if err != nil {
		return nil, err
	}
	inst.TickSize, _ = decimal.NewFromString(tick)
	inst.LotSize, _ = decimal.NewFromString(lot)
	return &inst, nil
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, exchange, currency, tick_size, lot_size, daily_mtm, tradable)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   symbol = EXCLUDED.symbol, exchange = EXCLUDED.exchange, currency = EXCLUDED.currency,
		   tick_size = EXCLUDED.tick_size, lot_size = EXCLUDED.lot_size,
		   daily_mtm = EXCLUDED.daily_mtm, tradable = EXCLUDED.tradable`,
		inst.ID, inst.Symbol, inst.Exchange, inst.Currency,
		inst.TickSize.String(), inst.LotSize.String(), inst.DailyMTM, inst.Tradable,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, currency, allocation, active, restricted FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Currency, &a.Allocation, &a.Active, &a.Restricted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "account", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, currency, allocation, active, restricted)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   currency = EXCLUDED.currency, allocation = EXCLUDED.allocation,
		   active = EXCLUDED.active, restricted = EXCLUDED.restricted`,
		a.ID, a.Currency, a.Allocation, a.Active, a.Restricted,
	)
	return err
}

func (s *PostgresStore) SetAccountRestricted(ctx context.Context, id string, restricted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET restricted = $2 WHERE id = $1`, id, restricted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Entity: "account", ID: id}
	}
	return nil
}

func (s *PostgresStore) ListMarginRules(ctx context.Context) ([]model.MarginRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, instrument_id, exchange, initial_pct::TEXT, maintenance_pct::TEXT, params
		 FROM margin_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarginRule
	for rows.Next() {
		var r model.MarginRule
		var initial, maint string
		if err := rows.Scan(&r.ID, &r.Scope, &r.InstrumentID, &r.Exchange,
			&initial, &maint, &r.Params); err != nil {
			return nil, err
		}
		r.InitialPct, _ = decimal.NewFromString(initial)
		r.MaintenancePct, _ = decimal.NewFromString(maint)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertMarginRule(ctx context.Context, r *model.MarginRule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO margin_rules (id, scope, instrument_id, exchange, initial_pct, maintenance_pct, params)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   scope = EXCLUDED.scope, instrument_id = EXCLUDED.instrument_id,
		   exchange = EXCLUDED.exchange, initial_pct = EXCLUDED.initial_pct,
		   maintenance_pct = EXCLUDED.maintenance_pct, params = EXCLUDED.params`,
		r.ID, r.Scope, r.InstrumentID, r.Exchange,
		r.InitialPct.String(), r.MaintenancePct.String(), r.Params,
	)
	return err
}

func (s *PostgresStore) SettlementPrice(ctx context.Context, instrumentID, refDate string) (*model.SettlementPrice, error) {
	var p model.SettlementPrice
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT instrument_id, ref_date, price::TEXT FROM settlement_prices
		 WHERE instrument_id = $1 AND ref_date = $2`, instrumentID, refDate).
		Scan(&p.InstrumentID, &p.RefDate, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "settlement price", ID: instrumentID + "|" + refDate}
	}
	if err != nil {
		return nil, err
	}
	p.Price, _ = decimal.NewFromString(price)
	return &p, nil
}

func (s *PostgresStore) UpsertSettlementPrice(ctx context.Context, p *model.SettlementPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_prices (instrument_id, ref_date, price)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (instrument_id, ref_date) DO UPDATE SET price = EXCLUDED.price`,
		p.InstrumentID, p.RefDate, p.Price.String(),
	)
	return err
}

func (s *PostgresStore) CorporateActionsByDate(ctx context.Context, refDate, scope string) ([]model.CorporateAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ca.id, ca.instrument_id, ca.ref_date, ca.ratio::TEXT, ca.cash_per_share::TEXT, ca.remarks
		 FROM corporate_actions ca
		 JOIN instruments i ON i.id = ca.instrument_id
		 WHERE ca.ref_date = $1 AND ($2 = '*' OR i.exchange = $2)`, refDate, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CorporateAction
	for rows.Next() {
		var ca model.CorporateAction
		var ratio, cash string
		if err := rows.Scan(&ca.ID, &ca.InstrumentID, &ca.RefDate, &ratio, &cash, &ca.Remarks); err != nil {
			return nil, err
		}
		ca.Ratio, _ = decimal.NewFromString(ratio)
		ca.CashPerShare, _ = decimal.NewFromString(cash)
		out = append(out, ca)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertCorporateAction(ctx context.Context, ca *model.CorporateAction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO corporate_actions (id, instrument_id, ref_date, ratio, cash_per_share, remarks)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO NOTHING`,
		ca.ID, ca.InstrumentID, ca.RefDate, ca.Ratio.String(), ca.CashPerShare.String(), ca.Remarks,
	)
	return err
}

// --- Risk alerts ---

func (s *PostgresStore) InsertRiskAlert(ctx context.Context, a *model.RiskAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_alerts (id, type, account_id, description, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Type, a.AccountID, a.Description, a.CreatedAt, a.ClosedAt,
	)
	return err
}

func (s *PostgresStore) OpenAlert(ctx context.Context, accountID string, typ model.AlertType) (*model.RiskAlert, error) {
	var a model.RiskAlert
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, account_id, description, created_at, closed_at FROM risk_alerts
		 WHERE account_id = $1 AND type = $2 AND closed_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, accountID, typ).
		Scan(&a.ID, &a.Type, &a.AccountID, &a.Description, &a.CreatedAt, &a.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CloseAlert(ctx context.Context, alertID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE risk_alerts SET closed_at = $2 WHERE id = $1`, alertID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Entity: "risk alert", ID: alertID}
	}
	return nil
}

func (s *PostgresStore) ListRiskAlerts(ctx context.Context, accountID string, p Page) ([]model.RiskAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, account_id, description, created_at, closed_at FROM risk_alerts
		 WHERE account_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		accountID, p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RiskAlert
	for rows.Next() {
		var a model.RiskAlert
		if err := rows.Scan(&a.ID, &a.Type, &a.AccountID, &a.Description, &a.CreatedAt, &a.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Settlement batches ---

func (s *PostgresStore) AcquireSettlementBatch(ctx context.Context, b *model.SettlementBatch) (*model.SettlementBatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var prior model.SettlementBatch
	var completedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, ref_date, kind, scope, status, remarks, started_at, completed_at
		 FROM settlement_batches
		 WHERE ref_date = $1 AND kind = $2 AND scope = $3 AND status IN ('RUNNING', 'COMPLETED')
		 FOR UPDATE`, b.RefDate, b.Kind, b.Scope).
		Scan(&prior.ID, &prior.RefDate, &prior.Kind, &prior.Scope, &prior.Status,
			&prior.Remarks, &prior.StartedAt, &completedAt)
	switch {
	case err == nil:
		if completedAt != nil {
			prior.CompletedAt = *completedAt
		}
		if prior.Status == model.BatchCompleted {
			return &prior, tx.Commit(ctx)
		}
		return nil, &model.SettlementConflictError{Key: b.Key(), Status: prior.Status}
	case errors.Is(err, pgx.ErrNoRows):
		// fall through and claim the key
	default:
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO settlement_batches (id, ref_date, kind, scope, status, remarks, started_at)
		 VALUES ($1, $2, $3, $4, 'RUNNING', $5, $6)`,
		b.ID, b.RefDate, b.Kind, b.Scope, b.Remarks, b.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return nil, tx.Commit(ctx)
}

func (s *PostgresStore) FailSettlementBatch(ctx context.Context, batchID, remarks string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_batches SET status = 'FAILED', remarks = $2, completed_at = $3
		 WHERE id = $1 AND status = 'RUNNING'`, batchID, remarks, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Entity: "settlement batch", ID: batchID}
	}
	return nil
}

func (s *PostgresStore) ListSettlementBatches(ctx context.Context, p Page) ([]model.SettlementBatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ref_date, kind, scope, status, remarks, started_at, completed_at
		 FROM settlement_batches ORDER BY started_at, id LIMIT $1 OFFSET $2`,
		p.limit(), p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementBatch
	for rows.Next() {
		var b model.SettlementBatch
		var completedAt *time.Time
		if err := rows.Scan(&b.ID, &b.RefDate, &b.Kind, &b.Scope, &b.Status,
			&b.Remarks, &b.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt != nil {
			b.CompletedAt = *completedAt
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Atomic commits ---

func (s *PostgresStore) CommitFill(ctx context.Context, c FillCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tailSeq, tailBalance, err := s.ledgerTailTx(ctx, tx, c.Execution.AccountID)
	if err != nil {
		return err
	}
	if err := ValidateChain(c.Execution.AccountID, tailSeq, tailBalance, c.Entries); err != nil {
		return err
	}

	if err := insertExecution(ctx, tx, &c.Execution); err != nil {
		return err
	}
	o := c.Order
	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, filled_qty = $3::NUMERIC, last_exec_at = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.Status, o.FilledQty.String(), nullTime(o.LastExecAt), o.UpdatedAt); err != nil {
		return err
	}
	for i := range c.LotUpdates {
		if err := upsertLot(ctx, tx, &c.LotUpdates[i]); err != nil {
			return err
		}
	}
	for i := range c.NewLots {
		if err := upsertLot(ctx, tx, &c.NewLots[i]); err != nil {
			return err
		}
	}
	for i := range c.Entries {
		if err := insertEntry(ctx, tx, &c.Entries[i]); err != nil {
			return err
		}
	}
	if err := upsertPosition(ctx, tx, &c.Position); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, c SettlementCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE settlement_batches SET status = 'COMPLETED', remarks = $2, completed_at = $3
		 WHERE id = $1 AND status = 'RUNNING'`, c.BatchID, c.Remarks, c.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &model.InvalidStateError{
			Entity: "settlement batch", ID: c.BatchID,
			From: "?", To: string(model.BatchCompleted),
		}
	}

	for accountID, entries := range groupByAccount(c.Entries) {
		tailSeq, tailBalance, err := s.ledgerTailTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := ValidateChain(accountID, tailSeq, tailBalance, entries); err != nil {
			return err
		}
	}

	for i := range c.LotUpdates {
		if err := upsertLot(ctx, tx, &c.LotUpdates[i]); err != nil {
			return err
		}
	}
	for i := range c.Orders {
		o := c.Orders[i]
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, reason = $3, updated_at = $4 WHERE id = $1`,
			o.ID, o.Status, o.Reason, o.UpdatedAt); err != nil {
			return err
		}
	}
	for i := range c.Entries {
		if err := insertEntry(ctx, tx, &c.Entries[i]); err != nil {
			return err
		}
	}
	for i := range c.Positions {
		if err := upsertPosition(ctx, tx, &c.Positions[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ledgerTailTx(ctx context.Context, tx pgx.Tx, accountID string) (int64, decimal.Decimal, error) {
	var seq int64
	var balance string
	err := tx.QueryRow(ctx,
		`SELECT seq, balance_after::TEXT FROM ledger_entries
		 WHERE account_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, accountID).
		Scan(&seq, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, decimal.Zero, nil
	}
	if err != nil {
		return 0, decimal.Zero, err
	}
	b, _ := decimal.NewFromString(balance)
	return seq, b, nil
}
