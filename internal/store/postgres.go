package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Transactions run at READ COMMITTED. Touched balance and lot rows are
// locked with SELECT ... FOR UPDATE, and writers of one item additionally
// take a transaction-scoped advisory lock so two executions cannot both see
// "no lot yet" or oversell the same lots.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			// Roll back even when ctx is already cancelled.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Snapshot runs fn in a REPEATABLE READ READ ONLY transaction, so every
// query fn issues sees the database as of its first statement.
func (s *PostgresStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	return fn(pgReader{q: tx})
}

// classifyPgError marks serialization failures and deadlocks as retryable.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// --- Reads ---

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgReader runs the read queries against the pool, or against a snapshot
// transaction.
type pgReader struct {
	q pgQuerier
}

func (r pgReader) GetWallet(ctx context.Context, ledgerID string) (model.Wallet, error) {
	rows, err := r.q.Query(ctx,
		`SELECT ledger_id, currency, amount::TEXT, updated_at
		 FROM wallet_balances WHERE ledger_id = $1 ORDER BY currency`, ledgerID)
	if err != nil {
		return model.Wallet{}, fmt.Errorf("get wallet %s: %w", ledgerID, err)
	}
	defer rows.Close()

	w := model.Wallet{LedgerID: ledgerID, Balances: []model.Balance{}}
	for rows.Next() {
		var b model.Balance
		var amountS, currency string
		if err := rows.Scan(&b.LedgerID, &currency, &amountS, &b.UpdatedAt); err != nil {
			return model.Wallet{}, err
		}
		b.Currency = model.Currency(currency)
		if b.Amount, err = decimal.NewFromString(amountS); err != nil {
			return model.Wallet{}, fmt.Errorf("parse balance %s: %w", currency, err)
		}
		w.Balances = append(w.Balances, b)
	}
	return w, rows.Err()
}

const pgOrderColumns = `id, ledger_id, item_id, type, currency, quantity, price_per_unit::TEXT,
	status, note, created_at, executed_at, cancelled_at, actual_quantity, actual_price_per_unit::TEXT`

func (r pgReader) GetOrder(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE ledger_id = $1 AND id = $2`, ledgerID, orderID)
	o, err := scanPgOrder(row)
	if err != nil {
		return nil, notFound(err, "order "+orderID)
	}
	return o, nil
}

func (r pgReader) ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	limit, offset := NormalizePage(f.Limit, f.Offset)

	where := []string{"ledger_id = $1"}
	args := []any{ledgerID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.ItemID != "" {
		args = append(args, f.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	page := model.OrderPage{Orders: []model.Order{}}
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`,
			pgOrderColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return page, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return page, err
		}
		page.Orders = append(page.Orders, *o)
	}
	page.HasMore = offset+len(page.Orders) < page.Total
	return page, rows.Err()
}

const pgLotColumns = `id, ledger_id, item_id, currency, quantity, purchase_price::TEXT, cost_basis::TEXT, acquired_at`

func (r pgReader) ListLots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+pgLotColumns+` FROM inventory_lots
		 WHERE ledger_id = $1 AND item_id = $2 ORDER BY acquired_at, seq`, ledgerID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list lots %s: %w", itemID, err)
	}
	defer rows.Close()
	return scanPgLots(rows)
}

func (r pgReader) ListAllLots(ctx context.Context, ledgerID string) ([]model.Lot, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+pgLotColumns+` FROM inventory_lots
		 WHERE ledger_id = $1 ORDER BY acquired_at, seq`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()
	return scanPgLots(rows)
}

const pgTradeColumns = `id, ledger_id, COALESCE(order_id, ''), item_id, type, currency, quantity,
	price_per_unit::TEXT, total::TEXT, cost_basis::TEXT, realized_pnl::TEXT, flagged, executed_at`

func (r pgReader) ListTrades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	limit, offset = NormalizePage(limit, offset)
	rows, err := r.q.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades
		 WHERE ledger_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, ledgerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		t, err := scanPgTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (r pgReader) GetTradeByOrder(ctx context.Context, ledgerID, orderID string) (*model.Trade, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+pgTradeColumns+` FROM trades WHERE ledger_id = $1 AND order_id = $2`, ledgerID, orderID)
	t, err := scanPgTrade(row)
	if err != nil {
		return nil, notFound(err, "trade for order "+orderID)
	}
	return t, nil
}

// --- Transaction primitives ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, ledger_id, item_id, type, currency, quantity, price_per_unit, status, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		o.ID, o.LedgerID, o.ItemID, string(o.Type), string(o.Currency), o.Quantity,
		o.PricePerUnit.String(), string(o.Status), o.Note, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE ledger_id = $1 AND id = $2 FOR UPDATE`, ledgerID, orderID)
	o, err := scanPgOrder(row)
	if err != nil {
		return nil, notFound(err, "order "+orderID)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	var actualPrice *string
	if o.ActualPricePerUnit != nil {
		s := o.ActualPricePerUnit.String()
		actualPrice = &s
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $3, executed_at = $4, cancelled_at = $5,
		     actual_quantity = $6, actual_price_per_unit = $7::NUMERIC
		 WHERE ledger_id = $1 AND id = $2`,
		o.LedgerID, o.ID, string(o.Status), o.ExecutedAt, o.CancelledAt, o.ActualQuantity, actualPrice,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO wallet_balances (ledger_id, currency, amount, updated_at)
		 VALUES ($1, $2, 0, now()) ON CONFLICT (ledger_id, currency) DO NOTHING`,
		ledgerID, string(c)); err != nil {
		return decimal.Zero, fmt.Errorf("create balance %s: %w", c, err)
	}

	var amountS string
	if err := t.tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM wallet_balances
		 WHERE ledger_id = $1 AND currency = $2 FOR UPDATE`,
		ledgerID, string(c)).Scan(&amountS); err != nil {
		return decimal.Zero, fmt.Errorf("lock balance %s: %w", c, err)
	}
	return decimal.NewFromString(amountS)
}

func (t *pgTx) SetBalance(ctx context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallet_balances (ledger_id, currency, amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (ledger_id, currency)
		 DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		ledgerID, string(c), amount.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", c, err)
	}
	return nil
}

func (t *pgTx) LockItem(ctx context.Context, ledgerID, itemID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rowKey(ledgerID, itemID)); err != nil {
		return fmt.Errorf("lock item %s: %w", itemID, err)
	}
	return nil
}

func (t *pgTx) ListLotsForUpdate(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+pgLotColumns+` FROM inventory_lots
		 WHERE ledger_id = $1 AND item_id = $2 ORDER BY acquired_at, seq FOR UPDATE`, ledgerID, itemID)
	if err != nil {
		return nil, fmt.Errorf("lock lots %s: %w", itemID, err)
	}
	defer rows.Close()
	return scanPgLots(rows)
}

func (t *pgTx) InsertLot(ctx context.Context, l *model.Lot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_lots (id, ledger_id, item_id, currency, quantity, purchase_price, cost_basis, acquired_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		l.ID, l.LedgerID, l.ItemID, string(l.Currency), l.Quantity,
		l.PurchasePrice.String(), l.CostBasis.String(), l.AcquiredAt,
	)
	if err != nil {
		return fmt.Errorf("insert lot %s: %w", l.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateLot(ctx context.Context, l *model.Lot) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE inventory_lots
		 SET quantity = $3, purchase_price = $4::NUMERIC, cost_basis = $5::NUMERIC
		 WHERE ledger_id = $1 AND id = $2`,
		l.LedgerID, l.ID, l.Quantity, l.PurchasePrice.String(), l.CostBasis.String())
	if err != nil {
		return fmt.Errorf("update lot %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteLot(ctx context.Context, ledgerID, lotID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM inventory_lots WHERE ledger_id = $1 AND id = $2`, ledgerID, lotID)
	if err != nil {
		return fmt.Errorf("delete lot %s: %w", lotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var orderID *string
	if tr.OrderID != "" {
		orderID = &tr.OrderID
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, ledger_id, order_id, item_id, type, currency, quantity,
		                     price_per_unit, total, cost_basis, realized_pnl, flagged, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		tr.ID, tr.LedgerID, orderID, tr.ItemID, string(tr.Type), string(tr.Currency), tr.Quantity,
		tr.PricePerUnit.String(), tr.Total.String(), tr.CostBasis.String(), tr.RealizedPnL.String(),
		tr.Flagged, tr.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

// --- Scanning helpers ---

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func scanPgOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var typ, currency, status, priceS string
	var executedAt, cancelledAt *time.Time
	var actualQty *int64
	var actualPriceS *string

	if err := row.Scan(&o.ID, &o.LedgerID, &o.ItemID, &typ, &currency, &o.Quantity, &priceS,
		&status, &o.Note, &o.CreatedAt, &executedAt, &cancelledAt, &actualQty, &actualPriceS); err != nil {
		return nil, err
	}
	o.Type = model.OrderType(typ)
	o.Currency = model.Currency(currency)
	o.Status = model.OrderStatus(status)
	o.ExecutedAt = executedAt
	o.CancelledAt = cancelledAt
	o.ActualQuantity = actualQty

	var err error
	if o.PricePerUnit, err = decimal.NewFromString(priceS); err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	if actualPriceS != nil {
		p, err := decimal.NewFromString(*actualPriceS)
		if err != nil {
			return nil, fmt.Errorf("parse actual price: %w", err)
		}
		o.ActualPricePerUnit = &p
	}
	return &o, nil
}

func scanPgLots(rows pgx.Rows) ([]model.Lot, error) {
	lots := []model.Lot{}
	for rows.Next() {
		var l model.Lot
		var currency, priceS, costS string
		if err := rows.Scan(&l.ID, &l.LedgerID, &l.ItemID, &currency, &l.Quantity,
			&priceS, &costS, &l.AcquiredAt); err != nil {
			return nil, err
		}
		l.Currency = model.Currency(currency)
		var err error
		if l.PurchasePrice, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("parse lot price: %w", err)
		}
		if l.CostBasis, err = decimal.NewFromString(costS); err != nil {
			return nil, fmt.Errorf("parse lot cost basis: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func scanPgTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var typ, currency, priceS, totalS, costS, pnlS string
	if err := row.Scan(&t.ID, &t.LedgerID, &t.OrderID, &t.ItemID, &typ, &currency, &t.Quantity,
		&priceS, &totalS, &costS, &pnlS, &t.Flagged, &t.ExecutedAt); err != nil {
		return nil, err
	}
	t.Type = model.OrderType(typ)
	t.Currency = model.Currency(currency)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.PricePerUnit, priceS}, {&t.Total, totalS}, {&t.CostBasis, costS}, {&t.RealizedPnL, pnlS}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse trade %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
