package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/portfolio-ledger/internal/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on an embedded SQLite database. Intended for
// single-trader desktop deployments.
//
// The pool is limited to one connection, so transactions are serialised by
// database/sql itself and reads wait for an open transaction to finish.
// Decimals are stored as canonical strings and timestamps as Unix nanos.
type SQLiteStore struct {
	sqliteReader
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqliteReader: sqliteReader{q: db}, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return classifySQLiteError(err)
	}
	if err = tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Snapshot runs fn inside a transaction on the single connection, so no
// writer can commit until fn returns.
func (s *SQLiteStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("begin snapshot: %w", err))
	}
	defer func() { _ = tx.Rollback() }()
	return fn(sqliteReader{q: tx})
}

// classifySQLiteError marks busy and locked databases as retryable.
func classifySQLiteError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Reads ---

// sqliteReader runs the read queries against the pool, or against a
// snapshot transaction.
type sqliteReader struct {
	q querier
}

func (r sqliteReader) GetWallet(ctx context.Context, ledgerID string) (model.Wallet, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT ledger_id, currency, amount, updated_at
		 FROM wallet_balances WHERE ledger_id = ? ORDER BY currency`, ledgerID)
	if err != nil {
		return model.Wallet{}, fmt.Errorf("get wallet %s: %w", ledgerID, err)
	}
	defer rows.Close()

	w := model.Wallet{LedgerID: ledgerID, Balances: []model.Balance{}}
	for rows.Next() {
		var b model.Balance
		var currency, amountS string
		var updated int64
		if err := rows.Scan(&b.LedgerID, &currency, &amountS, &updated); err != nil {
			return model.Wallet{}, err
		}
		b.Currency = model.Currency(currency)
		b.UpdatedAt = fromNanos(updated)
		if b.Amount, err = decimal.NewFromString(amountS); err != nil {
			return model.Wallet{}, fmt.Errorf("parse balance %s: %w", currency, err)
		}
		w.Balances = append(w.Balances, b)
	}
	return w, rows.Err()
}

const sqliteOrderColumns = `id, ledger_id, item_id, type, currency, quantity, price_per_unit,
	status, note, created_at, executed_at, cancelled_at, actual_quantity, actual_price_per_unit`

func (r sqliteReader) GetOrder(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	return getSQLiteOrder(ctx, r.q, ledgerID, orderID)
}

func getSQLiteOrder(ctx context.Context, q querier, ledgerID, orderID string) (*model.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE ledger_id = ? AND id = ?`, ledgerID, orderID)
	o, err := scanSQLiteOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	return o, nil
}

func (r sqliteReader) ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	limit, offset := NormalizePage(f.Limit, f.Offset)

	where := []string{"ledger_id = ?"}
	args := []any{ledgerID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	cond := strings.Join(where, " AND ")

	page := model.OrderPage{Orders: []model.Order{}}
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count orders: %w", err)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE `+cond+
			` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return page, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return page, err
		}
		page.Orders = append(page.Orders, *o)
	}
	page.HasMore = offset+len(page.Orders) < page.Total
	return page, rows.Err()
}

const sqliteLotColumns = `id, ledger_id, item_id, currency, quantity, purchase_price, cost_basis, acquired_at`

func (r sqliteReader) ListLots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	return listSQLiteLots(ctx, r.q, ledgerID, itemID)
}

func (r sqliteReader) ListAllLots(ctx context.Context, ledgerID string) ([]model.Lot, error) {
	return listSQLiteLots(ctx, r.q, ledgerID, "")
}

func listSQLiteLots(ctx context.Context, q querier, ledgerID, itemID string) ([]model.Lot, error) {
	query := `SELECT ` + sqliteLotColumns + ` FROM inventory_lots WHERE ledger_id = ?`
	args := []any{ledgerID}
	if itemID != "" {
		query += ` AND item_id = ?`
		args = append(args, itemID)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY acquired_at, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	lots := []model.Lot{}
	for rows.Next() {
		var l model.Lot
		var currency, priceS, costS string
		var acquired int64
		if err := rows.Scan(&l.ID, &l.LedgerID, &l.ItemID, &currency, &l.Quantity,
			&priceS, &costS, &acquired); err != nil {
			return nil, err
		}
		l.Currency = model.Currency(currency)
		l.AcquiredAt = fromNanos(acquired)
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

const sqliteTradeColumns = `id, ledger_id, COALESCE(order_id, ''), item_id, type, currency, quantity,
	price_per_unit, total, cost_basis, realized_pnl, flagged, executed_at`

func (r sqliteReader) ListTrades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	limit, offset = NormalizePage(limit, offset)
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades
		 WHERE ledger_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`, ledgerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		t, err := scanSQLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (r sqliteReader) GetTradeByOrder(ctx context.Context, ledgerID, orderID string) (*model.Trade, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE ledger_id = ? AND order_id = ?`, ledgerID, orderID)
	t, err := scanSQLiteTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade for order %s: %w", orderID, ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// --- Transaction primitives ---

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (id, seq, ledger_id, item_id, type, currency, quantity, price_per_unit, status, note, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM orders), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.LedgerID, o.ItemID, string(o.Type), string(o.Currency), o.Quantity,
		o.PricePerUnit.String(), string(o.Status), o.Note, o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrderForUpdate needs no row lock: the single connection already
// serialises transactions.
func (t *sqliteTx) GetOrderForUpdate(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	return getSQLiteOrder(ctx, t.tx, ledgerID, orderID)
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	var actualPrice *string
	if o.ActualPricePerUnit != nil {
		s := o.ActualPricePerUnit.String()
		actualPrice = &s
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = ?, executed_at = ?, cancelled_at = ?, actual_quantity = ?, actual_price_per_unit = ?
		 WHERE ledger_id = ? AND id = ?`,
		string(o.Status), toNanos(o.ExecutedAt), toNanos(o.CancelledAt), o.ActualQuantity, actualPrice,
		o.LedgerID, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) GetBalanceForUpdate(ctx context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_balances (ledger_id, currency, amount, updated_at)
		 VALUES (?, ?, '0', ?) ON CONFLICT (ledger_id, currency) DO NOTHING`,
		ledgerID, string(c), time.Now().UTC().UnixNano()); err != nil {
		return decimal.Zero, fmt.Errorf("create balance %s: %w", c, err)
	}

	var amountS string
	if err := t.tx.QueryRowContext(ctx,
		`SELECT amount FROM wallet_balances WHERE ledger_id = ? AND currency = ?`,
		ledgerID, string(c)).Scan(&amountS); err != nil {
		return decimal.Zero, fmt.Errorf("read balance %s: %w", c, err)
	}
	return decimal.NewFromString(amountS)
}

func (t *sqliteTx) SetBalance(ctx context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_balances (ledger_id, currency, amount, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (ledger_id, currency)
		 DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		ledgerID, string(c), amount.String(), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", c, err)
	}
	return nil
}

// LockItem is a no-op: SQLite transactions are already serialised.
func (t *sqliteTx) LockItem(context.Context, string, string) error { return nil }

func (t *sqliteTx) ListLotsForUpdate(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	return listSQLiteLots(ctx, t.tx, ledgerID, itemID)
}

func (t *sqliteTx) InsertLot(ctx context.Context, l *model.Lot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO inventory_lots (id, seq, ledger_id, item_id, currency, quantity, purchase_price, cost_basis, acquired_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM inventory_lots), ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LedgerID, l.ItemID, string(l.Currency), l.Quantity,
		l.PurchasePrice.String(), l.CostBasis.String(), l.AcquiredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert lot %s: %w", l.ID, err)
	}
	return nil
}

func (t *sqliteTx) UpdateLot(ctx context.Context, l *model.Lot) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE inventory_lots SET quantity = ?, purchase_price = ?, cost_basis = ?
		 WHERE ledger_id = ? AND id = ?`,
		l.Quantity, l.PurchasePrice.String(), l.CostBasis.String(), l.LedgerID, l.ID)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) DeleteLot(ctx context.Context, ledgerID, lotID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM inventory_lots WHERE ledger_id = ? AND id = ?`, ledgerID, lotID)
	if err != nil {
		return fmt.Errorf("delete lot %s: %w", lotID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var orderID *string
	if tr.OrderID != "" {
		orderID = &tr.OrderID
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, seq, ledger_id, order_id, item_id, type, currency, quantity,
		                     price_per_unit, total, cost_basis, realized_pnl, flagged, executed_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM trades), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.LedgerID, orderID, tr.ItemID, string(tr.Type), string(tr.Currency), tr.Quantity,
		tr.PricePerUnit.String(), tr.Total.String(), tr.CostBasis.String(), tr.RealizedPnL.String(),
		tr.Flagged, tr.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

// --- Scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var typ, currency, status, priceS string
	var created int64
	var executed, cancelled, actualQty sql.NullInt64
	var actualPriceS sql.NullString

	if err := row.Scan(&o.ID, &o.LedgerID, &o.ItemID, &typ, &currency, &o.Quantity, &priceS,
		&status, &o.Note, &created, &executed, &cancelled, &actualQty, &actualPriceS); err != nil {
		return nil, err
	}
	o.Type = model.OrderType(typ)
	o.Currency = model.Currency(currency)
	o.Status = model.OrderStatus(status)
	o.CreatedAt = fromNanos(created)
	if executed.Valid {
		ts := fromNanos(executed.Int64)
		o.ExecutedAt = &ts
	}
	if cancelled.Valid {
		ts := fromNanos(cancelled.Int64)
		o.CancelledAt = &ts
	}
	if actualQty.Valid {
		q := actualQty.Int64
		o.ActualQuantity = &q
	}

	var err error
	if o.PricePerUnit, err = decimal.NewFromString(priceS); err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	if actualPriceS.Valid {
		p, err := decimal.NewFromString(actualPriceS.String)
		if err != nil {
			return nil, fmt.Errorf("parse actual price: %w", err)
		}
		o.ActualPricePerUnit = &p
	}
	return &o, nil
}

func scanSQLiteTrade(row scanner) (*model.Trade, error) {
	var t model.Trade
	var typ, currency, priceS, totalS, costS, pnlS string
	var executed int64
	if err := row.Scan(&t.ID, &t.LedgerID, &t.OrderID, &t.ItemID, &typ, &currency, &t.Quantity,
		&priceS, &totalS, &costS, &pnlS, &t.Flagged, &executed); err != nil {
		return nil, err
	}
	t.Type = model.OrderType(typ)
	t.Currency = model.Currency(currency)
	t.ExecutedAt = fromNanos(executed)

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

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
