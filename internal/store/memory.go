package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Committed state is an immutable snapshot behind an atomic pointer, so reads
// never block. Transactions are serialised: each one works on a private copy
// that replaces the snapshot only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex // serialises writers
	state atomic.Pointer[memState]
}

type memState struct {
	seq      int64
	orders   map[string]memOrder
	balances map[string]model.Balance
	lots     map[string]memLot
	trades   []model.Trade
}

type memOrder struct {
	model.Order
	seq int64
}

type memLot struct {
	model.Lot
	seq int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{
		orders:   make(map[string]memOrder),
		balances: make(map[string]model.Balance),
		lots:     make(map[string]memLot),
	})
	return s
}

func (st *memState) clone() *memState {
	c := &memState{
		seq:      st.seq,
		orders:   make(map[string]memOrder, len(st.orders)),
		balances: make(map[string]model.Balance, len(st.balances)),
		lots:     make(map[string]memLot, len(st.lots)),
		trades:   append([]model.Trade(nil), st.trades...),
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.lots {
		c.lots[k] = v
	}
	return c
}

func (st *memState) next() int64 {
	st.seq++
	return st.seq
}

func rowKey(ledgerID, id string) string { return ledgerID + "/" + id }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{st: s.state.Load().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	// A deadline that passed while fn ran still aborts the commit.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state.Store(tx.st)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Snapshot hands fn the committed state as of the call. Published states are
// never mutated, so fn needs no lock.
func (s *MemoryStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.state.Load())
}

func (s *MemoryStore) GetWallet(ctx context.Context, ledgerID string) (model.Wallet, error) {
	return s.state.Load().GetWallet(ctx, ledgerID)
}

func (s *MemoryStore) GetOrder(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	return s.state.Load().GetOrder(ctx, ledgerID, orderID)
}

func (s *MemoryStore) ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	return s.state.Load().ListOrders(ctx, ledgerID, f)
}

func (s *MemoryStore) ListLots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	return s.state.Load().ListLots(ctx, ledgerID, itemID)
}

func (s *MemoryStore) ListAllLots(ctx context.Context, ledgerID string) ([]model.Lot, error) {
	return s.state.Load().ListAllLots(ctx, ledgerID)
}

func (s *MemoryStore) ListTrades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	return s.state.Load().ListTrades(ctx, ledgerID, limit, offset)
}

func (s *MemoryStore) GetTradeByOrder(ctx context.Context, ledgerID, orderID string) (*model.Trade, error) {
	return s.state.Load().GetTradeByOrder(ctx, ledgerID, orderID)
}

// --- Reads over one committed state ---

var _ Reader = (*memState)(nil)

func (st *memState) GetWallet(_ context.Context, ledgerID string) (model.Wallet, error) {
	w := model.Wallet{LedgerID: ledgerID, Balances: []model.Balance{}}
	for _, c := range model.Currencies {
		if b, ok := st.balances[rowKey(ledgerID, string(c))]; ok {
			w.Balances = append(w.Balances, b)
		}
	}
	return w, nil
}

func (st *memState) GetOrder(_ context.Context, ledgerID, orderID string) (*model.Order, error) {
	o, ok := st.orders[rowKey(ledgerID, orderID)]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	copy := o.Order
	return &copy, nil
}

func (st *memState) ListOrders(_ context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	limit, offset := NormalizePage(f.Limit, f.Offset)

	var matched []memOrder
	for _, o := range st.orders {
		if o.LedgerID != ledgerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.ItemID != "" && o.ItemID != f.ItemID {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})

	page := model.OrderPage{Orders: []model.Order{}, Total: len(matched)}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		page.Orders = append(page.Orders, matched[i].Order)
	}
	page.HasMore = offset+len(page.Orders) < page.Total
	return page, nil
}

func (st *memState) ListLots(_ context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	return st.lotsOf(ledgerID, itemID), nil
}

func (st *memState) ListAllLots(_ context.Context, ledgerID string) ([]model.Lot, error) {
	return st.lotsOf(ledgerID, ""), nil
}

// lotsOf returns lots oldest first; an empty itemID matches every item.
func (st *memState) lotsOf(ledgerID, itemID string) []model.Lot {
	var matched []memLot
	for _, l := range st.lots {
		if l.LedgerID == ledgerID && (itemID == "" || l.ItemID == itemID) {
			matched = append(matched, l)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].AcquiredAt.Equal(matched[j].AcquiredAt) {
			return matched[i].AcquiredAt.Before(matched[j].AcquiredAt)
		}
		return matched[i].seq < matched[j].seq
	})
	lots := make([]model.Lot, 0, len(matched))
	for _, l := range matched {
		lots = append(lots, l.Lot)
	}
	return lots
}

func (st *memState) ListTrades(_ context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	limit, offset = NormalizePage(limit, offset)

	result := []model.Trade{}
	skipped := 0
	for i := len(st.trades) - 1; i >= 0 && len(result) < limit; i-- {
		if st.trades[i].LedgerID != ledgerID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, st.trades[i])
	}
	return result, nil
}

func (st *memState) GetTradeByOrder(_ context.Context, ledgerID, orderID string) (*model.Trade, error) {
	for _, t := range st.trades {
		if t.LedgerID == ledgerID && t.OrderID == orderID {
			copy := t
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("trade for order %s: %w", orderID, ErrNotFound)
}

// memTx mutates a private copy of the state.
type memTx struct {
	st *memState
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	key := rowKey(o.LedgerID, o.ID)
	if _, exists := tx.st.orders[key]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	tx.st.orders[key] = memOrder{Order: *o, seq: tx.st.next()}
	return nil
}

func (tx *memTx) GetOrderForUpdate(_ context.Context, ledgerID, orderID string) (*model.Order, error) {
	o, ok := tx.st.orders[rowKey(ledgerID, orderID)]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	copy := o.Order
	return &copy, nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	key := rowKey(o.LedgerID, o.ID)
	existing, ok := tx.st.orders[key]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	existing.Order = *o
	tx.st.orders[key] = existing
	return nil
}

func (tx *memTx) GetBalanceForUpdate(_ context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error) {
	key := rowKey(ledgerID, string(c))
	b, ok := tx.st.balances[key]
	if !ok {
		b = model.Balance{LedgerID: ledgerID, Currency: c, Amount: decimal.Zero, UpdatedAt: time.Now().UTC()}
		tx.st.balances[key] = b
	}
	return b.Amount, nil
}

func (tx *memTx) SetBalance(_ context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) error {
	tx.st.balances[rowKey(ledgerID, string(c))] = model.Balance{
		LedgerID:  ledgerID,
		Currency:  c,
		Amount:    amount,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// LockItem is a no-op: memory transactions are already serialised.
func (tx *memTx) LockItem(context.Context, string, string) error { return nil }

func (tx *memTx) ListLotsForUpdate(_ context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	return tx.st.lotsOf(ledgerID, itemID), nil
}

func (tx *memTx) InsertLot(_ context.Context, l *model.Lot) error {
	tx.st.lots[rowKey(l.LedgerID, l.ID)] = memLot{Lot: *l, seq: tx.st.next()}
	return nil
}

func (tx *memTx) UpdateLot(_ context.Context, l *model.Lot) error {
	key := rowKey(l.LedgerID, l.ID)
	existing, ok := tx.st.lots[key]
	if !ok {
		return fmt.Errorf("lot %s: %w", l.ID, ErrNotFound)
	}
	existing.Lot = *l
	tx.st.lots[key] = existing
	return nil
}

func (tx *memTx) DeleteLot(_ context.Context, ledgerID, lotID string) error {
	key := rowKey(ledgerID, lotID)
	if _, ok := tx.st.lots[key]; !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	delete(tx.st.lots, key)
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.st.trades = append(tx.st.trades, *t)
	return nil
}
