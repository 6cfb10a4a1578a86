package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot read paths (wallet, open lots, single orders). Writes go to the primary
// store; once a transaction commits, every cache entry it may have touched is
// deleted and the next read re-populates it.
//
// Each ledger has a version counter that invalidation bumps. A reader notes
// the version before it loads from the primary and only writes its result
// back if the version is unchanged, so a load that raced a commit can never
// re-insert pre-commit state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// --- Transactions (write to primary, invalidate after commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *dirtyTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = &dirtyTx{Tx: tx, ledgers: make(map[string]bool)}
		return fn(touched)
	})
	if err != nil || touched == nil {
		return err
	}
	s.invalidate(context.WithoutCancel(ctx), touched)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, tx *dirtyTx) {
	if len(tx.ledgers) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for ledgerID := range tx.ledgers {
			p.Incr(ctx, versionKey(ledgerID))
			p.Del(ctx, walletKey(ledgerID), lotsKey(ledgerID))
		}
		for _, k := range tx.orders {
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "ledgers", len(tx.ledgers), "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, ledgerID string) (model.Wallet, error) {
	var w model.Wallet
	key := walletKey(ledgerID)
	if s.load(ctx, key, &w) {
		return w, nil
	}
	ver := s.version(ctx, ledgerID)
	w, err := s.primary.GetWallet(ctx, ledgerID)
	if err != nil {
		return model.Wallet{}, err
	}
	s.save(ctx, ledgerID, ver, key, w)
	return w, nil
}

func (s *CachedStore) GetOrder(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	var o model.Order
	key := orderKey(ledgerID, orderID)
	if s.load(ctx, key, &o) {
		return &o, nil
	}
	ver := s.version(ctx, ledgerID)
	got, err := s.primary.GetOrder(ctx, ledgerID, orderID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ledgerID, ver, key, got)
	return got, nil
}

func (s *CachedStore) ListAllLots(ctx context.Context, ledgerID string) ([]model.Lot, error) {
	var lots []model.Lot
	key := lotsKey(ledgerID)
	if s.load(ctx, key, &lots) {
		return lots, nil
	}
	ver := s.version(ctx, ledgerID)
	lots, err := s.primary.ListAllLots(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ledgerID, ver, key, lots)
	return lots, nil
}

// ListLots filters the cached lot set of the ledger.
func (s *CachedStore) ListLots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	all, err := s.ListAllLots(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	lots := []model.Lot{}
	for _, l := range all {
		if l.ItemID == itemID {
			lots = append(lots, l)
		}
	}
	return lots, nil
}

// --- Passthrough (not cached) ---

// Snapshot reads the primary directly. Separately cached entries could
// belong to different commits.
func (s *CachedStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	return s.primary.Snapshot(ctx, fn)
}

func (s *CachedStore) ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	return s.primary.ListOrders(ctx, ledgerID, f)
}

func (s *CachedStore) ListTrades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, ledgerID, limit, offset)
}

func (s *CachedStore) GetTradeByOrder(ctx context.Context, ledgerID, orderID string) (*model.Trade, error) {
	return s.primary.GetTradeByOrder(ctx, ledgerID, orderID)
}

// Close closes the primary store. The Redis client is owned by the caller.
func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// version returns the ledger's invalidation counter, or "" when Redis is
// unreachable, in which case nothing is written back.
func (s *CachedStore) version(ctx context.Context, ledgerID string) string {
	v, err := s.rdb.Get(ctx, versionKey(ledgerID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0"
	case err != nil:
		return ""
	}
	return v
}

// save caches v under key unless the ledger was invalidated since ver was
// read. WATCH aborts the write if an invalidation lands in between.
func (s *CachedStore) save(ctx context.Context, ledgerID, ver, key string, v any) {
	if ver == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	vkey := versionKey(ledgerID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vkey).Result()
		if errors.Is(err, redis.Nil) {
			cur = "0"
		} else if err != nil {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, vkey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

func walletKey(ledgerID string) string    { return fmt.Sprintf("wallet:%s", ledgerID) }
func lotsKey(ledgerID string) string      { return fmt.Sprintf("lots:%s", ledgerID) }
func orderKey(ledgerID, id string) string { return fmt.Sprintf("order:%s:%s", ledgerID, id) }
func versionKey(ledgerID string) string   { return fmt.Sprintf("ver:%s", ledgerID) }

// dirtyTx records which cache entries a transaction may have made stale.
type dirtyTx struct {
	Tx

	mu      sync.Mutex
	ledgers map[string]bool
	orders  []string
}

func (tx *dirtyTx) ledger(ledgerID string) {
	tx.mu.Lock()
	tx.ledgers[ledgerID] = true
	tx.mu.Unlock()
}

func (tx *dirtyTx) order(ledgerID, orderID string) {
	tx.mu.Lock()
	tx.ledgers[ledgerID] = true
	tx.orders = append(tx.orders, orderKey(ledgerID, orderID))
	tx.mu.Unlock()
}

func (tx *dirtyTx) InsertOrder(ctx context.Context, o *model.Order) error {
	tx.order(o.LedgerID, o.ID)
	return tx.Tx.InsertOrder(ctx, o)
}

func (tx *dirtyTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tx.order(o.LedgerID, o.ID)
	return tx.Tx.UpdateOrder(ctx, o)
}

func (tx *dirtyTx) SetBalance(ctx context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) error {
	tx.ledger(ledgerID)
	return tx.Tx.SetBalance(ctx, ledgerID, c, amount)
}

// GetBalanceForUpdate may create the balance row at zero.
func (tx *dirtyTx) GetBalanceForUpdate(ctx context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error) {
	tx.ledger(ledgerID)
	return tx.Tx.GetBalanceForUpdate(ctx, ledgerID, c)
}

func (tx *dirtyTx) InsertLot(ctx context.Context, l *model.Lot) error {
	tx.ledger(l.LedgerID)
	return tx.Tx.InsertLot(ctx, l)
}

func (tx *dirtyTx) UpdateLot(ctx context.Context, l *model.Lot) error {
	tx.ledger(l.LedgerID)
	return tx.Tx.UpdateLot(ctx, l)
}

func (tx *dirtyTx) DeleteLot(ctx context.Context, ledgerID, lotID string) error {
	tx.ledger(ledgerID)
	return tx.Tx.DeleteLot(ctx, ledgerID, lotID)
}
