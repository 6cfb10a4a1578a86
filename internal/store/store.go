// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded,
// single-trader deployments) and in-memory (for testing).
//
// Mutations only happen through a Tx handed out by Store.InTx, so every
// ledger change is applied all-or-nothing.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction collided with a concurrent
	// writer and may succeed if retried.
	ErrConflict = errors.New("store: transaction conflict")
)

// Reader is the read side of the store. Every method observes committed
// state only and takes no mutation locks.
type Reader interface {
	// GetWallet returns every balance of the ledger.
	GetWallet(ctx context.Context, ledgerID string) (model.Wallet, error)

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, ledgerID, orderID string) (*model.Order, error)

	// ListOrders returns one page of orders, newest first.
	ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error)

	// ListLots returns the open lots of one item, oldest first.
	ListLots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error)

	// ListAllLots returns every open lot of the ledger, oldest first.
	ListAllLots(ctx context.Context, ledgerID string) ([]model.Lot, error)

	// ListTrades returns trades, newest first.
	ListTrades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error)

	// GetTradeByOrder returns the trade created when orderID executed.
	GetTradeByOrder(ctx context.Context, ledgerID, orderID string) (*model.Trade, error)
}

// Store is the persistence interface. Its own Reader methods each see the
// latest commit; reads that must agree with each other go through Snapshot.
type Store interface {
	Reader

	// InTx runs fn inside a transaction. If fn returns an error, or the
	// context is cancelled, nothing fn wrote is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Snapshot runs fn against one point-in-time view. Commits that land
	// while fn runs are invisible to it.
	Snapshot(ctx context.Context, fn func(r Reader) error) error

	// Close releases the underlying resources.
	Close() error
}

// Tx exposes row-level primitives inside a transaction. Implementations lock
// what they return from the *ForUpdate methods until the transaction ends.
type Tx interface {
	// --- Orders ---

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, ledgerID, orderID string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error

	// --- Wallet ---

	// GetBalanceForUpdate returns the balance, creating it at zero if the
	// currency was never referenced.
	GetBalanceForUpdate(ctx context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error)
	SetBalance(ctx context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) error

	// --- Lots ---

	// LockItem serialises writers touching the lots of one item.
	LockItem(ctx context.Context, ledgerID, itemID string) error
	ListLotsForUpdate(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error)
	InsertLot(ctx context.Context, l *model.Lot) error
	UpdateLot(ctx context.Context, l *model.Lot) error
	DeleteLot(ctx context.Context, ledgerID, lotID string) error

	// --- Immutable trades ---

	InsertTrade(ctx context.Context, t *model.Trade) error
}

// Page limits applied by every backend.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// NormalizePage clamps limit and offset to sane values.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
