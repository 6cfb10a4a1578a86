package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// Book exposes wallet maintenance and inventory reads outside the order
// lifecycle: manual deposits, withdrawals and balance corrections.
type Book struct {
	store store.Store
	retry store.RetryPolicy
}

// NewBook creates a Book over st.
func NewBook(st store.Store, retry store.RetryPolicy) *Book {
	return &Book{store: st, retry: retry}
}

// Wallet returns every balance of the ledger.
func (b *Book) Wallet(ctx context.Context, ledgerID string) (model.Wallet, error) {
	return b.store.GetWallet(ctx, ledgerID)
}

// Lots returns the open lots of one item, or of every item when itemID is
// empty, oldest first.
func (b *Book) Lots(ctx context.Context, ledgerID, itemID string) ([]model.Lot, error) {
	if itemID == "" {
		return b.store.ListAllLots(ctx, ledgerID)
	}
	return b.store.ListLots(ctx, ledgerID, itemID)
}

// SetBalance overwrites one balance. amount must not be negative.
func (b *Book) SetBalance(ctx context.Context, ledgerID string, c model.Currency, amount decimal.Decimal) (model.Balance, error) {
	if amount.IsNegative() {
		return model.Balance{}, ErrNegativeAmount
	}
	err := store.RetryOnConflict(ctx, "set_balance", b.retry, func() error {
		return b.store.InTx(ctx, func(tx store.Tx) error {
			return SetBalance(ctx, tx, ledgerID, c, amount)
		})
	})
	if err != nil {
		return model.Balance{}, err
	}

	slog.Info("balance set", "ledger", ledgerID, "currency", c, "amount", amount.String())
	return b.balance(ctx, ledgerID, c)
}

// AdjustBalance applies a signed delta. A withdrawal larger than the balance
// fails with *InsufficientResourcesError and changes nothing.
func (b *Book) AdjustBalance(ctx context.Context, ledgerID string, c model.Currency, delta decimal.Decimal) (model.Balance, error) {
	err := store.RetryOnConflict(ctx, "adjust_balance", b.retry, func() error {
		return b.store.InTx(ctx, func(tx store.Tx) error {
			_, err := Adjust(ctx, tx, ledgerID, c, delta)
			return err
		})
	})
	if err != nil {
		return model.Balance{}, err
	}

	slog.Info("balance adjusted", "ledger", ledgerID, "currency", c, "delta", delta.String())
	return b.balance(ctx, ledgerID, c)
}

func (b *Book) balance(ctx context.Context, ledgerID string, c model.Currency) (model.Balance, error) {
	w, err := b.store.GetWallet(ctx, ledgerID)
	if err != nil {
		return model.Balance{}, err
	}
	for _, bal := range w.Balances {
		if bal.Currency == c {
			return bal, nil
		}
	}
	return model.Balance{LedgerID: ledgerID, Currency: c, Amount: decimal.Zero}, nil
}
