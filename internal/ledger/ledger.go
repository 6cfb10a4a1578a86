// Package ledger holds the only code allowed to mutate wallet balances and
// inventory lots. Every function operates on a store.Tx, so a failure rolls
// back together with whatever else the enclosing transaction wrote.
//
// Acquisitions merge into an existing lot of the same item and currency at a
// quantity-weighted average cost; disposals consume lots oldest first (FIFO).
// Each lot keeps its exact total cost basis, which is what conservation is
// checked against; the per-unit price is derived from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// ErrNegativeAmount is returned when a balance would be set below zero.
var ErrNegativeAmount = errors.New("ledger: amount must not be negative")

// InsufficientResourcesError reports a funds or inventory shortfall.
// Resource is a currency code for funds or an item ID for inventory.
type InsufficientResourcesError struct {
	Resource  string
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("ledger: insufficient %s: need %s, have %s (short %s)",
		e.Resource, e.Required, e.Available, e.Shortfall)
}

func insufficient(resource string, required, available decimal.Decimal) *InsufficientResourcesError {
	return &InsufficientResourcesError{
		Resource:  resource,
		Required:  required,
		Available: available,
		Shortfall: required.Sub(available),
	}
}

// Debit removes amount from the balance of c. The balance never goes negative.
func Debit(ctx context.Context, tx store.Tx, ledgerID string, c model.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, ledgerID, c)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.LessThan(amount) {
		return balance, insufficient(string(c), amount, balance)
	}
	next := balance.Sub(amount)
	if err := tx.SetBalance(ctx, ledgerID, c, next); err != nil {
		return balance, err
	}
	return next, nil
}

// Credit adds amount to the balance of c.
func Credit(ctx context.Context, tx store.Tx, ledgerID string, c model.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, ledgerID, c)
	if err != nil {
		return decimal.Zero, err
	}
	next := balance.Add(amount)
	if err := tx.SetBalance(ctx, ledgerID, c, next); err != nil {
		return balance, err
	}
	return next, nil
}

// Adjust applies a signed delta, debiting when negative.
func Adjust(ctx context.Context, tx store.Tx, ledgerID string, c model.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsNegative() {
		return Debit(ctx, tx, ledgerID, c, delta.Neg())
	}
	return Credit(ctx, tx, ledgerID, c, delta)
}

// SetBalance overwrites the balance of c.
func SetBalance(ctx context.Context, tx store.Tx, ledgerID string, c model.Currency, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if _, err := tx.GetBalanceForUpdate(ctx, ledgerID, c); err != nil {
		return err
	}
	return tx.SetBalance(ctx, ledgerID, c, amount)
}

// Acquire adds qty units bought at price. If an open lot of the same item and
// currency exists, the oldest one absorbs the units and its unit price becomes
// the quantity-weighted average; otherwise a new lot is opened at `at`.
// It returns the lot after the change.
func Acquire(ctx context.Context, tx store.Tx, ledgerID, itemID string, c model.Currency, qty int64, price decimal.Decimal, at time.Time) (*model.Lot, error) {
	if err := tx.LockItem(ctx, ledgerID, itemID); err != nil {
		return nil, err
	}
	lots, err := tx.ListLotsForUpdate(ctx, ledgerID, itemID)
	if err != nil {
		return nil, err
	}

	added := price.Mul(decimal.NewFromInt(qty))
	for _, l := range lots {
		if l.Currency != c {
			continue
		}
		l.Quantity += qty
		l.CostBasis = l.CostBasis.Add(added)
		l.PurchasePrice = model.UnitPrice(l.CostBasis, l.Quantity)
		if err := tx.UpdateLot(ctx, &l); err != nil {
			return nil, err
		}
		return &l, nil
	}

	lot := &model.Lot{
		ID:            uuid.New().String(),
		LedgerID:      ledgerID,
		ItemID:        itemID,
		Currency:      c,
		Quantity:      qty,
		PurchasePrice: price,
		CostBasis:     added,
		AcquiredAt:    at,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return nil, err
	}
	return lot, nil
}

// Consumption records how much of one lot a disposal used.
type Consumption struct {
	LotID     string
	Quantity  int64
	CostBasis decimal.Decimal
	Closed    bool
}

// Dispose removes qty units of the item, oldest lot first, and returns the
// total cost basis consumed. If all lots together hold fewer than qty units,
// nothing is changed and an *InsufficientResourcesError is returned.
func Dispose(ctx context.Context, tx store.Tx, ledgerID, itemID string, qty int64) (decimal.Decimal, []Consumption, error) {
	if err := tx.LockItem(ctx, ledgerID, itemID); err != nil {
		return decimal.Zero, nil, err
	}
	lots, err := tx.ListLotsForUpdate(ctx, ledgerID, itemID)
	if err != nil {
		return decimal.Zero, nil, err
	}

	var available int64
	for _, l := range lots {
		available += l.Quantity
	}
	if available < qty {
		return decimal.Zero, nil, insufficient(itemID, decimal.NewFromInt(qty), decimal.NewFromInt(available))
	}

	consumedCost := decimal.Zero
	var used []Consumption
	remaining := qty
	for _, l := range lots {
		if remaining == 0 {
			break
		}
		if l.Quantity <= remaining {
			if err := tx.DeleteLot(ctx, ledgerID, l.ID); err != nil {
				return decimal.Zero, nil, err
			}
			consumedCost = consumedCost.Add(l.CostBasis)
			used = append(used, Consumption{LotID: l.ID, Quantity: l.Quantity, CostBasis: l.CostBasis, Closed: true})
			remaining -= l.Quantity
			continue
		}

		// Partial: the remainder keeps CostBasis - portion so the two parts
		// add back up to the original exactly.
		portion := l.CostBasis.Mul(decimal.NewFromInt(remaining)).DivRound(decimal.NewFromInt(l.Quantity), 16)
		l.Quantity -= remaining
		l.CostBasis = l.CostBasis.Sub(portion)
		l.PurchasePrice = model.UnitPrice(l.CostBasis, l.Quantity)
		if err := tx.UpdateLot(ctx, &l); err != nil {
			return decimal.Zero, nil, err
		}
		consumedCost = consumedCost.Add(portion)
		used = append(used, Consumption{LotID: l.ID, Quantity: remaining, CostBasis: portion})
		remaining = 0
	}
	return consumedCost, used, nil
}

// Proceeds is what a sale of qty at price credits: currency amounts are
// floored to whole units to match in-game granularity.
func Proceeds(qty int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Floor()
}

// Cost is what a purchase of qty at price debits.
func Cost(qty int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}
