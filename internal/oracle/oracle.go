// Package oracle provides read-only price lookups. Prices are produced by an
// external market-data collaborator; this package only reads them and
// never fails a caller because a price is missing.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Oracle returns the current rate of ref (an item ID or a currency code)
// expressed in currency. ok is false when no price is known.
type Oracle interface {
	Rate(ctx context.Context, ref string, currency model.Currency) (rate decimal.Decimal, ok bool, err error)
}

// Quote is one fixed rate: the price of Ref expressed in Currency.
type Quote struct {
	Ref      string
	Currency model.Currency
	Rate     decimal.Decimal
}

// Static serves prices from an in-process table. Used for tests,
// development and fixed conversion tables from configuration.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty table.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set records the rate of ref in currency.
func (s *Static) Set(ref string, currency model.Currency, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[priceKey(ref, currency)] = rate
}

// Delete forgets the rate of ref in currency.
func (s *Static) Delete(ref string, currency model.Currency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, priceKey(ref, currency))
}

func (s *Static) Rate(_ context.Context, ref string, currency model.Currency) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.prices[priceKey(ref, currency)]
	return rate, ok, nil
}

// Cached memoises another Oracle for ttl, so that one valuation pass does not
// look the same price up repeatedly. Errors are not cached.
type Cached struct {
	primary Oracle
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cachedRate
}

type cachedRate struct {
	rate    decimal.Decimal
	ok      bool
	expires time.Time
}

// NewCached wraps primary with a ttl memo.
func NewCached(primary Oracle, ttl time.Duration) *Cached {
	return &Cached{
		primary: primary,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedRate),
	}
}

func (c *Cached) Rate(ctx context.Context, ref string, currency model.Currency) (decimal.Decimal, bool, error) {
	key := priceKey(ref, currency)
	now := c.now()

	c.mu.Lock()
	if e, hit := c.entries[key]; hit && now.Before(e.expires) {
		c.mu.Unlock()
		return e.rate, e.ok, nil
	}
	c.mu.Unlock()

	rate, ok, err := c.primary.Rate(ctx, ref, currency)
	if err != nil {
		return decimal.Zero, false, err
	}

	c.mu.Lock()
	c.entries[key] = cachedRate{rate: rate, ok: ok, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return rate, ok, nil
}

// priceKey is the canonical lookup key, shared with the Redis layout.
func priceKey(ref string, currency model.Currency) string {
	return "price:" + string(currency) + ":" + ref
}
