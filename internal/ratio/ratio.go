// Package ratio sizes orders against the in-game trading grammar, where a
// counter-party only accepts an integer item count q for an integer-rounded
// total floor(q × p).
//
// Given a target unit price p, the realized price is floor(q×p)/q. Solve
// scans candidate quantities and picks the one whose realized price deviates
// least from p while its total stays within the budget share. All arithmetic
// is exact decimal; deviations are compared by cross-multiplication so no
// division rounding can change the ranking.
package ratio

import (
	"github.com/shopspring/decimal"
)

const (
	// DefaultHeadroom is how many quantities past floor(budget/p) are also
	// tried, since rounding down can make a slightly larger q affordable
	// and more accurate.
	DefaultHeadroom int64 = 10

	// DefaultMaxCandidates caps the scan for very small prices.
	DefaultMaxCandidates int64 = 100_000
)

// Result is the outcome of Solve. The zero Result means no feasible order.
type Result struct {
	Quantity  int64           `json:"quantity"`
	Cost      decimal.Decimal `json:"cost"`      // floor(q × p), the integer total paid
	Ratio     decimal.Decimal `json:"ratio"`     // realized unit price cost/q
	Deviation decimal.Decimal `json:"deviation"` // |ratio - p|
	Scanned   int64           `json:"scanned"`
	Truncated bool            `json:"truncated"` // scan hit MaxCandidates
}

// Tolerance is the bound every non-zero result satisfies: a realized price
// floor(q×p)/q is never more than 1/q away from p.
func (r Result) Tolerance() decimal.Decimal {
	if r.Quantity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(decimal.NewFromInt(r.Quantity), 16)
}

// Option configures a Solve call.
type Option func(*options)

type options struct {
	headroom      int64
	maxCandidates int64
}

// WithHeadroom overrides DefaultHeadroom.
func WithHeadroom(k int64) Option {
	return func(o *options) {
		if k >= 0 {
			o.headroom = k
		}
	}
}

// WithMaxCandidates overrides DefaultMaxCandidates.
func WithMaxCandidates(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxCandidates = n
		}
	}
}

// Solve returns the quantity whose realized price floor(q×p)/q is closest to
// price, subject to floor(q×p) <= budget × fraction. Ties go to the larger
// quantity. fraction is clamped to (0, 1]; non-positive inputs yield the zero
// Result. Solve is pure and deterministic.
func Solve(budget, fraction, price decimal.Decimal, opts ...Option) Result {
	o := options{headroom: DefaultHeadroom, maxCandidates: DefaultMaxCandidates}
	for _, opt := range opts {
		opt(&o)
	}

	if price.LessThanOrEqual(decimal.Zero) || budget.LessThanOrEqual(decimal.Zero) ||
		fraction.LessThanOrEqual(decimal.Zero) {
		return Result{}
	}
	one := decimal.NewFromInt(1)
	if fraction.GreaterThan(one) {
		fraction = one
	}
	limit := budget.Mul(fraction)

	upper, truncated := scanUpper(limit, price, o)

	var (
		best    Result
		bestDev decimal.Decimal // |cost - q×p|, numerator of the deviation
		scanned int64
	)
	for q := int64(1); q <= upper; q++ {
		scanned++
		qd := decimal.NewFromInt(q)
		exact := qd.Mul(price)
		cost := exact.Floor()
		if cost.GreaterThan(limit) {
			// cost is non-decreasing in q
			break
		}
		dev := exact.Sub(cost) // floor never exceeds, so this is |cost - q×p|

		// dev/q <= bestDev/best.Quantity, compared without dividing.
		if best.Quantity == 0 || dev.Mul(decimal.NewFromInt(best.Quantity)).LessThanOrEqual(bestDev.Mul(qd)) {
			best.Quantity = q
			best.Cost = cost
			bestDev = dev
		}
	}

	if best.Quantity == 0 {
		return Result{Scanned: scanned, Truncated: truncated}
	}
	qd := decimal.NewFromInt(best.Quantity)
	best.Ratio = best.Cost.DivRound(qd, 16)
	best.Deviation = bestDev.DivRound(qd, 16)
	best.Scanned = scanned
	best.Truncated = truncated
	return best
}

// scanUpper returns the last quantity to try and whether the cap cut it short.
func scanUpper(limit, price decimal.Decimal, o options) (int64, bool) {
	affordable := limit.Div(price).Floor()
	capD := decimal.NewFromInt(o.maxCandidates)
	if affordable.Add(decimal.NewFromInt(o.headroom)).GreaterThan(capD) {
		return o.maxCandidates, true
	}
	return affordable.IntPart() + o.headroom, false
}
