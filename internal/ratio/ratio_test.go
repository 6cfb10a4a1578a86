package ratio

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from literals.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSolve_ExactRatioWithinBudget(t *testing.T) {
	res := Solve(d("100"), d("0.3"), d("2.75"))

	// q=4 and q=8 both realize exactly 2.75; q=12 costs 33 > 30.
	if res.Quantity != 8 {
		t.Fatalf("expected quantity 8, got %d", res.Quantity)
	}
	if !res.Cost.Equal(d("22")) {
		t.Errorf("expected cost 22, got %s", res.Cost)
	}
	if !res.Deviation.IsZero() {
		t.Errorf("expected zero deviation, got %s", res.Deviation)
	}
	if !res.Ratio.Equal(d("2.75")) {
		t.Errorf("expected ratio 2.75, got %s", res.Ratio)
	}
}

func TestSolve_Deterministic(t *testing.T) {
	first := Solve(d("100"), d("0.3"), d("2.75"))
	for i := 0; i < 50; i++ {
		got := Solve(d("100"), d("0.3"), d("2.75"))
		if got.Quantity != first.Quantity || !got.Cost.Equal(first.Cost) {
			t.Fatalf("run %d: got q=%d cost=%s, want q=%d cost=%s",
				i, got.Quantity, got.Cost, first.Quantity, first.Cost)
		}
	}
}

func TestSolve_NoBetterCandidateInRange(t *testing.T) {
	price := d("2.75")
	limit := d("30")
	res := Solve(d("100"), d("0.3"), price)

	if res.Deviation.GreaterThan(res.Tolerance()) {
		t.Fatalf("deviation %s exceeds tolerance %s", res.Deviation, res.Tolerance())
	}

	upper := limit.Div(price).Floor().IntPart() + DefaultHeadroom
	for q := int64(1); q <= upper; q++ {
		qd := decimal.NewFromInt(q)
		cost := qd.Mul(price).Floor()
		if cost.GreaterThan(limit) {
			continue
		}
		dev := cost.Div(qd).Sub(price).Abs()
		if dev.LessThan(res.Deviation) {
			t.Errorf("q=%d has deviation %s < solver's %s", q, dev, res.Deviation)
		}
	}
}

func TestSolve_TiePrefersLargerQuantity(t *testing.T) {
	tests := []struct {
		name                   string
		budget, fraction, price string
		wantQty                int64
		wantCost               string
	}{
		{"all exact", "10", "1", "2", 5, "10"},
		{"equal deviation at q=2 and q=4", "10", "1", "2.6", 4, "10"},
		{"rounding admits q past budget/p", "5", "1", "1.05", 5, "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Solve(d(tt.budget), d(tt.fraction), d(tt.price))
			if res.Quantity != tt.wantQty {
				t.Errorf("expected quantity %d, got %d", tt.wantQty, res.Quantity)
			}
			if !res.Cost.Equal(d(tt.wantCost)) {
				t.Errorf("expected cost %s, got %s", tt.wantCost, res.Cost)
			}
		})
	}
}

func TestSolve_WithoutHeadroom(t *testing.T) {
	res := Solve(d("5"), d("1"), d("1.05"), WithHeadroom(0))
	if res.Quantity != 4 {
		t.Errorf("expected quantity 4 without headroom, got %d", res.Quantity)
	}
}

func TestSolve_ZeroResults(t *testing.T) {
	tests := []struct {
		name                    string
		budget, fraction, price string
	}{
		{"zero price", "100", "0.5", "0"},
		{"negative price", "100", "0.5", "-1"},
		{"zero budget", "0", "0.5", "2"},
		{"zero fraction", "100", "0", "2"},
		{"unaffordable", "1", "1", "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Solve(d(tt.budget), d(tt.fraction), d(tt.price))
			if res.Quantity != 0 {
				t.Errorf("expected quantity 0, got %d", res.Quantity)
			}
			if !res.Cost.IsZero() {
				t.Errorf("expected zero cost, got %s", res.Cost)
			}
		})
	}
}

func TestSolve_FractionClampedToOne(t *testing.T) {
	clamped := Solve(d("10"), d("2"), d("2"))
	full := Solve(d("10"), d("1"), d("2"))
	if clamped.Quantity != full.Quantity {
		t.Errorf("fraction > 1 should clamp: got %d, want %d", clamped.Quantity, full.Quantity)
	}
}

func TestSolve_TruncatesHugeScan(t *testing.T) {
	res := Solve(d("1000"), d("1"), d("0.0001"), WithMaxCandidates(1000))
	if !res.Truncated {
		t.Fatal("expected truncated scan")
	}
	if res.Scanned != 1000 {
		t.Errorf("expected 1000 candidates scanned, got %d", res.Scanned)
	}
	if res.Quantity != 1000 {
		t.Errorf("expected best found quantity 1000, got %d", res.Quantity)
	}
}
