// Package valuation marks the ledger to market. It only reads, from one store
// snapshot per report, and a missing price degrades the report instead of
// failing it.
package valuation

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Service computes portfolio reports.
type Service struct {
	store     store.Store
	oracle    oracle.Oracle
	reference model.Currency
}

// NewService creates a Service that reports net worth in reference.
func NewService(st store.Store, o oracle.Oracle, reference model.Currency) *Service {
	return &Service{store: st, oracle: o, reference: reference}
}

// Portfolio values every balance and lot of the ledger.
func (s *Service) Portfolio(ctx context.Context, ledgerID string) (*model.Portfolio, error) {
	// Balances and lots must come from the same commit; prices are looked up
	// after the snapshot is released.
	var (
		wallet model.Wallet
		lots   []model.Lot
	)
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		if wallet, err = r.GetWallet(ctx, ledgerID); err != nil {
			return err
		}
		lots, err = r.ListAllLots(ctx, ledgerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		LedgerID:           ledgerID,
		ReferenceCurrency:  s.reference,
		Balances:           make([]model.BalanceValuation, 0, len(wallet.Balances)),
		Lots:               make([]model.LotValuation, 0, len(lots)),
		TotalCostBasis:     decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
		NetWorth:           decimal.Zero,
	}

	for _, b := range wallet.Balances {
		bv := model.BalanceValuation{Balance: b, Rate: decimal.Zero, Value: decimal.Zero}
		if rate, ok := s.rate(ctx, string(b.Currency), s.reference); ok {
			bv.Rate = rate
			bv.Value = b.Amount.Mul(rate)
			bv.PriceKnown = true
		} else {
			p.UnknownPrices++
		}
		p.Balances = append(p.Balances, bv)
		p.NetWorth = p.NetWorth.Add(bv.Value)
	}

	for _, l := range lots {
		lv := valueLot(l)
		if rate, ok := s.rate(ctx, l.ItemID, l.Currency); ok {
			lv = valueLotAt(l, rate)
		} else {
			p.UnknownPrices++
		}
		p.Lots = append(p.Lots, lv)
		p.TotalCostBasis = p.TotalCostBasis.Add(l.CostBasis)
		p.TotalUnrealizedPnL = p.TotalUnrealizedPnL.Add(lv.UnrealizedPnL)

		// Net worth needs the item in the reference currency, which is a
		// different quote unless the lot was bought in it.
		refRate, ok := lv.CurrentRate, lv.PriceKnown
		if l.Currency != s.reference {
			refRate, ok = s.rate(ctx, l.ItemID, s.reference)
		}
		if ok {
			p.NetWorth = p.NetWorth.Add(refRate.Mul(decimal.NewFromInt(l.Quantity)))
		}
	}

	return p, nil
}

// rate returns a usable positive price. The reference currency converts to
// itself at 1.
func (s *Service) rate(ctx context.Context, ref string, currency model.Currency) (decimal.Decimal, bool) {
	if ref == string(currency) {
		return decimal.NewFromInt(1), true
	}
	if s.oracle == nil {
		return decimal.Zero, false
	}
	rate, ok, err := s.oracle.Rate(ctx, ref, currency)
	if err != nil {
		slog.Warn("price lookup failed", "ref", ref, "currency", currency, "err", err)
		metrics.UnknownPrices.Inc()
		return decimal.Zero, false
	}
	if !ok || !rate.IsPositive() {
		metrics.UnknownPrices.Inc()
		return decimal.Zero, false
	}
	return rate, true
}

// valueLot is the valuation of a lot without a known price.
func valueLot(l model.Lot) model.LotValuation {
	return model.LotValuation{
		Lot:           l,
		CurrentRate:   decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		PnLPercent:    decimal.Zero,
	}
}

func valueLotAt(l model.Lot, rate decimal.Decimal) model.LotValuation {
	qty := decimal.NewFromInt(l.Quantity)
	pnl := rate.Sub(l.PurchasePrice).Mul(qty)

	pct := decimal.Zero
	if !l.CostBasis.IsZero() {
		pct = pnl.Div(l.CostBasis).Mul(hundred).Round(2)
	}
	return model.LotValuation{
		Lot:           l,
		CurrentRate:   rate,
		MarketValue:   rate.Mul(qty),
		UnrealizedPnL: pnl,
		PnLPercent:    pct,
		PriceKnown:    true,
	}
}
