// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is a unit of account in the game economy. The set is fixed.
type Currency string

const (
	Chaos   Currency = "CHAOS"
	Divine  Currency = "DIVINE"
	Exalted Currency = "EXALTED"
)

// Currencies lists every supported currency in display order.
var Currencies = []Currency{Chaos, Divine, Exalted}

// ParseCurrency accepts a currency code in any letter case.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown currency %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the supported currencies.
func (c Currency) Valid() bool {
	for _, known := range Currencies {
		if c == known {
			return true
		}
	}
	return false
}

// OrderType is the trade direction.
type OrderType string

const (
	Buy  OrderType = "BUY"
	Sell OrderType = "SELL"
)

// ParseOrderType accepts BUY or SELL in any letter case.
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(strings.ToUpper(strings.TrimSpace(s))); t {
	case Buy, Sell:
		return t, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// OrderStatus is the lifecycle state of an order. PENDING is the only
// non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// ParseOrderStatus accepts a status name in any letter case.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusExecuted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Balance is the amount held in one currency. Never negative.
type Balance struct {
	LedgerID  string          `json:"ledger_id"`
	Currency  Currency        `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Wallet is the set of balances of one ledger.
type Wallet struct {
	LedgerID string    `json:"ledger_id"`
	Balances []Balance `json:"balances"`
}

// Amount returns the balance for c, zero if the currency was never touched.
func (w Wallet) Amount(c Currency) decimal.Decimal {
	for _, b := range w.Balances {
		if b.Currency == c {
			return b.Amount
		}
	}
	return decimal.Zero
}

// Lot is a batch of one item acquired at one cost basis.
// CostBasis is the exact total paid for the remaining Quantity;
// PurchasePrice is CostBasis/Quantity rounded to PriceScale.
type Lot struct {
	ID            string          `json:"id"`
	LedgerID      string          `json:"ledger_id"`
	ItemID        string          `json:"item_id"`
	Currency      Currency        `json:"currency"`
	Quantity      int64           `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	AcquiredAt    time.Time       `json:"acquired_at"`
}

// PriceScale is the number of decimal places kept for derived unit prices.
const PriceScale int32 = 8

// UnitPrice derives a per-unit price from a total and a quantity.
func UnitPrice(total decimal.Decimal, qty int64) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(qty), PriceScale)
}

// Order is a trade intent. Quantity and PricePerUnit are the targets fixed
// at creation; the Actual* fields record what was really filled.
type Order struct {
	ID                 string           `json:"id"`
	LedgerID           string           `json:"ledger_id"`
	ItemID             string           `json:"item_id"`
	Type               OrderType        `json:"type"`
	Currency           Currency         `json:"currency"`
	Quantity           int64            `json:"quantity"`
	PricePerUnit       decimal.Decimal  `json:"price_per_unit"`
	Status             OrderStatus      `json:"status"`
	Note               string           `json:"note,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ExecutedAt         *time.Time       `json:"executed_at,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	ActualQuantity     *int64           `json:"actual_quantity,omitempty"`
	ActualPricePerUnit *decimal.Decimal `json:"actual_price_per_unit,omitempty"`
}

// Trade is an immutable record of a realized execution.
// Once created, trades are never modified or deleted.
type Trade struct {
	ID           string          `json:"id"`
	LedgerID     string          `json:"ledger_id"`
	OrderID      string          `json:"order_id,omitempty"`
	ItemID       string          `json:"item_id"`
	Type         OrderType       `json:"type"`
	Currency     Currency        `json:"currency"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Total        decimal.Decimal `json:"total"`        // cash moved
	CostBasis    decimal.Decimal `json:"cost_basis"`   // lot cost added (BUY) or consumed (SELL)
	RealizedPnL  decimal.Decimal `json:"realized_pnl"` // total - cost basis on SELL, zero on BUY
	Flagged      bool            `json:"flagged,omitempty"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// OrderFilter narrows an order listing. Zero values mean "any".
type OrderFilter struct {
	Status OrderStatus
	Type   OrderType
	ItemID string
	Limit  int
	Offset int
}

// OrderPage is one page of an order listing.
type OrderPage struct {
	Orders  []Order `json:"orders"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

// ActionableOrder is a pending order whose target has been crossed.
type ActionableOrder struct {
	Order        Order           `json:"order"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// LotValuation marks one lot to market.
type LotValuation struct {
	Lot           Lot             `json:"lot"`
	CurrentRate   decimal.Decimal `json:"current_rate"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
	PriceKnown    bool            `json:"price_known"`
}

// BalanceValuation converts one balance to the reference currency.
type BalanceValuation struct {
	Balance    Balance         `json:"balance"`
	Rate       decimal.Decimal `json:"rate"`
	Value      decimal.Decimal `json:"value"`
	PriceKnown bool            `json:"price_known"`
}

// Portfolio aggregates balances and lots with P&L, valued in
// ReferenceCurrency.
type Portfolio struct {
	LedgerID           string             `json:"ledger_id"`
	ReferenceCurrency  Currency           `json:"reference_currency"`
	Balances           []BalanceValuation `json:"balances"`
	Lots               []LotValuation     `json:"lots"`
	TotalCostBasis     decimal.Decimal    `json:"total_cost_basis"`
	TotalUnrealizedPnL decimal.Decimal    `json:"total_unrealized_pnl"`
	NetWorth           decimal.Decimal    `json:"net_worth"`
	UnknownPrices      int                `json:"unknown_prices"`
}
