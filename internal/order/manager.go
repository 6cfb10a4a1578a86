// Package order implements the order lifecycle: PENDING orders are created
// without touching the wallet, and leave that state exactly once, either by
// cancellation or by an execution that moves funds and inventory in the same
// transaction as the status change.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// DeviationPolicy decides what happens when an execution's actual price
// strays from the order's target by more than Config.MaxDeviation.
type DeviationPolicy string

const (
	DeviationOff    DeviationPolicy = "off"
	DeviationFlag   DeviationPolicy = "flag"
	DeviationReject DeviationPolicy = "reject"
)

// ParseDeviationPolicy accepts off, flag or reject in any letter case.
func ParseDeviationPolicy(s string) (DeviationPolicy, error) {
	switch p := DeviationPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DeviationOff, DeviationFlag, DeviationReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown price deviation policy %q", s)
}

// Config tunes a Manager. The zero value is usable: no retries beyond the
// first attempt, no deviation check and wall-clock UTC time.
type Config struct {
	Retry           store.RetryPolicy
	DeviationPolicy DeviationPolicy
	MaxDeviation    decimal.Decimal // fraction of the target price, e.g. 0.5
	Now             func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:           store.DefaultRetryPolicy,
		DeviationPolicy: DeviationFlag,
		MaxDeviation:    decimal.RequireFromString("0.5"),
	}
}

// Event types published on every state change.
const (
	EventCreated   = "order_created"
	EventCancelled = "order_cancelled"
	EventExecuted  = "order_executed"
)

// Event describes a committed order state change.
type Event struct {
	Type  string       `json:"type"`
	Order model.Order  `json:"order"`
	Trade *model.Trade `json:"trade,omitempty"`
}

// Publisher receives events after commit. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Manager runs order operations against a store.
type Manager struct {
	store  store.Store
	oracle oracle.Oracle
	pub    Publisher
	cfg    Config
}

// NewManager creates a Manager. pub may be nil; o is only needed for
// Actionable and may be nil otherwise.
func NewManager(st store.Store, o oracle.Oracle, pub Publisher, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.DeviationPolicy == "" {
		cfg.DeviationPolicy = DeviationOff
	}
	return &Manager{store: st, oracle: o, pub: pub, cfg: cfg}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	ItemID       string          `json:"item_id"`
	Type         model.OrderType `json:"type"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Currency     model.Currency  `json:"currency"`
	Note         string          `json:"note,omitempty"`
}

func (r CreateRequest) validate(ledgerID string) error {
	if strings.TrimSpace(ledgerID) == "" {
		return invalid("ledger_id", "must not be empty")
	}
	if strings.TrimSpace(r.ItemID) == "" {
		return invalid("item_id", "must not be empty")
	}
	if r.Type != model.Buy && r.Type != model.Sell {
		return invalid("type", "must be BUY or SELL")
	}
	if r.Quantity <= 0 {
		return invalid("quantity", "must be positive")
	}
	if !r.PricePerUnit.IsPositive() {
		return invalid("price_per_unit", "must be positive")
	}
	if !r.Currency.Valid() {
		return invalid("currency", "must be one of CHAOS, DIVINE, EXALTED")
	}
	return nil
}

// Create persists a new PENDING order. Funds and inventory are not checked
// until execution.
func (m *Manager) Create(ctx context.Context, ledgerID string, req CreateRequest) (*model.Order, error) {
	if err := req.validate(ledgerID); err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:           uuid.New().String(),
		LedgerID:     ledgerID,
		ItemID:       strings.TrimSpace(req.ItemID),
		Type:         req.Type,
		Currency:     req.Currency,
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
		Status:       model.StatusPending,
		Note:         req.Note,
		CreatedAt:    m.cfg.Now(),
	}

	err := store.RetryOnConflict(ctx, "create_order", m.cfg.Retry, func() error {
		return m.store.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertOrder(ctx, o)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(o.Type)).Inc()
	slog.Info("order created",
		"ledger", ledgerID,
		"order_id", o.ID,
		"item", o.ItemID,
		"type", o.Type,
		"qty", o.Quantity,
		"price", o.PricePerUnit.String(),
		"currency", o.Currency,
	)
	m.publish(Event{Type: EventCreated, Order: *o})
	return o, nil
}

// Cancel moves a PENDING order to CANCELLED. No balance or lot changes.
func (m *Manager) Cancel(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	var cancelled *model.Order
	err := store.RetryOnConflict(ctx, "cancel_order", m.cfg.Retry, func() error {
		return m.store.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrderForUpdate(ctx, ledgerID, orderID)
			if err != nil {
				return err
			}
			if o.Status != model.StatusPending {
				return &InvalidStateTransitionError{OrderID: o.ID, Current: o.Status, Target: model.StatusCancelled}
			}
			now := m.cfg.Now()
			o.Status = model.StatusCancelled
			o.CancelledAt = &now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			cancelled = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "ledger", ledgerID, "order_id", orderID)
	m.publish(Event{Type: EventCancelled, Order: *cancelled})
	return cancelled, nil
}

// ExecuteRequest overrides the order's target fill. Nil fields fall back to
// the target quantity and price.
type ExecuteRequest struct {
	ActualQuantity     *int64           `json:"actual_quantity,omitempty"`
	ActualPricePerUnit *decimal.Decimal `json:"actual_price_per_unit,omitempty"`
}

func (r ExecuteRequest) validate() error {
	if r.ActualQuantity != nil && *r.ActualQuantity <= 0 {
		return invalid("actual_quantity", "must be positive")
	}
	if r.ActualPricePerUnit != nil && !r.ActualPricePerUnit.IsPositive() {
		return invalid("actual_price_per_unit", "must be positive")
	}
	return nil
}

// Execution is the result of a committed execution.
type Execution struct {
	Order model.Order `json:"order"`
	Trade model.Trade `json:"trade"`
}

// Execute fills a PENDING order. A BUY debits qty×price and adds inventory;
// a SELL consumes inventory oldest first and credits floor(qty×price). The
// order lock, balance change, lot changes, status change and trade insert
// commit together or not at all.
func (m *Manager) Execute(ctx context.Context, ledgerID, orderID string, req ExecuteRequest) (*Execution, error) {
	if err := req.validate(); err != nil {
		metrics.ExecutionFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	start := time.Now()
	var result *Execution
	err := store.RetryOnConflict(ctx, "execute_order", m.cfg.Retry, func() error {
		var err error
		result, err = m.execute(ctx, ledgerID, orderID, req)
		return err
	})
	if err != nil {
		reason := failureReason(err)
		metrics.ExecutionFailures.WithLabelValues(reason).Inc()
		slog.Warn("order execution failed",
			"ledger", ledgerID,
			"order_id", orderID,
			"reason", reason,
			"err", err,
		)
		return nil, err
	}

	o, t := result.Order, result.Trade
	metrics.OrdersExecuted.WithLabelValues(string(o.Type)).Inc()
	metrics.ExecuteLatency.WithLabelValues(string(o.Type)).Observe(time.Since(start).Seconds())
	slog.Info("order executed",
		"ledger", ledgerID,
		"order_id", o.ID,
		"trade_id", t.ID,
		"item", t.ItemID,
		"type", t.Type,
		"qty", t.Quantity,
		"price", t.PricePerUnit.String(),
		"total", t.Total.String(),
		"realized_pnl", t.RealizedPnL.String(),
	)
	m.publish(Event{Type: EventExecuted, Order: o, Trade: &t})
	return result, nil
}

func (m *Manager) execute(ctx context.Context, ledgerID, orderID string, req ExecuteRequest) (*Execution, error) {
	var out *Execution
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, ledgerID, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.StatusPending {
			return &InvalidStateTransitionError{OrderID: o.ID, Current: o.Status, Target: model.StatusExecuted}
		}

		qty := o.Quantity
		if req.ActualQuantity != nil {
			qty = *req.ActualQuantity
		}
		price := o.PricePerUnit
		if req.ActualPricePerUnit != nil {
			price = *req.ActualPricePerUnit
		}
		flagged, err := m.checkDeviation(o, price)
		if err != nil {
			return err
		}

		now := m.cfg.Now()
		t := model.Trade{
			ID:           uuid.New().String(),
			LedgerID:     ledgerID,
			OrderID:      o.ID,
			ItemID:       o.ItemID,
			Type:         o.Type,
			Currency:     o.Currency,
			Quantity:     qty,
			PricePerUnit: price,
			Flagged:      flagged,
			ExecutedAt:   now,
		}

		// Lock order is order row, item, balance on both sides, so a BUY
		// and a SELL of the same item cannot wait on each other.
		if err := tx.LockItem(ctx, ledgerID, o.ItemID); err != nil {
			return err
		}

		switch o.Type {
		case model.Buy:
			t.Total = ledger.Cost(qty, price)
			t.CostBasis = t.Total
			t.RealizedPnL = decimal.Zero
			if _, err := ledger.Debit(ctx, tx, ledgerID, o.Currency, t.Total); err != nil {
				return err
			}
			if _, err := ledger.Acquire(ctx, tx, ledgerID, o.ItemID, o.Currency, qty, price, now); err != nil {
				return err
			}
		case model.Sell:
			consumed, _, err := ledger.Dispose(ctx, tx, ledgerID, o.ItemID, qty)
			if err != nil {
				return err
			}
			t.Total = ledger.Proceeds(qty, price)
			t.CostBasis = consumed
			t.RealizedPnL = t.Total.Sub(consumed)
			if _, err := ledger.Credit(ctx, tx, ledgerID, o.Currency, t.Total); err != nil {
				return err
			}
		default:
			return fmt.Errorf("order %s has unknown type %q", o.ID, o.Type)
		}

		o.Status = model.StatusExecuted
		o.ExecutedAt = &now
		o.ActualQuantity = &qty
		o.ActualPricePerUnit = &price
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}
		out = &Execution{Order: *o, Trade: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkDeviation applies the deviation policy to an actual price.
func (m *Manager) checkDeviation(o *model.Order, actual decimal.Decimal) (bool, error) {
	if m.cfg.DeviationPolicy == DeviationOff || !o.PricePerUnit.IsPositive() {
		return false, nil
	}
	deviation := actual.Sub(o.PricePerUnit).Abs().Div(o.PricePerUnit)
	if deviation.LessThanOrEqual(m.cfg.MaxDeviation) {
		return false, nil
	}

	if m.cfg.DeviationPolicy == DeviationReject {
		return false, invalid("actual_price_per_unit",
			fmt.Sprintf("deviates %s%% from target %s", deviation.Mul(decimal.NewFromInt(100)).Round(2), o.PricePerUnit))
	}
	metrics.PriceDeviationFlags.Inc()
	slog.Warn("execution price deviates from target",
		"order_id", o.ID,
		"target", o.PricePerUnit.String(),
		"actual", actual.String(),
		"deviation", deviation.Round(4).String(),
	)
	return true, nil
}

// Get returns one order.
func (m *Manager) Get(ctx context.Context, ledgerID, orderID string) (*model.Order, error) {
	return m.store.GetOrder(ctx, ledgerID, orderID)
}

// List returns one page of orders, newest first.
func (m *Manager) List(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	f.Limit, f.Offset = store.NormalizePage(f.Limit, f.Offset)
	return m.store.ListOrders(ctx, ledgerID, f)
}

// Trades returns the trade history, newest first.
func (m *Manager) Trades(ctx context.Context, ledgerID string, limit, offset int) ([]model.Trade, error) {
	limit, offset = store.NormalizePage(limit, offset)
	return m.store.ListTrades(ctx, ledgerID, limit, offset)
}

// Actionable returns the PENDING orders whose target the market has crossed:
// a BUY when the current price is at or below target, a SELL when it is at
// or above. Orders without a known positive price are skipped.
func (m *Manager) Actionable(ctx context.Context, ledgerID string) ([]model.ActionableOrder, error) {
	pending, err := m.pending(ctx, ledgerID)
	if err != nil {
		return nil, err
	}

	out := []model.ActionableOrder{}
	for _, o := range pending {
		price, ok := m.currentPrice(ctx, o)
		if !ok {
			continue
		}
		if (o.Type == model.Buy && price.LessThanOrEqual(o.PricePerUnit)) ||
			(o.Type == model.Sell && price.GreaterThanOrEqual(o.PricePerUnit)) {
			out = append(out, model.ActionableOrder{Order: o, CurrentPrice: price})
		}
	}
	return out, nil
}

// pending pages through every PENDING order inside one snapshot, so an
// order leaving the set between pages cannot shift the offsets.
func (m *Manager) pending(ctx context.Context, ledgerID string) ([]model.Order, error) {
	var orders []model.Order
	err := m.store.Snapshot(ctx, func(r store.Reader) error {
		f := model.OrderFilter{Status: model.StatusPending, Limit: store.MaxPageLimit}
		for {
			page, err := r.ListOrders(ctx, ledgerID, f)
			if err != nil {
				return err
			}
			orders = append(orders, page.Orders...)
			if !page.HasMore || len(page.Orders) == 0 {
				return nil
			}
			f.Offset += len(page.Orders)
		}
	})
	return orders, err
}

func (m *Manager) currentPrice(ctx context.Context, o model.Order) (decimal.Decimal, bool) {
	if m.oracle == nil {
		return decimal.Zero, false
	}
	price, ok, err := m.oracle.Rate(ctx, o.ItemID, o.Currency)
	if err != nil {
		slog.Warn("price lookup failed", "item", o.ItemID, "currency", o.Currency, "err", err)
		metrics.UnknownPrices.Inc()
		return decimal.Zero, false
	}
	if !ok || !price.IsPositive() {
		metrics.UnknownPrices.Inc()
		return decimal.Zero, false
	}
	return price, true
}

func (m *Manager) publish(ev Event) {
	if m.pub != nil {
		m.pub.Publish(ev)
	}
}

func failureReason(err error) string {
	var (
		state *InvalidStateTransitionError
		short *ledger.InsufficientResourcesError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.As(err, &state):
		return "invalid_state"
	case errors.As(err, &short):
		return "insufficient"
	case IsValidation(err):
		return "validation"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	}
	return "error"
}
