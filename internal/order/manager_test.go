package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
)

const ledgerID = "trader-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	st     *store.MemoryStore
	prices *oracle.Static
	events *recorder
	mgr    *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		st:     store.NewMemoryStore(),
		prices: oracle.NewStatic(),
		events: &recorder{},
	}
	f.mgr = NewManager(f.st, f.prices, f.events, cfg)
	return f
}

func (f *fixture) fund(t *testing.T, c model.Currency, amount string) {
	t.Helper()
	_, err := ledger.NewBook(f.st, store.DefaultRetryPolicy).SetBalance(context.Background(), ledgerID, c, d(amount))
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, c model.Currency) decimal.Decimal {
	t.Helper()
	w, err := f.st.GetWallet(context.Background(), ledgerID)
	require.NoError(t, err)
	return w.Amount(c)
}

func (f *fixture) create(t *testing.T, typ model.OrderType, qty int64, price string) *model.Order {
	t.Helper()
	o, err := f.mgr.Create(context.Background(), ledgerID, CreateRequest{
		ItemID:       "mirror-shard",
		Type:         typ,
		Quantity:     qty,
		PricePerUnit: d(price),
		Currency:     model.Divine,
	})
	require.NoError(t, err)
	return o
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	valid := CreateRequest{ItemID: "x", Type: model.Buy, Quantity: 1, PricePerUnit: d("1"), Currency: model.Chaos}

	cases := []struct {
		name  string
		mut   func(*CreateRequest)
		field string
	}{
		{"empty item", func(r *CreateRequest) { r.ItemID = " " }, "item_id"},
		{"bad type", func(r *CreateRequest) { r.Type = "HOLD" }, "type"},
		{"zero quantity", func(r *CreateRequest) { r.Quantity = 0 }, "quantity"},
		{"negative price", func(r *CreateRequest) { r.PricePerUnit = d("-1") }, "price_per_unit"},
		{"zero price", func(r *CreateRequest) { r.PricePerUnit = decimal.Zero }, "price_per_unit"},
		{"unknown currency", func(r *CreateRequest) { r.Currency = "GOLD" }, "currency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mut(&req)
			_, err := f.mgr.Create(context.Background(), ledgerID, req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, err := f.mgr.Create(context.Background(), "", valid)
	assert.True(t, IsValidation(err))

	page, err := f.mgr.List(context.Background(), ledgerID, model.OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total, "rejected requests must not persist anything")
}

func TestCreate_DoesNotCheckFunds(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, model.Buy, 1000, "1000")
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Nil(t, o.ExecutedAt)
	assert.Equal(t, []string{EventCreated}, f.events.types())
}

func TestExecute_BuyEndToEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	o := f.create(t, model.Buy, 10, "5")

	res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusExecuted, res.Order.Status)
	require.NotNil(t, res.Order.ExecutedAt)
	require.NotNil(t, res.Order.ActualQuantity)
	assert.Equal(t, int64(10), *res.Order.ActualQuantity)
	assertDec(t, "5", *res.Order.ActualPricePerUnit)
	assertDec(t, "50", res.Trade.Total)
	assertDec(t, "0", res.Trade.RealizedPnL)
	assert.False(t, res.Trade.Flagged)

	assertDec(t, "50", f.balance(t, model.Divine))

	lots, err := f.st.ListLots(context.Background(), ledgerID, "mirror-shard")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(10), lots[0].Quantity)
	assertDec(t, "5", lots[0].PurchasePrice)

	trades, err := f.mgr.Trades(context.Background(), ledgerID, 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, o.ID, trades[0].OrderID)

	stored, err := f.mgr.Get(context.Background(), ledgerID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, stored.Status)
	assert.Equal(t, []string{EventCreated, EventExecuted}, f.events.types())
}

func TestExecute_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "10")
	o := f.create(t, model.Buy, 10, "5")

	_, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{})
	var short *ledger.InsufficientResourcesError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "DIVINE", short.Resource)
	assertDec(t, "40", short.Shortfall)

	assertDec(t, "10", f.balance(t, model.Divine))
	stored, err := f.mgr.Get(context.Background(), ledgerID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	lots, err := f.st.ListAllLots(context.Background(), ledgerID)
	require.NoError(t, err)
	assert.Empty(t, lots)
	trades, err := f.mgr.Trades(context.Background(), ledgerID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecute_SellRealizesPnL(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	buy := f.create(t, model.Buy, 10, "5")
	_, err := f.mgr.Execute(context.Background(), ledgerID, buy.ID, ExecuteRequest{})
	require.NoError(t, err)

	sell := f.create(t, model.Sell, 4, "7")
	res, err := f.mgr.Execute(context.Background(), ledgerID, sell.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("7.5"))})
	require.NoError(t, err)

	assertDec(t, "30", res.Trade.Total)
	assertDec(t, "20", res.Trade.CostBasis)
	assertDec(t, "10", res.Trade.RealizedPnL)
	assertDec(t, "80", f.balance(t, model.Divine))

	lots, err := f.st.ListLots(context.Background(), ledgerID, "mirror-shard")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(6), lots[0].Quantity)
	assertDec(t, "30", lots[0].CostBasis)
}

func TestExecute_SellProceedsAreFloored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "10")
	buy := f.create(t, model.Buy, 3, "2")
	_, err := f.mgr.Execute(context.Background(), ledgerID, buy.ID, ExecuteRequest{})
	require.NoError(t, err)

	sell := f.create(t, model.Sell, 3, "2.5")
	res, err := f.mgr.Execute(context.Background(), ledgerID, sell.ID, ExecuteRequest{})
	require.NoError(t, err)
	assertDec(t, "7", res.Trade.Total)
	assertDec(t, "1", res.Trade.RealizedPnL)
	assertDec(t, "11", f.balance(t, model.Divine))
}

func TestExecute_SellWithoutInventory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	o := f.create(t, model.Sell, 2, "5")

	_, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{})
	var short *ledger.InsufficientResourcesError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "mirror-shard", short.Resource)
	assertDec(t, "2", short.Shortfall)
	assertDec(t, "0", f.balance(t, model.Divine))
}

func TestStateMachine(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	ctx := context.Background()

	cancelled := f.create(t, model.Buy, 1, "1")
	got, err := f.mgr.Cancel(ctx, ledgerID, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	var ise *InvalidStateTransitionError
	_, err = f.mgr.Cancel(ctx, ledgerID, cancelled.ID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusCancelled, ise.Current)

	_, err = f.mgr.Execute(ctx, ledgerID, cancelled.ID, ExecuteRequest{})
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusCancelled, ise.Current)
	assertDec(t, "100", f.balance(t, model.Divine))

	executed := f.create(t, model.Buy, 1, "1")
	_, err = f.mgr.Execute(ctx, ledgerID, executed.ID, ExecuteRequest{})
	require.NoError(t, err)

	_, err = f.mgr.Execute(ctx, ledgerID, executed.ID, ExecuteRequest{})
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusExecuted, ise.Current)

	_, err = f.mgr.Cancel(ctx, ledgerID, executed.ID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StatusExecuted, ise.Current)
	assertDec(t, "99", f.balance(t, model.Divine))
}

func TestExecute_NotFound(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.mgr.Execute(context.Background(), ledgerID, "missing", ExecuteRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.mgr.Cancel(context.Background(), ledgerID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Orders are scoped to their ledger.
	o := f.create(t, model.Buy, 1, "1")
	_, err = f.mgr.Get(context.Background(), "someone-else", o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_InvalidActuals(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	o := f.create(t, model.Buy, 1, "1")

	_, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualQuantity: ptr(int64(0))})
	assert.True(t, IsValidation(err))
	_, err = f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("-2"))})
	assert.True(t, IsValidation(err))
}

func TestExecute_ActualQuantityOverride(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	o := f.create(t, model.Buy, 10, "5")

	res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualQuantity: ptr(int64(4))})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Order.Quantity, "target is kept")
	assert.Equal(t, int64(4), *res.Order.ActualQuantity)
	assertDec(t, "80", f.balance(t, model.Divine))
}

func TestDeviationPolicy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, Config{DeviationPolicy: DeviationReject, MaxDeviation: d("0.25")})
		f.fund(t, model.Divine, "100")
		o := f.create(t, model.Buy, 2, "5")

		_, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("10"))})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "actual_price_per_unit", ve.Field)
		assertDec(t, "100", f.balance(t, model.Divine))

		// Within bounds passes.
		res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("6.25"))})
		require.NoError(t, err)
		assert.False(t, res.Trade.Flagged)
	})

	t.Run("flag", func(t *testing.T) {
		f := newFixture(t, Config{DeviationPolicy: DeviationFlag, MaxDeviation: d("0.25")})
		f.fund(t, model.Divine, "100")
		o := f.create(t, model.Buy, 2, "5")

		res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("2"))})
		require.NoError(t, err)
		assert.True(t, res.Trade.Flagged)
		assertDec(t, "96", f.balance(t, model.Divine))
	})

	t.Run("off", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.fund(t, model.Divine, "100")
		o := f.create(t, model.Buy, 1, "5")

		res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{ActualPricePerUnit: ptr(d("50"))})
		require.NoError(t, err)
		assert.False(t, res.Trade.Flagged)
	})
}

func TestParseDeviationPolicy(t *testing.T) {
	p, err := ParseDeviationPolicy(" Reject ")
	require.NoError(t, err)
	assert.Equal(t, DeviationReject, p)

	_, err = ParseDeviationPolicy("warn")
	assert.Error(t, err)
}

func TestList_FilterAndPaging(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 3; i++ {
		f.create(t, model.Buy, 1, "1")
	}
	sell := f.create(t, model.Sell, 1, "1")
	_, err := f.mgr.Cancel(context.Background(), ledgerID, sell.ID)
	require.NoError(t, err)

	page, err := f.mgr.List(context.Background(), ledgerID, model.OrderFilter{Type: model.Buy, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Orders, 2)
	assert.True(t, page.HasMore)

	page, err = f.mgr.List(context.Background(), ledgerID, model.OrderFilter{Status: model.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, sell.ID, page.Orders[0].ID)
	assert.False(t, page.HasMore)
}

func TestActionable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mk := func(item string, typ model.OrderType, price string) *model.Order {
		o, err := f.mgr.Create(ctx, ledgerID, CreateRequest{
			ItemID: item, Type: typ, Quantity: 1, PricePerUnit: d(price), Currency: model.Divine,
		})
		require.NoError(t, err)
		return o
	}

	f.prices.Set("cheap", model.Divine, d("4"))
	f.prices.Set("dear", model.Divine, d("9"))
	f.prices.Set("free", model.Divine, decimal.Zero)

	buyCheap := mk("cheap", model.Buy, "5")   // 4 ≤ 5: actionable
	mk("cheap", model.Sell, "5")              // 4 < 5: not
	sellDear := mk("dear", model.Sell, "9")   // 9 ≥ 9: actionable
	mk("dear", model.Buy, "8")                // 9 > 8: not
	mk("free", model.Buy, "1")                // zero price is unknown
	mk("unlisted", model.Buy, "1000")         // no price
	cancelled := mk("cheap", model.Buy, "10") // would be actionable
	_, err := f.mgr.Cancel(ctx, ledgerID, cancelled.ID)
	require.NoError(t, err)

	got, err := f.mgr.Actionable(ctx, ledgerID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := map[string]decimal.Decimal{}
	for _, a := range got {
		ids[a.Order.ID] = a.CurrentPrice
	}
	require.Contains(t, ids, buyCheap.ID)
	require.Contains(t, ids, sellDear.ID)
	assertDec(t, "4", ids[buyCheap.ID])
	assertDec(t, "9", ids[sellDear.ID])
}

func TestActionable_NoOracle(t *testing.T) {
	st := store.NewMemoryStore()
	mgr := NewManager(st, nil, nil, Config{})
	_, err := mgr.Create(context.Background(), ledgerID, CreateRequest{
		ItemID: "x", Type: model.Buy, Quantity: 1, PricePerUnit: d("1"), Currency: model.Chaos,
	})
	require.NoError(t, err)

	got, err := mgr.Actionable(context.Background(), ledgerID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// pageHook runs after once, right after the first ListOrders page read
// through a snapshot returns.
type pageHook struct {
	store.Store
	once  sync.Once
	after func()
}

func (s *pageHook) Snapshot(ctx context.Context, fn func(r store.Reader) error) error {
	return s.Store.Snapshot(ctx, func(r store.Reader) error {
		return fn(pageHookReader{Reader: r, s: s})
	})
}

type pageHookReader struct {
	store.Reader
	s *pageHook
}

func (r pageHookReader) ListOrders(ctx context.Context, ledgerID string, f model.OrderFilter) (model.OrderPage, error) {
	page, err := r.Reader.ListOrders(ctx, ledgerID, f)
	r.s.once.Do(r.s.after)
	return page, err
}

func TestActionable_CancelBetweenPagesSkipsNothing(t *testing.T) {
	ctx := context.Background()
	st := &pageHook{Store: store.NewMemoryStore()}
	prices := oracle.NewStatic()
	prices.Set("cheap", model.Divine, d("4"))
	mgr := NewManager(st, prices, nil, Config{})

	// One more than a page, all actionable.
	want := map[string]bool{}
	var newest string
	for i := 0; i < store.MaxPageLimit+1; i++ {
		o, err := mgr.Create(ctx, ledgerID, CreateRequest{
			ItemID: "cheap", Type: model.Buy, Quantity: 1, PricePerUnit: d("5"), Currency: model.Divine,
		})
		require.NoError(t, err)
		want[o.ID] = true
		newest = o.ID
	}

	// The newest order sits on the first page; cancelling it would shift
	// the second page by one if pages came from different states.
	st.after = func() {
		_, err := mgr.Cancel(ctx, ledgerID, newest)
		require.NoError(t, err)
	}

	got, err := mgr.Actionable(ctx, ledgerID)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for _, a := range got {
		assert.True(t, want[a.Order.ID], "unexpected order %s", a.Order.ID)
		delete(want, a.Order.ID)
	}
	assert.Empty(t, want, "orders skipped")

	got, err = mgr.Actionable(ctx, ledgerID)
	require.NoError(t, err)
	assert.Len(t, got, store.MaxPageLimit)
}

// lockRecorder logs the order in which execution takes item and balance
// locks.
type lockRecorder struct {
	store.Store
	mu    sync.Mutex
	locks []string
}

func (s *lockRecorder) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&recordingTx{Tx: tx, s: s})
	})
}

func (s *lockRecorder) record(what string) {
	s.mu.Lock()
	s.locks = append(s.locks, what)
	s.mu.Unlock()
}

func (s *lockRecorder) reset() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

type recordingTx struct {
	store.Tx
	s *lockRecorder
}

func (tx *recordingTx) LockItem(ctx context.Context, ledgerID, itemID string) error {
	tx.s.record("item")
	return tx.Tx.LockItem(ctx, ledgerID, itemID)
}

func (tx *recordingTx) GetBalanceForUpdate(ctx context.Context, ledgerID string, c model.Currency) (decimal.Decimal, error) {
	tx.s.record("balance")
	return tx.Tx.GetBalanceForUpdate(ctx, ledgerID, c)
}

func TestExecute_LocksItemBeforeBalance(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	st := &lockRecorder{Store: mem}
	mgr := NewManager(st, nil, nil, Config{})
	_, err := ledger.NewBook(mem, store.DefaultRetryPolicy).SetBalance(ctx, ledgerID, model.Divine, d("100"))
	require.NoError(t, err)

	for _, typ := range []model.OrderType{model.Buy, model.Sell} {
		o, err := mgr.Create(ctx, ledgerID, CreateRequest{
			ItemID: "mirror-shard", Type: typ, Quantity: 2, PricePerUnit: d("5"), Currency: model.Divine,
		})
		require.NoError(t, err)
		st.reset()

		_, err = mgr.Execute(ctx, ledgerID, o.ID, ExecuteRequest{})
		require.NoError(t, err)
		locks := st.reset()
		require.NotEmpty(t, locks)
		assert.Equal(t, "item", locks[0], "%s locks: %v", typ, locks)
		assert.Contains(t, locks, "balance", "%s locks: %v", typ, locks)
	}
}

func TestConcurrentExecuteSameOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	o := f.create(t, model.Buy, 2, "5")

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{})
			var ise *InvalidStateTransitionError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &ise):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), rejected.Load())
	assertDec(t, "90", f.balance(t, model.Divine))
}

func TestConcurrentSellsNeverOversell(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(t, model.Divine, "100")
	buy := f.create(t, model.Buy, 10, "1")
	_, err := f.mgr.Execute(context.Background(), ledgerID, buy.ID, ExecuteRequest{})
	require.NoError(t, err)

	var sells []*model.Order
	for i := 0; i < 5; i++ {
		sells = append(sells, f.create(t, model.Sell, 3, "2"))
	}

	var wg sync.WaitGroup
	var ok, short atomic.Int32
	for _, o := range sells {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.mgr.Execute(context.Background(), ledgerID, id, ExecuteRequest{})
			var ire *ledger.InsufficientResourcesError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &ire):
				short.Add(1)
			}
		}(o.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(2), short.Load())

	lots, err := f.st.ListLots(context.Background(), ledgerID, "mirror-shard")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(1), lots[0].Quantity)
	assertDec(t, "108", f.balance(t, model.Divine))
}

func TestExecute_UsesInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return at }
	f := newFixture(t, cfg)
	f.fund(t, model.Divine, "5")
	o := f.create(t, model.Buy, 1, "5")

	res, err := f.mgr.Execute(context.Background(), ledgerID, o.ID, ExecuteRequest{})
	require.NoError(t, err)
	assert.True(t, res.Trade.ExecutedAt.Equal(at))
	assert.True(t, res.Order.CreatedAt.Equal(at))
}
