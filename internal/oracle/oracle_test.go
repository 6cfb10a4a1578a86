package oracle

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/model"
)

func TestStatic(t *testing.T) {
	s := NewStatic()
	ctx := context.Background()

	_, ok, err := s.Rate(ctx, "mirror-shard", model.Divine)
	require.NoError(t, err)
	assert.False(t, ok)

	s.Set("mirror-shard", model.Divine, decimal.NewFromInt(7))
	rate, ok, err := s.Rate(ctx, "mirror-shard", model.Divine)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rate.Equal(decimal.NewFromInt(7)))

	// Quotes are per currency.
	_, ok, _ = s.Rate(ctx, "mirror-shard", model.Chaos)
	assert.False(t, ok)

	s.Delete("mirror-shard", model.Divine)
	_, ok, _ = s.Rate(ctx, "mirror-shard", model.Divine)
	assert.False(t, ok)
}

type countingOracle struct {
	calls int
	rate  decimal.Decimal
	err   error
}

func (c *countingOracle) Rate(context.Context, string, model.Currency) (decimal.Decimal, bool, error) {
	c.calls++
	if c.err != nil {
		return decimal.Zero, false, c.err
	}
	return c.rate, true, nil
}

func TestCached_MemoisesUntilExpiry(t *testing.T) {
	primary := &countingOracle{rate: decimal.NewFromInt(3)}
	c := NewCached(primary, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rate, ok, err := c.Rate(ctx, "relic", model.Chaos)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, rate.Equal(decimal.NewFromInt(3)))
	}
	assert.Equal(t, 1, primary.calls)

	_, _, _ = c.Rate(ctx, "relic", model.Divine)
	assert.Equal(t, 2, primary.calls, "different currency is a different key")

	now = now.Add(2 * time.Minute)
	_, _, _ = c.Rate(ctx, "relic", model.Chaos)
	assert.Equal(t, 3, primary.calls)
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	primary := &countingOracle{err: errors.New("boom")}
	c := NewCached(primary, time.Minute)
	ctx := context.Background()

	_, _, err := c.Rate(ctx, "relic", model.Chaos)
	require.Error(t, err)

	primary.err = nil
	primary.rate = decimal.NewFromInt(5)
	rate, ok, err := c.Rate(ctx, "relic", model.Chaos)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rate.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 2, primary.calls)
}

func TestPriceKey(t *testing.T) {
	assert.Equal(t, "price:DIVINE:mirror-shard", priceKey("mirror-shard", model.Divine))
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	o := NewRedis(rdb, "test-"+uuid.NewString()+":")

	_, ok, err := o.Rate(ctx, "mirror-shard", model.Divine)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, o.Publish(ctx, "mirror-shard", model.Divine, decimal.RequireFromString("4.5")))
	rate, ok, err := o.Rate(ctx, "mirror-shard", model.Divine)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("4.5")))

	// Seed leaves existing keys alone.
	require.NoError(t, o.Seed(ctx, []Quote{
		{Ref: "mirror-shard", Currency: model.Divine, Rate: decimal.NewFromInt(9)},
		{Ref: "DIVINE", Currency: model.Chaos, Rate: decimal.NewFromInt(210)},
	}))
	rate, _, err = o.Rate(ctx, "mirror-shard", model.Divine)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("4.5")))
	rate, ok, err = o.Rate(ctx, "DIVINE", model.Chaos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.NewFromInt(210)))

	require.NoError(t, rdb.Set(ctx, o.key("junk", model.Chaos), "abc", 0).Err())
	_, _, err = o.Rate(ctx, "junk", model.Chaos)
	assert.Error(t, err)
}
