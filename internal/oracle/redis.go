package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Redis reads prices that the market-data ingestion service publishes as
// plain decimal strings under price:{CURRENCY}:{ref}. A missing key means
// the price is unknown; a malformed value is reported as an error.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed oracle. prefix is prepended to every key,
// e.g. "poe:" for price keys like poe:price:DIVINE:mirror-shard.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Rate(ctx context.Context, ref string, currency model.Currency) (decimal.Decimal, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(ref, currency)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("read price %s/%s: %w", ref, currency, err)
	}

	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse price %s/%s: %w", ref, currency, err)
	}
	return rate, true, nil
}

// Publish stores a rate. The ledger never calls it on the request path; it
// exists for seeding and for tests.
func (r *Redis) Publish(ctx context.Context, ref string, currency model.Currency, rate decimal.Decimal) error {
	return r.rdb.Set(ctx, r.key(ref, currency), rate.String(), 0).Err()
}

// Seed publishes quotes that are not already present, so a live ingestion
// feed is never overwritten.
func (r *Redis) Seed(ctx context.Context, quotes []Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, q := range quotes {
			p.SetNX(ctx, r.key(q.Ref, q.Currency), q.Rate.String(), 0)
		}
		return nil
	})
	return err
}

func (r *Redis) key(ref string, currency model.Currency) string {
	return r.prefix + priceKey(ref, currency)
}
