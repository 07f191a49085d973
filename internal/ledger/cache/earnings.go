package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	keyEarnings           = "earnings:%s"
	keyEarningsGeneration = "earnings:gen:%s"
	defaultEarningsTTL    = 10 * time.Minute
	// The generation must outlive any cached value it guards.
	generationTTL = 6 * defaultEarningsTTL
)

// setIfGeneration writes the total only while the member's generation is
// still the one the reader saw before summing the ledger.
const setIfGeneration = `
local current = redis.call("GET", KEYS[2])
if current == false then current = "0" end
if current ~= ARGV[2] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`

// EarningsCache is a read-through cache of lifetime earnings. It is never
// authoritative. Readers take the Generation before summing the ledger and
// pass it to Set; an Invalidate in between bumps the generation and the
// stale total is dropped.
type EarningsCache interface {
	Get(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, bool, error)
	Generation(ctx context.Context, memberID snowflake.ID) (int64, error)
	Set(ctx context.Context, memberID snowflake.ID, amount decimal.Decimal, generation int64) (bool, error)
	Invalidate(ctx context.Context, memberIDs ...snowflake.ID) error
}

type redisEarningsCache struct {
	client *redis.Client
	ttl    time.Duration
	set    *redis.Script
}

// NewEarningsCache returns nil when redis is not configured.
func NewEarningsCache(client *redis.Client) EarningsCache {
	if client == nil {
		return nil
	}
	return &redisEarningsCache{
		client: client,
		ttl:    defaultEarningsTTL,
		set:    redis.NewScript(setIfGeneration),
	}
}

func (c *redisEarningsCache) Get(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, earningsKey(memberID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		// Unparseable values are dropped so the next read rebuilds them.
		_ = c.client.Del(ctx, earningsKey(memberID)).Err()
		return decimal.Zero, false, nil
	}
	return amount, true, nil
}

func (c *redisEarningsCache) Generation(ctx context.Context, memberID snowflake.ID) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(memberID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisEarningsCache) Set(ctx context.Context, memberID snowflake.ID, amount decimal.Decimal, generation int64) (bool, error) {
	keys := []string{earningsKey(memberID), generationKey(memberID)}
	n, err := c.set.Run(ctx, c.client, keys, amount.String(), generation, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *redisEarningsCache) Invalidate(ctx context.Context, memberIDs ...snowflake.ID) error {
	if len(memberIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range memberIDs {
			pipe.Incr(ctx, generationKey(id))
			pipe.Expire(ctx, generationKey(id), generationTTL)
			pipe.Del(ctx, earningsKey(id))
		}
		return nil
	})
	return err
}

func earningsKey(memberID snowflake.ID) string {
	return fmt.Sprintf(keyEarnings, memberID)
}

func generationKey(memberID snowflake.ID) string {
	return fmt.Sprintf(keyEarningsGeneration, memberID)
}
