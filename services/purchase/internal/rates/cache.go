package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const defaultCachePrefix = "cex:purchase:fx:"

// RedisCache fronts a Provider with a shared Redis cache. Concurrent misses for
// the same pair collapse into one upstream call. Redis failures degrade to the
// upstream provider.
type RedisCache struct {
	next   Provider
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	logger *slog.Logger
}

func NewRedisCache(next Provider, client redis.UniversalClient, ttl time.Duration, prefix string, logger *slog.Logger) *RedisCache {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{next: next, client: client, ttl: ttl, prefix: prefix, logger: logger}
}

type cachedQuote struct {
	Rate   string    `json:"rate"`
	AsOf   time.Time `json:"as_of"`
	Source string    `json:"source"`
}

func (c *RedisCache) key(from, to currency.Code) string {
	return c.prefix + string(from) + ":" + string(to)
}

func (c *RedisCache) Rate(ctx context.Context, from, to currency.Code) (Quote, error) {
	if from == to {
		return c.next.Rate(ctx, from, to)
	}

	key := c.key(from, to)
	if q, ok := c.get(ctx, key, from, to); ok {
		return q, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		q, err := c.next.Rate(ctx, from, to)
		if err != nil {
			return Quote{}, err
		}
		c.set(ctx, key, q)
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// Invalidate drops a cached pair, e.g. after a manual rate correction.
func (c *RedisCache) Invalidate(ctx context.Context, from, to currency.Code) error {
	return c.client.Del(ctx, c.key(from, to)).Err()
}

func (c *RedisCache) get(ctx context.Context, key string, from, to currency.Code) (Quote, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("rate cache read failed", "key", key, "error", err)
		}
		return Quote{}, false
	}
	var cq cachedQuote
	if err := json.Unmarshal(raw, &cq); err != nil {
		c.logger.Warn("rate cache entry corrupt", "key", key, "error", err)
		return Quote{}, false
	}
	q, err := cq.quote(from, to)
	if err != nil {
		c.logger.Warn("rate cache entry corrupt", "key", key, "error", err)
		return Quote{}, false
	}
	return q, true
}

func (c *RedisCache) set(ctx context.Context, key string, q Quote) {
	raw, err := json.Marshal(cachedQuote{Rate: q.Rate.String(), AsOf: q.AsOf, Source: q.Source})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "key", key, "error", err)
	}
}

func (cq cachedQuote) quote(from, to currency.Code) (Quote, error) {
	rate, err := decimal.NewFromString(cq.Rate)
	if err != nil {
		return Quote{}, fmt.Errorf("invalid cached rate %q: %w", cq.Rate, err)
	}
	return Quote{From: from, To: to, Rate: rate, AsOf: cq.AsOf, Source: cq.Source}, nil
}
