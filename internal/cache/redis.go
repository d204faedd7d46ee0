package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/resilience"
)

// Redis is the shared cache tier. Values are JSON-encoded ResolvedFeatures;
// Redis handles expiry via per-key TTLs. Transient failures are retried
// briefly and then treated as misses — the cache must never take down the
// resolution path.
type Redis struct {
	client   redis.Cmdable
	retry    resilience.RetryConfig
	counters counters
	closeFn  func() error
}

// RedisConfig configures the shared cache connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// NewRedis connects the shared cache tier.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     poolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrap(err, "cache: redis ping")
	}
	return &Redis{
		client:  client,
		retry:   resilience.DefaultRetryConfig(),
		closeFn: client.Close,
	}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client redis.Cmdable) *Redis {
	return &Redis{client: client, retry: resilience.DefaultRetryConfig()}
}

// Get fetches and decodes a cached value. A missing key or an unreadable
// payload is a miss, never an error surfaced to the resolution path.
func (r *Redis) Get(ctx context.Context, key Key) (*model.ResolvedFeature, bool, error) {
	raw, err := resilience.DoVal(ctx, r.retry, "redis get", func(ctx context.Context) (string, error) {
		return r.client.Get(ctx, key.String()).Result()
	})
	if err != nil {
		r.counters.miss()
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "cache: redis get")
	}

	var rf model.ResolvedFeature
	if err := json.Unmarshal([]byte(raw), &rf); err != nil {
		r.counters.miss()
		return nil, false, nil
	}
	r.counters.hit()
	return &rf, true, nil
}

// Set encodes and stores a value under its TTL.
func (r *Redis) Set(ctx context.Context, key Key, rf *model.ResolvedFeature, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(rf)
	if err != nil {
		return eris.Wrap(err, "cache: marshal")
	}
	return resilience.Do(ctx, r.retry, "redis set", func(ctx context.Context) error {
		return r.client.Set(ctx, key.String(), data, ttl).Err()
	})
}

// Stats reports hit/miss counts.
func (r *Redis) Stats() Stats { return r.counters.snapshot() }

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r.closeFn != nil {
		return r.closeFn()
	}
	return nil
}
