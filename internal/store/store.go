package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// CounterStore is the thin client over the shared counter store. It exposes
// exactly the primitives the governance layer needs: atomic counters with TTL
// refresh, expiring strings, and the pipelined sliding-window operation.
// The store is an unreliable external dependency; every method can fail and
// callers decide what failing open means for them.
type CounterStore interface {
	// SlidingWindow atomically records member at score now, evicts members
	// older than now-window, refreshes the set TTL to window, and returns
	// the cardinality after eviction. All four steps run in one pipelined
	// call so concurrent processes never double-count.
	SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)

	// Incr increments the counter at key and refreshes its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithTTL sets key to value with the given expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound when the key
	// is absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Health check
	Ping(ctx context.Context) error

	// Close the store
	Close() error
}

// RedisStore implements CounterStore using Redis
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a new Redis-backed counter store
func NewRedisStore(addr string, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB

		// The governor sits on the request hot path, so the client is tuned
		// to fail fast rather than queue: retries are handled above this
		// layer where the circuit breaker can see them.
		PoolSize:     100,
		MinIdleConns: 20,
		MaxRetries:   0,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolTimeout:  500 * time.Millisecond,
	})

	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func (r *RedisStore) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
		card = pipe.ZCard(ctx, key)
		// TTL refresh bounds memory even if a later trim never happens.
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis sliding window error: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr error: %w", err)
	}
	return incr.Val(), nil
}

func (r *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get error: %w", err)
	}
	return value, nil
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl error: %w", err)
	}
	// -2: key missing, -1: key has no expiry. Neither carries a usable TTL.
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// NewStore creates a new counter store based on the backend type
func NewStore(backend, redisAddr string, logger zerolog.Logger) (CounterStore, error) {
	switch backend {
	case "memory":
		logger.Info().Msg("using memory store backend")
		return NewMemoryStore(logger), nil
	case "redis":
		logger.Info().Str("redis_addr", redisAddr).Msg("using redis store backend")
		store := NewRedisStore(redisAddr, logger)

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
