package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for the summary cache.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	TTL         time.Duration
}

// Redis keeps each user's cached summaries in one hash, one field per day, so
// invalidation is a single DEL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, userID, dayKey string) ([]byte, error) {
	if err := validateKey(userID, dayKey); err != nil {
		return nil, err
	}
	value, err := r.client.HGet(ctx, SummaryKey(userID), dayKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get failed: %w", err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, userID, dayKey string, value []byte) error {
	if err := validateKey(userID, dayKey); err != nil {
		return err
	}
	key := SummaryKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, dayKey, value)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrCacheKeyEmpty
	}
	if err := r.client.Del(ctx, SummaryKey(userID)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
