package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding known content hashes.
const DefaultKey = "regwatch:content_hashes"

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// RedisConfig configures the hash index.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisIndex is a Redis set of content hashes used as a fast path in front of the document store.
type RedisIndex struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisIndex wraps a client. An empty key uses DefaultKey; a zero TTL never expires the set.
func NewRedisIndex(client redis.Cmdable, key string, ttl time.Duration) *RedisIndex {
	if key == "" {
		key = DefaultKey
	}
	return &RedisIndex{client: client, key: key, ttl: ttl}
}

// Contains reports whether hash is in the set.
func (r *RedisIndex) Contains(ctx context.Context, hash string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, hash).Result()
	if err != nil {
		return false, fmt.Errorf("sismember: %w", err)
	}
	return ok, nil
}

// Add inserts hash and refreshes the set TTL.
func (r *RedisIndex) Add(ctx context.Context, hash string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key, hash)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sadd: %w", err)
	}
	return nil
}
