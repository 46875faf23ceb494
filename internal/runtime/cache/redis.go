package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis backed cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis stores entries as JSON documents in Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("pipeflow: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pipeflow: redis cache ping failed: %w", err)
	}
	return NewRedis(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := sonic.ConfigStd.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("pipeflow: decode cached entry %q: %w", key, err)
	}
	return e, true, nil
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, key string, e Entry) error {
	raw, err := sonic.ConfigStd.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err()
}

// Close closes the client.
func (r *Redis) Close() error { return r.client.Close() }
