package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	// URL such as "redis://localhost:6379/0".
	URL string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:              "redis://localhost:6379/0",
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 5 * time.Second,
	}
}

// RedisBackend implements Backend on a Redis-compatible server.
type RedisBackend struct {
	client *redis.Client
	config RedisConfig
	closed atomic.Bool
}

// NewRedisBackend connects and pings the server. Connection failures are
// returned as-is so callers can decide whether to fall back.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultRedisConfig().URL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultRedisConfig().ConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultRedisConfig().OperationTimeout
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	opts.MaxRetries = 0 // publish retries are handled by the bus

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBackend{client: client, config: cfg}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, config: DefaultRedisConfig()}
}

func (b *RedisBackend) Name() string  { return "redis" }
func (b *RedisBackend) Durable() bool { return true }

// Client returns the underlying client for advanced use.
func (b *RedisBackend) Client() *redis.Client { return b.client }

func (b *RedisBackend) Publish(ctx context.Context, channel string, data []byte) error {
	if err := validateName(channel); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before
// returning, so messages published afterwards are not missed.
func (b *RedisBackend) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrInvalid
	}
	for _, ch := range channels {
		if err := validateName(ch); err != nil {
			return nil, err
		}
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	channels = dedupe(channels)
	ps := b.client.Subscribe(ctx, channels...)

	// One confirmation per channel.
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
	}

	return &redisSub{ps: ps}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	val, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateName(key); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	expiration := ttl
	if ttl == KeepTTL {
		expiration = redis.KeepTTL
	} else if ttl < 0 {
		expiration = 0
	}
	if err := b.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if err := validateName(key); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if err := validateName(key); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

func (b *RedisBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

type redisSub struct {
	ps     *redis.PubSub
	closed atomic.Bool
}

// Receive skips subscription confirmations and pongs until a message
// arrives or the timeout expires.
func (s *redisSub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		msg, err := s.ps.ReceiveTimeout(ctx, remaining)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrTimeout
			}
			if s.closed.Load() || errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("redis receive: %w", err)
		}

		if m, ok := msg.(*redis.Message); ok {
			return []byte(m.Payload), nil
		}
	}
}

func (s *redisSub) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.ps.Close()
}
