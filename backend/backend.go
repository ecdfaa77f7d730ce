// Package backend provides the transports a bus runs on.
//
// Every transport implements Backend: publish/subscribe on named channels plus
// a small key-value surface (GET, SET with TTL, set add/remove/members) used
// for the consensus vote ledger, agent state and the shared channel registry.
// The Local transport (MemoryBackend) works inside one process. The Durable
// transports (RedisBackend, NATSBackend) are shared across processes.
package backend

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed   = errors.New("backend closed")
	ErrTimeout  = errors.New("receive timeout")
	ErrNotFound = errors.New("key not found")
	ErrInvalid  = errors.New("invalid channel or key")
)

// KeepTTL passed to Set keeps the key's current expiry.
// A key without an expiry stays without one.
const KeepTTL time.Duration = -1

// Backend is a transport plus key-value store.
type Backend interface {
	// Name identifies the backend: "memory", "redis" or "nats".
	Name() string

	// Durable reports whether state is shared with other processes.
	Durable() bool

	// Publish sends data to every subscriber of a channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe listens on one or more channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. ttl 0 means no expiry; KeepTTL keeps the current one.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Close releases connections and ends all subscriptions.
	Close() error
}

// Subscription delivers raw messages from subscribed channels.
type Subscription interface {
	// Receive waits up to timeout for the next message.
	// Returns ErrTimeout when nothing arrives and ErrClosed after Close.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Close ends the subscription.
	Close() error
}

func validateName(name string) error {
	if name == "" {
		return ErrInvalid
	}
	return nil
}
