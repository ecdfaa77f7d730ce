package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures a NATSBackend.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Bucket is the JetStream KV bucket holding keys and sets.
	Bucket string

	// BufferSize for subscription channels.
	BufferSize int

	ReconnectWait    time.Duration
	MaxReconnects    int // -1 = unlimited
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:              nats.DefaultURL,
		Name:             "swarmbus",
		Bucket:           "swarmbus",
		BufferSize:       256,
		ReconnectWait:    2 * time.Second,
		MaxReconnects:    -1,
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 5 * time.Second,
	}
}

// casAttempts bounds optimistic retries when updating a set.
const casAttempts = 8

// NATSBackend implements Backend with core NATS for pub/sub and a JetStream
// KV bucket for keys and sets. KV TTLs are bucket-wide in JetStream, so
// per-key expiry is stored in the value and enforced on read.
type NATSBackend struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSConfig
	closed atomic.Bool
}

// NewNATSBackend connects to NATS and opens (or creates) the KV bucket.
func NewNATSBackend(ctx context.Context, cfg NATSConfig) (*NATSBackend, error) {
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kvCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(kvCtx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSBackend{conn: conn, kv: kv, config: cfg}, nil
}

func (b *NATSBackend) Name() string  { return "nats" }
func (b *NATSBackend) Durable() bool { return true }

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBackend) Conn() *nats.Conn { return b.conn }

func (b *NATSBackend) usable() error {
	if b.closed.Load() || b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *NATSBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func (b *NATSBackend) Publish(ctx context.Context, channel string, data []byte) error {
	if err := validateName(channel); err != nil {
		return err
	}
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBackend) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrInvalid
	}
	for _, ch := range channels {
		if err := validateName(ch); err != nil {
			return nil, err
		}
	}
	if err := b.usable(); err != nil {
		return nil, err
	}

	sub := &natsSub{
		ch:   make(chan *nats.Msg, b.config.BufferSize),
		done: make(chan struct{}),
	}
	for _, channel := range dedupe(channels) {
		s, err := b.conn.ChanSubscribe(channel, sub.ch)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("nats subscribe: %w", err)
		}
		sub.subs = append(sub.subs, s)
	}
	// Make sure the server has registered interest before returning.
	if err := b.conn.FlushTimeout(b.config.OperationTimeout); err != nil {
		sub.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return sub, nil
}

// valueEnvelope carries a value and its expiry through the KV bucket.
type valueEnvelope struct {
	Value   []byte `json:"v"`
	Expires int64  `json:"exp,omitempty"` // unix nanoseconds, 0 = never
}

func (e valueEnvelope) expired(now time.Time) bool {
	return e.Expires != 0 && now.UnixNano() > e.Expires
}

func (b *NATSBackend) load(ctx context.Context, key string) (valueEnvelope, error) {
	var env valueEnvelope
	entry, err := b.kv.Get(ctx, valueKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return env, ErrNotFound
		}
		return env, fmt.Errorf("kv get: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return env, fmt.Errorf("kv decode %s: %w", key, err)
	}
	if env.expired(time.Now()) {
		b.kv.Delete(ctx, valueKey(key))
		return env, ErrNotFound
	}
	return env, nil
}

func (b *NATSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if err := b.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	env, err := b.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (b *NATSBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateName(key); err != nil {
		return err
	}
	if err := b.usable(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	env := valueEnvelope{Value: value}
	switch {
	case ttl == KeepTTL:
		old, err := b.load(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			env.Expires = old.Expires
		}
	case ttl > 0:
		env.Expires = time.Now().Add(ttl).UnixNano()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := b.kv.Put(ctx, valueKey(key), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (b *NATSBackend) Del(ctx context.Context, keys ...string) error {
	if err := b.usable(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	for _, key := range keys {
		for _, k := range []string{valueKey(key), setKey(key)} {
			if err := b.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("kv delete: %w", err)
			}
		}
	}
	return nil
}

func (b *NATSBackend) SAdd(ctx context.Context, key string, members ...string) error {
	return b.updateSet(ctx, key, func(set map[string]struct{}) {
		for _, m := range members {
			set[m] = struct{}{}
		}
	})
}

func (b *NATSBackend) SRem(ctx context.Context, key string, members ...string) error {
	return b.updateSet(ctx, key, func(set map[string]struct{}) {
		for _, m := range members {
			delete(set, m)
		}
	})
}

func (b *NATSBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if err := b.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	members, _, err := b.readSet(ctx, key)
	return members, err
}

func (b *NATSBackend) readSet(ctx context.Context, key string) ([]string, uint64, error) {
	entry, err := b.kv.Get(ctx, setKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []string{}, 0, nil
		}
		return nil, 0, fmt.Errorf("kv get: %w", err)
	}
	var members []string
	if err := json.Unmarshal(entry.Value(), &members); err != nil {
		return nil, 0, fmt.Errorf("kv decode set %s: %w", key, err)
	}
	return members, entry.Revision(), nil
}

// updateSet applies fn with optimistic concurrency on the entry revision.
func (b *NATSBackend) updateSet(ctx context.Context, key string, fn func(map[string]struct{})) error {
	if err := validateName(key); err != nil {
		return err
	}
	if err := b.usable(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		members, rev, err := b.readSet(ctx, key)
		if err != nil {
			return err
		}

		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		fn(set)

		next := make([]string, 0, len(set))
		for m := range set {
			next = append(next, m)
		}
		sort.Strings(next)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		if rev == 0 {
			_, lastErr = b.kv.Create(ctx, setKey(key), data)
		} else {
			_, lastErr = b.kv.Update(ctx, setKey(key), data, rev)
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("kv set update %s: %w", key, lastErr)
}

// Close shuts down the NATS connection.
func (b *NATSBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.conn.Close()
	return nil
}

type natsSub struct {
	subs []*nats.Subscription
	ch   chan *nats.Msg
	done chan struct{}
	once sync.Once
}

func (s *natsSub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-s.ch:
		return m.Data, nil
	case <-s.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *natsSub) Close() error {
	var firstErr error
	s.once.Do(func() {
		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil && firstErr == nil && !errors.Is(err, nats.ErrConnectionClosed) {
				firstErr = err
			}
		}
		close(s.done)
	})
	return firstErr
}

// valueKey and setKey map bus keys such as "consensus:trader:1:votes" onto
// the NATS KV key alphabet.
func valueKey(key string) string { return "k." + kvSafe(key) }
func setKey(key string) string   { return "s." + kvSafe(key) }

func kvSafe(key string) string {
	var sb strings.Builder
	prevDot := true
	for _, r := range key {
		switch {
		case r == ':' || r == '.':
			if prevDot {
				sb.WriteRune('_')
				prevDot = false
			} else {
				sb.WriteRune('.')
				prevDot = true
			}
		case r == '-' || r == '/' || r == '_' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			prevDot = false
		default:
			sb.WriteRune('_')
			prevDot = false
		}
	}
	out := sb.String()
	if strings.HasSuffix(out, ".") {
		out += "_"
	}
	return out
}
