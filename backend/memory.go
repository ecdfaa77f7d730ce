package backend

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Hub is the in-process exchange shared by every MemoryBackend created from
// it. Buses in the same process see each other's messages and keys when they
// share a Hub.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
	data map[string]*entry
	sets map[string]map[string]struct{}
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewHub creates an empty in-process exchange.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string][]*memorySub),
		data: make(map[string]*entry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) deliver(channel string, data []byte) {
	h.mu.RLock()
	subs := h.subs[channel]
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.offer(data)
	}
}

func (h *Hub) add(channel string, sub *memorySub) {
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], sub)
	h.mu.Unlock()
}

func (h *Hub) remove(channel string, target *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[channel]
	for i, sub := range subs {
		if sub == target {
			h.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
}

// MemoryBackend implements Backend on a Hub. It is the Local transport.
type MemoryBackend struct {
	hub        *Hub
	bufferSize int
	closed     atomic.Bool

	mu   sync.Mutex
	subs map[*memorySub]struct{}
}

// NewMemoryBackend creates a backend on hub. A nil hub gets a private one.
func NewMemoryBackend(hub *Hub, bufferSize int) *MemoryBackend {
	if hub == nil {
		hub = NewHub()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBackend{
		hub:        hub,
		bufferSize: bufferSize,
		subs:       make(map[*memorySub]struct{}),
	}
}

func (b *MemoryBackend) Name() string  { return "memory" }
func (b *MemoryBackend) Durable() bool { return false }

// Hub returns the exchange this backend publishes into.
func (b *MemoryBackend) Hub() *Hub { return b.hub }

// Publish delivers to current subscribers. Full subscriber buffers drop the
// message; the Local transport never fails transiently.
func (b *MemoryBackend) Publish(ctx context.Context, channel string, data []byte) error {
	if err := validateName(channel); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.hub.deliver(channel, data)
	return nil
}

// Subscribe creates one subscription fed by every listed channel.
func (b *MemoryBackend) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
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

	sub := &memorySub{
		channels: dedupe(channels),
		ch:       make(chan []byte, b.bufferSize),
		backend:  b,
	}
	for _, ch := range sub.channels {
		b.hub.add(ch, sub)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	h := b.hub
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}

	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateName(key); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	val := make([]byte, len(value))
	copy(val, value)

	e := &entry{value: val}
	switch {
	case ttl == KeepTTL:
		if old, ok := h.data[key]; ok && !old.expired(now) {
			e.expires = old.expires
		}
	case ttl > 0:
		e.expires = now.Add(ttl)
	}
	h.data[key] = e
	h.purgeExpired(now)
	return nil
}

// purgeExpired drops expired keys. Caller holds h.mu.
func (h *Hub) purgeExpired(now time.Time) {
	for key, e := range h.data {
		if e.expired(now) {
			delete(h.data, key)
		}
	}
}

func (b *MemoryBackend) Del(ctx context.Context, keys ...string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	h := b.hub
	h.mu.Lock()
	for _, k := range keys {
		delete(h.data, k)
		delete(h.sets, k)
	}
	h.mu.Unlock()
	return nil
}

func (b *MemoryBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if err := validateName(key); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sets[key]
	if !ok {
		set = make(map[string]struct{})
		h.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) SRem(ctx context.Context, key string, members ...string) error {
	if err := validateName(key); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(h.sets, key)
	}
	return nil
}

// SMembers returns members in sorted order.
func (b *MemoryBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := validateName(key); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	h := b.hub
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.sets[key]))
	for m := range h.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Close ends this backend's subscriptions. The hub and its data stay
// available to other backends.
func (b *MemoryBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*memorySub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySub struct {
	channels []string
	ch       chan []byte
	backend  *MemoryBackend

	mu     sync.RWMutex
	closed bool
}

func (s *memorySub) offer(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
		// Buffer full, drop message
	}
}

func (s *memorySub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	for _, ch := range s.channels {
		s.backend.hub.remove(ch, s)
	}
	s.backend.mu.Lock()
	delete(s.backend.subs, s)
	s.backend.mu.Unlock()
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
