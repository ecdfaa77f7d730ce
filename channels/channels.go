// Package channels keeps the registry of dynamic, named bus channels.
//
// Names are canonicalized with the bus prefix ("swarm:" by default) and
// recorded locally. When the backend is durable they are also added to the
// shared "registered_channels" set so other processes can discover them.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/swarmbus/backend"
)

// RegisteredKey is the shared set holding every registered channel.
const RegisteredKey = "registered_channels"

// ParticipantsKey is where a topic channel's participants are stored.
func ParticipantsKey(channel string) string {
	return "channel_participants:" + channel
}

// Registry records channels for one bus. It is safe for concurrent use.
type Registry struct {
	backend backend.Backend
	prefix  string

	mu           sync.RWMutex
	local        map[string]struct{}
	participants map[string][]string
	reserved     map[string]struct{}
}

// ErrReserved is returned when a dynamic channel would shadow an agent's
// direct channel or the broadcast channel.
var ErrReserved = errors.New("channel name is reserved")

// New creates a registry publishing into b.
func New(b backend.Backend, prefix string) *Registry {
	return &Registry{
		backend:      b,
		prefix:       prefix,
		local:        make(map[string]struct{}),
		participants: make(map[string][]string),
		reserved:     make(map[string]struct{}),
	}
}

// Name returns the canonical channel name. Already prefixed names are kept.
func (r *Registry) Name(name string) string {
	if strings.HasPrefix(name, r.prefix) {
		return name
	}
	return r.prefix + name
}

// Reserve marks names (agent ids, the broadcast name) that Register refuses.
func (r *Registry) Reserve(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if n != "" {
			r.reserved[r.Name(n)] = struct{}{}
		}
	}
}

// Register records a channel and returns its canonical name.
func (r *Registry) Register(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("channel name required")
	}
	channel := r.Name(name)

	r.mu.Lock()
	if _, ok := r.reserved[channel]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("register %s: %w", channel, ErrReserved)
	}
	r.local[channel] = struct{}{}
	r.mu.Unlock()

	if r.backend.Durable() {
		if err := r.backend.SAdd(ctx, RegisteredKey, channel); err != nil {
			return channel, fmt.Errorf("share channel %s: %w", channel, err)
		}
	}
	return channel, nil
}

// RegisterTopic registers "topic:<topic>" and records its intended
// participants. Membership is not enforced.
func (r *Registry) RegisterTopic(ctx context.Context, topic string, participants []string) (string, error) {
	channel, err := r.Register(ctx, "topic:"+topic)
	if err != nil {
		return channel, err
	}

	list := make([]string, len(participants))
	copy(list, participants)

	r.mu.Lock()
	r.participants[channel] = list
	r.mu.Unlock()

	if r.backend.Durable() {
		data, err := json.Marshal(list)
		if err != nil {
			return channel, err
		}
		if err := r.backend.Set(ctx, ParticipantsKey(channel), data, 0); err != nil {
			return channel, fmt.Errorf("store participants for %s: %w", channel, err)
		}
	}
	return channel, nil
}

// Participants returns the recorded participants of a topic channel.
// Locally known lists take precedence over the shared copy.
func (r *Registry) Participants(ctx context.Context, name string) ([]string, error) {
	channel := r.Name(name)

	r.mu.RLock()
	list, ok := r.participants[channel]
	r.mu.RUnlock()
	if ok {
		out := make([]string, len(list))
		copy(out, list)
		return out, nil
	}

	if !r.backend.Durable() {
		return nil, nil
	}
	data, err := r.backend.Get(ctx, ParticipantsKey(channel))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode participants for %s: %w", channel, err)
	}
	return out, nil
}

// Unregister removes a channel locally and from the shared set.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	channel := r.Name(name)

	r.mu.Lock()
	delete(r.local, channel)
	delete(r.participants, channel)
	r.mu.Unlock()

	if r.backend.Durable() {
		if err := r.backend.SRem(ctx, RegisteredKey, channel); err != nil {
			return fmt.Errorf("unshare channel %s: %w", channel, err)
		}
		if err := r.backend.Del(ctx, ParticipantsKey(channel)); err != nil {
			return fmt.Errorf("drop participants for %s: %w", channel, err)
		}
	}
	return nil
}

// IsRegistered reports whether this registry recorded the channel.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[r.Name(name)]
	return ok
}

// Local returns the channels recorded by this registry, sorted.
func (r *Registry) Local() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.local))
	for ch := range r.local {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// All returns the union of local and shared channels, sorted. A shared set
// that cannot be read yields the local channels and the error.
func (r *Registry) All(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, ch := range r.Local() {
		set[ch] = struct{}{}
	}

	var err error
	if r.backend.Durable() {
		var shared []string
		shared, err = r.backend.SMembers(ctx, RegisteredKey)
		for _, ch := range shared {
			set[ch] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, err
}
