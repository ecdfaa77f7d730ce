package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/swarmbus/backend"
	buserrors "github.com/vinayprograms/swarmbus/errors"
)

// StateKey is the backend key for one agent's state entry.
func StateKey(agent, key string) string {
	return "state:" + agent + ":" + key
}

// SharedKey is the backend key for a swarm-wide state entry.
func SharedKey(key string) string {
	return "shared:" + key
}

// SetState stores a JSON value under this agent's state. ttl 0 keeps it
// until overwritten. State is visible to other processes only on a Durable
// backend.
func (b *Bus) SetState(ctx context.Context, key string, v any, ttl time.Duration) error {
	if key == "" {
		return buserrors.InvalidInput("bus: state key required")
	}
	return b.setJSON(ctx, StateKey(b.agentID, key), v, ttl)
}

// GetState decodes an agent's state entry into v. An empty agent means this
// one. It reports false when the entry does not exist.
func (b *Bus) GetState(ctx context.Context, agent, key string, v any) (bool, error) {
	if key == "" {
		return false, buserrors.InvalidInput("bus: state key required")
	}
	if agent == "" {
		agent = b.agentID
	}
	return b.getJSON(ctx, StateKey(agent, key), v)
}

// SetShared stores a JSON value visible to every agent.
func (b *Bus) SetShared(ctx context.Context, key string, v any, ttl time.Duration) error {
	if key == "" {
		return buserrors.InvalidInput("bus: shared key required")
	}
	return b.setJSON(ctx, SharedKey(key), v, ttl)
}

// GetShared decodes a shared entry into v.
func (b *Bus) GetShared(ctx context.Context, key string, v any) (bool, error) {
	if key == "" {
		return false, buserrors.InvalidInput("bus: shared key required")
	}
	return b.getJSON(ctx, SharedKey(key), v)
}

func (b *Bus) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return buserrors.Wrap(err, "encode state "+key)
	}
	if err := b.backend.Set(ctx, key, data, ttl); err != nil {
		return buserrors.Wrap(err, "store state "+key)
	}
	return nil
}

func (b *Bus) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := b.backend.Get(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, buserrors.Wrap(err, "load state "+key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, buserrors.Wrap(err, "decode state "+key)
	}
	return true, nil
}
