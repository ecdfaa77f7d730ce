package backend

import (
	"context"
	"fmt"

	"github.com/vinayprograms/swarmbus/config"
	buserrors "github.com/vinayprograms/swarmbus/errors"
)

// Selection is the outcome of Connect.
type Selection struct {
	Backend Backend

	// Fallback is set when hybrid mode fell back to the Local transport.
	Fallback bool

	// Cause is the Durable connection error behind a fallback.
	Cause error
}

// Dial connects the Durable backend named by cfg.Driver.
func Dial(ctx context.Context, cfg config.Connection) (Backend, error) {
	switch cfg.Driver {
	case config.DriverRedis, "":
		return NewRedisBackend(ctx, RedisConfig{
			URL:              cfg.URL,
			ConnectTimeout:   cfg.ConnectTimeout.Duration,
			OperationTimeout: cfg.OperationTimeout.Duration,
		})
	case config.DriverNATS:
		natsCfg := DefaultNATSConfig()
		natsCfg.URL = cfg.URL
		natsCfg.Bucket = cfg.NATSBucket
		natsCfg.BufferSize = cfg.BufferSize
		natsCfg.ConnectTimeout = cfg.ConnectTimeout.Duration
		natsCfg.OperationTimeout = cfg.OperationTimeout.Duration
		return NewNATSBackend(ctx, natsCfg)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Connect picks a backend for cfg.Mode:
//   - network: the Durable backend or a CONNECTION error
//   - local: a MemoryBackend on hub
//   - hybrid: the Durable backend, or a MemoryBackend on hub when it is unreachable
//
// Both kinds implement Backend, so callers never branch on which one is active.
func Connect(ctx context.Context, cfg *config.Config, hub *Hub) (Selection, error) {
	local := func() Backend {
		return NewMemoryBackend(hub, cfg.Connection.BufferSize)
	}

	switch cfg.Mode {
	case config.ModeLocal:
		return Selection{Backend: local()}, nil

	case config.ModeNetwork:
		b, err := Dial(ctx, cfg.Connection)
		if err != nil {
			return Selection{}, buserrors.Connection(
				fmt.Sprintf("durable backend %s unreachable", cfg.Connection.Driver), err,
				buserrors.WithRetryable(false),
				buserrors.WithMetadata("url", cfg.Connection.URL),
			)
		}
		return Selection{Backend: b}, nil

	default:
		b, err := Dial(ctx, cfg.Connection)
		if err != nil {
			return Selection{Backend: local(), Fallback: true, Cause: err}, nil
		}
		return Selection{Backend: b}, nil
	}
}
