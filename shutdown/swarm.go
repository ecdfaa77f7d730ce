package shutdown

import (
	"context"
	"errors"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/heartbeat"
)

// Announce sends a final "stopped" heartbeat from every bus in reg, so
// monitors stop tracking the agents instead of later declaring them dead.
func Announce(reg *bus.Registry) Handler {
	return Func(func(ctx context.Context) error {
		var errs []error
		for _, id := range reg.Agents() {
			b, ok := reg.Lookup(id)
			if !ok {
				continue
			}
			if err := b.SendHeartbeat(ctx, heartbeat.StatusStopped, ""); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// CloseRegistry closes every bus in reg and stops its health monitor.
func CloseRegistry(reg *bus.Registry) Handler {
	return Func(func(ctx context.Context) error { return reg.Close() })
}

// RegisterRegistry wires reg into the announce and bus phases.
func (c *Coordinator) RegisterRegistry(reg *bus.Registry) error {
	if err := c.Register("announce", PhaseAnnounce, Announce(reg)); err != nil {
		return err
	}
	return c.Register("buses", PhaseBuses, CloseRegistry(reg))
}
