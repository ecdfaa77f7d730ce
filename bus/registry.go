package bus

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/vinayprograms/swarmbus/backend"
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/metrics"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Config is the starting configuration. Nil uses the defaults.
	Config *config.Config

	Logger *logging.Logger

	// Metrics receives events from every bus. Nil uses an in-memory Collector.
	Metrics metrics.Sink
}

// Registry owns the resources shared by every bus in a process: the live
// configuration, the Local hub, the metrics sink and the health monitor.
// Construct one at startup and pass it to whatever needs a bus.
type Registry struct {
	store     *config.Store
	hub       *backend.Hub
	logger    *logging.Logger
	collector *metrics.Collector
	metrics   metrics.Sink
	monitor   *heartbeat.Monitor

	mu     sync.Mutex
	buses  map[string]*Bus
	closed bool
}

// NewRegistry creates a registry. The health monitor starts when the
// configuration enables it.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	store := config.NewStore(opts.Config)
	cfg := store.Load()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	r := &Registry{
		store:   store,
		hub:     backend.NewHub(),
		logger:  logger,
		metrics: opts.Metrics,
		buses:   make(map[string]*Bus),
	}
	if r.metrics == nil {
		r.collector = metrics.NewCollector()
		r.metrics = r.collector
	}

	if cfg.Health.Enabled {
		_, monCfg := heartbeat.FromConfig(cfg.Health)
		r.monitor = heartbeat.NewMonitor(monCfg)
		healthLog := logger.WithComponent("health")
		r.monitor.OnDead(func(agentID string) {
			healthLog.Warn("agent presumed dead", logging.Fields{"dead_agent": agentID})
		})
		r.monitor.Start(context.Background())
	}
	return r
}

// Bus returns the started bus for agentID, connecting it on first use.
func (r *Registry) Bus(ctx context.Context, agentID string) (*Bus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if b, ok := r.buses[agentID]; ok {
		return b, nil
	}

	b, err := New(ctx, agentID, Options{
		Store:   r.store,
		Hub:     r.hub,
		Logger:  r.logger,
		Metrics: r.metrics,
		Monitor: r.monitor,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Start(context.WithoutCancel(ctx)); err != nil {
		b.Close()
		return nil, err
	}
	for id, other := range r.buses {
		other.channels.Reserve(agentID)
		b.channels.Reserve(id)
	}
	r.buses[agentID] = b
	return b, nil
}

// Lookup returns an existing bus without creating one.
func (r *Registry) Lookup(agentID string) (*Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[agentID]
	return b, ok
}

// Agents returns the ids of the connected buses, sorted.
func (r *Registry) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.buses))
	for id := range r.buses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove closes and forgets one bus.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	b, ok := r.buses[agentID]
	delete(r.buses, agentID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Close()
}

// Store returns the live configuration shared by every bus.
func (r *Registry) Store() *config.Store { return r.store }

// Monitor returns the health monitor, or nil when health is disabled.
func (r *Registry) Monitor() *heartbeat.Monitor { return r.monitor }

// Collector returns the in-memory metrics, or nil when a custom sink was given.
func (r *Registry) Collector() *metrics.Collector { return r.collector }

// Close closes every bus and stops the health monitor.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	buses := r.buses
	r.buses = make(map[string]*Bus)
	r.mu.Unlock()

	var errs []error
	for _, b := range buses {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}
	return errors.Join(errs...)
}
