package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/swarmbus/acl"
	"github.com/vinayprograms/swarmbus/backend"
	"github.com/vinayprograms/swarmbus/backpressure"
	"github.com/vinayprograms/swarmbus/channels"
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/consensus"
	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
	"github.com/vinayprograms/swarmbus/metrics"
	"github.com/vinayprograms/swarmbus/ratelimit"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("bus already started")
	ErrClosed         = buserrors.FromCode(buserrors.ErrCodeClosed)
)

// Options configures a Bus.
type Options struct {
	// Store holds the live configuration. Nil uses the defaults.
	Store *config.Store

	// Hub is the in-process exchange for the Local transport. Buses that
	// should reach each other locally must share one hub.
	Hub *backend.Hub

	// Backend overrides transport negotiation. The bus takes ownership.
	Backend backend.Backend

	Logger  *logging.Logger
	Metrics metrics.Sink

	// Monitor receives heartbeats and traffic counts. Optional.
	Monitor *heartbeat.Monitor
}

// Bus is one agent's connection to the swarm.
type Bus struct {
	agentID  string
	store    *config.Store
	backend  backend.Backend
	fallback bool

	limiter   *ratelimit.Limiter
	queues    *backpressure.Queues
	acl       *acl.ACL
	channels  *channels.Registry
	consensus *consensus.Coordinator
	sender    *heartbeat.Sender
	monitor   *heartbeat.Monitor
	metrics   metrics.Sink
	logger    *logging.Logger
	stats     counters

	mu          sync.RWMutex
	handlers    map[message.Type][]Handler
	anyHandlers []Handler
	subscribed  map[string]bool
	listeners   []*listener

	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New connects a bus for agentID. The transport is picked from the
// configured mode unless opts.Backend is set. Call Start to begin receiving.
func New(ctx context.Context, agentID string, opts Options) (*Bus, error) {
	if agentID == "" {
		return nil, buserrors.InvalidInput("bus: agent id required")
	}
	store := opts.Store
	if store == nil {
		store = config.NewStore(nil)
	}
	cfg := store.Load()

	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	logger = logger.WithAgent(agentID).WithComponent("bus")

	b := &Bus{
		agentID:    agentID,
		store:      store,
		queues:     backpressure.New(backpressure.FromConfig(cfg.Backpressure)),
		acl:        acl.New(cfg.ACL),
		monitor:    opts.Monitor,
		metrics:    metrics.Guard(opts.Metrics),
		logger:     logger,
		handlers:   make(map[message.Type][]Handler),
		subscribed: make(map[string]bool),
	}
	if cfg.RateLimit.Enabled {
		b.limiter = ratelimit.New(ratelimit.FromConfig(cfg.RateLimit))
	}

	b.backend = opts.Backend
	if b.backend == nil {
		sel, err := backend.Connect(ctx, cfg, opts.Hub)
		if err != nil {
			return nil, err
		}
		b.backend = sel.Backend
		b.fallback = sel.Fallback
		if sel.Fallback {
			logger.Warn("durable backend unreachable", logging.Fields{"error": sel.Cause.Error()})
		}
	}
	logger.BackendSelected(string(cfg.Mode), b.backend.Name(), b.fallback)

	b.channels = channels.New(b.backend, cfg.ChannelPrefix)
	b.channels.Reserve(message.Broadcast, agentID)
	b.channels.Reserve(cfg.KnownAgents...)

	coord, err := consensus.NewCoordinator(consensus.Options{
		AgentID:   agentID,
		Store:     store,
		Backend:   b.backend,
		Publisher: b,
		Deliver:   b.deliverLocal,
		Metrics:   b.metrics,
		Logger:    logger,
	})
	if err != nil {
		b.backend.Close()
		return nil, err
	}
	b.consensus = coord

	if cfg.Health.Enabled {
		senderCfg, _ := heartbeat.FromConfig(cfg.Health)
		senderCfg.Publisher = b
		senderCfg.AgentID = agentID
		if b.sender, err = heartbeat.NewSender(senderCfg); err != nil {
			b.backend.Close()
			return nil, err
		}
	}
	if b.monitor != nil {
		b.monitor.Register(agentID)
	}
	return b, nil
}

// Start subscribes to the agent's own channel and the broadcast channel and
// launches the dispatch loop and heartbeats. The bus runs until Close or
// until ctx ends.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.started.Swap(true) {
		return ErrAlreadyStarted
	}

	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if err := b.Subscribe(b.ctx, b.agentID); err != nil {
		b.cancel()
		b.started.Store(false)
		return err
	}

	b.wg.Add(1)
	go b.dispatchLoop(b.ctx)

	if b.sender != nil {
		b.sender.Start(b.ctx)
	}
	b.logger.Info("bus started", logging.Fields{"backend": b.backend.Name()})
	return nil
}

// Close stops the loops and releases the transport. Pending consensus rounds
// end with their callers' contexts or deadlines.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.sender != nil {
		b.sender.Stop()
	}

	b.mu.Lock()
	cancel := b.cancel
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.queues.Close()
	b.wg.Wait()
	for _, l := range listeners {
		l.sub.Close()
	}

	if b.monitor != nil {
		b.monitor.Unregister(b.agentID)
	}
	b.logger.Info("bus closed", logging.Fields{"sent": b.stats.sent.Load(), "received": b.stats.received.Load()})
	return b.backend.Close()
}

// AgentID returns the agent this bus belongs to.
func (b *Bus) AgentID() string { return b.agentID }

// Backend returns the active transport.
func (b *Bus) Backend() backend.Backend { return b.backend }

// Fallback reports whether hybrid mode fell back to the Local transport.
func (b *Bus) Fallback() bool { return b.fallback }

// ACL returns the receive-side access rules, which may be changed at runtime.
func (b *Bus) ACL() *acl.ACL { return b.acl }

// Limiter returns the publish rate limiter, or nil when rate limiting is off.
func (b *Bus) Limiter() *ratelimit.Limiter { return b.limiter }

// Channels returns the channel registry.
func (b *Bus) Channels() *channels.Registry { return b.channels }

// Consensus returns the coordinator for this agent's rounds.
func (b *Bus) Consensus() *consensus.Coordinator { return b.consensus }

// Heartbeat returns the heartbeat sender, or nil when health is disabled.
func (b *Bus) Heartbeat() *heartbeat.Sender { return b.sender }

// Config returns the current configuration snapshot.
func (b *Bus) Config() *config.Config { return b.store.Load() }

// QueueLen returns the number of messages waiting for dispatch.
func (b *Bus) QueueLen() int { return b.queues.Len() }

func (b *Bus) channelFor(recipient string) string {
	if recipient == "" {
		recipient = message.Broadcast
	}
	return b.store.Load().Channel(recipient)
}
