package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/message"
)

// Sender broadcasts this agent's AGENT_HEARTBEAT on a fixed interval. Status
// and task are whatever was last set; memory and uptime are sampled per beat.
type Sender struct {
	pub      Publisher
	agentID  string
	interval time.Duration
	started  time.Time
	memory   func() float64

	mu     sync.Mutex
	status string
	task   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender. It does not publish until Start.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = def.InitialStatus
	}
	return &Sender{
		pub:      cfg.Publisher,
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
		started:  time.Now(),
		memory:   MemoryMB,
		status:   cfg.InitialStatus,
	}, nil
}

// Start publishes one heartbeat immediately and then one per interval until
// Stop or until ctx ends.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(ctx, done)
	return nil
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Send(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop ends the loop and waits for it.
func (s *Sender) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}
	cancel()
	<-done
	return nil
}

// Send publishes one heartbeat now.
func (s *Sender) Send(ctx context.Context) error {
	return s.pub.Publish(ctx, message.NewHeartbeat(s.agentID, s.Payload()))
}

// Payload snapshots the current heartbeat.
func (s *Sender) Payload() *message.HeartbeatPayload {
	s.mu.Lock()
	status, task := s.status, s.task
	s.mu.Unlock()
	return &message.HeartbeatPayload{
		AgentName:     s.agentID,
		Status:        status,
		CurrentTask:   task,
		MemoryMB:      s.memory(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
}

func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Sender) SetTask(task string) {
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
}

func (s *Sender) AgentID() string { return s.agentID }
