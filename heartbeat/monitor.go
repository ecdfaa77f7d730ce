package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/message"
)

// AgentInfo is what the monitor knows about one agent.
type AgentInfo struct {
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	CurrentTask      string    `json:"current_task,omitempty"`
	MemoryMB         float64   `json:"memory_mb"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	Errors           int64     `json:"errors"`
}

// Summary aggregates the health of all known agents.
type Summary struct {
	Total   int         `json:"total_agents"`
	Alive   int         `json:"alive"`
	Dead    int         `json:"dead"`
	Stopped int         `json:"stopped"`
	Agents  []AgentInfo `json:"agents"`
}

// Monitor records heartbeats and detects dead agents. Feed it with Observe
// (or Handle for raw bus messages).
type Monitor struct {
	timeout       time.Duration
	checkInterval time.Duration
	cooldown      time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	agents    map[string]*AgentInfo
	lastAlert map[string]time.Time
	deadCBs   []func(string)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a new heartbeat monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	return &Monitor{
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		cooldown:      cfg.AlertCooldown,
		now:           time.Now,
		agents:        make(map[string]*AgentInfo),
		lastAlert:     make(map[string]time.Time),
	}
}

func (m *Monitor) agent(name string) *AgentInfo {
	a, ok := m.agents[name]
	if !ok {
		a = &AgentInfo{Name: name, Status: StatusStarting}
		m.agents[name] = a
	}
	return a
}

// Register adds an agent before its first heartbeat.
func (m *Monitor) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agent(name).Status = StatusStarting
}

// Unregister marks an agent as stopped; it is no longer reported dead.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[name]; ok {
		a.Status = StatusStopped
	}
}

// Handle records an AGENT_HEARTBEAT message. Other messages are ignored.
func (m *Monitor) Handle(msg *message.Message) {
	if msg.Type != message.TypeAgentHeartbeat {
		return
	}
	if p, ok := msg.Payload.(*message.HeartbeatPayload); ok {
		name := p.AgentName
		if name == "" {
			name = msg.Sender
		}
		m.Observe(name, p)
	}
}

// Observe records a heartbeat from agent.
func (m *Monitor) Observe(agent string, p *message.HeartbeatPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.agent(agent)
	a.LastHeartbeat = m.now()
	a.CurrentTask = p.CurrentTask
	a.MemoryMB = p.MemoryMB
	a.UptimeSeconds = p.UptimeSeconds
	a.Status = p.Status
	if a.Status == "" {
		a.Status = StatusRunning
	}
	delete(m.lastAlert, agent)
}

// RecordSent counts a message sent by agent.
func (m *Monitor) RecordSent(agent string) {
	m.mu.Lock()
	m.agent(agent).MessagesSent++
	m.mu.Unlock()
}

// RecordReceived counts a message received by agent.
func (m *Monitor) RecordReceived(agent string) {
	m.mu.Lock()
	m.agent(agent).MessagesReceived++
	m.mu.Unlock()
}

// RecordError counts an error on agent.
func (m *Monitor) RecordError(agent string) {
	m.mu.Lock()
	m.agent(agent).Errors++
	m.mu.Unlock()
}

func (m *Monitor) alive(a *AgentInfo, now time.Time) bool {
	return !a.LastHeartbeat.IsZero() && now.Sub(a.LastHeartbeat) <= m.timeout
}

// dead is true for agents that sent at least one heartbeat and then went
// silent. Agents that never reported are not presumed dead.
func (m *Monitor) dead(a *AgentInfo, now time.Time) bool {
	return a.Status != StatusStopped && !a.LastHeartbeat.IsZero() && !m.alive(a, now)
}

// IsAlive checks if an agent has sent a heartbeat within the timeout.
func (m *Monitor) IsAlive(agent string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agent]
	return ok && m.alive(a, m.now())
}

// Agent returns a copy of what is known about an agent.
func (m *Monitor) Agent(name string) (AgentInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[name]
	if !ok {
		return AgentInfo{}, false
	}
	return *a, true
}

// Dead returns agents that stopped sending heartbeats, sorted.
func (m *Monitor) Dead() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var dead []string
	for name, a := range m.agents {
		if m.dead(a, now) {
			dead = append(dead, name)
		}
	}
	sort.Strings(dead)
	return dead
}

// Summary reports every known agent.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()

	s := Summary{Total: len(m.agents)}
	for _, a := range m.agents {
		switch {
		case a.Status == StatusStopped:
			s.Stopped++
		case m.alive(a, now):
			s.Alive++
		case m.dead(a, now):
			s.Dead++
		}
		s.Agents = append(s.Agents, *a)
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].Name < s.Agents[j].Name })
	return s
}

// OnDead registers a callback for when an agent is presumed dead.
func (m *Monitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// CheckDead marks silent agents dead and alerts, at most once per cooldown
// for each agent. It returns the agents alerted on this call.
func (m *Monitor) CheckDead() []string {
	now := m.now()
	var alerted []string

	m.mu.Lock()
	for name, a := range m.agents {
		if !m.dead(a, now) {
			continue
		}
		a.Status = StatusDead
		if last, ok := m.lastAlert[name]; ok && now.Sub(last) < m.cooldown {
			continue
		}
		m.lastAlert[name] = now
		alerted = append(alerted, name)
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	sort.Strings(alerted)
	for _, agentID := range alerted {
		for _, cb := range callbacks {
			cb(agentID)
		}
	}
	return alerted
}

// Start runs CheckDead every check interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.running.Store(false)
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckDead()
			}
		}
	}()
	return nil
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}
