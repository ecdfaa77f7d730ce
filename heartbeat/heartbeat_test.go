package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/message"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (r *recorder) Publish(_ context.Context, m *message.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// --- Unit Tests ---

func TestSenderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Publisher: &recorder{}, AgentID: "trader"}, false},
		{"missing publisher", SenderConfig{AgentID: "trader"}, true},
		{"missing agent", SenderConfig{Publisher: &recorder{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	h := config.Default().Health
	h.HeartbeatInterval = config.Duration{Duration: 2 * time.Second}
	h.HeartbeatTimeout = config.Duration{Duration: 6 * time.Second}
	h.AlertCooldown = config.Duration{}

	s, m := FromConfig(h)
	if s.Interval != 2*time.Second || m.Timeout != 6*time.Second {
		t.Errorf("interval/timeout = %v/%v", s.Interval, m.Timeout)
	}
	if m.AlertCooldown != DefaultMonitorConfig().AlertCooldown {
		t.Errorf("cooldown = %v, want default", m.AlertCooldown)
	}
}

func TestMemoryMB(t *testing.T) {
	if mb := MemoryMB(); mb < 0 {
		t.Errorf("MemoryMB = %v", mb)
	}
}

// --- Sender ---

func TestSender_Payload(t *testing.T) {
	s, err := NewSender(SenderConfig{Publisher: &recorder{}, AgentID: "trader"})
	if err != nil {
		t.Fatal(err)
	}
	s.memory = func() float64 { return 42 }
	s.SetStatus(StatusBusy)
	s.SetTask("scanning")

	p := s.Payload()
	if p.AgentName != "trader" || p.Status != StatusBusy || p.CurrentTask != "scanning" || p.MemoryMB != 42 {
		t.Errorf("payload = %+v", p)
	}
}

func TestSender_StartStop(t *testing.T) {
	pub := &recorder{}
	s, _ := NewSender(SenderConfig{Publisher: pub, AgentID: "trader", Interval: 20 * time.Millisecond})

	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}

	time.Sleep(70 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if n := pub.count(); n < 2 {
		t.Errorf("sent %d heartbeats, want at least 2", n)
	}

	pub.mu.Lock()
	m := pub.msgs[0]
	pub.mu.Unlock()
	if m.Type != message.TypeAgentHeartbeat || m.Priority != message.PriorityLow || !m.IsBroadcast() {
		t.Errorf("heartbeat message = %v", m)
	}
}

func TestSender_ContextCancel(t *testing.T) {
	s, _ := NewSender(SenderConfig{Publisher: &recorder{}, AgentID: "trader", Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("Stop after cancel = %v", err)
	}
}

// --- Monitor ---

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(timeout, cooldown time.Duration) (*Monitor, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(MonitorConfig{Timeout: timeout, AlertCooldown: cooldown})
	m.now = c.now
	return m, c
}

func TestMonitor_Observe(t *testing.T) {
	m, _ := newTestMonitor(30*time.Second, time.Minute)

	m.Handle(message.NewHeartbeat("risk", &message.HeartbeatPayload{
		AgentName:   "risk",
		Status:      StatusBusy,
		CurrentTask: "checking exposure",
		MemoryMB:    64,
	}))
	m.Handle(message.NewPriceUpdate("scanner", &message.PriceUpdatePayload{}))
	m.RecordSent("risk")
	m.RecordReceived("risk")
	m.RecordError("risk")

	a, ok := m.Agent("risk")
	if !ok {
		t.Fatal("risk not tracked")
	}
	if a.Status != StatusBusy || a.CurrentTask != "checking exposure" || a.MemoryMB != 64 {
		t.Errorf("agent = %+v", a)
	}
	if a.MessagesSent != 1 || a.MessagesReceived != 1 || a.Errors != 1 {
		t.Errorf("counters = %+v", a)
	}
	if !m.IsAlive("risk") {
		t.Error("risk should be alive")
	}
	if _, ok := m.Agent("scanner"); ok {
		t.Error("non-heartbeat messages should be ignored")
	}
}

func TestMonitor_DeadWithCooldown(t *testing.T) {
	m, clk := newTestMonitor(30*time.Second, time.Minute)

	var alerts []string
	m.OnDead(func(id string) { alerts = append(alerts, id) })

	m.Observe("risk", &message.HeartbeatPayload{Status: StatusRunning})
	m.Observe("trader", &message.HeartbeatPayload{Status: StatusRunning})
	m.Register("analyst") // never reports

	clk.advance(20 * time.Second)
	m.Observe("trader", &message.HeartbeatPayload{Status: StatusRunning})
	clk.advance(15 * time.Second)

	if got := m.CheckDead(); len(got) != 1 || got[0] != "risk" {
		t.Fatalf("CheckDead = %v", got)
	}
	if got := m.Dead(); len(got) != 1 || got[0] != "risk" {
		t.Errorf("Dead = %v", got)
	}

	// Within the cooldown: no repeat alert.
	clk.advance(30 * time.Second)
	if got := m.CheckDead(); len(got) != 1 || got[0] != "trader" {
		t.Errorf("CheckDead = %v, want only trader", got)
	}

	// After the cooldown risk alerts again.
	clk.advance(31 * time.Second)
	if got := m.CheckDead(); len(got) != 1 || got[0] != "risk" {
		t.Errorf("CheckDead after cooldown = %v", got)
	}

	if len(alerts) != 3 {
		t.Errorf("alerts = %v", alerts)
	}
	if a, _ := m.Agent("risk"); a.Status != StatusDead {
		t.Errorf("risk status = %s", a.Status)
	}

	// A fresh heartbeat revives the agent.
	m.Observe("risk", &message.HeartbeatPayload{Status: StatusRunning})
	if !m.IsAlive("risk") || len(m.Dead()) != 1 {
		t.Errorf("risk should be alive again, dead = %v", m.Dead())
	}
}

func TestMonitor_Summary(t *testing.T) {
	m, clk := newTestMonitor(10*time.Second, time.Minute)
	m.Observe("a", &message.HeartbeatPayload{})
	m.Observe("b", &message.HeartbeatPayload{})
	m.Observe("c", &message.HeartbeatPayload{})
	clk.advance(20 * time.Second)
	m.Observe("a", &message.HeartbeatPayload{})
	m.Unregister("c")

	s := m.Summary()
	if s.Total != 3 || s.Alive != 1 || s.Dead != 1 || s.Stopped != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.Agents) != 3 || s.Agents[0].Name != "a" || s.Agents[0].Status != StatusRunning {
		t.Errorf("agents = %+v", s.Agents)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(MonitorConfig{Timeout: 10 * time.Millisecond, CheckInterval: 5 * time.Millisecond})

	dead := make(chan string, 1)
	m.OnDead(func(id string) {
		select {
		case dead <- id:
		default:
		}
	})
	m.Observe("risk", &message.HeartbeatPayload{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	select {
	case id := <-dead:
		if id != "risk" {
			t.Errorf("dead = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dead agent not detected")
	}
}
