package bus

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/backend"
	"github.com/vinayprograms/swarmbus/channels"
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
)

// flakyBackend fails the first receives of every subscription it hands out.
type flakyBackend struct {
	*backend.MemoryBackend
	failures atomic.Int32
}

func (f *flakyBackend) Subscribe(ctx context.Context, channels ...string) (backend.Subscription, error) {
	sub, err := f.MemoryBackend.Subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}
	return &flakySub{Subscription: sub, failures: &f.failures}, nil
}

type flakySub struct {
	backend.Subscription
	failures *atomic.Int32
}

func (s *flakySub) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.Subscription.Receive(ctx, timeout)
}

func startBus(t *testing.T, agent string, opts Options) *Bus {
	t.Helper()
	if opts.Store == nil {
		opts.Store = config.NewStore(testConfig())
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	b, err := New(context.Background(), agent, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestReceive_BacksOffAndRecovers(t *testing.T) {
	hub := backend.NewHub()
	flaky := &flakyBackend{MemoryBackend: backend.NewMemoryBackend(hub, 0)}
	flaky.failures.Store(3)

	risk := startBus(t, "risk", Options{Backend: flaky})
	scanner := startBus(t, "scanner", Options{Hub: hub})
	in := &inbox{}
	risk.OnAny(in)

	if err := scanner.Publish(context.Background(), riskAlert("scanner", "still there?")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "delivery after errors", func() bool { return in.count() == 1 })
	if s := risk.Stats(); s.Errors < 3 {
		t.Errorf("errors = %d, want at least 3", s.Errors)
	}
}

func TestReceive_ResubscribesAfterClose(t *testing.T) {
	hub := backend.NewHub()
	risk := startBus(t, "risk", Options{Hub: hub})
	scanner := startBus(t, "scanner", Options{Hub: hub})
	in := &inbox{}
	risk.OnAny(in)

	// Kill the transport subscription underneath the loop.
	risk.mu.RLock()
	risk.listeners[0].sub.Close()
	risk.mu.RUnlock()

	eventually(t, "resubscribe", func() bool {
		scanner.Publish(context.Background(), riskAlert("scanner", "ping"))
		return in.count() > 0
	})
}

func TestReceive_DropsOversizedAndGarbage(t *testing.T) {
	hub := backend.NewHub()
	risk := startBus(t, "risk", Options{Hub: hub})
	raw := backend.NewMemoryBackend(hub, 0)
	ctx := context.Background()

	big := `{"type":"risk_alert","sender":"scanner","payload":{"message":"` + strings.Repeat("x", 70_000) + `"}}`
	if err := raw.Publish(ctx, "swarm:all", []byte(big)); err != nil {
		t.Fatal(err)
	}
	if err := raw.Publish(ctx, "swarm:all", []byte("not json")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "drops counted", func() bool {
		s := risk.Stats()
		return s.Oversized == 1 && s.Errors == 2
	})
	if s := risk.Stats(); s.MessagesReceived != 0 {
		t.Errorf("received = %d", s.MessagesReceived)
	}
}

func TestSubscribe_BeforeStart(t *testing.T) {
	b, err := New(context.Background(), "risk", Options{Store: config.NewStore(testConfig()), Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.Subscribe(context.Background(), "alpha"); err != ErrNotStarted {
		t.Errorf("Subscribe = %v, want ErrNotStarted", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}
	want := []string{"swarm:all", "swarm:risk"}
	if got := b.Subscribed(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Subscribed = %v", got)
	}
}

func TestSubscribeDynamic(t *testing.T) {
	r := newRegistry(t, nil)
	analyst := connect(t, r, "analyst")
	trader := connect(t, r, "trader")
	scanner := connect(t, r, "scanner")

	analystIn, scannerIn := &inbox{}, &inbox{}
	analyst.OnAny(analystIn)
	scanner.OnAny(scannerIn)

	ctx := context.Background()
	ch, err := analyst.SubscribeDynamic(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if ch != "swarm:alpha" {
		t.Errorf("channel = %q", ch)
	}

	if err := trader.PublishChannel(ctx, "alpha", riskAlert("trader", "alpha only")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "dynamic delivery", func() bool { return analystIn.count() == 1 })
	time.Sleep(30 * time.Millisecond)
	if scannerIn.count() != 0 {
		t.Errorf("unsubscribed agent received %d messages", scannerIn.count())
	}

	chans, err := analyst.RegisteredChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 1 || chans[0] != "swarm:alpha" {
		t.Errorf("RegisteredChannels = %v", chans)
	}

	if err := analyst.Unsubscribe("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := analyst.Unsubscribe("risk"); err == nil {
		t.Error("unsubscribing a shared subscription should fail")
	}
	for _, s := range analyst.Subscribed() {
		if s == "swarm:alpha" {
			t.Error("alpha still subscribed")
		}
	}
}

func TestSubscribeDynamic_AgentNamesReserved(t *testing.T) {
	r := newRegistry(t, nil)
	analyst := connect(t, r, "analyst")
	connect(t, r, "observer")
	ctx := context.Background()

	// risk is a configured agent; observer is only connected in this process.
	for _, name := range []string{"risk", "observer", "analyst", "all"} {
		if _, err := analyst.SubscribeDynamic(ctx, name); !errors.Is(err, channels.ErrReserved) {
			t.Errorf("SubscribeDynamic(%q) = %v, want ErrReserved", name, err)
		}
	}
	late := connect(t, r, "latecomer")
	if _, err := late.SubscribeDynamic(ctx, "analyst"); !errors.Is(err, channels.ErrReserved) {
		t.Errorf("new bus may shadow an existing agent: %v", err)
	}
}

func TestCreateTopic(t *testing.T) {
	r := newRegistry(t, nil)
	orchestrator := connect(t, r, "orchestrator")

	ch, err := orchestrator.CreateTopic(context.Background(), "exit-plan", []string{"trader", "risk"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := orchestrator.Channels().Participants(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "trader" || got[1] != "risk" {
		t.Errorf("participants = %v", got)
	}
}

func TestHeartbeat_MonitorTracksPeers(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.HeartbeatInterval = config.D(20 * time.Millisecond)
	r := newRegistry(t, cfg)
	connect(t, r, "trader")
	connect(t, r, "risk")

	eventually(t, "heartbeats", func() bool {
		return r.Monitor().IsAlive("trader") && r.Monitor().IsAlive("risk")
	})
	a, _ := r.Monitor().Agent("risk")
	if a.Status != "running" || a.MessagesSent == 0 {
		t.Errorf("risk = %+v", a)
	}
}

func TestMessageReceived_Metrics(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	risk := connect(t, r, "risk")
	in := &inbox{}
	risk.OnAny(in)

	trader.SendTo(context.Background(), "risk", riskAlert("", "direct"))
	eventually(t, "delivery", func() bool { return in.count() == 1 })

	snap := r.Collector().Snapshot()
	if tr := snap.ByChannel["swarm:risk"]; tr.Sent != 1 || tr.Received != 1 {
		t.Errorf("swarm:risk traffic = %+v", tr)
	}
	if tr := snap.ByType[string(message.TypeRiskAlert)]; tr.Sent != 1 || tr.Received != 1 {
		t.Errorf("risk_alert traffic = %+v", tr)
	}
}
