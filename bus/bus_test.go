package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/consensus"
	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
)

const token = "0x7a3f9c2e1b4d5a6f8e0c"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Mode = config.ModeLocal
	cfg.Health.Enabled = false
	cfg.Connection.PollTimeout = config.D(20 * time.Millisecond)
	cfg.Connection.ErrorDelay = config.D(10 * time.Millisecond)
	cfg.Connection.MaxErrorDelay = config.D(40 * time.Millisecond)
	cfg.Consensus.PollInterval = config.D(20 * time.Millisecond)
	cfg.Consensus.MinTimeout = config.D(50 * time.Millisecond)
	return cfg
}

func newRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	r := NewRegistry(RegistryOptions{Config: cfg, Logger: logging.Discard()})
	t.Cleanup(func() { r.Close() })
	return r
}

func connect(t *testing.T, r *Registry, agent string) *Bus {
	t.Helper()
	b, err := r.Bus(context.Background(), agent)
	if err != nil {
		t.Fatalf("Bus(%s): %v", agent, err)
	}
	return b
}

// inbox records delivered messages.
type inbox struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (in *inbox) Handle(_ context.Context, m *message.Message) error {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	return nil
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) ofType(t message.Type) []*message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []*message.Message
	for _, m := range in.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (in *inbox) from(sender string) []*message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []*message.Message
	for _, m := range in.msgs {
		if m.Sender == sender {
			out = append(out, m)
		}
	}
	return out
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func riskAlert(sender, text string) *message.Message {
	return message.NewRiskAlert(sender, &message.RiskAlertPayload{Level: message.RiskHigh, Message: text})
}

// --- Consensus ---

func TestConsensus_EndToEnd(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	risk := connect(t, r, "risk")

	risk.On(message.TypeConsensusRequest, HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return risk.Vote(ctx, m.ID, message.Approve, "exposure ok")
	}))
	traderIn, riskIn := &inbox{}, &inbox{}
	trader.OnAny(traderIn)
	risk.OnAny(riskIn)

	res, err := trader.RequestConsensus(context.Background(), consensus.Request{
		Action:         message.ActionBuy,
		Subject:        token,
		Amount:         10,
		Reason:         "whale entry",
		Timeout:        2 * time.Second,
		MinApprovals:   1,
		ExpectedVoters: []string{"risk"},
	})
	if err != nil {
		t.Fatalf("RequestConsensus: %v", err)
	}
	if !res.Approved || res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
	if res.Duration >= 2*time.Second {
		t.Errorf("resolved after %v", res.Duration)
	}

	for name, in := range map[string]*inbox{"trader": traderIn, "risk": riskIn} {
		eventually(t, name+" result", func() bool { return len(in.ofType(message.TypeConsensusResult)) > 0 })
	}
	time.Sleep(50 * time.Millisecond)

	for name, in := range map[string]*inbox{"trader": traderIn, "risk": riskIn} {
		results := in.ofType(message.TypeConsensusResult)
		if len(results) != 1 {
			t.Fatalf("%s saw %d results, want 1", name, len(results))
		}
		p := results[0].Payload.(*message.ConsensusResultPayload)
		if p.RequestID != res.RequestID || !p.Approved || p.VotesApprove != 1 {
			t.Errorf("%s result = %+v", name, p)
		}
	}

	if s := trader.Stats(); s.ConsensusRequests != 1 {
		t.Errorf("consensus_requests = %d", s.ConsensusRequests)
	}
	if snap := r.Collector().Snapshot(); snap.Consensus.Total != 1 || snap.Consensus.Approved != 1 {
		t.Errorf("consensus metrics = %+v", snap.Consensus)
	}
}

func TestConsensus_VotesAreBroadcast(t *testing.T) {
	tests := []struct {
		name      string
		requester string
	}{
		{"plain id", "trader"},
		{"id with colon", "desk:trader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t, nil)
			requester := connect(t, r, tt.requester)
			risk := connect(t, r, "risk")
			observer := connect(t, r, "observer")

			risk.On(message.TypeConsensusRequest, HandlerFunc(func(ctx context.Context, m *message.Message) error {
				return risk.Vote(ctx, m.ID, message.Approve, "exposure ok")
			}))
			observer.On(message.TypeConsensusRequest, HandlerFunc(func(ctx context.Context, m *message.Message) error {
				return nil
			}))
			seen := &inbox{}
			observer.OnAny(seen)

			res, err := requester.RequestConsensus(context.Background(), consensus.Request{
				Action:         message.ActionBuy,
				Subject:        token,
				Amount:         2,
				Reason:         "breakout",
				Timeout:        2 * time.Second,
				MinApprovals:   1,
				ExpectedVoters: []string{"risk"},
			})
			if err != nil {
				t.Fatal(err)
			}
			if !res.Approved || res.Outcome != consensus.OutcomeApproved || res.Tally.Approve != 1 {
				t.Fatalf("result = %+v", res)
			}

			eventually(t, "vote on observer", func() bool { return len(seen.ofType(message.TypeConsensusVote)) == 1 })
			v := seen.ofType(message.TypeConsensusVote)[0]
			if v.Sender != "risk" || !v.IsBroadcast() {
				t.Errorf("vote = %+v", v)
			}
			if p := v.Payload.(*message.ConsensusVotePayload); p.RequestID != res.RequestID {
				t.Errorf("vote request = %q, want %q", p.RequestID, res.RequestID)
			}
		})
	}
}

func TestConsensus_NoHandlerAbstains(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	connect(t, r, "analyst")

	res, err := trader.RequestConsensus(context.Background(), consensus.Request{
		Action:         message.ActionBuy,
		Subject:        token,
		Amount:         5,
		Reason:         "new listing",
		Timeout:        200 * time.Millisecond,
		ExpectedVoters: []string{"analyst"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved || !res.TimedOut {
		t.Errorf("result = %+v, want timed out", res)
	}
	if res.Tally.Abstain != 1 {
		t.Errorf("abstain = %d, want 1", res.Tally.Abstain)
	}
}

func TestConsensus_Veto(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	risk := connect(t, r, "risk")
	analyst := connect(t, r, "analyst")

	risk.On(message.TypeConsensusRequest, HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return risk.Vote(ctx, m.ID, message.Reject, "too concentrated")
	}))
	analyst.On(message.TypeConsensusRequest, HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return analyst.Vote(ctx, m.ID, message.Approve, "")
	}))

	res, err := trader.RequestConsensus(context.Background(), consensus.Request{
		Action:       message.ActionBuy,
		Subject:      token,
		Amount:       50,
		Reason:       "momentum",
		Timeout:      2 * time.Second,
		MinApprovals: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved || res.Outcome != consensus.OutcomeVetoed || res.Tally.VetoedBy != "risk" {
		t.Errorf("result = %+v", res)
	}
}

// --- Delivery ---

func TestACL_BlockBeatsAllow(t *testing.T) {
	r := newRegistry(t, nil)
	risk := connect(t, r, "risk")
	scanner := connect(t, r, "scanner")
	analyst := connect(t, r, "analyst")

	risk.ACL().Allow("risk", "scanner", "analyst")
	risk.ACL().Block("risk", "scanner")
	in := &inbox{}
	risk.OnAny(in)

	ctx := context.Background()
	if err := scanner.Publish(ctx, riskAlert("scanner", "blocked")); err != nil {
		t.Fatal(err)
	}
	if err := analyst.Publish(ctx, riskAlert("analyst", "allowed")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "analyst alert", func() bool { return len(in.from("analyst")) == 1 })
	if got := in.from("scanner"); len(got) != 0 {
		t.Errorf("blocked sender delivered %d messages", len(got))
	}
	if s := risk.Stats(); s.ACLDenied != 1 {
		t.Errorf("acl_denied = %d", s.ACLDenied)
	}
}

func TestHandler_PanicIsolation(t *testing.T) {
	r := newRegistry(t, nil)
	risk := connect(t, r, "risk")
	scanner := connect(t, r, "scanner")

	risk.On(message.TypeRiskAlert, HandlerFunc(func(context.Context, *message.Message) error {
		panic("boom")
	}))
	risk.On(message.TypeRiskAlert, HandlerFunc(func(context.Context, *message.Message) error {
		return errors.New("cannot size position")
	}))
	typed, wildcard := &inbox{}, &inbox{}
	risk.On(message.TypeRiskAlert, typed)
	risk.OnAny(wildcard)

	ctx := context.Background()
	scanner.Publish(ctx, riskAlert("scanner", "first"))
	scanner.Publish(ctx, riskAlert("scanner", "second"))

	eventually(t, "both alerts", func() bool { return len(wildcard.ofType(message.TypeRiskAlert)) == 2 })
	if n := len(typed.ofType(message.TypeRiskAlert)); n != 2 {
		t.Errorf("typed handler saw %d alerts", n)
	}
	if s := risk.Stats(); s.HandlerErrors != 4 {
		t.Errorf("handler_errors = %d, want 4", s.HandlerErrors)
	}
}

func TestSendTo_Addressing(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	analyst := connect(t, r, "analyst")
	scanner := connect(t, r, "scanner")

	analystIn, scannerIn := &inbox{}, &inbox{}
	analyst.OnAny(analystIn)
	scanner.OnAny(scannerIn)

	ctx := context.Background()
	req := message.NewAnalysisRequest("", "", &message.AnalysisRequestPayload{TokenAddress: token, AnalysisType: "full"})
	if err := trader.SendTo(ctx, "analyst", req); err != nil {
		t.Fatal(err)
	}
	// Addressed to analyst but sent on the broadcast channel.
	misrouted := message.NewAnalysisRequest("trader", "analyst", &message.AnalysisRequestPayload{TokenAddress: token, AnalysisType: "quick"})
	if err := trader.PublishChannel(ctx, message.Broadcast, misrouted); err != nil {
		t.Fatal(err)
	}
	if err := trader.Broadcast(ctx, riskAlert("", "marker")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "analyst delivery", func() bool { return analystIn.count() == 3 })
	eventually(t, "scanner marker", func() bool { return len(scannerIn.ofType(message.TypeRiskAlert)) == 1 })
	if got := scannerIn.ofType(message.TypeAnalysisRequest); len(got) != 0 {
		t.Errorf("scanner received %d messages addressed to analyst", len(got))
	}
	if got := analystIn.ofType(message.TypeAnalysisRequest); got[0].Sender != "trader" {
		t.Errorf("sender = %q", got[0].Sender)
	}
}

func TestPublish_OwnMessagesIgnored(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	risk := connect(t, r, "risk")
	traderIn, riskIn := &inbox{}, &inbox{}
	trader.OnAny(traderIn)
	risk.OnAny(riskIn)

	trader.Publish(context.Background(), riskAlert("trader", "self"))
	eventually(t, "risk delivery", func() bool { return riskIn.count() == 1 })
	time.Sleep(30 * time.Millisecond)
	if traderIn.count() != 0 {
		t.Errorf("trader received its own message")
	}
}

func TestPublish_StrictValidation(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")

	err := trader.Publish(context.Background(), message.NewRiskAlert("trader", &message.RiskAlertPayload{}))
	if !buserrors.Is(err, buserrors.ErrCodeValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	s := trader.Stats()
	if s.ValidationFailures != 1 || s.MessagesSent != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPublish_LenientValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.Strict = false
	r := newRegistry(t, cfg)
	trader := connect(t, r, "trader")

	if err := trader.Publish(context.Background(), message.NewRiskAlert("trader", &message.RiskAlertPayload{})); err != nil {
		t.Fatalf("lenient publish: %v", err)
	}
	if s := trader.Stats(); s.MessagesSent != 1 {
		t.Errorf("sent = %d", s.MessagesSent)
	}
}

func TestPublish_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Rate = 0.01
	cfg.RateLimit.Burst = 2
	r := newRegistry(t, cfg)
	scanner := connect(t, r, "scanner")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := scanner.Publish(ctx, message.NewPriceUpdate("scanner", &message.PriceUpdatePayload{TokenAddress: token, PriceUSD: 1})); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := scanner.SignalRiskAlert(ctx, message.RiskCritical, "rug pull", token); err != nil {
		t.Fatal(err)
	}

	s := scanner.Stats()
	if s.MessagesSent != 3 || s.RateLimited != 3 {
		t.Errorf("sent/rate_limited = %d/%d, want 3/3", s.MessagesSent, s.RateLimited)
	}
}

func TestPublish_FillsEnvelope(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")

	m := &message.Message{
		Type:    message.TypeSystemStatus,
		Payload: &message.SystemStatusPayload{Status: "ok"},
	}
	if err := trader.Publish(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.Sender != "trader" || m.Recipient != message.Broadcast || m.Timestamp.IsZero() {
		t.Errorf("envelope = %+v", m)
	}
	if m.Priority != message.PriorityNormal {
		t.Errorf("priority = %v", m.Priority)
	}
}

func TestPublish_Closed(t *testing.T) {
	r := newRegistry(t, nil)
	trader := connect(t, r, "trader")
	if err := r.Remove("trader"); err != nil {
		t.Fatal(err)
	}
	if err := trader.Publish(context.Background(), riskAlert("trader", "late")); !buserrors.Is(err, buserrors.ErrCodeClosed) {
		t.Errorf("err = %v, want CLOSED", err)
	}
}

func TestSignals(t *testing.T) {
	r := newRegistry(t, nil)
	scanner := connect(t, r, "scanner")
	trader := connect(t, r, "trader")
	in := &inbox{}
	trader.OnAny(in)

	ctx := context.Background()
	if err := scanner.SignalWhaleAlert(ctx, &message.WhaleAlertPayload{
		WhaleAddress: "0xwhale00000000000001",
		TokenAddress: token,
		Action:       "BUY",
		AmountMON:    250,
	}); err != nil {
		t.Fatal(err)
	}
	if err := scanner.SignalTrade(ctx, &message.TradeSignalPayload{Action: "dump", TokenAddress: token, SellPercent: 50}, true); err != nil {
		t.Fatal(err)
	}
	if err := scanner.SignalNewToken(ctx, &message.NewTokenPayload{TokenAddress: token, TokenName: "moonshot"}); err != nil {
		t.Fatal(err)
	}
	if err := scanner.SendHeartbeat(ctx, "busy", "scanning"); err != nil {
		t.Fatal(err)
	}

	eventually(t, "signals", func() bool { return len(in.from("scanner")) == 4 })

	whale := in.ofType(message.TypeWhaleAlert)[0]
	if p := whale.Payload.(*message.WhaleAlertPayload); p.Action != message.ActionBuy || p.WhaleName != "0xwhale000" {
		t.Errorf("whale payload = %+v", p)
	}
	if whale.Priority != message.PriorityHigh {
		t.Errorf("whale priority = %v", whale.Priority)
	}
	trade := in.ofType(message.TypeTradeSignal)[0]
	if p := trade.Payload.(*message.TradeSignalPayload); p.Action != message.ActionSell || p.SourceSignal != "scanner" || !trade.RequiresConsensus {
		t.Errorf("trade = %+v %+v", trade, p)
	}
	if p := in.ofType(message.TypeNewToken)[0].Payload.(*message.NewTokenPayload); p.TokenSymbol != "MOON" {
		t.Errorf("symbol = %q", p.TokenSymbol)
	}
	if p := in.ofType(message.TypeAgentHeartbeat)[0].Payload.(*message.HeartbeatPayload); p.Status != "busy" || p.CurrentTask != "scanning" {
		t.Errorf("heartbeat = %+v", p)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	r := newRegistry(t, nil)
	risk := connect(t, r, "risk")

	// The first message parks the dispatcher so the rest queue up together.
	release := make(chan struct{})
	var mu sync.Mutex
	var order []message.Priority
	risk.OnAny(HandlerFunc(func(_ context.Context, m *message.Message) error {
		if m.Type == message.TypeSystemStatus {
			<-release
			return nil
		}
		mu.Lock()
		order = append(order, m.Priority)
		mu.Unlock()
		return nil
	}))

	risk.deliverLocal(context.Background(), message.NewSystemStatus("x", &message.SystemStatusPayload{Status: "hold"}))
	eventually(t, "dispatcher busy", func() bool { return risk.QueueLen() == 0 })

	risk.deliverLocal(context.Background(), message.NewHeartbeat("x", &message.HeartbeatPayload{AgentName: "x", Status: "running"}))
	risk.deliverLocal(context.Background(), riskAlert("x", "a"))
	risk.deliverLocal(context.Background(), message.NewStopLossTrigger("x", &message.TriggerPayload{TokenAddress: token}))
	close(release)

	eventually(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []message.Priority{message.PriorityCritical, message.PriorityHigh, message.PriorityLow}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
