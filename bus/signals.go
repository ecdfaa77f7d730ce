package bus

import (
	"context"
	"strings"

	"github.com/vinayprograms/swarmbus/consensus"
	"github.com/vinayprograms/swarmbus/message"
)

// RequestConsensus puts an action to a vote and blocks until the round is
// approved, vetoed or timed out, or ctx ends. The result is broadcast as a
// CONSENSUS_RESULT and also delivered to this bus's own handlers.
func (b *Bus) RequestConsensus(ctx context.Context, req consensus.Request) (*consensus.Result, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.stats.consensusRequests.Add(1)
	return b.consensus.Request(ctx, req)
}

// Vote answers a CONSENSUS_REQUEST. requestID is the request message's id.
func (b *Bus) Vote(ctx context.Context, requestID string, d message.Decision, reason string) error {
	return b.consensus.Vote(ctx, requestID, d, reason)
}

// SignalWhaleAlert broadcasts a whale trade.
func (b *Bus) SignalWhaleAlert(ctx context.Context, p *message.WhaleAlertPayload) error {
	if p.WhaleName == "" {
		p.WhaleName = truncate(p.WhaleAddress, 10)
	}
	if p.TokenName == "" {
		p.TokenName = truncate(p.TokenAddress, 10)
	}
	p.Action = normalizeAction(p.Action)
	return b.Broadcast(ctx, message.NewWhaleAlert(b.agentID, p))
}

// SignalNewToken broadcasts a token launch.
func (b *Bus) SignalNewToken(ctx context.Context, p *message.NewTokenPayload) error {
	if p.TokenSymbol == "" {
		p.TokenSymbol = strings.ToUpper(truncate(p.TokenName, 4))
	}
	return b.Broadcast(ctx, message.NewNewToken(b.agentID, p))
}

// SignalTrade broadcasts a buy or sell signal. Any action other than "buy"
// is sent as a sell.
func (b *Bus) SignalTrade(ctx context.Context, p *message.TradeSignalPayload, requiresConsensus bool) error {
	p.Action = normalizeAction(p.Action)
	if p.TokenName == "" {
		p.TokenName = truncate(p.TokenAddress, 12)
	}
	if p.SourceSignal == "" {
		p.SourceSignal = b.agentID
	}
	return b.Broadcast(ctx, message.NewTradeSignal(b.agentID, p, requiresConsensus))
}

// SignalRiskAlert broadcasts a risk warning. Unknown levels are sent as low.
func (b *Bus) SignalRiskAlert(ctx context.Context, level, text, tokenAddress string) error {
	switch level {
	case message.RiskCritical, message.RiskHigh, message.RiskMedium:
	default:
		level = message.RiskLow
	}
	return b.Broadcast(ctx, message.NewRiskAlert(b.agentID, &message.RiskAlertPayload{
		Level:        level,
		Message:      text,
		TokenAddress: tokenAddress,
	}))
}

// SendHeartbeat broadcasts one heartbeat now with the given status and task.
func (b *Bus) SendHeartbeat(ctx context.Context, status, task string) error {
	if b.sender != nil {
		b.sender.SetStatus(status)
		b.sender.SetTask(task)
		return b.sender.Send(ctx)
	}
	return b.Broadcast(ctx, message.NewHeartbeat(b.agentID, &message.HeartbeatPayload{
		AgentName:   b.agentID,
		Status:      status,
		CurrentTask: task,
	}))
}

// SubscribeDynamic registers a channel in the shared registry if needed and
// starts receiving on it. It returns the prefixed channel name.
func (b *Bus) SubscribeDynamic(ctx context.Context, name string) (string, error) {
	ch, err := b.channels.Register(ctx, name)
	if err != nil {
		return "", err
	}
	if err := b.listen(ctx, []string{ch}); err != nil {
		return "", err
	}
	return ch, nil
}

// CreateTopic registers a topic channel with its participants and subscribes
// this bus to it.
func (b *Bus) CreateTopic(ctx context.Context, topic string, participants []string) (string, error) {
	ch, err := b.channels.RegisterTopic(ctx, topic, participants)
	if err != nil {
		return "", err
	}
	if err := b.listen(ctx, []string{ch}); err != nil {
		return "", err
	}
	return ch, nil
}

// RegisteredChannels returns the channels known locally and, on a Durable
// backend, those registered by any agent.
func (b *Bus) RegisteredChannels(ctx context.Context) ([]string, error) {
	return b.channels.All(ctx)
}

func normalizeAction(action string) string {
	if strings.EqualFold(action, message.ActionBuy) {
		return message.ActionBuy
	}
	return message.ActionSell
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
