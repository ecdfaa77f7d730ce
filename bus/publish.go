package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmbus/backend"
	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
)

// Publish sends m on its recipient's channel, or on the broadcast channel
// when it has no recipient. Empty envelope fields are filled in.
//
// In strict mode an invalid message is rejected with a VALIDATION error;
// otherwise problems are logged. A message refused by the rate limiter is
// dropped and counted, and Publish returns nil.
func (b *Bus) Publish(ctx context.Context, m *message.Message) error {
	if m == nil {
		return buserrors.InvalidInput("bus: nil message")
	}
	b.fill(m)
	return b.publishOn(ctx, b.channelFor(m.Recipient), m)
}

// SendTo addresses m to one agent and publishes it on that agent's channel.
func (b *Bus) SendTo(ctx context.Context, recipient string, m *message.Message) error {
	if recipient == "" {
		return buserrors.InvalidInput("bus: recipient required")
	}
	if m == nil {
		return buserrors.InvalidInput("bus: nil message")
	}
	m.Recipient = recipient
	return b.Publish(ctx, m)
}

// Broadcast addresses m to every agent.
func (b *Bus) Broadcast(ctx context.Context, m *message.Message) error {
	if m == nil {
		return buserrors.InvalidInput("bus: nil message")
	}
	m.Recipient = message.Broadcast
	return b.Publish(ctx, m)
}

// PublishChannel sends m on a named channel, such as a dynamic or topic
// channel, instead of the recipient's channel.
func (b *Bus) PublishChannel(ctx context.Context, channel string, m *message.Message) error {
	if channel == "" {
		return buserrors.InvalidInput("bus: channel required")
	}
	if m == nil {
		return buserrors.InvalidInput("bus: nil message")
	}
	b.fill(m)
	return b.publishOn(ctx, b.channels.Name(channel), m)
}

func (b *Bus) fill(m *message.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sender == "" {
		m.Sender = b.agentID
	}
	if m.Recipient == "" {
		m.Recipient = message.Broadcast
	}
	if !m.Priority.Valid() {
		m.Priority = message.PriorityNormal
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

func (b *Bus) publishOn(ctx context.Context, channel string, m *message.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	cfg := b.store.Load()

	res := message.NewValidator(cfg.Validation).Validate(m)
	if !res.Valid {
		b.stats.validationFailures.Add(1)
		b.metrics.Error("validation", strings.Join(res.Errors, "; "))
		return buserrors.Validation(strings.Join(res.Errors, "; "),
			buserrors.WithMessageID(m.ID),
			buserrors.WithAgentID(b.agentID),
			buserrors.WithMetadata("type", string(m.Type)),
		)
	}
	if len(res.Warnings) > 0 {
		b.logger.Warn("message validation warnings", logging.Fields{
			"type":     string(m.Type),
			"id":       m.ID,
			"warnings": strings.Join(res.Warnings, "; "),
		})
	}

	if b.limiter != nil && !b.limiter.Allow(m.Priority) {
		b.stats.rateLimited.Add(1)
		b.metrics.Error("rate_limited", string(m.Type))
		b.logger.MessageDropped("rate_limited", string(m.Type), m.ID)
		return nil
	}

	data, err := message.Encode(m)
	if err != nil {
		b.stats.errors.Add(1)
		return buserrors.Wrap(err, "encode message", buserrors.WithMessageID(m.ID))
	}

	if err := b.send(ctx, channel, data); err != nil {
		b.stats.errors.Add(1)
		b.metrics.Error("publish", err.Error())
		if b.monitor != nil {
			b.monitor.RecordError(b.agentID)
		}
		return buserrors.WrapWithCode(err, buserrors.ErrCodePublish, "publish to "+channel,
			buserrors.WithMessageID(m.ID),
			buserrors.WithAgentID(b.agentID),
		)
	}

	b.stats.sent.Add(1)
	b.metrics.MessageSent(channel, m.Type, len(data))
	if b.monitor != nil {
		b.monitor.RecordSent(b.agentID)
	}
	b.logger.MessageSent(channel, string(m.Type), m.ID, len(data))
	return nil
}

// send publishes with bounded retries and exponential backoff.
func (b *Bus) send(ctx context.Context, channel string, data []byte) error {
	conn := b.store.Load().Connection
	attempts := conn.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := conn.RetryDelay.Duration
	multiplier := conn.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = b.backend.Publish(ctx, channel, data); err == nil {
			return nil
		}
		if attempt == attempts || ctx.Err() != nil || !retryable(err) {
			break
		}
		b.logger.Debug("publish retry", logging.Fields{"channel": channel, "attempt": attempt, "error": err.Error()})
		if !sleep(ctx, delay) {
			break
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, backend.ErrClosed) && !errors.Is(err, backend.ErrInvalid)
}
