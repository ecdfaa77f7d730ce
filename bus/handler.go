package bus

import (
	"context"

	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
)

// Handler processes a delivered message.
type Handler interface {
	Handle(ctx context.Context, m *message.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *message.Message) error

// Handle calls f(ctx, m).
func (f HandlerFunc) Handle(ctx context.Context, m *message.Message) error {
	return f(ctx, m)
}

// On registers a handler for one message type. Handlers for a type run in
// registration order.
func (b *Bus) On(t message.Type, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// OnAny registers a handler for every delivered message. Wildcard handlers
// run after the typed ones.
func (b *Bus) OnAny(h Handler) {
	b.mu.Lock()
	b.anyHandlers = append(b.anyHandlers, h)
	b.mu.Unlock()
}

func (b *Bus) handlersFor(t message.Type) (typed, wildcard []Handler) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	typed = append(typed, b.handlers[t]...)
	wildcard = append(wildcard, b.anyHandlers...)
	return typed, wildcard
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		m, err := b.queues.Next(ctx)
		if err != nil {
			return
		}
		b.dispatch(ctx, m)
	}
}

// dispatch runs every handler for m.
func (b *Bus) dispatch(ctx context.Context, m *message.Message) {
	typed, wildcard := b.handlersFor(m.Type)

	// A peer that cannot judge a round still answers it.
	if m.Type == message.TypeConsensusRequest && len(typed) == 0 {
		if err := b.consensus.Vote(ctx, m.ID, message.Abstain, "no handler"); err != nil {
			b.logger.Warn("auto-abstain failed", logging.Fields{"request": m.ID, "error": err.Error()})
		}
	}

	for _, h := range typed {
		b.invoke(ctx, h, m)
	}
	for _, h := range wildcard {
		b.invoke(ctx, h, m)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, m *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(m, buserrors.RecoverPanic(r))
		}
	}()
	if err := h.Handle(ctx, m); err != nil {
		b.handlerFailed(m, buserrors.Handler(string(m.Type), err, buserrors.WithMessageID(m.ID)))
	}
}

func (b *Bus) handlerFailed(m *message.Message, err *buserrors.Error) {
	b.stats.handlerErrors.Add(1)
	b.stats.errors.Add(1)
	b.metrics.Error("handler", err.Error())
	if b.monitor != nil {
		b.monitor.RecordError(b.agentID)
	}
	fields := err.Fields()
	fields["type"] = string(m.Type)
	fields["id"] = m.ID
	b.logger.Error("handler failed", fields)
}
