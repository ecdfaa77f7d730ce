package bus

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/vinayprograms/swarmbus/backend"
	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
)

// ErrNotStarted is returned by Subscribe before Start.
var ErrNotStarted = errors.New("bus not started")

// listener is one backend subscription and its receive loop.
type listener struct {
	sub    backend.Subscription
	chans  []string
	cancel context.CancelFunc
}

// Subscribe starts receiving on the named channels. Names are prefixed with
// the configured channel prefix unless they already carry it. The broadcast
// channel is always included. Channels already subscribed are skipped.
func (b *Bus) Subscribe(ctx context.Context, names ...string) error {
	all := append(append([]string(nil), names...), message.Broadcast)
	return b.listen(ctx, all)
}

func (b *Bus) listen(ctx context.Context, names []string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	busCtx := b.ctx
	if busCtx == nil {
		b.mu.Unlock()
		return ErrNotStarted
	}
	var fresh []string
	for _, name := range names {
		ch := b.channels.Name(name)
		if !b.subscribed[ch] {
			b.subscribed[ch] = true
			fresh = append(fresh, ch)
		}
	}
	b.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	sub, err := b.backend.Subscribe(ctx, fresh...)
	if err != nil {
		b.mu.Lock()
		for _, ch := range fresh {
			delete(b.subscribed, ch)
		}
		b.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(busCtx)
	l := &listener{sub: sub, chans: fresh, cancel: cancel}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.receive(loopCtx, l)
	b.logger.Debug("subscribed", logging.Fields{"channels": fresh})
	return nil
}

// Unsubscribe stops receiving on a channel that was subscribed on its own,
// as SubscribeDynamic does. The agent and broadcast channels stay.
func (b *Bus) Unsubscribe(name string) error {
	ch := b.channels.Name(name)

	b.mu.Lock()
	var target *listener
	for i, l := range b.listeners {
		if len(l.chans) == 1 && l.chans[0] == ch {
			target = l
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			delete(b.subscribed, ch)
			break
		}
	}
	b.mu.Unlock()

	if target == nil {
		return buserrors.InvalidInput("bus: " + ch + " is not a standalone subscription")
	}
	target.cancel()
	return target.sub.Close()
}

// Subscribed returns the prefixed names of the channels being received.
func (b *Bus) Subscribed() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subscribed))
	for ch := range b.subscribed {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// receive polls one subscription until ctx ends. Errors never end the loop:
// it backs off from ErrorDelay, doubling up to MaxErrorDelay, and a closed
// subscription is re-established.
func (b *Bus) receive(ctx context.Context, l *listener) {
	defer b.wg.Done()

	label := ""
	if len(l.chans) == 1 {
		label = l.chans[0]
	}

	delay := errorDelay(b.store.Load().Connection.ErrorDelay.Duration)
	for {
		if ctx.Err() != nil {
			return
		}
		conn := b.store.Load().Connection
		poll := conn.PollTimeout.Duration
		if poll <= 0 {
			poll = defaultPollTimeout
		}

		b.mu.RLock()
		sub := l.sub
		b.mu.RUnlock()

		data, err := sub.Receive(ctx, poll)
		switch {
		case err == nil:
			delay = errorDelay(conn.ErrorDelay.Duration)
			b.ingest(label, data)
			continue
		case errors.Is(err, backend.ErrTimeout):
			delay = errorDelay(conn.ErrorDelay.Duration)
			continue
		case ctx.Err() != nil:
			return
		}

		b.stats.errors.Add(1)
		b.metrics.Error("receive", err.Error())
		b.logger.Warn("receive failed", logging.Fields{"error": err.Error(), "retry_in": delay.String()})

		if !sleep(ctx, delay) {
			return
		}
		delay *= 2
		if limit := conn.MaxErrorDelay.Duration; limit > 0 && delay > limit {
			delay = limit
		}

		if errors.Is(err, backend.ErrClosed) {
			next, err := b.backend.Subscribe(ctx, l.chans...)
			if err != nil {
				continue
			}
			b.mu.Lock()
			l.sub = next
			b.mu.Unlock()
			b.logger.Info("resubscribed", logging.Fields{"channels": l.chans})
		}
	}
}

const (
	defaultPollTimeout = 500 * time.Millisecond
	minErrorDelay      = 10 * time.Millisecond
)

func errorDelay(d time.Duration) time.Duration {
	if d < minErrorDelay {
		return minErrorDelay
	}
	return d
}

// ingest turns raw bytes into a queued message, or drops them.
func (b *Bus) ingest(label string, data []byte) {
	cfg := b.store.Load()

	if limit := cfg.Validation.MaxMessageSize; limit > 0 && len(data) > limit {
		b.stats.oversized.Add(1)
		b.stats.errors.Add(1)
		b.metrics.Error("oversized", strconv.Itoa(len(data))+" bytes")
		b.logger.MessageDropped("oversized", "", "")
		return
	}

	m, err := message.Decode(data)
	if err != nil {
		b.stats.errors.Add(1)
		b.metrics.Error("decode", err.Error())
		b.logger.Warn("undecodable message", logging.Fields{"error": err.Error()})
		return
	}
	if m.Sender == b.agentID || !m.AddressedTo(b.agentID) {
		return
	}

	if d := b.acl.Check(m.Sender, b.agentID); !d.Allowed {
		b.stats.aclDenied.Add(1)
		b.metrics.Error("acl_denied", m.Sender+"->"+b.agentID)
		if cfg.ACL.LogBlocked {
			b.logger.MessageDropped("acl:"+d.Reason, string(m.Type), m.ID)
		}
		return
	}

	b.stats.received.Add(1)
	if label == "" {
		label = b.channelFor(m.Recipient)
	}
	var latency time.Duration
	if !m.Timestamp.IsZero() {
		latency = time.Since(m.Timestamp)
	}
	b.metrics.MessageReceived(label, m.Type, len(data), latency)
	if b.monitor != nil {
		b.monitor.RecordReceived(b.agentID)
	}
	b.logger.MessageReceived(m.Sender, string(m.Type), m.ID)

	// Votes and heartbeats are recorded here rather than on the dispatch
	// goroutine so a handler blocked in RequestConsensus still sees votes.
	switch m.Type {
	case message.TypeConsensusVote:
		b.consensus.HandleVote(m)
	case message.TypeAgentHeartbeat:
		if b.monitor != nil {
			b.monitor.Handle(m)
		}
	}

	b.enqueue(m)
}

func (b *Bus) enqueue(m *message.Message) {
	out := b.queues.Push(m)
	if out.Evicted != nil {
		b.stats.droppedLowPriority.Add(1)
		b.logger.MessageDropped("backpressure", string(out.Evicted.Type), out.Evicted.ID)
	}
	if !out.Accepted {
		b.stats.droppedLowPriority.Add(1)
		b.logger.MessageDropped("backpressure", string(m.Type), m.ID)
	}
}

// deliverLocal hands a message straight to this bus's handlers.
func (b *Bus) deliverLocal(_ context.Context, m *message.Message) {
	b.enqueue(m)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
