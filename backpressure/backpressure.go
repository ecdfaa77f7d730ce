// Package backpressure provides the bounded, priority-tiered queues that sit
// between a bus's receive loop and its handler dispatch.
package backpressure

import (
	"context"
	"errors"
	"sync"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/message"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("queues closed")

// Config configures Queues.
type Config struct {
	// Capacity per priority tier. Zero or missing means unbounded.
	Capacity map[message.Priority]int

	// MaxTotal caps all tiers together. Zero means unbounded.
	MaxTotal int

	// DropLowestFirst evicts from a lower tier when the total cap is reached.
	DropLowestFirst bool

	// DropOldestFirst evicts the oldest message of a full tier instead of
	// rejecting the incoming one.
	DropOldestFirst bool
}

// FromConfig converts the bus backpressure settings. Disabled backpressure
// gives unbounded queues.
func FromConfig(c config.Backpressure) Config {
	if !c.Enabled {
		return Config{}
	}
	capacity := make(map[message.Priority]int, len(c.Capacity))
	for _, p := range message.Priorities() {
		if n, ok := c.Capacity[p.String()]; ok {
			capacity[p] = n
		}
	}
	return Config{
		Capacity:        capacity,
		MaxTotal:        c.MaxTotal,
		DropLowestFirst: c.DropLowestFirst,
		DropOldestFirst: c.DropOldestFirst,
	}
}

// Outcome reports what Push did.
type Outcome struct {
	// Accepted is false when the incoming message was rejected.
	Accepted bool

	// Evicted holds a queued message dropped to make room.
	Evicted *message.Message
}

// Queues holds one FIFO per priority and pops the highest priority first.
// It is safe for concurrent use.
type Queues struct {
	config Config

	mu     sync.Mutex
	tiers  map[message.Priority][]*message.Message
	total  int
	closed bool
	ready  chan struct{}
}

// New creates empty queues.
func New(cfg Config) *Queues {
	return &Queues{
		config: cfg,
		tiers:  make(map[message.Priority][]*message.Message),
		ready:  make(chan struct{}, 1),
	}
}

func (q *Queues) tierFull(p message.Priority) bool {
	limit := q.config.Capacity[p]
	return limit > 0 && len(q.tiers[p]) >= limit
}

func (q *Queues) totalFull() bool {
	return q.config.MaxTotal > 0 && q.total >= q.config.MaxTotal
}

// evictOldest removes the head of tier p. Caller holds q.mu.
func (q *Queues) evictOldest(p message.Priority) *message.Message {
	tier := q.tiers[p]
	if len(tier) == 0 {
		return nil
	}
	head := tier[0]
	tier[0] = nil
	q.tiers[p] = tier[1:]
	q.total--
	return head
}

// Push enqueues m following the drop policy:
//   - own tier full: evict its oldest with DropOldestFirst, else reject m
//   - total cap reached: evict from the lowest non-empty tier below m with
//     DropLowestFirst; with no lower tier, evict the oldest of m's tier with
//     DropOldestFirst; otherwise reject m
func (q *Queues) Push(m *message.Message) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Outcome{}
	}

	p := m.Priority
	var out Outcome

	if q.tierFull(p) {
		if !q.config.DropOldestFirst {
			return Outcome{}
		}
		out.Evicted = q.evictOldest(p)
	}

	if q.totalFull() {
		var evicted *message.Message
		if q.config.DropLowestFirst {
			for _, lower := range message.Priorities() {
				if lower >= p {
					break
				}
				if evicted = q.evictOldest(lower); evicted != nil {
					break
				}
			}
		}
		if evicted == nil && q.config.DropOldestFirst {
			evicted = q.evictOldest(p)
		}
		if evicted == nil {
			return Outcome{}
		}
		out.Evicted = evicted
	}

	q.tiers[p] = append(q.tiers[p], m)
	q.total++
	out.Accepted = true

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return out
}

// Pop removes the oldest message of the highest non-empty tier.
func (q *Queues) Pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queues) popLocked() (*message.Message, bool) {
	priorities := message.Priorities()
	for i := len(priorities) - 1; i >= 0; i-- {
		if m := q.evictOldest(priorities[i]); m != nil {
			return m, true
		}
	}
	// Unknown priorities are queued under their own key; drain them last.
	for p := range q.tiers {
		if m := q.evictOldest(p); m != nil {
			return m, true
		}
	}
	return nil, false
}

// Next blocks until a message is available, ctx ends or the queues close.
// Messages still queued at Close are drained before ErrClosed is returned.
func (q *Queues) Next(ctx context.Context) (*message.Message, error) {
	for {
		q.mu.Lock()
		m, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return m, nil
		}
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (q *Queues) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// LenTier returns the number of queued messages of priority p.
func (q *Queues) LenTier(p message.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[p])
}

// Close wakes any waiter in Next. Later pushes are rejected.
func (q *Queues) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ready)
}
