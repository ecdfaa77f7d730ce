// Package metrics records bus traffic and consensus outcomes.
//
// Sinks are best-effort: a failing or panicking sink never blocks message
// delivery. Wrap third-party sinks with Guard before handing them to a bus.
package metrics

import (
	"time"

	"github.com/vinayprograms/swarmbus/message"
)

// Sink accepts counters and timers from a bus.
type Sink interface {
	// MessageSent counts one outgoing message on channel.
	MessageSent(channel string, t message.Type, bytes int)

	// MessageReceived counts one delivered message and its transit latency.
	MessageReceived(channel string, t message.Type, bytes int, latency time.Duration)

	// Error records a failure of the given kind (publish, decode, handler, ...).
	Error(kind, detail string)

	// ConsensusResolved records the end of a consensus round.
	ConsensusResolved(approved, timedOut bool, votes int, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageSent(string, message.Type, int)                    {}
func (Nop) MessageReceived(string, message.Type, int, time.Duration) {}
func (Nop) Error(string, string)                                     {}
func (Nop) ConsensusResolved(bool, bool, int, time.Duration)         {}

// Multi fans every call out to several sinks.
type Multi []Sink

func (m Multi) MessageSent(channel string, t message.Type, bytes int) {
	for _, s := range m {
		s.MessageSent(channel, t, bytes)
	}
}

func (m Multi) MessageReceived(channel string, t message.Type, bytes int, latency time.Duration) {
	for _, s := range m {
		s.MessageReceived(channel, t, bytes, latency)
	}
}

func (m Multi) Error(kind, detail string) {
	for _, s := range m {
		s.Error(kind, detail)
	}
}

func (m Multi) ConsensusResolved(approved, timedOut bool, votes int, duration time.Duration) {
	for _, s := range m {
		s.ConsensusResolved(approved, timedOut, votes, duration)
	}
}

// Guard wraps s so that a panic inside it is swallowed. A nil sink becomes Nop.
func Guard(s Sink) Sink {
	switch s.(type) {
	case nil:
		return Nop{}
	case Nop, guarded:
		return s
	}
	return guarded{s}
}

type guarded struct{ s Sink }

func (g guarded) MessageSent(channel string, t message.Type, bytes int) {
	defer func() { _ = recover() }()
	g.s.MessageSent(channel, t, bytes)
}

func (g guarded) MessageReceived(channel string, t message.Type, bytes int, latency time.Duration) {
	defer func() { _ = recover() }()
	g.s.MessageReceived(channel, t, bytes, latency)
}

func (g guarded) Error(kind, detail string) {
	defer func() { _ = recover() }()
	g.s.Error(kind, detail)
}

func (g guarded) ConsensusResolved(approved, timedOut bool, votes int, duration time.Duration) {
	defer func() { _ = recover() }()
	g.s.ConsensusResolved(approved, timedOut, votes, duration)
}
