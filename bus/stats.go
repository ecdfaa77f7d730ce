package bus

import "sync/atomic"

type counters struct {
	sent               atomic.Int64
	received           atomic.Int64
	consensusRequests  atomic.Int64
	errors             atomic.Int64
	rateLimited        atomic.Int64
	droppedLowPriority atomic.Int64
	validationFailures atomic.Int64
	aclDenied          atomic.Int64
	handlerErrors      atomic.Int64
	oversized          atomic.Int64
}

// Stats is a point-in-time copy of a bus's counters.
type Stats struct {
	MessagesSent       int64 `json:"messages_sent"`
	MessagesReceived   int64 `json:"messages_received"`
	ConsensusRequests  int64 `json:"consensus_requests"`
	Errors             int64 `json:"errors"`
	RateLimited        int64 `json:"rate_limited"`
	DroppedLowPriority int64 `json:"dropped_low_priority"`
	ValidationFailures int64 `json:"validation_failures"`
	ACLDenied          int64 `json:"acl_denied"`
	HandlerErrors      int64 `json:"handler_errors"`
	Oversized          int64 `json:"oversized"`
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	c := &b.stats
	return Stats{
		MessagesSent:       c.sent.Load(),
		MessagesReceived:   c.received.Load(),
		ConsensusRequests:  c.consensusRequests.Load(),
		Errors:             c.errors.Load(),
		RateLimited:        c.rateLimited.Load(),
		DroppedLowPriority: c.droppedLowPriority.Load(),
		ValidationFailures: c.validationFailures.Load(),
		ACLDenied:          c.aclDenied.Load(),
		HandlerErrors:      c.handlerErrors.Load(),
		Oversized:          c.oversized.Load(),
	}
}
