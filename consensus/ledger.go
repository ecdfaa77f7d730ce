package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/swarmbus/backend"
	"github.com/vinayprograms/swarmbus/message"
)

// LedgerKey is the shared key holding a round's votes.
func LedgerKey(requestID string) string {
	return "consensus:" + requestID + ":votes"
}

// Ledger stores votes as a JSON map voter -> decision in a durable backend.
// Writers use last-write-wins read-modify-write; tallies are re-derived from
// the latest snapshot so lost updates only delay a decision.
type Ledger struct {
	b backend.Backend
}

// NewLedger creates a ledger on b.
func NewLedger(b backend.Backend) *Ledger {
	return &Ledger{b: b}
}

// Init creates an empty ledger entry that expires after ttl.
func (l *Ledger) Init(ctx context.Context, requestID string, ttl time.Duration) error {
	return l.b.Set(ctx, LedgerKey(requestID), []byte("{}"), ttl)
}

// Record writes one vote. An existing entry keeps its TTL; a missing one is
// created with fallbackTTL.
func (l *Ledger) Record(ctx context.Context, requestID, voter string, d message.Decision, fallbackTTL time.Duration) error {
	votes, err := l.Votes(ctx, requestID)
	ttl := backend.KeepTTL
	switch {
	case errors.Is(err, backend.ErrNotFound):
		votes = make(map[string]message.Decision)
		ttl = fallbackTTL
	case err != nil:
		return err
	}

	votes[voter] = d
	data, err := json.Marshal(votes)
	if err != nil {
		return err
	}
	return l.b.Set(ctx, LedgerKey(requestID), data, ttl)
}

// Votes reads the current entry. A missing entry returns backend.ErrNotFound.
func (l *Ledger) Votes(ctx context.Context, requestID string) (map[string]message.Decision, error) {
	data, err := l.b.Get(ctx, LedgerKey(requestID))
	if err != nil {
		return nil, err
	}
	votes := make(map[string]message.Decision)
	if err := json.Unmarshal(data, &votes); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", requestID, err)
	}
	return votes, nil
}
