package consensus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmbus/backend"
	"github.com/vinayprograms/swarmbus/config"
	buserrors "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/message"
	"github.com/vinayprograms/swarmbus/metrics"
)

// DefaultPollInterval is used when the configuration has none.
const DefaultPollInterval = 200 * time.Millisecond

// Publisher sends a message on the bus.
type Publisher interface {
	Publish(ctx context.Context, m *message.Message) error
}

// Options configures a Coordinator.
type Options struct {
	// AgentID is the agent requesting and casting votes. Required.
	AgentID string

	// Store holds the live configuration. Required.
	Store *config.Store

	// Backend hosts the shared vote ledger when it is durable. Optional.
	Backend backend.Backend

	// Publisher sends requests, votes and results. Required.
	Publisher Publisher

	// Deliver hands the requester's own result to its local handlers,
	// since the transport copy is filtered as self-sent. Optional.
	Deliver func(ctx context.Context, m *message.Message)

	Metrics metrics.Sink
	Logger  *logging.Logger
}

// Request describes an action put to a vote.
type Request struct {
	Action    string
	Subject   string
	Amount    float64
	Reason    string
	TokenName string

	// Timeout is clamped to the configured bounds; zero uses the default.
	Timeout time.Duration

	// MinApprovals is a weighted threshold; zero uses the default.
	MinApprovals float64

	// ExpectedVoters overrides the per-action voters from configuration.
	ExpectedVoters []string
}

// Result is the terminal state of a round.
type Result struct {
	RequestID string
	Approved  bool
	Outcome   Outcome
	TimedOut  bool
	Tally     Tally
	Expected  []string
	Duration  time.Duration
}

type round struct {
	id       string
	expected []string
	min      float64
	votes    map[string]message.Decision
}

// Coordinator opens rounds for one agent and records votes addressed to it.
type Coordinator struct {
	agentID   string
	store     *config.Store
	ledger    *Ledger
	publisher Publisher
	deliver   func(ctx context.Context, m *message.Message)
	metrics   metrics.Sink
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[string]*round
}

// NewCoordinator creates a coordinator. The vote ledger is used only when
// opts.Backend is durable.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.AgentID == "" {
		return nil, buserrors.InvalidInput("consensus: agent id required")
	}
	if opts.Publisher == nil {
		return nil, buserrors.InvalidInput("consensus: publisher required")
	}
	store := opts.Store
	if store == nil {
		store = config.NewStore(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Coordinator{
		agentID:   opts.AgentID,
		store:     store,
		publisher: opts.Publisher,
		deliver:   opts.Deliver,
		metrics:   metrics.Guard(opts.Metrics),
		logger:    logger.WithComponent("consensus"),
		pending:   make(map[string]*round),
	}
	if opts.Backend != nil && opts.Backend.Durable() {
		c.ledger = NewLedger(opts.Backend)
	}
	return c, nil
}

// Request opens a round and blocks until it resolves or ctx ends. A
// timed-out round is a normal rejection, not an error. When ctx ends first
// the round is abandoned without a result broadcast.
func (c *Coordinator) Request(ctx context.Context, req Request) (*Result, error) {
	cfg := c.store.Load().Consensus

	expected := req.ExpectedVoters
	if expected == nil {
		expected = cfg.Voters(req.Action)
	}
	timeout := cfg.ClampTimeout(req.Timeout)
	minApprovals := req.MinApprovals
	if minApprovals <= 0 {
		minApprovals = cfg.DefaultMinApprovals
	}
	interval := cfg.PollInterval.Duration
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	r := &round{
		id:       c.agentID + ":" + uuid.NewString(),
		expected: append([]string(nil), expected...),
		min:      minApprovals,
		votes:    make(map[string]message.Decision),
	}
	if c.ledger != nil {
		if err := c.ledger.Init(ctx, r.id, timeout+cfg.LedgerGrace.Duration); err != nil {
			c.logger.Warn("ledger init failed", logging.Fields{"request": r.id, "error": err.Error()})
		}
	}

	c.mu.Lock()
	c.pending[r.id] = r
	c.mu.Unlock()
	defer c.forget(r.id)

	msg := message.NewConsensusRequest(c.agentID, &message.ConsensusRequestPayload{
		Action:         req.Action,
		Subject:        req.Subject,
		Amount:         req.Amount,
		Reason:         req.Reason,
		TimeoutSeconds: timeout.Seconds(),
		MinApprovals:   minApprovals,
		TokenName:      req.TokenName,
		ExpectedVoters: r.expected,
	})
	msg.ID = r.id

	start := time.Now()
	if err := c.publisher.Publish(ctx, msg); err != nil {
		return nil, buserrors.Wrap(err, "consensus request", buserrors.WithMessageID(r.id))
	}
	c.logger.Info("consensus requested", logging.Fields{
		"request": r.id,
		"action":  req.Action,
		"voters":  len(r.expected),
		"min":     minApprovals,
		"timeout": timeout.String(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	expired := false
	for {
		tally := Count(c.snapshot(ctx, r), r.expected, c.store.Load().Consensus)
		if outcome := Evaluate(tally, r.min, expired); outcome != OutcomePending {
			return c.finish(ctx, r, tally, outcome, time.Since(start)), nil
		}

		select {
		case <-ctx.Done():
			c.logger.Warn("consensus abandoned", logging.Fields{"request": r.id, "error": ctx.Err().Error()})
			return nil, ctx.Err()
		case <-ticker.C:
		case <-deadline.C:
			expired = true
		}
	}
}

// snapshot merges the shared ledger into the round's local votes and
// returns a copy.
func (c *Coordinator) snapshot(ctx context.Context, r *round) map[string]message.Decision {
	var shared map[string]message.Decision
	if c.ledger != nil {
		votes, err := c.ledger.Votes(ctx, r.id)
		switch {
		case err == nil:
			shared = votes
		case !errors.Is(err, backend.ErrNotFound) && ctx.Err() == nil:
			c.logger.Debug("ledger read failed", logging.Fields{"request": r.id, "error": err.Error()})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for voter, d := range shared {
		r.votes[voter] = d
	}
	out := make(map[string]message.Decision, len(r.votes))
	for voter, d := range r.votes {
		out[voter] = d
	}
	return out
}

func (c *Coordinator) finish(ctx context.Context, r *round, t Tally, outcome Outcome, elapsed time.Duration) *Result {
	c.forget(r.id)

	res := &Result{
		RequestID: r.id,
		Approved:  outcome == OutcomeApproved,
		Outcome:   outcome,
		TimedOut:  outcome == OutcomeTimedOut,
		Tally:     t,
		Expected:  r.expected,
		Duration:  elapsed,
	}

	msg := message.NewConsensusResult(c.agentID, &message.ConsensusResultPayload{
		RequestID:     r.id,
		Approved:      res.Approved,
		VotesApprove:  t.Approve,
		VotesReject:   t.Reject,
		VotesAbstain:  t.Abstain,
		TimedOut:      res.TimedOut,
		Vetoed:        t.Vetoed,
		QuorumReached: t.QuorumReached,
	})
	if err := c.publisher.Publish(ctx, msg); err != nil {
		c.logger.Warn("result broadcast failed", logging.Fields{"request": r.id, "error": err.Error()})
	}
	if c.deliver != nil {
		c.deliver(ctx, msg)
	}

	c.metrics.ConsensusResolved(res.Approved, res.TimedOut, t.Votes(), elapsed)
	c.logger.ConsensusResolved(r.id, res.Approved, string(outcome), t.ApproveWeight, r.min, elapsed)
	if t.Vetoed {
		c.logger.Info("veto", logging.Fields{"request": r.id, "by": t.VetoedBy})
	}
	return res
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Vote casts this agent's decision on a round. It writes the shared ledger
// (when durable) and broadcasts a CONSENSUS_VOTE. Voting on a
// round that already resolved is accepted and has no effect.
func (c *Coordinator) Vote(ctx context.Context, requestID string, d message.Decision, reason string) error {
	if requestID == "" {
		return buserrors.InvalidInput("consensus: request id required")
	}
	if !d.Valid() {
		return buserrors.InvalidInput("consensus: unknown decision " + string(d))
	}

	if c.ledger != nil {
		ttl := c.store.Load().Consensus.VotesTTL.Duration
		if err := c.ledger.Record(ctx, requestID, c.agentID, d, ttl); err != nil {
			c.logger.Warn("ledger write failed", logging.Fields{"request": requestID, "error": err.Error()})
		}
	}
	c.record(requestID, c.agentID, d)
	c.logger.VoteCast(requestID, string(d), reason)

	msg := message.NewConsensusVote(c.agentID, &message.ConsensusVotePayload{
		RequestID: requestID,
		Vote:      d,
		Reason:    reason,
	})
	return c.publisher.Publish(ctx, msg)
}

// HandleVote records an incoming CONSENSUS_VOTE. It reports whether the vote
// belonged to a round still collecting votes.
func (c *Coordinator) HandleVote(m *message.Message) bool {
	p, ok := m.Payload.(*message.ConsensusVotePayload)
	if !ok || !p.Vote.Valid() {
		return false
	}
	return c.record(p.RequestID, m.Sender, p.Vote)
}

func (c *Coordinator) record(requestID, voter string, d message.Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending[requestID]
	if !ok {
		return false
	}
	r.votes[voter] = d
	return true
}

// Pending returns the ids of rounds still collecting votes.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
