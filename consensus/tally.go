// Package consensus runs weighted-voting rounds between agents.
//
// A requester broadcasts a CONSENSUS_REQUEST, peers vote, and the requester
// polls its votes (and the shared vote ledger when the backend is durable)
// until one of three triggers fires:
//
//   - approval: weighted approvals reach the minimum, beat weighted
//     rejections, quorum is met and nobody vetoed
//   - veto: an agent from the veto set rejected
//   - timeout: the round deadline passed
//
// Weights and veto membership are read from the live configuration on every
// tally, so a configuration change mid-round changes the outcome.
package consensus

import (
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/message"
)

// Outcome names how a round ended.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeVetoed   Outcome = "vetoed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeCanceled Outcome = "canceled"
)

// Tally is the weighted count of one snapshot of votes.
type Tally struct {
	ApproveWeight float64
	RejectWeight  float64

	Approve int
	Reject  int
	Abstain int

	// Participants counts voters toward quorum.
	Participants  int
	QuorumReached bool

	Vetoed   bool
	VetoedBy string
}

// Votes returns the number of distinct voters.
func (t Tally) Votes() int {
	return t.Approve + t.Reject + t.Abstain
}

// Count tallies votes using the weights, veto set and quorum rules in cfg.
// Unknown decisions are ignored.
func Count(votes map[string]message.Decision, expected []string, cfg config.Consensus) Tally {
	var t Tally
	for voter, d := range votes {
		switch d {
		case message.Approve:
			t.Approve++
			t.ApproveWeight += cfg.Weight(voter)
			t.Participants++
		case message.Reject:
			t.Reject++
			t.RejectWeight += cfg.Weight(voter)
			t.Participants++
			if cfg.IsVeto(voter) && (!t.Vetoed || voter < t.VetoedBy) {
				t.Vetoed = true
				t.VetoedBy = voter
			}
		case message.Abstain:
			t.Abstain++
			if cfg.AbstainCountsAsVote {
				t.Participants++
			}
		}
	}
	t.QuorumReached = quorum(t.Participants, len(expected), cfg)
	return t
}

func quorum(participants, expected int, cfg config.Consensus) bool {
	if !cfg.RequireQuorum || expected == 0 {
		return true
	}
	return float64(participants)/float64(expected)*100 >= cfg.QuorumPercentage
}

// Approved reports whether the approval trigger holds.
func (t Tally) Approved(minApprovals float64) bool {
	return t.ApproveWeight >= minApprovals &&
		t.ApproveWeight > t.RejectWeight &&
		t.QuorumReached &&
		!t.Vetoed
}

// Evaluate checks the triggers in order approval, veto, timeout and returns
// the outcome. OutcomePending means the round keeps collecting votes.
func Evaluate(t Tally, minApprovals float64, expired bool) Outcome {
	switch {
	case t.Approved(minApprovals):
		return OutcomeApproved
	case t.Vetoed:
		return OutcomeVetoed
	case expired:
		return OutcomeTimedOut
	default:
		return OutcomePending
	}
}
