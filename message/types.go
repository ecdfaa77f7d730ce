// Package message defines the bus envelope, the typed payload variants and
// the validator that checks them before they are published.
package message

import (
	"fmt"
	"strings"
)

// Broadcast is the recipient that addresses every agent.
const Broadcast = "all"

// Type identifies a message and selects its payload variant.
type Type string

const (
	// Market data
	TypePriceUpdate Type = "price_update"
	TypeWhaleAlert  Type = "whale_alert"
	TypeNewToken    Type = "new_token"

	// Analysis
	TypeAnalysisRequest Type = "analysis_request"
	TypeAnalysisResult  Type = "analysis_result"

	// Trading
	TypeTradeSignal   Type = "trade_signal"
	TypeTradeExecuted Type = "trade_executed"
	TypeTradeFailed   Type = "trade_failed"

	// Risk
	TypeRiskAlert       Type = "risk_alert"
	TypeStopLossTrigger Type = "stop_loss_trigger"
	TypeTakeProfit      Type = "tp_trigger"

	// Consensus
	TypeConsensusRequest Type = "consensus_request"
	TypeConsensusVote    Type = "consensus_vote"
	TypeConsensusResult  Type = "consensus_result"

	// System
	TypeSystemStatus   Type = "system_status"
	TypeAgentHeartbeat Type = "agent_heartbeat"
	TypeError          Type = "error"
)

// Types lists every message type.
func Types() []Type {
	return []Type{
		TypePriceUpdate, TypeWhaleAlert, TypeNewToken,
		TypeAnalysisRequest, TypeAnalysisResult,
		TypeTradeSignal, TypeTradeExecuted, TypeTradeFailed,
		TypeRiskAlert, TypeStopLossTrigger, TypeTakeProfit,
		TypeConsensusRequest, TypeConsensusVote, TypeConsensusResult,
		TypeSystemStatus, TypeAgentHeartbeat, TypeError,
	}
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := decoders[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// Priority orders messages. The numeric values are the wire encoding.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 7
	PriorityUrgent   Priority = 9
	PriorityCritical Priority = 10
)

// Priorities lists every priority from lowest to highest.
func Priorities() []Priority {
	return []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a case-insensitive name to a Priority.
func ParsePriority(name string) (Priority, error) {
	for _, p := range Priorities() {
		if strings.EqualFold(p.String(), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// Decision is a consensus vote.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	Abstain Decision = "abstain"
)

// Valid reports whether d is approve, reject or abstain.
func (d Decision) Valid() bool {
	return d == Approve || d == Reject || d == Abstain
}

// Trade actions.
const (
	ActionBuy           = "buy"
	ActionSell          = "sell"
	ActionPartialSell   = "partial_sell"
	ActionEmergencySell = "emergency_sell"
)

// Risk levels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)
