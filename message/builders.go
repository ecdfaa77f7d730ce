package message

// Builders assign each message type its usual priority and addressing.

func NewPriceUpdate(sender string, p *PriceUpdatePayload) *Message {
	return New(TypePriceUpdate, sender, p)
}

func NewWhaleAlert(sender string, p *WhaleAlertPayload) *Message {
	m := New(TypeWhaleAlert, sender, p)
	m.Priority = PriorityHigh
	return m
}

func NewNewToken(sender string, p *NewTokenPayload) *Message {
	m := New(TypeNewToken, sender, p)
	m.Priority = PriorityHigh
	return m
}

func NewAnalysisRequest(sender, recipient string, p *AnalysisRequestPayload) *Message {
	m := New(TypeAnalysisRequest, sender, p)
	m.Recipient = recipient
	return m
}

func NewAnalysisResult(sender, recipient string, p *AnalysisResultPayload) *Message {
	m := New(TypeAnalysisResult, sender, p)
	m.Recipient = recipient
	m.Priority = PriorityHigh
	return m
}

// NewTradeSignal uses the payload's urgency as the message priority.
func NewTradeSignal(sender string, p *TradeSignalPayload, requiresConsensus bool) *Message {
	m := New(TypeTradeSignal, sender, p)
	if p.Urgency.Valid() {
		m.Priority = p.Urgency
	}
	m.RequiresConsensus = requiresConsensus
	return m
}

func NewTradeExecuted(sender string, p *TradeExecutedPayload) *Message {
	m := New(TypeTradeExecuted, sender, p)
	m.Priority = PriorityHigh
	return m
}

func NewTradeFailed(sender string, p *TradeExecutedPayload) *Message {
	m := New(TypeTradeFailed, sender, p)
	m.Priority = PriorityHigh
	return m
}

// NewRiskAlert is CRITICAL for critical-level alerts, HIGH otherwise.
func NewRiskAlert(sender string, p *RiskAlertPayload) *Message {
	m := New(TypeRiskAlert, sender, p)
	m.Priority = PriorityHigh
	if p.Level == RiskCritical {
		m.Priority = PriorityCritical
	}
	return m
}

func NewStopLossTrigger(sender string, p *TriggerPayload) *Message {
	m := New(TypeStopLossTrigger, sender, p)
	m.Priority = PriorityCritical
	return m
}

func NewTakeProfitTrigger(sender string, p *TriggerPayload) *Message {
	m := New(TypeTakeProfit, sender, p)
	m.Priority = PriorityUrgent
	return m
}

func NewConsensusRequest(sender string, p *ConsensusRequestPayload) *Message {
	m := New(TypeConsensusRequest, sender, p)
	m.Priority = PriorityUrgent
	m.RequiresConsensus = true
	return m
}

// NewConsensusVote broadcasts a vote. Only the agent holding the round
// records it; everyone else may observe it.
func NewConsensusVote(sender string, p *ConsensusVotePayload) *Message {
	m := New(TypeConsensusVote, sender, p)
	m.Priority = PriorityUrgent
	return m
}

func NewConsensusResult(sender string, p *ConsensusResultPayload) *Message {
	m := New(TypeConsensusResult, sender, p)
	m.Priority = PriorityHigh
	return m
}

func NewSystemStatus(sender string, p *SystemStatusPayload) *Message {
	return New(TypeSystemStatus, sender, p)
}

func NewHeartbeat(sender string, p *HeartbeatPayload) *Message {
	m := New(TypeAgentHeartbeat, sender, p)
	m.Priority = PriorityLow
	return m
}

func NewError(sender string, p *ErrorPayload) *Message {
	m := New(TypeError, sender, p)
	m.Priority = PriorityHigh
	return m
}
