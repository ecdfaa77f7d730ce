package message

import (
	"encoding/json"
	"fmt"
)

// Payload is the type-specific body of a message.
// Fields returns the flat key/value view the validator checks; it must list
// every wire key the payload carries.
type Payload interface {
	Fields() map[string]any
}

// PriceUpdatePayload carries a token price tick.
type PriceUpdatePayload struct {
	TokenAddress string  `json:"token_address"`
	TokenName    string  `json:"token_name"`
	PriceMON     float64 `json:"price_mon"`
	PriceUSD     float64 `json:"price_usd"`
	Change1h     float64 `json:"change_1h"`
	Change24h    float64 `json:"change_24h"`
	Volume24h    float64 `json:"volume_24h"`
	Liquidity    float64 `json:"liquidity"`
}

func (p *PriceUpdatePayload) Fields() map[string]any {
	return map[string]any{
		"token_address": p.TokenAddress,
		"token_name":    p.TokenName,
		"price_mon":     p.PriceMON,
		"price_usd":     p.PriceUSD,
		"change_1h":     p.Change1h,
		"change_24h":    p.Change24h,
		"volume_24h":    p.Volume24h,
		"liquidity":     p.Liquidity,
	}
}

// WhaleAlertPayload reports a large wallet trading a token.
type WhaleAlertPayload struct {
	WhaleAddress string  `json:"whale_address"`
	WhaleName    string  `json:"whale_name"`
	TokenAddress string  `json:"token_address"`
	TokenName    string  `json:"token_name"`
	Action       string  `json:"action"`
	AmountMON    float64 `json:"amount_mon"`
	TxHash       string  `json:"tx_hash"`
	WhaleWinRate float64 `json:"whale_win_rate"`
	Confidence   float64 `json:"confidence"`
}

func (p *WhaleAlertPayload) Fields() map[string]any {
	return map[string]any{
		"whale_address":  p.WhaleAddress,
		"whale_name":     p.WhaleName,
		"token_address":  p.TokenAddress,
		"token_name":     p.TokenName,
		"action":         p.Action,
		"amount_mon":     p.AmountMON,
		"tx_hash":        p.TxHash,
		"whale_win_rate": p.WhaleWinRate,
		"confidence":     p.Confidence,
	}
}

// NewTokenPayload announces a newly listed token.
type NewTokenPayload struct {
	TokenAddress string  `json:"token_address"`
	TokenName    string  `json:"token_name"`
	TokenSymbol  string  `json:"token_symbol"`
	Creator      string  `json:"creator"`
	QualityScore int     `json:"quality_score"`
	Liquidity    float64 `json:"liquidity"`
	HolderCount  int     `json:"holder_count"`
}

func (p *NewTokenPayload) Fields() map[string]any {
	return map[string]any{
		"token_address": p.TokenAddress,
		"token_name":    p.TokenName,
		"token_symbol":  p.TokenSymbol,
		"creator":       p.Creator,
		"quality_score": p.QualityScore,
		"liquidity":     p.Liquidity,
		"holder_count":  p.HolderCount,
	}
}

// AnalysisRequestPayload asks an analyst to look at a token.
type AnalysisRequestPayload struct {
	TokenAddress string         `json:"token_address"`
	AnalysisType string         `json:"analysis_type"` // full, quick, risk
	Source       string         `json:"source"`
	Context      map[string]any `json:"context,omitempty"`
}

func (p *AnalysisRequestPayload) Fields() map[string]any {
	return map[string]any{
		"token_address": p.TokenAddress,
		"analysis_type": p.AnalysisType,
		"source":        p.Source,
		"context":       p.Context,
	}
}

// AnalysisResultPayload answers an AnalysisRequestPayload.
type AnalysisResultPayload struct {
	TokenAddress    string   `json:"token_address"`
	Recommendation  string   `json:"recommendation"` // buy, sell, hold, avoid
	Confidence      float64  `json:"confidence"`
	Reasons         []string `json:"reasons"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	SuggestedAmount float64  `json:"suggested_amount"`
	StopLossPct     float64  `json:"stop_loss_pct"`
	TakeProfitPct   float64  `json:"take_profit_pct"`
	RiskLevel       string   `json:"risk_level"`
}

func (p *AnalysisResultPayload) Fields() map[string]any {
	return map[string]any{
		"token_address":    p.TokenAddress,
		"recommendation":   p.Recommendation,
		"confidence":       p.Confidence,
		"reasons":          p.Reasons,
		"suggested_action": p.SuggestedAction,
		"suggested_amount": p.SuggestedAmount,
		"stop_loss_pct":    p.StopLossPct,
		"take_profit_pct":  p.TakeProfitPct,
		"risk_level":       p.RiskLevel,
	}
}

// TradeSignalPayload asks the trader to buy or sell.
type TradeSignalPayload struct {
	Action       string   `json:"action"`
	TokenAddress string   `json:"token_address"`
	TokenName    string   `json:"token_name"`
	AmountMON    float64  `json:"amount_mon"`
	SellPercent  float64  `json:"sell_percent"`
	Reason       string   `json:"reason"`
	SourceSignal string   `json:"source_signal"` // whale, ai, sniper, manual
	Urgency      Priority `json:"urgency"`
}

func (p *TradeSignalPayload) Fields() map[string]any {
	return map[string]any{
		"action":        p.Action,
		"token_address": p.TokenAddress,
		"token_name":    p.TokenName,
		"amount_mon":    p.AmountMON,
		"sell_percent":  p.SellPercent,
		"reason":        p.Reason,
		"source_signal": p.SourceSignal,
		"urgency":       int(p.Urgency),
	}
}

// TradeExecutedPayload reports the outcome of a trade. It is used by both
// trade_executed and trade_failed.
type TradeExecutedPayload struct {
	Action       string  `json:"action"`
	TokenAddress string  `json:"token_address"`
	TokenName    string  `json:"token_name"`
	AmountMON    float64 `json:"amount_mon"`
	TxHash       string  `json:"tx_hash"`
	PriceMON     float64 `json:"price_mon"`
	Slippage     float64 `json:"slippage"`
	Success      bool    `json:"success"`
	Error        string  `json:"error"`
}

func (p *TradeExecutedPayload) Fields() map[string]any {
	return map[string]any{
		"action":        p.Action,
		"token_address": p.TokenAddress,
		"token_name":    p.TokenName,
		"amount_mon":    p.AmountMON,
		"tx_hash":       p.TxHash,
		"price_mon":     p.PriceMON,
		"slippage":      p.Slippage,
		"success":       p.Success,
		"error":         p.Error,
	}
}

// RiskAlertPayload warns about a position or the portfolio.
type RiskAlertPayload struct {
	Level           string `json:"level"`
	Message         string `json:"message"`
	TokenAddress    string `json:"token_address,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"` // sell, reduce, hold
}

func (p *RiskAlertPayload) Fields() map[string]any {
	return map[string]any{
		"level":            p.Level,
		"message":          p.Message,
		"token_address":    p.TokenAddress,
		"suggested_action": p.SuggestedAction,
	}
}

// TriggerPayload fires a stop-loss or take-profit exit.
type TriggerPayload struct {
	TokenAddress string  `json:"token_address"`
	TokenName    string  `json:"token_name"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PnLPct       float64 `json:"pnl_pct"`
	SellPercent  float64 `json:"sell_percent"`
}

func (p *TriggerPayload) Fields() map[string]any {
	return map[string]any{
		"token_address": p.TokenAddress,
		"token_name":    p.TokenName,
		"entry_price":   p.EntryPrice,
		"current_price": p.CurrentPrice,
		"pnl_pct":       p.PnLPct,
		"sell_percent":  p.SellPercent,
	}
}

// ConsensusRequestPayload opens a consensus round.
type ConsensusRequestPayload struct {
	Action         string   `json:"action"`
	Subject        string   `json:"subject"`
	Amount         float64  `json:"amount"`
	Reason         string   `json:"reason"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	MinApprovals   float64  `json:"min_approvals"`
	TokenName      string   `json:"token_name,omitempty"`
	ExpectedVoters []string `json:"expected_voters,omitempty"`
}

func (p *ConsensusRequestPayload) Fields() map[string]any {
	return map[string]any{
		"action":          p.Action,
		"subject":         p.Subject,
		"amount":          p.Amount,
		"reason":          p.Reason,
		"timeout_seconds": p.TimeoutSeconds,
		"min_approvals":   p.MinApprovals,
		"token_name":      p.TokenName,
		"expected_voters": p.ExpectedVoters,
	}
}

// ConsensusVotePayload is one agent's vote in a round.
type ConsensusVotePayload struct {
	RequestID string   `json:"request_id"`
	Vote      Decision `json:"vote"`
	Reason    string   `json:"reason"`
}

func (p *ConsensusVotePayload) Fields() map[string]any {
	return map[string]any{
		"request_id": p.RequestID,
		"vote":       string(p.Vote),
		"reason":     p.Reason,
	}
}

// ConsensusResultPayload closes a round.
type ConsensusResultPayload struct {
	RequestID     string `json:"request_id"`
	Approved      bool   `json:"approved"`
	VotesApprove  int    `json:"votes_approve"`
	VotesReject   int    `json:"votes_reject"`
	VotesAbstain  int    `json:"votes_abstain"`
	TimedOut      bool   `json:"timed_out"`
	Vetoed        bool   `json:"vetoed,omitempty"`
	QuorumReached bool   `json:"quorum_reached"`
}

func (p *ConsensusResultPayload) Fields() map[string]any {
	return map[string]any{
		"request_id":     p.RequestID,
		"approved":       p.Approved,
		"votes_approve":  p.VotesApprove,
		"votes_reject":   p.VotesReject,
		"votes_abstain":  p.VotesAbstain,
		"timed_out":      p.TimedOut,
		"vetoed":         p.Vetoed,
		"quorum_reached": p.QuorumReached,
	}
}

// SystemStatusPayload describes overall swarm state.
type SystemStatusPayload struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (p *SystemStatusPayload) Fields() map[string]any {
	return map[string]any{
		"status":  p.Status,
		"message": p.Message,
		"details": p.Details,
	}
}

// HeartbeatPayload tells the health monitor an agent is alive.
type HeartbeatPayload struct {
	AgentName     string  `json:"agent_name"`
	Status        string  `json:"status"` // running, busy, error
	CurrentTask   string  `json:"current_task"`
	MemoryMB      float64 `json:"memory_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (p *HeartbeatPayload) Fields() map[string]any {
	return map[string]any{
		"agent_name":     p.AgentName,
		"status":         p.Status,
		"current_task":   p.CurrentTask,
		"memory_mb":      p.MemoryMB,
		"uptime_seconds": p.UptimeSeconds,
	}
}

// ErrorPayload reports a failure inside an agent.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

func (p *ErrorPayload) Fields() map[string]any {
	return map[string]any{
		"code":    p.Code,
		"message": p.Message,
		"source":  p.Source,
	}
}

// decoders builds an empty payload for each message type.
var decoders = map[Type]func() Payload{
	TypePriceUpdate:      func() Payload { return &PriceUpdatePayload{} },
	TypeWhaleAlert:       func() Payload { return &WhaleAlertPayload{} },
	TypeNewToken:         func() Payload { return &NewTokenPayload{} },
	TypeAnalysisRequest:  func() Payload { return &AnalysisRequestPayload{} },
	TypeAnalysisResult:   func() Payload { return &AnalysisResultPayload{} },
	TypeTradeSignal:      func() Payload { return &TradeSignalPayload{} },
	TypeTradeExecuted:    func() Payload { return &TradeExecutedPayload{} },
	TypeTradeFailed:      func() Payload { return &TradeExecutedPayload{} },
	TypeRiskAlert:        func() Payload { return &RiskAlertPayload{} },
	TypeStopLossTrigger:  func() Payload { return &TriggerPayload{} },
	TypeTakeProfit:       func() Payload { return &TriggerPayload{} },
	TypeConsensusRequest: func() Payload { return &ConsensusRequestPayload{} },
	TypeConsensusVote:    func() Payload { return &ConsensusVotePayload{} },
	TypeConsensusResult:  func() Payload { return &ConsensusResultPayload{} },
	TypeSystemStatus:     func() Payload { return &SystemStatusPayload{} },
	TypeAgentHeartbeat:   func() Payload { return &HeartbeatPayload{} },
	TypeError:            func() Payload { return &ErrorPayload{} },
}

// DecodePayload decodes raw JSON into the payload variant for t.
// A null or empty body yields the zero payload.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	newPayload, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	p := newPayload()
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
