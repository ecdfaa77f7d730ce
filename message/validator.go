package message

import (
	"fmt"
	"sort"

	"github.com/vinayprograms/swarmbus/config"
)

// requiredFields lists the payload keys each type must carry.
// String values must also be non-empty.
var requiredFields = map[Type][]string{
	TypePriceUpdate:      {"token_address", "price_usd"},
	TypeWhaleAlert:       {"whale_address", "token_address", "action", "amount_mon"},
	TypeNewToken:         {"token_address", "token_name", "token_symbol"},
	TypeAnalysisRequest:  {"token_address", "analysis_type"},
	TypeAnalysisResult:   {"token_address", "recommendation"},
	TypeTradeSignal:      {"action", "token_address"},
	TypeTradeExecuted:    {"token_address", "action", "success"},
	TypeTradeFailed:      {"token_address", "action", "success"},
	TypeRiskAlert:        {"level", "message"},
	TypeStopLossTrigger:  {"token_address"},
	TypeTakeProfit:       {"token_address"},
	TypeConsensusRequest: {"action", "subject", "amount", "reason", "timeout_seconds", "min_approvals"},
	TypeConsensusVote:    {"request_id", "vote"},
	TypeConsensusResult:  {"request_id", "approved"},
	TypeSystemStatus:     {"status"},
	TypeAgentHeartbeat:   {"agent_name", "status"},
	TypeError:            {"message"},
}

// Numeric fields that must not be negative.
var nonNegativeFields = []string{
	"amount", "amount_mon", "price_mon", "price_usd", "confidence",
	"liquidity", "volume_24h", "memory_mb", "timeout_seconds", "min_approvals",
}

// Numeric fields that are percentages of a whole.
var percentFields = []string{"confidence", "sell_percent"}

var addressFields = []string{"token_address", "whale_address", "creator"}

// Result is the outcome of validating one message.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validator checks messages against size, schema and field limits.
// It has no side effects.
type Validator struct {
	cfg config.Validation
}

// NewValidator creates a validator with the given limits.
func NewValidator(cfg config.Validation) *Validator {
	return &Validator{cfg: cfg}
}

// Strict reports whether failures block publishing.
func (v *Validator) Strict() bool {
	return v.cfg.Strict
}

// Validate checks a message. In lenient mode every error is reported as a
// warning and the result stays valid.
func (v *Validator) Validate(m *Message) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true}
	}

	var errs, warnings []string

	if m.Sender == "" {
		errs = append(errs, "sender: required")
	} else if len(m.Sender) > v.cfg.MaxStringLength {
		errs = append(errs, fmt.Sprintf("sender: too long: %d > %d", len(m.Sender), v.cfg.MaxStringLength))
	}
	if m.Type == "" {
		errs = append(errs, "type: required")
	} else if !m.Type.Valid() {
		errs = append(errs, fmt.Sprintf("type: unknown %q", m.Type))
	}
	if len(m.Recipient) > v.cfg.MaxStringLength {
		warnings = append(warnings, fmt.Sprintf("recipient very long: %d", len(m.Recipient)))
	}

	if data, err := Encode(m); err != nil {
		errs = append(errs, fmt.Sprintf("json: cannot serialize: %v", err))
	} else if len(data) > v.cfg.MaxMessageSize {
		errs = append(errs, fmt.Sprintf("size: message too large: %d bytes > %d", len(data), v.cfg.MaxMessageSize))
	}

	if m.Payload == nil {
		errs = append(errs, "payload: required")
	} else {
		errs = append(errs, v.checkPayload(m.Type, m.Payload.Fields())...)
	}

	if v.cfg.Strict {
		return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warnings}
	}
	return Result{Valid: true, Warnings: append(warnings, errs...)}
}

func (v *Validator) checkPayload(t Type, fields map[string]any) []string {
	var errs []string

	for _, key := range requiredFields[t] {
		value, ok := fields[key]
		if !ok || value == nil {
			errs = append(errs, key+": required field missing")
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			errs = append(errs, key+": required field empty")
		}
	}

	for _, key := range addressFields {
		addr, _ := fields[key].(string)
		if addr == "" {
			continue
		}
		if len(addr) < v.cfg.MinAddressLength {
			errs = append(errs, fmt.Sprintf("%s: too short: %d < %d", key, len(addr), v.cfg.MinAddressLength))
		} else if len(addr) > v.cfg.MaxAddressLength {
			errs = append(errs, fmt.Sprintf("%s: too long: %d > %d", key, len(addr), v.cfg.MaxAddressLength))
		}
	}

	for _, key := range nonNegativeFields {
		if n, ok := number(fields[key]); ok && n < 0 {
			errs = append(errs, fmt.Sprintf("%s: cannot be negative: %v", key, n))
		}
	}
	for _, key := range percentFields {
		if n, ok := number(fields[key]); ok && n > 100 {
			errs = append(errs, fmt.Sprintf("%s: cannot exceed 100: %v", key, n))
		}
	}

	limits := map[string]int{
		"reason":       v.cfg.MaxReasonLength,
		"message":      v.cfg.MaxReasonLength,
		"token_name":   v.cfg.MaxStringLength,
		"whale_name":   v.cfg.MaxStringLength,
		"current_task": v.cfg.MaxStringLength,
		"token_symbol": v.cfg.MaxSymbolLength,
	}
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if s, _ := fields[key].(string); len(s) > limits[key] {
			errs = append(errs, fmt.Sprintf("%s: too long: %d > %d", key, len(s), limits[key]))
		}
	}

	return errs
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
