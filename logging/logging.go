// Package logging provides leveled console output for bus instances.
// Every line has the form: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a case-insensitive name to a Level. Unknown names give INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are structured key/value pairs appended to a log line.
type Fields = map[string]interface{}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// sink is shared by a logger and all loggers derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes leveled, component-scoped lines.
type Logger struct {
	sink      *sink
	component string
	agentID   string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		sink: &sink{output: os.Stdout, minLevel: LevelInfo},
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger tagged with the given component name.
// Output and level stay shared with the parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
		agentID:   l.agentID,
	}
}

// WithAgent returns a logger that adds agent=<id> to every line.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: l.component,
		agentID:   agentID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	merged := Fields{}
	if l.agentID != "" {
		merged["agent"] = l.agentID
	}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Bus event helpers ---

// BackendSelected logs which transport a bus ended up on.
func (l *Logger) BackendSelected(mode, backend string, fallback bool) {
	fields := Fields{"mode": mode, "backend": backend}
	if fallback {
		fields["fallback"] = true
		l.Warn("backend_selected", fields)
		return
	}
	l.Info("backend_selected", fields)
}

// MessageSent logs an outgoing message.
func (l *Logger) MessageSent(channel, msgType, id string, size int) {
	l.Debug("message_sent", Fields{
		"channel": channel,
		"type":    msgType,
		"id":      id,
		"bytes":   size,
	})
}

// MessageReceived logs a delivered message.
func (l *Logger) MessageReceived(sender, msgType, id string) {
	l.Debug("message_received", Fields{
		"from": sender,
		"type": msgType,
		"id":   id,
	})
}

// MessageDropped logs a message that never reached its destination.
func (l *Logger) MessageDropped(reason, msgType, id string) {
	l.Warn("message_dropped", Fields{
		"reason": reason,
		"type":   msgType,
		"id":     id,
	})
}

// VoteCast logs a consensus vote from this agent.
func (l *Logger) VoteCast(requestID, decision, reason string) {
	l.Info("vote_cast", Fields{
		"request": requestID,
		"vote":    decision,
		"reason":  reason,
	})
}

// ConsensusResolved logs the outcome of a consensus round.
func (l *Logger) ConsensusResolved(requestID string, approved bool, outcome string, approveWeight, minApprovals float64, duration time.Duration) {
	l.Info("consensus_resolved", Fields{
		"request":  requestID,
		"approved": approved,
		"outcome":  outcome,
		"weighted": fmt.Sprintf("%.1f/%.1f", approveWeight, minApprovals),
		"duration": duration.String(),
	})
}
