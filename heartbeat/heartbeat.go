package heartbeat

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/message"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Agent statuses reported in heartbeats.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDegraded = "degraded"
	StatusDead     = "dead"
	StatusStopped  = "stopped"
)

// Publisher sends a message on the bus.
type Publisher interface {
	Publish(ctx context.Context, m *message.Message) error
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Publisher sends the heartbeat messages.
	Publisher Publisher

	// AgentID is the unique identifier for this agent.
	AgentID string

	// Interval between heartbeats.
	// Default: 10 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "running"
	InitialStatus string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Publisher == nil {
		return ErrInvalidConfig
	}
	if c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      10 * time.Second,
		InitialStatus: StatusRunning,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Timeout for considering an agent dead.
	// Default: 30 seconds
	Timeout time.Duration

	// CheckInterval for the dead agent checker.
	// Default: 1 second
	CheckInterval time.Duration

	// AlertCooldown is the minimum gap between two dead alerts for the
	// same agent.
	// Default: 5 minutes
	AlertCooldown time.Duration
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       30 * time.Second,
		CheckInterval: time.Second,
		AlertCooldown: 5 * time.Minute,
	}
}

// FromConfig derives sender and monitor settings from bus configuration.
func FromConfig(h config.Health) (SenderConfig, MonitorConfig) {
	s := DefaultSenderConfig()
	m := DefaultMonitorConfig()
	if h.HeartbeatInterval.Duration > 0 {
		s.Interval = h.HeartbeatInterval.Duration
	}
	if h.HeartbeatTimeout.Duration > 0 {
		m.Timeout = h.HeartbeatTimeout.Duration
	}
	if h.AlertCooldown.Duration > 0 {
		m.AlertCooldown = h.AlertCooldown.Duration
	}
	return s, m
}

// MemoryMB returns the resident memory of this process in megabytes, or 0
// when it cannot be read.
func MemoryMB() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
