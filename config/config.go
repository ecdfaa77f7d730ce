// Package config holds the bus configuration surface: transport mode and
// connection, rate limiting, backpressure, consensus policy, ACL, health and
// validation limits. Configuration is loaded from TOML and can be overridden
// from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	buserrors "github.com/vinayprograms/swarmbus/errors"
)

// Mode selects how a bus picks its transport backend.
type Mode string

const (
	// ModeNetwork requires the durable backend. Connection failure is fatal.
	ModeNetwork Mode = "network"
	// ModeLocal always uses the in-process backend.
	ModeLocal Mode = "local"
	// ModeHybrid tries the durable backend and silently falls back to local.
	ModeHybrid Mode = "hybrid"
)

// Durable backend drivers.
const (
	DriverRedis = "redis"
	DriverNATS  = "nats"
)

// Duration is a time.Duration that decodes from strings such as "250ms".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Connection configures the durable backend and the receive loop.
type Connection struct {
	// Driver is the durable backend: "redis" or "nats".
	Driver string `toml:"driver"`

	// URL of the durable backend, e.g. "redis://localhost:6379/0".
	URL string `toml:"url"`

	ConnectTimeout   Duration `toml:"connect_timeout"`
	OperationTimeout Duration `toml:"operation_timeout"`

	// RetryAttempts bounds publish attempts on transient errors.
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryDelay        Duration `toml:"retry_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`

	// PollTimeout bounds each receive call in the receive loop.
	PollTimeout Duration `toml:"poll_timeout"`

	// ErrorDelay is the initial receive-loop backoff, doubled up to MaxErrorDelay.
	ErrorDelay    Duration `toml:"error_delay"`
	MaxErrorDelay Duration `toml:"max_error_delay"`

	// BufferSize for subscription channels.
	BufferSize int `toml:"buffer_size"`

	// NATSBucket is the JetStream KV bucket used by the NATS driver.
	NATSBucket string `toml:"nats_bucket"`
}

// RateLimit configures the per-bus token bucket.
type RateLimit struct {
	Enabled bool `toml:"enabled"`

	// Rate is the refill rate in tokens per second.
	Rate float64 `toml:"rate"`

	// Burst is the bucket capacity.
	Burst float64 `toml:"burst"`

	// HighPriorityMultiplier divides the cost of HIGH and URGENT messages.
	HighPriorityMultiplier float64 `toml:"high_priority_multiplier"`

	// CriticalBypass lets CRITICAL messages skip the limiter.
	CriticalBypass bool `toml:"critical_bypass"`
}

// Backpressure configures local delivery queues.
type Backpressure struct {
	Enabled bool `toml:"enabled"`

	// Capacity per priority tier, keyed by lower-case priority name.
	Capacity map[string]int `toml:"capacity"`

	// MaxTotal caps the number of queued messages across all tiers.
	MaxTotal int `toml:"max_total"`

	DropLowestFirst bool `toml:"drop_lowest_first"`
	DropOldestFirst bool `toml:"drop_oldest_first"`
}

// Consensus configures voting policy.
type Consensus struct {
	DefaultTimeout Duration `toml:"default_timeout"`
	MinTimeout     Duration `toml:"min_timeout"`
	MaxTimeout     Duration `toml:"max_timeout"`

	DefaultMinApprovals float64 `toml:"default_min_approvals"`

	RequireQuorum       bool    `toml:"require_quorum"`
	QuorumPercentage    float64 `toml:"quorum_percentage"`
	AbstainCountsAsVote bool    `toml:"abstain_counts_as_vote"`

	// VotesTTL is used for vote ledger entries written before the requester
	// initialized the ledger.
	VotesTTL Duration `toml:"votes_ttl"`

	// LedgerGrace is added to a round's timeout to get the ledger TTL.
	LedgerGrace Duration `toml:"ledger_grace"`

	PollInterval Duration `toml:"poll_interval"`

	VotersForAction map[string][]string `toml:"voters_for_action"`
	Weights         map[string]float64  `toml:"weights"`
	VetoAgents      []string            `toml:"veto_agents"`
}

// Weight returns the vote weight of an agent. Unlisted agents weigh 1.0.
func (c Consensus) Weight(agent string) float64 {
	if w, ok := c.Weights[agent]; ok {
		return w
	}
	return 1.0
}

// IsVeto reports whether an agent's reject vetoes a round.
func (c Consensus) IsVeto(agent string) bool {
	for _, a := range c.VetoAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// Voters returns the configured voters for an action.
func (c Consensus) Voters(action string) []string {
	voters := c.VotersForAction[strings.ToLower(action)]
	out := make([]string, len(voters))
	copy(out, voters)
	return out
}

// ClampTimeout applies the default and the [min, max] bounds.
func (c Consensus) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.DefaultTimeout.Duration
	}
	if c.MinTimeout.Duration > 0 && d < c.MinTimeout.Duration {
		d = c.MinTimeout.Duration
	}
	if c.MaxTimeout.Duration > 0 && d > c.MaxTimeout.Duration {
		d = c.MaxTimeout.Duration
	}
	return d
}

// ACL configures per-recipient sender rules.
type ACL struct {
	Enabled      bool                `toml:"enabled"`
	DefaultAllow bool                `toml:"default_allow"`
	Allowed      map[string][]string `toml:"allowed_senders"`
	Blocked      map[string][]string `toml:"blocked_senders"`
	LogBlocked   bool                `toml:"log_blocked"`
}

// Health configures heartbeats and dead-agent detection.
type Health struct {
	Enabled           bool     `toml:"enabled"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	AlertCooldown     Duration `toml:"alert_cooldown"`
}

// Validation configures message checks.
type Validation struct {
	Enabled          bool `toml:"enabled"`
	Strict           bool `toml:"strict"`
	MaxMessageSize   int  `toml:"max_message_size"`
	MaxStringLength  int  `toml:"max_string_length"`
	MaxReasonLength  int  `toml:"max_reason_length"`
	MaxSymbolLength  int  `toml:"max_symbol_length"`
	MinAddressLength int  `toml:"min_address_length"`
	MaxAddressLength int  `toml:"max_address_length"`
}

// Config is the complete bus configuration.
type Config struct {
	Mode          Mode     `toml:"mode"`
	ChannelPrefix string   `toml:"channel_prefix"`
	KnownAgents   []string `toml:"known_agents"`
	LogLevel      string   `toml:"log_level"`

	Connection   Connection   `toml:"connection"`
	RateLimit    RateLimit    `toml:"rate_limit"`
	Backpressure Backpressure `toml:"backpressure"`
	Consensus    Consensus    `toml:"consensus"`
	ACL          ACL          `toml:"acl"`
	Health       Health       `toml:"health"`
	Validation   Validation   `toml:"validation"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Mode:          ModeHybrid,
		ChannelPrefix: "swarm:",
		KnownAgents:   []string{"scanner", "analyst", "trader", "risk", "orchestrator"},
		LogLevel:      "info",
		Connection: Connection{
			Driver:            DriverRedis,
			ConnectTimeout:    D(5 * time.Second),
			OperationTimeout:  D(5 * time.Second),
			RetryAttempts:     3,
			RetryDelay:        D(100 * time.Millisecond),
			BackoffMultiplier: 2.0,
			PollTimeout:       D(500 * time.Millisecond),
			ErrorDelay:        D(500 * time.Millisecond),
			MaxErrorDelay:     D(30 * time.Second),
			BufferSize:        256,
			NATSBucket:        "swarmbus",
		},
		RateLimit: RateLimit{
			Enabled:                true,
			Rate:                   100,
			Burst:                  50,
			HighPriorityMultiplier: 2.0,
			CriticalBypass:         true,
		},
		Backpressure: Backpressure{
			Enabled: true,
			Capacity: map[string]int{
				"critical": 100,
				"urgent":   200,
				"high":     500,
				"normal":   1000,
				"low":      500,
			},
			MaxTotal:        1000,
			DropLowestFirst: true,
			DropOldestFirst: true,
		},
		Consensus: Consensus{
			DefaultTimeout:      D(5 * time.Second),
			MinTimeout:          D(100 * time.Millisecond),
			MaxTimeout:          D(30 * time.Second),
			DefaultMinApprovals: 1,
			RequireQuorum:       true,
			QuorumPercentage:    50,
			VotesTTL:            D(120 * time.Second),
			LedgerGrace:         D(10 * time.Second),
			PollInterval:        D(200 * time.Millisecond),
			VotersForAction: map[string][]string{
				"buy":            {"risk", "analyst"},
				"sell":           {"risk"},
				"emergency_sell": {},
			},
			Weights: map[string]float64{
				"risk":         2.0,
				"analyst":      1.5,
				"scanner":      1.0,
				"trader":       1.0,
				"orchestrator": 3.0,
			},
			VetoAgents: []string{"risk"},
		},
		ACL: ACL{
			Enabled:      true,
			DefaultAllow: true,
			Allowed:      map[string][]string{},
			Blocked:      map[string][]string{},
			LogBlocked:   true,
		},
		Health: Health{
			Enabled:           true,
			HeartbeatInterval: D(10 * time.Second),
			HeartbeatTimeout:  D(30 * time.Second),
			AlertCooldown:     D(60 * time.Second),
		},
		Validation: Validation{
			Enabled:          true,
			Strict:           true,
			MaxMessageSize:   64 * 1024,
			MaxStringLength:  1024,
			MaxReasonLength:  2048,
			MaxSymbolLength:  32,
			MinAddressLength: 10,
			MaxAddressLength: 128,
		},
	}
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content on top of the defaults.
// Tables such as consensus.weights are merged into the default entries.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ApplyEnv overrides selected settings from SWARMBUS_* environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv("SWARMBUS_MODE"); ok {
		switch Mode(strings.ToLower(v)) {
		case ModeNetwork:
			c.Mode = ModeNetwork
		case ModeLocal:
			c.Mode = ModeLocal
		default:
			c.Mode = ModeHybrid
		}
	}
	if v, ok := os.LookupEnv("SWARMBUS_URL"); ok {
		c.Connection.URL = v
	}
	if v, ok := os.LookupEnv("SWARMBUS_DRIVER"); ok {
		c.Connection.Driver = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("SWARMBUS_RATE_LIMIT"); ok {
		c.RateLimit.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("SWARMBUS_STRICT_VALIDATION"); ok {
		c.Validation.Strict = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("SWARMBUS_ACL_ENABLED"); ok {
		c.ACL.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("SWARMBUS_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
}

// Problems lists every configuration problem found.
func (c *Config) Problems() []string {
	var problems []string

	switch c.Mode {
	case ModeNetwork, ModeLocal, ModeHybrid:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if c.Mode == ModeNetwork && c.Connection.URL == "" {
		problems = append(problems, "network mode requires connection.url")
	}
	switch c.Connection.Driver {
	case DriverRedis, DriverNATS:
	default:
		problems = append(problems, fmt.Sprintf("unknown driver %q", c.Connection.Driver))
	}
	if c.Connection.RetryAttempts < 1 {
		problems = append(problems, "connection.retry_attempts must be >= 1")
	}

	cons := c.Consensus
	if cons.MinTimeout.Duration > cons.MaxTimeout.Duration {
		problems = append(problems, "consensus.min_timeout > consensus.max_timeout")
	}
	if cons.DefaultTimeout.Duration < cons.MinTimeout.Duration {
		problems = append(problems, "consensus.default_timeout < consensus.min_timeout")
	}
	if cons.DefaultTimeout.Duration > cons.MaxTimeout.Duration {
		problems = append(problems, "consensus.default_timeout > consensus.max_timeout")
	}
	if cons.QuorumPercentage < 0 || cons.QuorumPercentage > 100 {
		problems = append(problems, "consensus.quorum_percentage must be within [0, 100]")
	}
	if cons.PollInterval.Duration <= 0 {
		problems = append(problems, "consensus.poll_interval must be > 0")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			problems = append(problems, "rate_limit.rate must be > 0")
		}
		if c.RateLimit.Burst <= 0 {
			problems = append(problems, "rate_limit.burst must be > 0")
		}
		if c.RateLimit.HighPriorityMultiplier <= 0 {
			problems = append(problems, "rate_limit.high_priority_multiplier must be > 0")
		}
	}

	if c.Validation.MaxMessageSize <= 0 {
		problems = append(problems, "validation.max_message_size must be > 0")
	}
	if c.Validation.MinAddressLength > c.Validation.MaxAddressLength {
		problems = append(problems, "validation.min_address_length > validation.max_address_length")
	}
	return problems
}

// Validate returns a CONFIG error describing every problem, or nil.
func (c *Config) Validate() error {
	problems := c.Problems()
	if len(problems) == 0 {
		return nil
	}
	return buserrors.New(buserrors.ErrCodeConfig, strings.Join(problems, "; "))
}

// Channel returns the prefixed name of a channel.
func (c *Config) Channel(name string) string {
	return c.ChannelPrefix + name
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.KnownAgents = cloneStrings(c.KnownAgents)

	out.Backpressure.Capacity = make(map[string]int, len(c.Backpressure.Capacity))
	for k, v := range c.Backpressure.Capacity {
		out.Backpressure.Capacity[k] = v
	}

	out.Consensus.VotersForAction = cloneStringSlices(c.Consensus.VotersForAction)
	out.Consensus.Weights = make(map[string]float64, len(c.Consensus.Weights))
	for k, v := range c.Consensus.Weights {
		out.Consensus.Weights[k] = v
	}
	out.Consensus.VetoAgents = cloneStrings(c.Consensus.VetoAgents)

	out.ACL.Allowed = cloneStringSlices(c.ACL.Allowed)
	out.ACL.Blocked = cloneStringSlices(c.ACL.Blocked)
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringSlices(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = cloneStrings(v)
	}
	return out
}
