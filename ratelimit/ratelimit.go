package ratelimit

import (
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/message"
)

// Config configures a Limiter.
type Config struct {
	// Rate is the refill rate in tokens per second.
	Rate float64

	// Burst is the bucket capacity. The bucket starts full.
	Burst float64

	// HighPriorityMultiplier divides the cost of HIGH and URGENT messages.
	// Values <= 0 mean 1.
	HighPriorityMultiplier float64

	// CriticalBypass admits CRITICAL messages without consuming tokens.
	CriticalBypass bool
}

// FromConfig converts the bus rate limit settings.
func FromConfig(c config.RateLimit) Config {
	return Config{
		Rate:                   c.Rate,
		Burst:                  c.Burst,
		HighPriorityMultiplier: c.HighPriorityMultiplier,
		CriticalBypass:         c.CriticalBypass,
	}
}

// State is a snapshot of the bucket.
type State struct {
	Tokens     float64
	Max        float64
	Rate       float64
	LastRefill time.Time
}

// Limiter is a token bucket. It is safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	config     Config
	tokens     float64
	lastRefill time.Time
	nowFunc    func() time.Time // for testing
}

// New creates a Limiter with a full bucket.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	if cfg.HighPriorityMultiplier <= 0 {
		cfg.HighPriorityMultiplier = 1
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	return &Limiter{
		config:     cfg,
		tokens:     cfg.Burst,
		lastRefill: now(),
		nowFunc:    now,
	}
}

// Cost returns the tokens a message of priority p consumes.
func (l *Limiter) Cost(p message.Priority) float64 {
	switch p {
	case message.PriorityCritical:
		if l.config.CriticalBypass {
			return 0
		}
		return 1
	case message.PriorityHigh, message.PriorityUrgent:
		return 1 / l.config.HighPriorityMultiplier
	default:
		return 1
	}
}

// refill adds tokens for the time elapsed since the last refill.
// Caller holds l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed.Seconds() * l.config.Rate
	if l.tokens > l.config.Burst {
		l.tokens = l.config.Burst
	}
	l.lastRefill = now
}

// Allow consumes the cost of one message of priority p if enough tokens are
// available. It never blocks.
func (l *Limiter) Allow(p message.Priority) bool {
	cost := l.Cost(p)
	if cost == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.nowFunc())
	if l.tokens < cost {
		return false
	}
	l.tokens -= cost
	return true
}

// State returns the bucket after refilling to now.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.nowFunc())
	return State{
		Tokens:     l.tokens,
		Max:        l.config.Burst,
		Rate:       l.config.Rate,
		LastRefill: l.lastRefill,
	}
}

// Reset refills the bucket to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.config.Burst
	l.lastRefill = l.nowFunc()
}
