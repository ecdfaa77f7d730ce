package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/swarmbus/logging"
)

// Errors returned by the coordinator.
var (
	ErrShutdownStarted = errors.New("shutdown already in progress")
	ErrTimeout         = errors.New("shutdown timed out")
)

// Phases used by swarmbus processes. Lower phases run first; steps in the
// same phase run concurrently.
const (
	// PhaseAnnounce tells peers the agents are leaving.
	PhaseAnnounce = 10

	// PhaseBuses closes buses, draining dispatch and stopping receive loops.
	PhaseBuses = 20

	// PhaseInfra releases what the buses ran on: embedded servers, exporters.
	PhaseInfra = 30
)

// Handler is a component that releases resources on shutdown. It should
// return once done or when ctx expires.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown calls f.
func (f Func) OnShutdown(ctx context.Context) error { return f(ctx) }

// Step is the outcome of one registered handler.
type Step struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report summarizes a completed shutdown.
type Report struct {
	Steps    []Step
	Duration time.Duration
}

// Failed reports whether any step returned an error.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// FailedSteps returns the names of the steps that failed.
func (r *Report) FailedSteps() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when the caller's context has no deadline.
	Timeout time.Duration

	// ContinueOnError runs later phases even when a step fails.
	ContinueOnError bool

	Logger *logging.Logger
}

// DefaultConfig returns a 30 second budget that always runs every phase.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	phase   int
	handler Handler
}
