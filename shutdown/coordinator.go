package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/swarmbus/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	regs    []registration
	started bool

	once   sync.Once
	done   chan struct{}
	report *Report
	err    error
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrShutdownStarted
	}
	c.regs = append(c.regs, registration{name: name, phase: phase, handler: h})
	return nil
}

// RegisterFunc adds a function to a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, f func(ctx context.Context) error) error {
	return c.Register(name, phase, Func(f))
}

// Shutdown runs every phase in order. Only the first call does work; later
// calls wait for it and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		regs := append([]registration(nil), c.regs...)
		c.mu.Unlock()

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}
		c.report, c.err = c.run(ctx, regs)
		close(c.done)
	})
	<-c.done
	return c.err
}

// HandleSignals shuts down on SIGINT or SIGTERM. The returned function stops
// listening without shutting down.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			c.logger.Info("signal received", logging.Fields{"signal": sig.String()})
			c.Shutdown(context.Background())
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the shutdown error, or nil while shutdown has not completed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Report returns the shutdown report, or nil before shutdown completes.
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, regs []registration) (*Report, error) {
	start := time.Now()
	report := &Report{}
	phases, byPhase := groupByPhase(regs)
	c.logger.Info("shutdown started", logging.Fields{"handlers": len(regs), "phases": len(phases)})

	var errs []error
	for _, phase := range phases {
		if ctx.Err() != nil {
			errs = append(errs, ErrTimeout)
			break
		}
		steps := c.runPhase(ctx, phase, byPhase[phase])
		report.Steps = append(report.Steps, steps...)

		failed := false
		for _, s := range steps {
			if s.Err != nil {
				failed = true
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
			}
		}
		if failed && !c.cfg.ContinueOnError {
			c.logger.Warn("stopping after failed phase", logging.Fields{"phase": phase})
			break
		}
	}

	report.Duration = time.Since(start)
	err := errors.Join(errs...)
	fields := logging.Fields{"duration_ms": report.Duration.Milliseconds(), "failed": len(report.FailedSteps())}
	if err != nil {
		c.logger.Error("shutdown finished with errors", fields)
	} else {
		c.logger.Info("shutdown complete", fields)
	}
	return report, err
}

func (c *Coordinator) runPhase(ctx context.Context, phase int, regs []registration) []Step {
	steps := make([]Step, len(regs))
	var wg sync.WaitGroup
	for i, r := range regs {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			steps[i] = c.runStep(ctx, r)
		}(i, r)
	}
	wg.Wait()
	return steps
}

// runStep gives up on a handler that outlives ctx; the handler's goroutine
// is left to finish on its own.
func (c *Coordinator) runStep(ctx context.Context, r registration) Step {
	start := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("panic: %v", p)
			}
		}()
		result <- r.handler.OnShutdown(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ErrTimeout
	}
	step := Step{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

	fields := logging.Fields{"step": r.name, "phase": r.phase, "duration_ms": step.Duration.Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Warn("shutdown step failed", fields)
	} else {
		c.logger.Debug("shutdown step done", fields)
	}
	return step
}

func groupByPhase(regs []registration) ([]int, map[int][]registration) {
	byPhase := make(map[int][]registration)
	for _, r := range regs {
		byPhase[r.phase] = append(byPhase[r.phase], r)
	}
	phases := make([]int, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Ints(phases)
	return phases, byPhase
}
