package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/logging"
)

func newCoordinator(cfg Config) *Coordinator {
	cfg.Logger = logging.Discard()
	return New(cfg)
}

func TestShutdown_SingleHandler(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	called := false
	c.RegisterFunc("buses", PhaseBuses, func(ctx context.Context) error {
		called = true
		return nil
	})

	if c.Report() != nil {
		t.Error("Report should be nil before shutdown")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("handler not called")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	rep := c.Report()
	if rep == nil || len(rep.Steps) != 1 || rep.Steps[0].Name != "buses" || rep.Failed() {
		t.Errorf("report = %+v", rep)
	}
}

func TestShutdown_PhaseOrder(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	var mu sync.Mutex
	var order []int
	for _, phase := range []int{PhaseInfra, PhaseAnnounce, PhaseBuses} {
		phase := phase
		c.RegisterFunc("step", phase, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, phase)
			mu.Unlock()
			return nil
		})
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != PhaseAnnounce || order[1] != PhaseBuses || order[2] != PhaseInfra {
		t.Errorf("order = %v", order)
	}
}

func TestShutdown_SamePhaseConcurrent(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(2)
	both := func(ctx context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	c.RegisterFunc("trader", PhaseBuses, both)
	c.RegisterFunc("risk", PhaseBuses, both)

	done := make(chan error, 1)
	go func() { done <- c.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handlers in one phase did not run concurrently")
	}
}

func TestShutdown_Timeout(t *testing.T) {
	c := newCoordinator(Config{Timeout: 50 * time.Millisecond, ContinueOnError: true})
	c.RegisterFunc("stuck", PhaseBuses, func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v", elapsed)
	}
	if got := c.Report().FailedSteps(); len(got) != 1 || got[0] != "stuck" {
		t.Errorf("failed = %v", got)
	}
}

func TestShutdown_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		continueOn bool
		wantInfra  bool
	}{
		{"continue", true, true},
		{"stop", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(Config{Timeout: time.Second, ContinueOnError: tt.continueOn})
			var infra atomic.Bool
			c.RegisterFunc("buses", PhaseBuses, func(ctx context.Context) error { return boom })
			c.RegisterFunc("announce", PhaseAnnounce, func(ctx context.Context) error { return nil })
			c.RegisterFunc("redis", PhaseInfra, func(ctx context.Context) error {
				infra.Store(true)
				return nil
			})

			err := c.Shutdown(context.Background())
			if !errors.Is(err, boom) {
				t.Errorf("err = %v, want boom", err)
			}
			if infra.Load() != tt.wantInfra {
				t.Errorf("infra ran = %v, want %v", infra.Load(), tt.wantInfra)
			}
			if got := c.Report().FailedSteps(); len(got) != 1 || got[0] != "buses" {
				t.Errorf("failed = %v", got)
			}
		})
	}
}

func TestShutdown_PanicIsStepError(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	c.RegisterFunc("bad", PhaseBuses, func(ctx context.Context) error { panic("oops") })
	if err := c.Shutdown(context.Background()); err == nil {
		t.Error("panic should surface as an error")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	var calls atomic.Int32
	c.RegisterFunc("buses", PhaseBuses, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("close failed")
	})

	first := c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())
	if first == nil || first != second {
		t.Errorf("errors = %v, %v", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
	if c.Err() != first {
		t.Errorf("Err = %v", c.Err())
	}
}

func TestRegister_AfterShutdown(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterFunc("late", PhaseBuses, func(ctx context.Context) error { return nil }); err != ErrShutdownStarted {
		t.Errorf("Register = %v", err)
	}
}

func TestHandleSignals_Stop(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	stop := c.HandleSignals()
	stop()
	stop()
	select {
	case <-c.Done():
		t.Error("stop should not trigger shutdown")
	default:
	}
}

func TestShutdown_Empty(t *testing.T) {
	c := newCoordinator(DefaultConfig())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rep := c.Report(); len(rep.Steps) != 0 || rep.Failed() {
		t.Errorf("report = %+v", rep)
	}
}
