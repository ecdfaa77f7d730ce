// Package shutdown releases a swarmbus process's resources in order.
//
// Handlers register into numbered phases. Lower phases run first and the
// handlers within a phase run concurrently. The whole shutdown shares one
// deadline; a handler still running when it expires is reported as
// ErrTimeout and abandoned.
//
// A typical agent process:
//
//	reg := bus.NewRegistry(bus.RegistryOptions{Config: cfg})
//
//	coord := shutdown.New(shutdown.Config{Timeout: 10 * time.Second, ContinueOnError: true})
//	coord.RegisterRegistry(reg) // announce (10), buses (20)
//	coord.RegisterFunc("redis", shutdown.PhaseInfra, func(ctx context.Context) error {
//		srv.Close()
//		return nil
//	})
//	stop := coord.HandleSignals()
//	defer stop()
//
//	<-coord.Done()
//	if rep := coord.Report(); rep.Failed() {
//		log.Printf("failed steps: %v", rep.FailedSteps())
//	}
//
// Shutdown is idempotent: every caller blocks until the first run finishes
// and sees the same error.
package shutdown
