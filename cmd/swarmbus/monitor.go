package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/shutdown"
)

func monitorCmd() *cobra.Command {
	var (
		interval time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch agent heartbeats and report dead agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Health.Enabled = true
			logger := newLogger(cfg)

			reg := bus.NewRegistry(bus.RegistryOptions{Config: cfg, Logger: logger})
			coord := shutdown.New(shutdown.Config{Timeout: 5 * time.Second, ContinueOnError: true, Logger: logger})
			if err := coord.RegisterRegistry(reg); err != nil {
				return err
			}
			stop := coord.HandleSignals()
			defer stop()

			if _, err := reg.Bus(cmd.Context(), viper.GetString("agent")); err != nil {
				coord.Shutdown(context.Background())
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-coord.Done():
					return coord.Err()
				case <-ticker.C:
					if err := printSummary(reg.Monitor(), asJSON); err != nil {
						coord.Shutdown(context.Background())
						return err
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "report interval")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print summaries as JSON")
	return cmd
}

func printSummary(m *heartbeat.Monitor, asJSON bool) error {
	s := m.Summary()
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(s)
	}

	fmt.Printf("%s  agents=%d alive=%d dead=%d stopped=%d\n",
		time.Now().Format(time.TimeOnly), s.Total, s.Alive, s.Dead, s.Stopped)
	for _, a := range s.Agents {
		c := color.New(color.FgGreen)
		switch {
		case a.Status == heartbeat.StatusStopped:
			c = color.New(color.FgHiBlack)
		case !m.IsAlive(a.Name):
			c = color.New(color.FgRed, color.Bold)
		case a.Status == heartbeat.StatusDegraded || a.Status == heartbeat.StatusBusy:
			c = color.New(color.FgYellow)
		}
		c.Printf("  %-14s %-9s", a.Name, a.Status)
		fmt.Printf(" sent=%d recv=%d errors=%d mem=%.0fMB", a.MessagesSent, a.MessagesReceived, a.Errors, a.MemoryMB)
		if a.CurrentTask != "" {
			fmt.Printf(" task=%q", a.CurrentTask)
		}
		fmt.Println()
	}
	return nil
}
