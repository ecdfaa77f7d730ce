package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/consensus"
	"github.com/vinayprograms/swarmbus/message"
	"github.com/vinayprograms/swarmbus/metrics"
	"github.com/vinayprograms/swarmbus/shutdown"
)

type demoOptions struct {
	action    string
	token     string
	amount    float64
	riskLimit float64
	timeout   time.Duration
	prom      bool
	otel      bool
}

func demoCmd() *cobra.Command {
	var o demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a trader, risk and analyst through one consensus round",
		Long: `Start three agents in this process and have the trader ask for consensus.

The risk agent rejects anything above --risk-limit; being a veto agent, its
rejection blocks the trade regardless of the analyst. The demo defaults to
local mode unless --mode is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("mode") && os.Getenv("SWARMBUS_MODE") == "" {
				cfg.Mode = config.ModeLocal
			}
			return runDemo(cmd.Context(), cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.action, "action", message.ActionBuy, "trade action")
	f.StringVar(&o.token, "token", "So11111111111111111111111111111111111111112", "token address")
	f.Float64Var(&o.amount, "amount", 1.5, "trade amount")
	f.Float64Var(&o.riskLimit, "risk-limit", 5, "largest amount the risk agent approves")
	f.DurationVar(&o.timeout, "timeout", 2*time.Second, "consensus timeout")
	f.BoolVar(&o.prom, "prometheus", false, "print metrics in Prometheus text format")
	f.BoolVar(&o.otel, "otel", false, "also report metrics to the global OpenTelemetry meter")
	return cmd
}

func runDemo(ctx context.Context, cfg *config.Config, o demoOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	collector := metrics.NewCollector()
	sinks := metrics.Multi{collector}
	if o.otel {
		sink, err := metrics.NewOTelSink(otel.Meter(metrics.InstrumentationName))
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	reg := bus.NewRegistry(bus.RegistryOptions{Config: cfg, Logger: newLogger(cfg), Metrics: sinks})
	coord := shutdown.New(shutdown.Config{Timeout: 5 * time.Second, ContinueOnError: true, Logger: newLogger(cfg)})
	if err := coord.RegisterRegistry(reg); err != nil {
		return err
	}
	stop := coord.HandleSignals()
	defer stop()
	defer coord.Shutdown(context.Background())

	trader, err := reg.Bus(ctx, "trader")
	if err != nil {
		return err
	}
	risk, err := reg.Bus(ctx, "risk")
	if err != nil {
		return err
	}
	analyst, err := reg.Bus(ctx, "analyst")
	if err != nil {
		return err
	}

	risk.On(message.TypeConsensusRequest, bus.HandlerFunc(func(ctx context.Context, m *message.Message) error {
		p, ok := m.Payload.(*message.ConsensusRequestPayload)
		if !ok {
			return nil
		}
		if p.Amount > o.riskLimit {
			return risk.Vote(ctx, m.ID, message.Reject, fmt.Sprintf("amount %.2f above limit %.2f", p.Amount, o.riskLimit))
		}
		return risk.Vote(ctx, m.ID, message.Approve, "within limits")
	}))
	analyst.On(message.TypeConsensusRequest, bus.HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return analyst.Vote(ctx, m.ID, message.Approve, "momentum positive")
	}))

	fmt.Printf("requesting consensus: %s %.2f of %s\n", o.action, o.amount, o.token)
	res, err := trader.RequestConsensus(ctx, consensus.Request{
		Action:  o.action,
		Subject: o.token,
		Amount:  o.amount,
		Reason:  "demo",
		Timeout: o.timeout,
	})
	if err != nil {
		return err
	}
	printResult(res)

	if o.prom {
		return collector.WritePrometheus(os.Stdout)
	}
	s := trader.Stats()
	fmt.Printf("trader: sent=%d received=%d consensus=%d\n", s.MessagesSent, s.MessagesReceived, s.ConsensusRequests)
	return nil
}

func outcomeColor(o consensus.Outcome) *color.Color {
	switch o {
	case consensus.OutcomeApproved:
		return color.New(color.FgGreen, color.Bold)
	case consensus.OutcomeVetoed:
		return color.New(color.FgRed, color.Bold)
	case consensus.OutcomeTimedOut:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printResult(res *consensus.Result) {
	verdict := "REJECTED"
	if res.Approved {
		verdict = "APPROVED"
	}
	outcomeColor(res.Outcome).Printf("%s (%s)", verdict, res.Outcome)
	fmt.Printf(" in %v\n", res.Duration.Round(time.Millisecond))

	t := res.Tally
	fmt.Printf("  approve %d (%.1f)  reject %d (%.1f)  abstain %d  quorum=%v\n",
		t.Approve, t.ApproveWeight, t.Reject, t.RejectWeight, t.Abstain, t.QuorumReached)
	if t.Vetoed {
		color.New(color.FgRed).Printf("  vetoed by %s\n", t.VetoedBy)
	}
}
