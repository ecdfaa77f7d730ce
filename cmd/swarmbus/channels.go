package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vinayprograms/swarmbus/bus"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and manage the shared channel registry",
		Long: `Inspect and manage dynamic channels. Against a durable backend the
registry is shared by every agent; in local mode it only lives for the command.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered channels",
			Args:  cobra.NoArgs,
			RunE: withBus(func(ctx context.Context, b *bus.Bus, args []string) error {
				names, err := b.RegisteredChannels(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "register NAME",
			Short: "Register a channel",
			Args:  cobra.ExactArgs(1),
			RunE: withBus(func(ctx context.Context, b *bus.Bus, args []string) error {
				name, err := b.Channels().Register(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "topic NAME AGENT...",
			Short: "Register a topic channel with its participants",
			Args:  cobra.MinimumNArgs(2),
			RunE: withBus(func(ctx context.Context, b *bus.Bus, args []string) error {
				name, err := b.CreateTopic(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("%s [%s]\n", name, strings.Join(args[1:], ", "))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "participants CHANNEL",
			Short: "Show a topic channel's participants (e.g. topic:exit-plan)",
			Args:  cobra.ExactArgs(1),
			RunE: withBus(func(ctx context.Context, b *bus.Bus, args []string) error {
				agents, err := b.Channels().Participants(ctx, args[0])
				if err != nil {
					return err
				}
				for _, a := range agents {
					fmt.Println(a)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "unregister NAME",
			Short: "Remove a channel from the registry",
			Args:  cobra.ExactArgs(1),
			RunE: withBus(func(ctx context.Context, b *bus.Bus, args []string) error {
				return b.Channels().Unregister(ctx, args[0])
			}),
		},
	)
	return cmd
}

// withBus runs fn against a bus for the configured agent and closes it afterwards.
func withBus(fn func(ctx context.Context, b *bus.Bus, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg := bus.NewRegistry(bus.RegistryOptions{Config: cfg, Logger: newLogger(cfg)})
		defer reg.Close()

		ctx := cmd.Context()
		b, err := reg.Bus(ctx, viper.GetString("agent"))
		if err != nil {
			return err
		}
		return fn(ctx, b, args)
	}
}
