package main

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/alicebob/miniredis/v2/server"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/shutdown"
)

func serveRedisCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-redis",
		Short: "Run an embedded Redis server for development swarms",
		Long: `Start an in-memory Redis server. Point agents at it with
--mode network --url redis://<addr>. Data is lost on exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serveRedis(addr, newLogger(cfg))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6379", "listen address")
	return cmd
}

func serveRedis(addr string, logger *logging.Logger) error {
	logger = logger.WithComponent("redis")
	m := miniredis.NewMiniRedis()
	if err := m.StartAddr(addr); err != nil {
		return fmt.Errorf("start redis on %s: %w", addr, err)
	}
	m.Server().SetPreHook(func(peer *server.Peer, cmd string, params ...string) bool {
		logger.Debug("command", logging.Fields{"cmd": cmd, "args": len(params)})
		return false
	})
	logger.Info("redis listening", logging.Fields{"addr": m.Addr(), "url": "redis://" + m.Addr()})

	coord := shutdown.New(shutdown.Config{Timeout: shutdown.DefaultConfig().Timeout, Logger: logger})
	coord.RegisterFunc("redis", shutdown.PhaseInfra, func(ctx context.Context) error {
		m.Close()
		return nil
	})
	stop := coord.HandleSignals()
	defer stop()

	<-coord.Done()
	return coord.Err()
}

