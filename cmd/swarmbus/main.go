// Command swarmbus runs and inspects swarmbus message buses.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/logging"
)

var rootCmd = &cobra.Command{
	Use:   "swarmbus",
	Short: "Inter-agent message bus with weighted consensus",
	Long: `swarmbus connects trading agents over a shared message bus.

Configuration is read from a TOML file (--config), then SWARMBUS_* environment
variables, then command line flags.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "TOML configuration file")
	flags.String("mode", "", "bus mode: local, network or hybrid")
	flags.String("url", "", "durable backend URL (redis://... or nats://...)")
	flags.String("driver", "", "durable backend driver: redis or nats")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("agent", "cli", "agent id used by this process")

	flags.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	viper.SetEnvPrefix("swarmbus")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(demoCmd(), serveRedisCmd(), channelsCmd(), monitorCmd(), configCmd())
}

// loadConfig layers the file, the environment and the flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if v := viper.GetString("mode"); v != "" {
		cfg.Mode = config.Mode(v)
	}
	if v := viper.GetString("url"); v != "" {
		cfg.Connection.URL = v
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Connection.Driver = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
