package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmbus/config"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Long: `Print the configuration after applying the file, SWARMBUS_* variables and
flags. Problems are reported on stderr and make the command fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if cfg == nil {
				return err
			}
			if encErr := toml.NewEncoder(os.Stdout).Encode(cfg); encErr != nil {
				return encErr
			}
			return reportProblems(cfg, err)
		},
	}
}

func reportProblems(cfg *config.Config, err error) error {
	problems := cfg.Problems()
	if len(problems) == 0 {
		return nil
	}
	warn := color.New(color.FgYellow)
	for _, p := range problems {
		warn.Fprintf(os.Stderr, "problem: %s\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s): %w", len(problems), err)
}
