// Package cli holds the syncd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/syncd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

type rootFlags struct {
	configPath string
	verbose    bool
}

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Mail, calendar and contacts sync daemon",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path (default $"+config.EnvConfig+")")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newSweepCmd(flags))
	cmd.AddCommand(newMigrateCmd(flags))
	cmd.AddCommand(newKeygenCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
