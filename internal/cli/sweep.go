package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/syncd/internal/domain"
)

func newSweepCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one background sweep and exit",
	}

	sweeps := []struct {
		name  string
		short string
		run   func(ctx context.Context, d *daemon) (domain.SweepResult, error)
	}{
		{"tokens", "Refresh tokens that are about to expire", func(ctx context.Context, d *daemon) (domain.SweepResult, error) {
			return d.orch.SweepTokens(ctx), nil
		}},
		{"subscriptions", "Renew expiring and recover lapsed subscriptions", func(ctx context.Context, d *daemon) (domain.SweepResult, error) {
			if d.webhooks == nil {
				return domain.SweepResult{}, errors.New("webhook.notification_url is not configured")
			}
			return d.orch.SweepSubscriptions(ctx), nil
		}},
		{"sync", "Delta-sync every account and resource", func(ctx context.Context, d *daemon) (domain.SweepResult, error) {
			return d.orch.SweepSync(ctx), nil
		}},
	}

	for _, s := range sweeps {
		cmd.AddCommand(&cobra.Command{
			Use:   s.name,
			Short: s.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				logger := newLogger(cfg.Logging, flags.verbose, os.Stderr)

				d, err := buildDaemon(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				defer d.close()

				result, err := s.run(cmd.Context(), d)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return fmt.Errorf("%s sweep: %d item(s) failed", s.name, result.Failed)
				}
				return nil
			},
		})
	}

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
