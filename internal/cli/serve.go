package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/syncd/internal/config"
	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/jobs"
	natsjs "github.com/Martian-dev/syncd/internal/nats"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, flags.verbose, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			verifier, err := d.adminVerifier(ctx)
			if err != nil {
				return err
			}
			if verifier == nil {
				logger.Info("admin routes disabled, no JWKS url configured")
			}

			if d.publisher != nil {
				dispatcher := natsjs.NewDispatcher(d.store, d.publisher, logger)
				interval := config.Duration(cfg.Jobs.OutboxInterval)
				d.orch.AddJob("outbox", func(ctx context.Context) error {
					dispatcher.Run(ctx, interval)
					return nil
				})

				if _, err := d.bus.Subscribe(ctx, func(ctx context.Context, sig domain.ChangeSignal) {
					_ = d.queue.Signal(ctx, sig)
				}); err != nil {
					return err
				}
			} else {
				logger.Info("NATS disabled, events stay in the outbox table")
			}

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           newRouter(d, verifier),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("listening", "addr", cfg.HTTP.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return d.orch.Run(gctx, jobs.NewScheduler(logger))
			})

			err = g.Wait()
			logger.Info("shutdown complete")
			return err
		},
	}
}
