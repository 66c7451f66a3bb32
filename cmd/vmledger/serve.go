package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/vmledger/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API until interrupted.

The store is migrated on start. SIGINT or SIGTERM drains in-flight requests
before the engine and its connections are closed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.close(logger)

		if err := rt.engine.Start(ctx); err != nil {
			_ = rt.engine.Stop()
			return fmt.Errorf("start engine: %w", err)
		}
		defer func() {
			if err := rt.engine.Stop(); err != nil {
				logger.Warn("engine stop failed", "error", err)
			}
		}()

		hopts := []api.Option{api.WithLogger(logger)}
		if cfg.Server.RateLimit > 0 {
			rl := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
			defer rl.Stop()
			hopts = append(hopts, api.WithRateLimiter(rl))
		}
		if rt.metrics != nil {
			hopts = append(hopts, api.WithMetricsHandler(rt.metrics.Handler()))
		}

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      api.New(rt.engine, hopts...).Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("http server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		})
		return g.Wait()
	},
}
