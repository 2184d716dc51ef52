package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certanchor/pkg/api"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the confirmation sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &api.Server{
		Anchors:  a.coord,
		Verifier: a.verifier,
		Auth:     api.NewAuthenticator(c.cfg.AuthSecret.Reveal(), "certanchor"),
		Health:   a.health,
		Logger:   c.logger,
	}
	if c.cfg.LiteMode() {
		srv.Certificates = a.source
	}
	if srv.Auth == nil {
		c.logger.Warn("no auth secret configured; write routes are open")
	}
	if c.cfg.APIRate > 0 {
		limiter := api.NewGlobalRateLimiter(c.cfg.APIRate, int(c.cfg.APIRate*2)+1)
		defer limiter.Close()
		srv.RateLimiter = limiter
	}

	httpServer := &http.Server{
		Addr:              c.cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		c.logger.Info("listening", "addr", c.cfg.ListenAddr, "ledger_mode", c.cfg.Ledger.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := a.coord.Run(ctx, c.cfg.Anchor.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go a.runDevMiner(ctx, c.cfg.Anchor.SweepInterval)

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
	case err = <-errCh:
		c.logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		c.logger.Error("http shutdown", "error", serr)
	}
	return err
}
