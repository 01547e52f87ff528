/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Load config, build logger, open store
  2. Build PayPay client, settlement engine, purchase engine, ledger
  3. Configure HTTP router and session verifier
  4. Start sweeper (unless sweeper.enabled=false)
  5. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close the store

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Keys and environment variables
*/
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/szer/settlement/api"
	"github.com/szer/settlement/settlement"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, cmd)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.newEngine(true)
	if err != nil {
		return err
	}
	purchases := settlement.NewPurchaseEngine(a.store, a.log)
	ledger := settlement.NewLedger(a.store, a.plan())

	handler := api.NewHandler(engine, purchases, ledger, a.log)
	handler.AllowDirectTopup = a.cfg.Points.AllowDirectTopup
	webhook := api.NewWebhookHandler(engine, a.cfg.PayPay.WebhookSecret, a.cfg.PayPay.WebhookIPAllow, a.log)

	var sessions api.SessionVerifier = api.NewHTTPSessionVerifier(a.cfg.Auth.SessionURL)
	if a.cfg.Auth.DevHeader != "" {
		a.log.Warn().Str("header", a.cfg.Auth.DevHeader).Msg("trusting user id header, do not use in production")
		sessions = api.HeaderVerifier{Header: a.cfg.Auth.DevHeader}
	}

	router := api.NewRouter(handler, webhook, api.RouterConfig{
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Sessions:    sessions,
		Health:      a.store,
		Log:         a.log,
	})

	sweeper := api.NewSweeper(engine, a.cfg.Sweeper.Interval, a.log)
	sweeper.Enabled = a.cfg.Sweeper.Enabled
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", a.cfg.Server.Port).Str("driver", a.cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}
