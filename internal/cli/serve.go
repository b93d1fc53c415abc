package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/httpapi"
	"github.com/cadans/hrledger/internal/provider"
	"github.com/cadans/hrledger/internal/syncer"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		listenAddr string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and HTTP API",
		Long: `Run the long-lived daemon: a sync worker pool draining the job queue
against the configured HR provider, plus the HTTP read API.

Provider credentials and most settings come from the environment
(HRLEDGER_PROVIDER_URL, HRLEDGER_PROVIDER_KEY, HRLEDGER_DB, ...); a .env
file in the working directory is honored.

Example:
  hrledger serve --db ./hrledger.db --listen :8080 --workers 4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, listenAddr, workers, cmd)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP API bind address (overrides HRLEDGER_LISTEN)")
	cmd.Flags().IntVar(&workers, "workers", 0, "sync worker count (overrides HRLEDGER_WORKERS)")

	return cmd
}

func runServe(opts *RootOptions, listenAddr string, workers int, cmd *cobra.Command) error {
	st, p, cfg, err := openEnvironment(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	setupLogging(cfg.Verbose)
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if cfg.ProviderBaseURL == "" {
		return NewExitError(ExitCommandError, "HRLEDGER_PROVIDER_URL is not set")
	}

	client := provider.New(cfg.ProviderBaseURL, provider.WithAPIKey(cfg.ProviderAPIKey))
	sy := syncer.New(st, client, p, syncer.WithPollInterval(cfg.PollInterval))
	api := httpapi.New(st, p, sy)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Drain the event stream so the channel never fills up; the entries
	// double as an operator-visible audit trail.
	go func() {
		for {
			select {
			case ev := <-sy.Events():
				slog.Info("sync event", "type", ev.Type, "session", ev.SessionID,
					"employee", ev.EmployeeID, "field", ev.FieldPath)
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- sy.Run(ctx, cfg.Workers) }()
	go func() { errCh <- api.Listen(cfg.ListenAddr) }()

	slog.Info("daemon started", "workers", cfg.Workers, "listen", cfg.ListenAddr,
		"db", cfg.DatabasePath, "provider", cfg.ProviderBaseURL)

	err = <-errCh
	cancel()
	if shutdownErr := api.Shutdown(); shutdownErr != nil {
		slog.Error("http shutdown failed", "error", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "daemon terminated", err)
	}
	return nil
}
