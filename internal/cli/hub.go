package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/briefsync/internal/config"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/hub/wsrpc"
	"github.com/roach88/briefsync/internal/metrics"
)

// NewHubCommand creates the hub command group.
func NewHubCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the hub",
	}
	cmd.AddCommand(newHubServeCommand(rootOpts))
	return cmd
}

func newHubServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hub over websocket",
		Long: `Serve the hub's RPC on /rpc, health on /healthz and Prometheus metrics on
/metrics. The ledger database and changeset blob store come from the hub
section of the config file.

Example:
  briefsync hub serve --listen :7420
  BRIEFSYNC_LEDGER_DRIVER=pgx BRIEFSYNC_LEDGER_DSN=postgres://hub@db/hub briefsync hub serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config.Hub
			if listen != "" {
				cfg.Listen = listen
			}
			return runHubServe(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides hub.listen")

	return cmd
}

// OpenHub opens the ledger and blob store cfg describes.
func OpenHub(ctx context.Context, cfg config.HubConfig, rec metrics.Recorder) (*hub.Ledger, error) {
	blobs, err := blob.Open(ctx, cfg.Blobs)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	l, err := hub.OpenLedger(ctx, cfg.Ledger, blobs, hub.WithMetrics(rec))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

func runHubServe(cmd *cobra.Command, cfg config.HubConfig) error {
	// main cancels the context on SIGINT and SIGTERM.
	ctx := commandContext(cmd)
	prom := metrics.NewPrometheus()
	l, err := OpenHub(ctx, cfg, prom)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open hub", err)
	}
	defer func() {
		if closeErr := l.Close(); closeErr != nil {
			slog.Error("error closing ledger", "error", closeErr)
		}
	}()
	slog.Info("hub ready", "ledger", cfg.Ledger.Driver, "blobs", cfg.Blobs.Driver)

	srv := wsrpc.NewServer(l, wsrpc.WithMetricsHandler(prom.Handler()))
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "hub error", err)
	}
	slog.Info("hub stopped gracefully")
	return nil
}
