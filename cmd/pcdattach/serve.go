package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/reconcile"
	"pcdattach/internal/server"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operations server and the periodic reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			logger := slog.Default().With("component", "serve")

			rawAddr := cfg.OpsAddr
			if addrFlag != "" {
				rawAddr = addrFlag
			}
			addr, err := server.ListenAddr(rawAddr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cfg, func(a *app) error {
				rec := a.reconciler()
				if cfg.Reconcile.OnStartup {
					runStartupSweep(ctx, logger, rec)
				}
				if cfg.Reconcile.Interval > 0 {
					logger.Info("periodic sweep enabled", "interval", cfg.Reconcile.Interval)
					rec.Start(ctx, cfg.Reconcile.Interval)
				}

				srv := server.New(addr, a.store, a.service, rec, logger)
				return srv.ListenAndServe(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides ops_addr)")
	return cmd
}

// runStartupSweep never fails startup; a broken sweep is logged and the
// server still comes up.
func runStartupSweep(ctx context.Context, logger *slog.Logger, rec *reconcile.Reconciler) {
	report, err := rec.Sweep(ctx)
	if err != nil {
		logger.Warn("startup sweep failed", "error", err)
		return
	}
	logger.Info("startup sweep finished",
		"rows_removed", report.RowsRemoved,
		"stray_removed", report.StrayReferencesRemoved,
		"missing_restored", report.MissingReferencesRestored,
		"orphan_files", len(report.OrphanFiles),
		"failures", len(report.Failures),
	)
}
