package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"pcdattach/internal/api"
	"pcdattach/internal/config"
	"pcdattach/internal/reconcile"
)

func newSweepCmd(cfg *config.Config) *cobra.Command {
	var (
		deleteFiles bool
		grace       time.Duration
		batchSize   int
		strict      bool
		remote      string
		last        bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned attachments and repair collection drift",
		Long: "Run one reconciliation pass: purge attachment rows whose owner is gone,\n" +
			"repair owner collections that disagree with attachment rows, and report\n" +
			"stored files that no attachment references.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if remote != "" {
				return runRemoteSweep(ctx, api.NewClient(remote), last, strict)
			}
			if last {
				return fmt.Errorf("--last requires --remote; a local sweep keeps no history")
			}

			return withApp(cfg, func(a *app) error {
				opts := reconcile.OptionsFromConfig(cfg.Reconcile)
				if cmd.Flags().Changed("delete-orphan-files") {
					opts.DeleteOrphanFiles = deleteFiles
				}
				if cmd.Flags().Changed("grace") {
					opts.OrphanFileGrace = grace
				}
				if cmd.Flags().Changed("batch-size") {
					opts.BatchSize = batchSize
				}

				rec := reconcile.New(a.store, a.blobs, a.service, opts, slog.Default())
				report, err := rec.Sweep(ctx)
				if err != nil {
					return err
				}
				return reportSweep(report, strict)
			})
		},
	}

	cmd.Flags().BoolVar(&deleteFiles, "delete-orphan-files", config.DefaultReconcileDeleteOrphanFiles, "delete unreferenced files past the grace period; =false only reports them")
	cmd.Flags().DurationVar(&grace, "grace", config.DefaultReconcileOrphanFileGrace, "minimum age of an unreferenced file before it is flagged")
	cmd.Flags().IntVar(&batchSize, "batch-size", config.DefaultReconcileBatchSize, "orphan rows fetched per batch")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any item failed")
	cmd.Flags().StringVar(&remote, "remote", "", "run the sweep on a pcdattach server at this URL instead of locally")
	cmd.Flags().BoolVar(&last, "last", false, "with --remote, show the server's most recent sweep without running one")
	return cmd
}

func runRemoteSweep(ctx context.Context, client *api.Client, last, strict bool) error {
	var (
		report reconcile.Report
		err    error
	)
	if last {
		report, err = client.LastSweep(ctx)
	} else {
		report, err = client.Sweep(ctx)
	}
	if err != nil {
		return err
	}
	return reportSweep(report, strict)
}

func reportSweep(report reconcile.Report, strict bool) error {
	if err := writeOutput(report, func(w io.Writer) error {
		return writeSweepReport(w, report)
	}); err != nil {
		return err
	}
	if strict && len(report.Failures) > 0 {
		return fmt.Errorf("sweep finished with %d failure(s)", len(report.Failures))
	}
	return nil
}
