// Package reconcile repairs state left behind by crashes, out-of-band owner
// deletion and partial failures: orphaned attachment rows, drifted owner
// collections and files nobody references.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pcdattach/internal/blobstore"
	"pcdattach/internal/config"
	"pcdattach/internal/service"
	"pcdattach/internal/store"
)

const (
	DefaultBatchSize       = 500
	DefaultOrphanFileGrace = time.Hour
)

// Purger removes one orphaned row together with its file when unreferenced.
type Purger interface {
	PurgeOrphan(ctx context.Context, id string) (service.PurgeResult, error)
}

// Options tunes a Reconciler.
type Options struct {
	// BatchSize bounds how many orphaned rows are loaded per query.
	BatchSize int
	// OrphanFileGrace is the minimum age of an unreferenced file before it is
	// flagged. Younger files may belong to an attach still in flight.
	OrphanFileGrace time.Duration
	// DeleteOrphanFiles removes flagged files instead of only reporting them.
	// Files whose inline delete failed are only ever cleaned up this way.
	DeleteOrphanFiles bool
}

// OptionsFromConfig maps the reconcile section of the configuration.
func OptionsFromConfig(cfg config.ReconcileConfig) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		OrphanFileGrace:   cfg.OrphanFileGrace,
		DeleteOrphanFiles: cfg.DeleteOrphanFiles,
	}
}

// Failure records one item the sweep could not repair.
type Failure struct {
	Stage        string `json:"stage" yaml:"stage"`
	AttachmentID string `json:"attachment_id,omitempty" yaml:"attachment_id,omitempty"`
	FilePath     string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	Error        string `json:"error" yaml:"error"`
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	OrphanRows          int `json:"orphan_rows" yaml:"orphan_rows"`
	RowsRemoved         int `json:"rows_removed" yaml:"rows_removed"`
	RowsSkipped         int `json:"rows_skipped" yaml:"rows_skipped"`
	BlobsRemoved        int `json:"blobs_removed" yaml:"blobs_removed"`
	BlobsRetainedShared int `json:"blobs_retained_shared" yaml:"blobs_retained_shared"`
	BlobDeleteFailures  int `json:"blob_delete_failures" yaml:"blob_delete_failures"`

	StrayReferencesRemoved    int `json:"stray_references_removed" yaml:"stray_references_removed"`
	MissingReferencesRestored int `json:"missing_references_restored" yaml:"missing_references_restored"`

	FilesScanned       int      `json:"files_scanned" yaml:"files_scanned"`
	OrphanFiles        []string `json:"orphan_files" yaml:"orphan_files"`
	OrphanFileBytes    int64    `json:"orphan_file_bytes" yaml:"orphan_file_bytes"`
	OrphanFilesRemoved int      `json:"orphan_files_removed" yaml:"orphan_files_removed"`

	Failures []Failure `json:"failures" yaml:"failures"`
}

// Clean reports whether the sweep found nothing to repair and nothing failed.
func (r Report) Clean() bool {
	return r.OrphanRows == 0 && r.StrayReferencesRemoved == 0 && r.MissingReferencesRestored == 0 &&
		len(r.OrphanFiles) == 0 && len(r.Failures) == 0
}

func (r *Report) fail(stage, attachmentID, path string, err error) {
	r.Failures = append(r.Failures, Failure{Stage: stage, AttachmentID: attachmentID, FilePath: path, Error: err.Error()})
}

// Reconciler runs orphan sweeps. Sweeps are serialized; concurrent calls wait.
type Reconciler struct {
	uow    store.UnitOfWork
	blobs  blobstore.BlobStore
	purger Purger
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last Report
}

// New constructs a Reconciler. blobs may be nil, which disables orphan-file
// flagging. A nil logger uses slog.Default().
func New(uow store.UnitOfWork, blobs blobstore.BlobStore, purger Purger, opts Options, logger *slog.Logger) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OrphanFileGrace < 0 {
		opts.OrphanFileGrace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		uow:    uow,
		blobs:  blobs,
		purger: purger,
		opts:   opts,
		logger: logger.With("component", "reconcile"),
		now:    time.Now,
	}
}

// Sweep purges orphaned rows, repairs collection drift and flags
// unreferenced files. Item failures are collected in the report and the
// sweep continues; only failures to enumerate work are returned as errors.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	if r == nil || r.uow == nil || r.purger == nil {
		return Report{}, errors.New("reconciler is not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{StartedAt: r.now().UTC(), OrphanFiles: []string{}, Failures: []Failure{}}
	err := r.sweepOrphanRows(ctx, &report)
	if err == nil {
		err = r.repairCollections(ctx, &report)
	}
	if err == nil && r.blobs != nil {
		err = r.flagOrphanFiles(ctx, &report)
	}
	report.FinishedAt = r.now().UTC()
	r.last = report
	recordReport(report, err)

	if err != nil {
		r.logger.Error("sweep aborted", "err", err, "failures", len(report.Failures))
		return report, err
	}
	level := slog.LevelInfo
	if len(report.Failures) > 0 {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "sweep finished",
		"orphan_rows", report.OrphanRows,
		"rows_removed", report.RowsRemoved,
		"blobs_removed", report.BlobsRemoved,
		"blobs_retained_shared", report.BlobsRetainedShared,
		"blob_delete_failures", report.BlobDeleteFailures,
		"stray_refs_removed", report.StrayReferencesRemoved,
		"missing_refs_restored", report.MissingReferencesRestored,
		"orphan_files", len(report.OrphanFiles),
		"failures", len(report.Failures),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// LastReport returns the report of the most recent sweep.
func (r *Reconciler) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start runs Sweep every interval until ctx is done. A non-positive interval
// does nothing.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.logger.Info("periodic sweep started", "interval", interval, "orphan_file_grace", r.opts.OrphanFileGrace)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("periodic sweep failed", "err", err)
				}
			case <-ctx.Done():
				r.logger.Info("periodic sweep stopped")
				return
			}
		}
	}()
}

func (r *Reconciler) sweepOrphanRows(ctx context.Context, report *Report) error {
	attachments := r.uow.Repositories().Attachments
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := attachments.ListOrphaned(ctx, cursor, r.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list orphaned rows: %w", err)
		}

		for _, row := range batch {
			cursor = row.ID
			report.OrphanRows++

			res, err := r.purger.PurgeOrphan(ctx, row.ID)
			switch {
			case errors.Is(err, service.ErrAttachmentNotFound):
				// Deleted concurrently.
				continue
			case err != nil:
				report.fail("purge_row", row.ID, row.FilePath, err)
				r.logger.Warn("orphan row purge failed", "attachment_id", row.ID, "owner", row.Owner().String(), "err", err)
				continue
			case res.Skipped:
				report.RowsSkipped++
				continue
			}

			report.RowsRemoved++
			switch {
			case res.BlobDeleted:
				report.BlobsRemoved++
			case res.BlobRetainedShared:
				report.BlobsRetainedShared++
			case res.BlobDeleteError != "":
				report.BlobDeleteFailures++
				report.fail("delete_blob", row.ID, row.FilePath, errors.New(res.BlobDeleteError))
			}
			r.logger.Info("orphan row purged", "attachment_id", row.ID, "owner", row.Owner().String(), "file_path", row.FilePath)
		}

		if len(batch) < r.opts.BatchSize {
			return nil
		}
	}
}

// repairCollections removes collection entries that point at rows owned by
// someone else and restores rows missing from their owner's collection.
// Each repair re-checks its condition under lock before writing.
func (r *Reconciler) repairCollections(ctx context.Context, report *Report) error {
	owners := r.uow.Repositories().Owners

	stray, err := owners.ListStrayReferences(ctx)
	if err != nil {
		return fmt.Errorf("list stray references: %w", err)
	}
	for _, ref := range stray {
		removed, err := r.removeStray(ctx, ref)
		if err != nil {
			report.fail("remove_stray_reference", ref.AttachmentID, "", err)
			continue
		}
		if removed > 0 {
			report.StrayReferencesRemoved += int(removed)
			r.logger.Warn("removed stray collection reference", "owner", ref.Owner.String(), "attachment_id", ref.AttachmentID)
		}
	}

	missing, err := owners.ListMissingReferences(ctx)
	if err != nil {
		return fmt.Errorf("list missing references: %w", err)
	}
	for _, ref := range missing {
		restored, err := r.restoreMissing(ctx, ref)
		if err != nil {
			report.fail("restore_missing_reference", ref.AttachmentID, "", err)
			continue
		}
		if restored {
			report.MissingReferencesRestored++
			r.logger.Warn("restored missing collection reference", "owner", ref.Owner.String(), "attachment_id", ref.AttachmentID)
		}
	}
	return nil
}

func (r *Reconciler) removeStray(ctx context.Context, ref store.CollectionRef) (int64, error) {
	var removed int64
	err := r.uow.WithinTx(ctx, func(repos store.Repositories) error {
		row, err := repos.Attachments.FindByIDForUpdate(ctx, ref.AttachmentID)
		if err != nil {
			return err
		}
		if row == nil || row.Owner() == ref.Owner {
			return nil
		}
		removed, err = repos.Owners.RemoveReference(ctx, ref)
		return err
	})
	return removed, err
}

func (r *Reconciler) restoreMissing(ctx context.Context, ref store.CollectionRef) (bool, error) {
	restored := false
	err := r.uow.WithinTx(ctx, func(repos store.Repositories) error {
		row, err := repos.Attachments.FindByIDForUpdate(ctx, ref.AttachmentID)
		if err != nil {
			return err
		}
		if row == nil || row.Owner() != ref.Owner {
			return nil
		}
		owner, err := repos.Owners.FindByIDForUpdate(ctx, ref.Owner)
		if err != nil {
			return err
		}
		if owner == nil || owner.CountAttachment(ref.AttachmentID) > 0 {
			return nil
		}
		if err := repos.Owners.AppendReference(ctx, ref); err != nil {
			return err
		}
		restored = true
		return nil
	})
	return restored, err
}

// flagOrphanFiles reports files under the blob root that no row references
// and that are older than the grace period, deleting them when configured.
func (r *Reconciler) flagOrphanFiles(ctx context.Context, report *Report) error {
	attachments := r.uow.Repositories().Attachments
	paths, err := attachments.ListFilePaths(ctx)
	if err != nil {
		return fmt.Errorf("list file paths: %w", err)
	}
	referenced := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		referenced[p] = struct{}{}
	}

	cutoff := r.now().Add(-r.opts.OrphanFileGrace)
	var candidates []blobstore.BlobInfo
	err = r.blobs.Walk(ctx, func(info blobstore.BlobInfo) error {
		report.FilesScanned++
		if _, ok := referenced[info.Path]; ok {
			return nil
		}
		if info.ModTime.After(cutoff) {
			return nil
		}
		candidates = append(candidates, info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk blob store: %w", err)
	}

	for _, info := range candidates {
		report.OrphanFiles = append(report.OrphanFiles, info.Path)
		report.OrphanFileBytes += info.SizeBytes
		if !r.opts.DeleteOrphanFiles {
			r.logger.Warn("unreferenced file", "file_path", info.Path, "size_bytes", info.SizeBytes, "mod_time", info.ModTime)
			continue
		}

		// A row may have been created since the path list was read.
		count, err := attachments.CountByFilePath(ctx, info.Path)
		if err != nil {
			report.fail("delete_orphan_file", "", info.Path, err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := r.blobs.Delete(ctx, info.Path); err != nil {
			report.fail("delete_orphan_file", "", info.Path, err)
			continue
		}
		report.OrphanFilesRemoved++
		r.logger.Info("removed unreferenced file", "file_path", info.Path, "size_bytes", info.SizeBytes)
	}
	return nil
}

var _ Purger = (*service.AttachmentService)(nil)

