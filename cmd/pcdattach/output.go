package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"pcdattach/internal/format"
	"pcdattach/internal/models"
	"pcdattach/internal/reconcile"
	"pcdattach/internal/service"
	"pcdattach/internal/store"
)

var (
	stdout io.Writer = os.Stdout

	// outputFormatter is nil for plain text output.
	outputFormatter format.Formatter
)

// writeOutput encodes payload with the selected formatter, or calls text
// when plain output is selected.
func writeOutput(payload any, text func(w io.Writer) error) error {
	if outputFormatter != nil {
		return outputFormatter.Write(stdout, payload)
	}
	return text(stdout)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(stdout, format, args...)
	return err
}

func writeAttachmentList(w io.Writer, rows []models.Attachment) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, color.New(color.Faint).Sprint("no attachments"))
		return err
	}
	for _, a := range rows {
		if _, err := fmt.Fprintln(w, formatAttachmentLine(a)); err != nil {
			return err
		}
	}
	return nil
}

func formatAttachmentLine(a models.Attachment) string {
	kind := color.CyanString("%-8s", a.Kind)
	return fmt.Sprintf("%s %s %s %8s  %s", a.ID, kind, a.Owner(), humanize.IBytes(uint64(a.SizeBytes)), a.OriginalName)
}

func writeAttachmentDetail(w io.Writer, a models.Attachment) error {
	lines := []string{
		fmt.Sprintf("id: %s", a.ID),
		fmt.Sprintf("owner: %s", a.Owner()),
		fmt.Sprintf("kind: %s", a.Kind),
		fmt.Sprintf("original_name: %s", a.OriginalName),
		fmt.Sprintf("content_type: %s", a.ContentType),
		fmt.Sprintf("size: %s (%d bytes)", humanize.IBytes(uint64(a.SizeBytes)), a.SizeBytes),
		fmt.Sprintf("file_path: %s", a.FilePath),
	}
	if a.Width != nil && a.Height != nil {
		lines = append(lines, fmt.Sprintf("dimensions: %dx%d", *a.Width, *a.Height))
	}
	lines = append(lines,
		fmt.Sprintf("created_at: %s", formatTime(a.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(a.UpdatedAt)),
	)
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func writeOwnerList(w io.Writer, owners []models.Owner) error {
	if len(owners) == 0 {
		_, err := fmt.Fprintln(w, color.New(color.Faint).Sprint("no owners"))
		return err
	}
	for _, o := range owners {
		name := o.Name
		if name == "" {
			name = color.New(color.Faint).Sprint("(unnamed)")
		}
		if _, err := fmt.Fprintf(w, "%s  %s  %d attachment(s)\n", o.Ref(), name, len(o.Attachments)); err != nil {
			return err
		}
	}
	return nil
}

func writePlacement(w io.Writer, p service.Placement) error {
	status := color.GreenString("consistent")
	if !p.Consistent {
		status = color.RedString("inconsistent")
	}
	_, err := fmt.Fprintf(w, "%s on %s: %s (row owner %s, collection entries %d)\n",
		p.AttachmentID, p.Owner, status, p.RowOwner, p.CollectionCount)
	return err
}

func writeBatchResult(w io.Writer, result service.BatchResult) error {
	for _, item := range result.Items {
		var status string
		switch item.Status {
		case service.TransferStatusTransferred:
			status = color.GreenString(item.Status)
		case service.TransferStatusFailed:
			status = color.RedString(item.Status)
		default:
			status = color.YellowString(item.Status)
		}
		line := fmt.Sprintf("%s -> %s: %s", item.AttachmentID, item.Target, status)
		if item.Error != "" {
			line += fmt.Sprintf(" (%d: %s)", item.Code, item.Error)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "transferred %d, skipped %d, failed %d\n", result.Transferred, result.Skipped, result.Failed)
	return err
}

func writeSweepReport(w io.Writer, r reconcile.Report) error {
	header := color.GreenString("sweep clean")
	switch {
	case len(r.Failures) > 0:
		header = color.RedString("sweep finished with %d failure(s)", len(r.Failures))
	case !r.Clean():
		header = color.YellowString("sweep repaired drift")
	}
	lines := []string{
		header,
		fmt.Sprintf("  orphan rows:          %d (removed %d, skipped %d)", r.OrphanRows, r.RowsRemoved, r.RowsSkipped),
		fmt.Sprintf("  files removed:        %d (shared kept %d, delete failures %d)", r.BlobsRemoved, r.BlobsRetainedShared, r.BlobDeleteFailures),
		fmt.Sprintf("  stray refs removed:   %d", r.StrayReferencesRemoved),
		fmt.Sprintf("  missing refs added:   %d", r.MissingReferencesRestored),
		fmt.Sprintf("  unreferenced files:   %d of %d scanned (%s, removed %d)", len(r.OrphanFiles), r.FilesScanned, humanize.IBytes(uint64(r.OrphanFileBytes)), r.OrphanFilesRemoved),
		fmt.Sprintf("  duration:             %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)),
	}
	for _, path := range r.OrphanFiles {
		lines = append(lines, "    "+color.YellowString(path))
	}
	for _, f := range r.Failures {
		target := f.AttachmentID
		if target == "" {
			target = f.FilePath
		}
		lines = append(lines, fmt.Sprintf("  %s %s %s: %s", color.RedString("✗"), f.Stage, target, f.Error))
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func writeMigrationStatus(w io.Writer, plan *store.MigrationStatus) error {
	lines := []string{
		fmt.Sprintf("Current version: %d", plan.CurrentVersion),
		fmt.Sprintf("Available version: %d", plan.AvailableVersion),
	}
	if len(plan.Pending) == 0 {
		lines = append(lines, "No pending migrations.")
	} else {
		lines = append(lines, fmt.Sprintf("Pending migrations: %d", len(plan.Pending)))
		for _, m := range plan.Pending {
			lines = append(lines, fmt.Sprintf("  %d: %s", m.Version, m.Description))
		}
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
