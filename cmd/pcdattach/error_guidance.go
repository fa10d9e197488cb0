package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"pcdattach/internal/api"
	"pcdattach/internal/service"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{"error: " + err.Error()}

	var svcErr *service.Error
	isServiceErr := errors.As(err, &svcErr)
	if isServiceErr {
		lines = append(lines, fmt.Sprintf("code: %d (%s)", svcErr.Code(), svcErr.Category()))
	}

	var inconsistent *service.TransferInconsistentError
	if errors.As(err, &inconsistent) {
		lines = append(lines,
			fmt.Sprintf("hint: inspect with: pcdattach verify %s %s", inconsistent.AttachmentID, inconsistent.Target),
			"hint: run pcdattach sweep to repair collection drift.",
		)
		return uniqueLines(lines)
	}

	if isServiceErr {
		switch {
		case errors.Is(err, service.ErrUnsupportedFileType):
			lines = append(lines, "hint: check attachments.allowed_extensions and attachments.allowed_media_types.")
		case errors.Is(err, service.ErrSizeExceeded):
			lines = append(lines, "hint: raise attachments.max_upload_bytes or upload a smaller file.")
		case errors.Is(err, service.ErrOwnerNotFound):
			lines = append(lines, "hint: list known owners with: pcdattach owner list")
		case errors.Is(err, service.ErrNoOpTransfer):
			lines = append(lines, "hint: the attachment already belongs to that owner; nothing was changed.")
		case errors.Is(err, service.ErrDuplicateAttachment):
			lines = append(lines, "hint: the target already holds this file.")
		case svcErr.Category() == service.CategoryInternal:
			lines = append(lines, "hint: rerun with --log-level debug for details.")
		}
		return uniqueLines(lines)
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Busy():
			lines = append(lines, "hint: a sweep is already running on the server; retry later or use --last.")
		case apiErr.Status == http.StatusNotFound && apiErr.Code == "not_found":
			lines = append(lines, "hint: the server has not finished a sweep yet.")
		case apiErr.Status == http.StatusNotFound:
			lines = append(lines, "hint: verify --remote points to a pcdattach server.")
		case apiErr.Status >= 500:
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		lines = append(lines,
			"hint: ensure a pcdattach server is running at the --remote address.",
			"hint: start one with: pcdattach serve",
		)
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: operation timed out; check database health or raise --timeout.")
	}
	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
