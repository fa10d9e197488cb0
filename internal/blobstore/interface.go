package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a blob path does not exist.
var ErrNotFound = errors.New("blob not found")

// SaveResult describes one persisted blob payload.
type SaveResult struct {
	Path      string
	SizeBytes int64
}

// BlobInfo describes one file found while walking the store.
type BlobInfo struct {
	Path      string
	SizeBytes int64
	ModTime   time.Time
}

// BlobStore is the byte-storage abstraction used by AttachmentService.
// Paths are relative, slash separated, and chosen by the store on Save.
type BlobStore interface {
	Save(ctx context.Context, r io.Reader, subdir, ext string) (SaveResult, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Walk(ctx context.Context, fn func(BlobInfo) error) error
}
