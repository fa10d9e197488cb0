package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tmpDirName = ".tmp"

// LocalStore keeps blobs in a directory tree:
// <root>/<subdir>/<yyyy>/<MM>/<uuid><ext>.
type LocalStore struct {
	root string
	now  func() time.Time
}

// NewLocal creates a local store rooted at root.
func NewLocal(root string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", abs, err)
	}
	return &LocalStore{root: abs, now: time.Now}, nil
}

// Root returns the absolute directory the store writes into.
func (s *LocalStore) Root() string {
	return s.root
}

// Save streams r into a fresh file under subdir. The file is written to a
// temp location first and renamed into place, so a partially written file is
// never visible under its final path.
func (s *LocalStore) Save(ctx context.Context, r io.Reader, subdir, ext string) (SaveResult, error) {
	var zero SaveResult
	if s == nil {
		return zero, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	subdir, err := cleanSubdir(subdir)
	if err != nil {
		return zero, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "save-*")
	if err != nil {
		return zero, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return zero, err
	}

	now := s.now().UTC()
	rel := path.Join(subdir, now.Format("2006"), now.Format("01"), uuid.NewString()+cleanExt(ext))
	dst := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return zero, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return zero, err
	}

	return SaveResult{Path: rel, SizeBytes: n}, nil
}

// Exists reports whether a blob is present at path.
func (s *LocalStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.fullPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Delete removes a blob. Missing files are ignored.
func (s *LocalStore) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Read opens a blob for reading.
func (s *LocalStore) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return f, err
}

// Walk calls fn for every stored file, skipping in-flight temp files.
func (s *LocalStore) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	return filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDirName && full != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(BlobInfo{Path: filepath.ToSlash(rel), SizeBytes: info.Size(), ModTime: info.ModTime()})
	})
}

func (s *LocalStore) fullPath(p string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("blob store is not configured")
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("blob path is required")
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return "", fmt.Errorf("blob path must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path")
	}
	return filepath.Join(s.root, clean), nil
}

func cleanSubdir(subdir string) (string, error) {
	subdir = strings.Trim(strings.TrimSpace(subdir), "/")
	if subdir == "" {
		return "", fmt.Errorf("blob subdir is required")
	}
	clean := path.Clean(subdir)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean == tmpDirName {
		return "", fmt.Errorf("invalid blob subdir %q", subdir)
	}
	return clean, nil
}

func cleanExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
