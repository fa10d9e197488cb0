package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLocalStoreSaveReadDelete(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	st.now = func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := st.Save(ctx, bytes.NewBufferString("hello"), "pictures", ".JPG")
	if err != nil {
		t.Fatalf("save first: %v", err)
	}
	if !strings.HasPrefix(first.Path, "pictures/2024/03/") || !strings.HasSuffix(first.Path, ".jpg") {
		t.Fatalf("unexpected path layout: %q", first.Path)
	}
	if first.SizeBytes != 5 {
		t.Fatalf("expected 5 bytes, got %d", first.SizeBytes)
	}

	second, err := st.Save(ctx, bytes.NewBufferString("hello"), "pictures", ".jpg")
	if err != nil {
		t.Fatalf("save second: %v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("expected distinct paths for separate saves, got %q twice", first.Path)
	}

	rc, err := st.Read(ctx, first.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", string(data))
	}

	ok, err := st.Exists(ctx, first.Path)
	if err != nil || !ok {
		t.Fatalf("expected blob to exist, ok=%v err=%v", ok, err)
	}

	if err := st.Delete(ctx, first.Path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, first.Path); err != nil {
		t.Fatalf("delete missing should be noop: %v", err)
	}
	ok, err = st.Exists(ctx, first.Path)
	if err != nil || ok {
		t.Fatalf("expected blob to be gone, ok=%v err=%v", ok, err)
	}

	if _, err := st.Read(ctx, first.Path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	for _, p := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		if _, err := st.Exists(ctx, p); err == nil {
			t.Fatalf("expected error for path %q", p)
		}
	}
	if _, err := st.Save(ctx, strings.NewReader("x"), "../up", ".txt"); err == nil {
		t.Fatal("expected error for escaping subdir")
	}
}

func TestLocalStoreWalkSkipsTempFiles(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	saved, err := st.Save(ctx, strings.NewReader("doc"), "documents", ".pdf")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var seen []BlobInfo
	if err := st.Walk(ctx, func(info BlobInfo) error {
		seen = append(seen, info)
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 1 || seen[0].Path != saved.Path || seen[0].SizeBytes != 3 {
		t.Fatalf("unexpected walk result: %#v", seen)
	}
}

func TestCleanExt(t *testing.T) {
	tests := map[string]string{
		".PNG":     ".png",
		"pdf":      ".pdf",
		"":         "",
		".j/../pg": "",
	}
	for in, want := range tests {
		if got := cleanExt(in); got != want {
			t.Fatalf("cleanExt(%q) = %q, want %q", in, got, want)
		}
	}
}
