package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAttachmentID(t *testing.T) {
	ctx := context.Background()

	t.Run("shape", func(t *testing.T) {
		id, err := NewAttachmentID(ctx, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(id, "at-") || len(id) != 9 {
			t.Fatalf("expected at- plus 6 chars, got %q", id)
		}
		if !LooksLikeAttachmentID(id) {
			t.Fatalf("generated id %q does not pass its own shape check", id)
		}
	})

	t.Run("retries on collision", func(t *testing.T) {
		var seen []string
		exists := func(_ context.Context, id string) (bool, error) {
			seen = append(seen, id)
			return len(seen) < 3, nil
		}
		id, err := NewAttachmentID(ctx, exists)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(seen) != 3 || id != seen[2] {
			t.Fatalf("expected the third candidate, got %q after %v", id, seen)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		_, err := NewAttachmentID(ctx, func(context.Context, string) (bool, error) {
			calls++
			return true, nil
		})
		if !errors.Is(err, ErrIDSpaceExhausted) {
			t.Fatalf("expected exhausted error, got %v", err)
		}
		if calls != idMaxAttempts {
			t.Fatalf("expected %d attempts, got %d", idMaxAttempts, calls)
		}
	})

	t.Run("propagates lookup error", func(t *testing.T) {
		boom := errors.New("lookup failed")
		_, err := NewAttachmentID(ctx, func(context.Context, string) (bool, error) { return false, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := NewAttachmentID(cancelled, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLooksLikeAttachmentID(t *testing.T) {
	for id, want := range map[string]bool{
		"at-0a9z1k": true,
		"at-0A9Z1K": false,
		"at-0a9z1":  false,
		"pc-0a9z1k": false,
		"at0a9z1k0": false,
		"":          false,
	} {
		if got := LooksLikeAttachmentID(id); got != want {
			t.Fatalf("LooksLikeAttachmentID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestRandomBase36IsUniformAlphabet(t *testing.T) {
	counts := map[rune]int{}
	for i := 0; i < 200; i++ {
		s, err := randomBase36(36)
		if err != nil {
			t.Fatalf("random: %v", err)
		}
		for _, r := range s {
			counts[r]++
		}
	}
	if len(counts) != len(base36Alphabet) {
		t.Fatalf("expected every base36 digit to appear, got %d distinct", len(counts))
	}
}
