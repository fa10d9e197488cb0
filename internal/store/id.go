package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// AttachmentIDPrefix starts every attachment id.
	AttachmentIDPrefix = "at"

	attachmentSuffixLength = 6
	idMaxAttempts          = 20

	// Bytes at or above this bound are rejected so every base36 digit is
	// equally likely.
	base36RejectAbove = 256 - 256%len(base36Alphabet)
)

// ErrIDSpaceExhausted is returned when every generated candidate collided.
var ErrIDSpaceExhausted = errors.New("unable to generate unique id")

// IDExistsFunc reports whether a candidate id is already taken.
type IDExistsFunc func(ctx context.Context, id string) (bool, error)

// NewAttachmentID returns a fresh id of the form at-<6 base36 chars>,
// drawing again while exists reports a collision.
func NewAttachmentID(ctx context.Context, exists IDExistsFunc) (string, error) {
	for i := 0; i < idMaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		suffix, err := randomBase36(attachmentSuffixLength)
		if err != nil {
			return "", fmt.Errorf("generate attachment id: %w", err)
		}
		id := AttachmentIDPrefix + "-" + suffix
		if exists == nil {
			return id, nil
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check attachment id %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// LooksLikeAttachmentID reports whether id has the shape NewAttachmentID
// produces. Rows created by older tooling may not, so this is advisory.
func LooksLikeAttachmentID(id string) bool {
	suffix, ok := strings.CutPrefix(id, AttachmentIDPrefix+"-")
	if !ok || len(suffix) != attachmentSuffixLength {
		return false
	}
	for _, r := range suffix {
		if !strings.ContainsRune(base36Alphabet, r) {
			return false
		}
	}
	return true
}

func randomBase36(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= base36RejectAbove {
				continue
			}
			out = append(out, base36Alphabet[int(b)%len(base36Alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
