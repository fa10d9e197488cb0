package models

import (
	"fmt"
	"strings"
	"time"
)

// AttachmentKind describes what an attachment holds. It is decided once, from
// the sniffed content type, and never changes.
type AttachmentKind string

const (
	AttachmentKindPicture  AttachmentKind = "picture"
	AttachmentKindDocument AttachmentKind = "document"
)

var validAttachmentKinds = map[AttachmentKind]struct{}{
	AttachmentKindPicture:  {},
	AttachmentKindDocument: {},
}

// Subdir returns the blob store subdirectory that holds files of this kind.
func (k AttachmentKind) Subdir() string {
	switch k {
	case AttachmentKindPicture:
		return "pictures"
	case AttachmentKindDocument:
		return "documents"
	default:
		return "other"
	}
}

// Attachment is one logical reference to a stored file. Several rows may
// point at the same FilePath when a file is shared between owners.
type Attachment struct {
	ID           string         `json:"id" yaml:"id"`
	OwnerType    OwnerType      `json:"owner_type" yaml:"owner_type"`
	OwnerID      int64          `json:"owner_id" yaml:"owner_id"`
	Kind         AttachmentKind `json:"kind" yaml:"kind"`
	FilePath     string         `json:"file_path" yaml:"file_path"`
	OriginalName string         `json:"original_name" yaml:"original_name"`
	ContentType  string         `json:"content_type" yaml:"content_type"`
	SizeBytes    int64          `json:"size_bytes" yaml:"size_bytes"`
	Width        *int           `json:"width,omitempty" yaml:"width,omitempty"`
	Height       *int           `json:"height,omitempty" yaml:"height,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Owner returns the reference of the record currently holding the attachment.
func (a Attachment) Owner() OwnerRef {
	return OwnerRef{Type: a.OwnerType, ID: a.OwnerID}
}

func ParseAttachmentKind(raw string) (AttachmentKind, error) {
	value := AttachmentKind(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("attachment kind is required")
	}
	if _, ok := validAttachmentKinds[value]; !ok {
		return "", fmt.Errorf("invalid attachment kind: %s", value)
	}
	return value, nil
}
