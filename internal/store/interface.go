package store

import (
	"context"

	"pcdattach/internal/models"
)

// AttachmentRepository is the persistence surface for attachment rows.
// Lookups return (nil, nil) when a row does not exist.
type AttachmentRepository interface {
	FindByID(ctx context.Context, id string) (*models.Attachment, error)
	FindByIDForUpdate(ctx context.Context, id string) (*models.Attachment, error)
	FindByOwner(ctx context.Context, owner models.OwnerRef) ([]models.Attachment, error)
	FindByFilePath(ctx context.Context, path string) ([]models.Attachment, error)
	CountByFilePath(ctx context.Context, path string) (int, error)
	LockByFilePath(ctx context.Context, path string) ([]string, error)
	Exists(ctx context.Context, id string) (bool, error)
	Save(ctx context.Context, attachment *models.Attachment) error
	Delete(ctx context.Context, id string) error
	ListOrphaned(ctx context.Context, afterID string, limit int) ([]models.Attachment, error)
	ListFilePaths(ctx context.Context) ([]string, error)
}

// OwnerRepository reads owners and rewrites their attachment collections.
type OwnerRepository interface {
	FindByID(ctx context.Context, ref models.OwnerRef) (*models.Owner, error)
	FindByIDForUpdate(ctx context.Context, ref models.OwnerRef) (*models.Owner, error)
	Exists(ctx context.Context, ref models.OwnerRef) (bool, error)
	Save(ctx context.Context, owner *models.Owner) error
	DetachEverywhere(ctx context.Context, attachmentID string) (int64, error)

	ListStrayReferences(ctx context.Context) ([]CollectionRef, error)
	ListMissingReferences(ctx context.Context) ([]CollectionRef, error)
	RemoveReference(ctx context.Context, ref CollectionRef) (int64, error)
	AppendReference(ctx context.Context, ref CollectionRef) error
}

// CollectionRef is one entry of an owner's attachment collection.
type CollectionRef struct {
	Owner        models.OwnerRef `json:"owner" yaml:"owner"`
	AttachmentID string          `json:"attachment_id" yaml:"attachment_id"`
}

// Repositories groups repositories that share one connection or transaction.
type Repositories struct {
	Attachments AttachmentRepository
	Owners      OwnerRepository
}

// UnitOfWork hands out repositories, optionally bound to one transaction.
type UnitOfWork interface {
	Repositories() Repositories
	WithinTx(ctx context.Context, fn func(Repositories) error) error
}

var (
	_ UnitOfWork           = (*Store)(nil)
	_ AttachmentRepository = (*AttachmentRepo)(nil)
	_ OwnerRepository      = (*OwnerRepo)(nil)
)
