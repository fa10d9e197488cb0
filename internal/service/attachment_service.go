package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pcdattach/internal/blobstore"
	"pcdattach/internal/models"
	"pcdattach/internal/store"
)

const attachIDAttempts = 3

// AttachmentService runs attachment workflows across the relational store and
// the blob store. Database changes are transactional; file effects are
// sequenced around the transaction and compensated explicitly.
type AttachmentService struct {
	uow      store.UnitOfWork
	blobs    blobstore.BlobStore
	logger   *slog.Logger
	validate *validator.Validate
	policy   uploadPolicy
	now      func() time.Time
}

// AttachInput describes one upload.
type AttachInput struct {
	OwnerType    models.OwnerType `validate:"required,oneof=tool rma passdown track_trend"`
	OwnerID      int64            `validate:"gt=0"`
	Content      []byte
	OriginalName string `validate:"required,max=1024"`
	ContentType  string `validate:"omitempty,max=255"`
}

// Owner returns the target owner of the upload.
func (in AttachInput) Owner() models.OwnerRef {
	return models.OwnerRef{Type: in.OwnerType, ID: in.OwnerID}
}

// PurgeResult reports what PurgeOrphan did with one row and its file.
type PurgeResult struct {
	Attachment         models.Attachment `json:"attachment" yaml:"attachment"`
	Skipped            bool              `json:"skipped" yaml:"skipped"`
	BlobDeleted        bool              `json:"blob_deleted" yaml:"blob_deleted"`
	BlobRetainedShared bool              `json:"blob_retained_shared" yaml:"blob_retained_shared"`
	BlobDeleteError    string            `json:"blob_delete_error,omitempty" yaml:"blob_delete_error,omitempty"`
}

// NewAttachmentService constructs an AttachmentService with the default
// upload policy. A nil logger uses slog.Default().
func NewAttachmentService(uow store.UnitOfWork, blobs blobstore.BlobStore, logger *slog.Logger) *AttachmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentService{
		uow:      uow,
		blobs:    blobs,
		logger:   logger.With("component", "attachments"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		policy:   compilePolicy(DefaultPolicy()),
		now:      time.Now,
	}
}

// ConfigurePolicy replaces the upload policy. Empty fields fall back to the
// defaults.
func (s *AttachmentService) ConfigurePolicy(p Policy) {
	if s == nil {
		return
	}
	s.policy = compilePolicy(p)
}

// Attach stores a new file and records it as an attachment of the owner.
func (s *AttachmentService) Attach(ctx context.Context, in AttachInput) (attachment models.Attachment, err error) {
	defer func() { observeOperation("attach", err) }()

	var zero models.Attachment
	if err := s.ready(true); err != nil {
		return zero, err
	}
	if err := s.validate.Struct(in); err != nil {
		return zero, invalidArgument(describeValidation(err))
	}
	owner := in.Owner()

	class, err := s.policy.classify(in.Content, in.OriginalName, in.ContentType)
	if err != nil {
		return zero, err
	}

	exists, err := s.uow.Repositories().Owners.Exists(ctx, owner)
	if err != nil {
		return zero, storeFailure("check owner", err)
	}
	if !exists {
		return zero, ownerNotFound(owner)
	}

	saved, err := s.blobs.Save(ctx, bytes.NewReader(in.Content), class.kind.Subdir(), class.blobExt)
	if err != nil {
		return zero, internalError(fmt.Errorf("store file: %w", err))
	}

	now := s.now().UTC()
	row := models.Attachment{
		OwnerType:    owner.Type,
		OwnerID:      owner.ID,
		Kind:         class.kind,
		FilePath:     saved.Path,
		OriginalName: s.policy.sanitizeName(in.OriginalName, class.ext),
		ContentType:  class.contentType,
		SizeBytes:    saved.SizeBytes,
		Width:        class.width,
		Height:       class.height,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		err = s.uow.WithinTx(ctx, func(repos store.Repositories) error {
			return s.insertForOwner(ctx, repos, &row, owner)
		})
		if err == nil || !store.IsUniqueViolation(err) || attempt >= attachIDAttempts {
			break
		}
		row.ID = ""
	}
	if err != nil {
		s.compensateBlob(ctx, saved.Path, err)
		return zero, storeFailure("attach", err)
	}

	uploadBytes.Observe(float64(row.SizeBytes))
	s.logger.Info("attachment created",
		"attachment_id", row.ID,
		"owner", owner.String(),
		"kind", row.Kind,
		"file_path", row.FilePath,
		"size_bytes", row.SizeBytes,
	)
	return row, nil
}

// insertForOwner assigns an id, saves the row and appends it to the locked
// owner's collection.
func (s *AttachmentService) insertForOwner(ctx context.Context, repos store.Repositories, row *models.Attachment, ref models.OwnerRef) error {
	owner, err := repos.Owners.FindByIDForUpdate(ctx, ref)
	if err != nil {
		return err
	}
	if owner == nil {
		return ownerNotFound(ref)
	}
	if row.ID == "" {
		id, err := store.NewAttachmentID(ctx, repos.Attachments.Exists)
		if err != nil {
			return err
		}
		row.ID = id
	}
	if err := repos.Attachments.Save(ctx, row); err != nil {
		return err
	}
	owner.AddAttachment(*row)
	return repos.Owners.Save(ctx, owner)
}

func (s *AttachmentService) compensateBlob(ctx context.Context, path string, cause error) {
	// The caller's context may already be cancelled; the cleanup still runs.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.blobs.Delete(cleanupCtx, path); err != nil {
		blobDeletesTotal.WithLabelValues("compensation_failed").Inc()
		s.logger.Error("failed to remove file after aborted attach",
			"file_path", path,
			"cause", cause,
			"err", err,
		)
		return
	}
	blobDeletesTotal.WithLabelValues("compensated").Inc()
	s.logger.Warn("removed file after aborted attach", "file_path", path, "cause", cause)
}

// Delete removes an attachment row and, when no other row references the
// same path, its file.
func (s *AttachmentService) Delete(ctx context.Context, id string) (err error) {
	defer func() { observeOperation("delete", err) }()

	if err := s.ready(true); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return invalidArgument(errors.New("attachment id is required"))
	}

	res, err := s.removeRow(ctx, id, false)
	if err != nil {
		return err
	}
	s.logger.Info("attachment deleted",
		"attachment_id", id,
		"owner", res.Attachment.Owner().String(),
		"blob_deleted", res.BlobDeleted,
		"blob_retained_shared", res.BlobRetainedShared,
	)
	return nil
}

// PurgeOrphan deletes a row whose owner record no longer exists. Rows whose
// owner reappeared are skipped. File deletion failures are reported in the
// result and do not fail the purge.
func (s *AttachmentService) PurgeOrphan(ctx context.Context, id string) (res PurgeResult, err error) {
	defer func() { observeOperation("purge_orphan", err) }()

	if err := s.ready(true); err != nil {
		return res, err
	}
	return s.removeRow(ctx, strings.TrimSpace(id), true)
}

func (s *AttachmentService) removeRow(ctx context.Context, id string, onlyOrphan bool) (PurgeResult, error) {
	var res PurgeResult
	var remaining int

	err := s.uow.WithinTx(ctx, func(repos store.Repositories) error {
		row, err := repos.Attachments.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return attachmentNotFound(id)
		}

		// Lock every row sharing the file before this one, so a concurrent
		// delete of a sibling commits first and the count below sees it.
		// The file path of a row never changes.
		if _, err := repos.Attachments.LockByFilePath(ctx, row.FilePath); err != nil {
			return err
		}
		row, err = repos.Attachments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return attachmentNotFound(id)
		}
		res.Attachment = *row

		owner, err := repos.Owners.FindByIDForUpdate(ctx, row.Owner())
		if err != nil {
			return err
		}
		if owner != nil {
			if onlyOrphan {
				res.Skipped = true
				return nil
			}
			if owner.RemoveAttachment(id) > 0 {
				if err := repos.Owners.Save(ctx, owner); err != nil {
					return err
				}
			}
		}

		stray, err := repos.Owners.DetachEverywhere(ctx, id)
		if err != nil {
			return err
		}
		if stray > 0 {
			s.logger.Warn("removed stray collection references",
				"attachment_id", id,
				"owner", row.Owner().String(),
				"references", stray,
			)
		}

		if err := repos.Attachments.Delete(ctx, id); err != nil {
			return err
		}
		remaining, err = repos.Attachments.CountByFilePath(ctx, row.FilePath)
		return err
	})
	if err != nil {
		return res, storeFailure("delete attachment", err)
	}
	if res.Skipped {
		return res, nil
	}

	if remaining > 0 {
		res.BlobRetainedShared = true
		blobDeletesTotal.WithLabelValues("retained_shared").Inc()
		s.logger.Info("file retained, still referenced",
			"file_path", res.Attachment.FilePath,
			"references", remaining,
		)
		return res, nil
	}

	if err := s.blobs.Delete(context.WithoutCancel(ctx), res.Attachment.FilePath); err != nil {
		res.BlobDeleteError = err.Error()
		blobDeletesTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("failed to delete file",
			"attachment_id", id,
			"file_path", res.Attachment.FilePath,
			"err", err,
		)
		return res, nil
	}
	res.BlobDeleted = true
	blobDeletesTotal.WithLabelValues("deleted").Inc()
	return res, nil
}

// Get returns one attachment by id.
func (s *AttachmentService) Get(ctx context.Context, id string) (models.Attachment, error) {
	var zero models.Attachment
	if err := s.ready(false); err != nil {
		return zero, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, invalidArgument(errors.New("attachment id is required"))
	}
	row, err := s.uow.Repositories().Attachments.FindByID(ctx, id)
	if err != nil {
		return zero, storeFailure("get attachment", err)
	}
	if row == nil {
		return zero, attachmentNotFound(id)
	}
	return *row, nil
}

// Open returns the attachment and a reader over its file. The caller closes
// the reader.
func (s *AttachmentService) Open(ctx context.Context, id string) (models.Attachment, io.ReadCloser, error) {
	if err := s.ready(true); err != nil {
		return models.Attachment{}, nil, err
	}
	row, err := s.Get(ctx, id)
	if err != nil {
		return row, nil, err
	}
	rc, err := s.blobs.Read(ctx, row.FilePath)
	if errors.Is(err, blobstore.ErrNotFound) {
		return row, nil, makeError(CategoryNotFound, ErrCodeAttachmentNotFound, fmt.Errorf("%w: content of %s is missing", ErrAttachmentNotFound, row.ID))
	}
	if err != nil {
		return row, nil, internalError(fmt.Errorf("open file: %w", err))
	}
	return row, rc, nil
}

// ListForOwner returns the owner's attachments ordered by creation time.
func (s *AttachmentService) ListForOwner(ctx context.Context, ref models.OwnerRef) ([]models.Attachment, error) {
	if err := s.ready(false); err != nil {
		return nil, err
	}
	if err := validateOwnerRef(ref); err != nil {
		return nil, err
	}
	repos := s.uow.Repositories()
	exists, err := repos.Owners.Exists(ctx, ref)
	if err != nil {
		return nil, storeFailure("check owner", err)
	}
	if !exists {
		return nil, ownerNotFound(ref)
	}
	rows, err := repos.Attachments.FindByOwner(ctx, ref)
	if err != nil {
		return nil, storeFailure("list attachments", err)
	}
	return rows, nil
}

func (s *AttachmentService) ready(needBlobs bool) error {
	if s == nil || s.uow == nil || (needBlobs && s.blobs == nil) {
		return internalError(errors.New("attachment service is not configured"))
	}
	return nil
}

func validateOwnerRef(ref models.OwnerRef) error {
	parsed, err := models.ParseOwnerType(string(ref.Type))
	if err != nil {
		return invalidArgument(err)
	}
	if parsed != ref.Type {
		return invalidArgument(fmt.Errorf("owner type must be canonical %q, got %q", parsed, ref.Type))
	}
	if ref.ID <= 0 {
		return invalidArgument(fmt.Errorf("owner id must be positive, got %d", ref.ID))
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
