package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pcdattach/internal/models"
	"pcdattach/internal/store"
)

// Placement is the observed state of one attachment relative to one owner.
type Placement struct {
	AttachmentID    string          `json:"attachment_id" yaml:"attachment_id"`
	Owner           models.OwnerRef `json:"owner" yaml:"owner"`
	RowOwner        models.OwnerRef `json:"row_owner" yaml:"row_owner"`
	RowMatches      bool            `json:"row_matches" yaml:"row_matches"`
	CollectionCount int             `json:"collection_count" yaml:"collection_count"`
	Consistent      bool            `json:"consistent" yaml:"consistent"`
}

// TransferRequest is one item of a batch transfer.
type TransferRequest struct {
	AttachmentID string          `json:"attachment_id" yaml:"attachment_id"`
	Target       models.OwnerRef `json:"target" yaml:"target"`
}

// Batch item statuses.
const (
	TransferStatusTransferred = "transferred"
	TransferStatusNoOp        = "noop"
	TransferStatusDuplicate   = "duplicate_request"
	TransferStatusFailed      = "failed"
)

// TransferOutcome is the result of one batch item.
type TransferOutcome struct {
	AttachmentID string             `json:"attachment_id" yaml:"attachment_id"`
	Target       models.OwnerRef    `json:"target" yaml:"target"`
	Status       string             `json:"status" yaml:"status"`
	Code         int                `json:"code,omitempty" yaml:"code,omitempty"`
	Error        string             `json:"error,omitempty" yaml:"error,omitempty"`
	Attachment   *models.Attachment `json:"attachment,omitempty" yaml:"attachment,omitempty"`
}

// BatchResult summarizes a batch transfer.
type BatchResult struct {
	Items       []TransferOutcome `json:"items" yaml:"items"`
	Transferred int               `json:"transferred" yaml:"transferred"`
	Skipped     int               `json:"skipped" yaml:"skipped"`
	Failed      int               `json:"failed" yaml:"failed"`
}

// Transfer moves an attachment to target. The row and both collections are
// updated in one transaction, then re-read and verified. A failed
// verification gets one corrective transaction before the transfer is
// reported inconsistent. Files are never touched.
func (s *AttachmentService) Transfer(ctx context.Context, id string, target models.OwnerRef) (moved models.Attachment, err error) {
	defer func() { observeOperation("transfer", err) }()

	var zero models.Attachment
	if err := s.ready(false); err != nil {
		return zero, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, invalidArgument(errors.New("attachment id is required"))
	}
	if err := validateOwnerRef(target); err != nil {
		return zero, err
	}

	var source models.OwnerRef
	var unchanged *models.Attachment
	err = s.uow.WithinTx(ctx, func(repos store.Repositories) error {
		row, err := repos.Attachments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return attachmentNotFound(id)
		}
		source = row.Owner()

		owners, err := lockOwners(ctx, repos, source, target)
		if err != nil {
			return err
		}
		targetOwner := owners[target]
		if targetOwner == nil {
			return ownerNotFound(target)
		}
		if source == target {
			unchanged = row
			return nil
		}
		if targetOwner.HasFilePath(row.FilePath) {
			return duplicateAttachment(row.FilePath, target)
		}

		if sourceOwner := owners[source]; sourceOwner != nil {
			sourceOwner.RemoveAttachment(id)
			if err := repos.Owners.Save(ctx, sourceOwner); err != nil {
				return fmt.Errorf("save source collection: %w", err)
			}
		}

		row.OwnerType = target.Type
		row.OwnerID = target.ID
		row.UpdatedAt = s.now().UTC()
		if err := repos.Attachments.Save(ctx, row); err != nil {
			return fmt.Errorf("save attachment owner: %w", err)
		}

		targetOwner.AddAttachment(*row)
		if err := repos.Owners.Save(ctx, targetOwner); err != nil {
			return fmt.Errorf("save target collection: %w", err)
		}
		return nil
	})
	if err != nil {
		return zero, storeFailure("transfer", err)
	}
	if unchanged != nil {
		return *unchanged, noOpTransfer(id, target)
	}

	moved, err = s.verifyTransfer(ctx, id, source, target)
	if err != nil {
		return zero, err
	}
	s.logger.Info("attachment transferred",
		"attachment_id", id,
		"source", source.String(),
		"target", target.String(),
	)
	return moved, nil
}

// verifyTransfer re-reads the attachment and both owners and, if they
// disagree, issues exactly one corrective transaction.
func (s *AttachmentService) verifyTransfer(ctx context.Context, id string, source, target models.OwnerRef) (models.Attachment, error) {
	row, detail, err := s.checkTransfer(ctx, id, source, target)
	if err != nil {
		return models.Attachment{}, err
	}
	if detail == "" {
		return row, nil
	}

	transferRetriesTotal.Inc()
	s.logger.Warn("transfer verification failed, retrying",
		"attachment_id", id,
		"source", source.String(),
		"target", target.String(),
		"detail", detail,
	)
	if err := s.correctTransfer(ctx, id, source, target); err != nil {
		return models.Attachment{}, err
	}

	row, detail, err = s.checkTransfer(ctx, id, source, target)
	if err != nil {
		return models.Attachment{}, err
	}
	if detail == "" {
		return row, nil
	}

	transferInconsistenciesTotal.Inc()
	inconsistent := &TransferInconsistentError{AttachmentID: id, Source: source, Target: target, Detail: detail}
	s.logger.Error("transfer inconsistent after corrective retry",
		"attachment_id", id,
		"source", source.String(),
		"target", target.String(),
		"detail", detail,
	)
	return row, transferInconsistent(inconsistent)
}

// checkTransfer returns a description of what is wrong, or "" when the row
// names target, target holds it once and source does not hold it.
func (s *AttachmentService) checkTransfer(ctx context.Context, id string, source, target models.OwnerRef) (models.Attachment, string, error) {
	repos := s.uow.Repositories()
	row, err := repos.Attachments.FindByID(ctx, id)
	if err != nil {
		return models.Attachment{}, "", storeFailure("verify transfer", err)
	}
	if row == nil {
		return models.Attachment{}, "", attachmentNotFound(id)
	}

	var problems []string
	if row.Owner() != target {
		problems = append(problems, fmt.Sprintf("row names %s", row.Owner()))
	}

	targetOwner, err := repos.Owners.FindByID(ctx, target)
	if err != nil {
		return *row, "", storeFailure("verify transfer", err)
	}
	if targetOwner == nil {
		problems = append(problems, fmt.Sprintf("target %s no longer exists", target))
	} else if n := targetOwner.CountAttachment(id); n != 1 {
		problems = append(problems, fmt.Sprintf("target collection holds it %d times", n))
	}

	sourceOwner, err := repos.Owners.FindByID(ctx, source)
	if err != nil {
		return *row, "", storeFailure("verify transfer", err)
	}
	if sourceOwner != nil {
		if n := sourceOwner.CountAttachment(id); n > 0 {
			problems = append(problems, fmt.Sprintf("source collection still holds it %d times", n))
		}
	}
	return *row, strings.Join(problems, "; "), nil
}

func (s *AttachmentService) correctTransfer(ctx context.Context, id string, source, target models.OwnerRef) error {
	err := s.uow.WithinTx(ctx, func(repos store.Repositories) error {
		row, err := repos.Attachments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return attachmentNotFound(id)
		}
		if row.Owner() != target {
			// Owned elsewhere now; the collections are not ours to rewrite.
			return nil
		}

		owners, err := lockOwners(ctx, repos, source, target)
		if err != nil {
			return err
		}
		if targetOwner := owners[target]; targetOwner != nil {
			switch n := targetOwner.CountAttachment(id); {
			case n == 0:
				targetOwner.AddAttachment(*row)
			case n > 1:
				targetOwner.CollapseAttachment(id)
			}
			if err := repos.Owners.Save(ctx, targetOwner); err != nil {
				return err
			}
		}
		if sourceOwner := owners[source]; sourceOwner != nil && source != target {
			if sourceOwner.RemoveAttachment(id) > 0 {
				if err := repos.Owners.Save(ctx, sourceOwner); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return storeFailure("correct transfer", err)
}

// lockOwners loads and locks the given owners in a fixed order so that
// concurrent transfers between the same pair cannot deadlock. Missing owners
// map to nil.
func lockOwners(ctx context.Context, repos store.Repositories, refs ...models.OwnerRef) (map[models.OwnerRef]*models.Owner, error) {
	unique := make([]models.OwnerRef, 0, len(refs))
	seen := map[models.OwnerRef]struct{}{}
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		unique = append(unique, ref)
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].Type != unique[j].Type {
			return unique[i].Type < unique[j].Type
		}
		return unique[i].ID < unique[j].ID
	})

	owners := make(map[models.OwnerRef]*models.Owner, len(unique))
	for _, ref := range unique {
		owner, err := repos.Owners.FindByIDForUpdate(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("lock owner %s: %w", ref, err)
		}
		owners[ref] = owner
	}
	return owners, nil
}

// Share gives target its own row pointing at the same file as the
// attachment. The file is never copied.
func (s *AttachmentService) Share(ctx context.Context, id string, target models.OwnerRef) (shared models.Attachment, err error) {
	defer func() { observeOperation("share", err) }()

	var zero models.Attachment
	if err := s.ready(false); err != nil {
		return zero, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, invalidArgument(errors.New("attachment id is required"))
	}
	if err := validateOwnerRef(target); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		shared = models.Attachment{}
		err = s.uow.WithinTx(ctx, func(repos store.Repositories) error {
			original, err := repos.Attachments.FindByIDForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if original == nil {
				return attachmentNotFound(id)
			}
			targetOwner, err := repos.Owners.FindByIDForUpdate(ctx, target)
			if err != nil {
				return err
			}
			if targetOwner == nil {
				return ownerNotFound(target)
			}
			if targetOwner.HasFilePath(original.FilePath) {
				return duplicateAttachment(original.FilePath, target)
			}

			now := s.now().UTC()
			shared = *original
			shared.ID = ""
			shared.OwnerType = target.Type
			shared.OwnerID = target.ID
			shared.CreatedAt = now
			shared.UpdatedAt = now
			return s.insertForOwner(ctx, repos, &shared, target)
		})
		if err == nil || !store.IsUniqueViolation(err) || attempt >= attachIDAttempts {
			break
		}
	}
	if err != nil {
		return zero, storeFailure("share", err)
	}

	s.logger.Info("attachment shared",
		"attachment_id", id,
		"shared_id", shared.ID,
		"target", target.String(),
		"file_path", shared.FilePath,
	)
	return shared, nil
}

// TransferBatch transfers items in order. Repeated (attachment, target) pairs
// are skipped, and one failing item does not stop the rest.
func (s *AttachmentService) TransferBatch(ctx context.Context, items []TransferRequest) (BatchResult, error) {
	result := BatchResult{Items: make([]TransferOutcome, 0, len(items))}
	if err := s.ready(false); err != nil {
		return result, err
	}

	seen := map[TransferRequest]struct{}{}
	for _, item := range items {
		item.AttachmentID = strings.TrimSpace(item.AttachmentID)
		outcome := TransferOutcome{AttachmentID: item.AttachmentID, Target: item.Target}

		if _, dup := seen[item]; dup {
			outcome.Status = TransferStatusDuplicate
			result.Skipped++
			result.Items = append(result.Items, outcome)
			continue
		}
		seen[item] = struct{}{}

		if err := ctx.Err(); err != nil {
			return result, err
		}

		moved, err := s.Transfer(ctx, item.AttachmentID, item.Target)
		switch {
		case err == nil:
			outcome.Status = TransferStatusTransferred
			outcome.Attachment = &moved
			result.Transferred++
		case errors.Is(err, ErrNoOpTransfer):
			outcome.Status = TransferStatusNoOp
			outcome.Code = ErrorCode(err)
			outcome.Attachment = &moved
			result.Skipped++
		default:
			outcome.Status = TransferStatusFailed
			outcome.Code = ErrorCode(err)
			outcome.Error = err.Error()
			result.Failed++
		}
		result.Items = append(result.Items, outcome)
	}
	return result, nil
}

// VerifyPlacement reports whether the attachment row names owner and the
// owner's collection holds it exactly once. It never writes.
func (s *AttachmentService) VerifyPlacement(ctx context.Context, id string, owner models.OwnerRef) (Placement, error) {
	placement := Placement{AttachmentID: strings.TrimSpace(id), Owner: owner}
	if err := s.ready(false); err != nil {
		return placement, err
	}
	if placement.AttachmentID == "" {
		return placement, invalidArgument(errors.New("attachment id is required"))
	}
	if err := validateOwnerRef(owner); err != nil {
		return placement, err
	}

	repos := s.uow.Repositories()
	row, err := repos.Attachments.FindByID(ctx, placement.AttachmentID)
	if err != nil {
		return placement, storeFailure("verify placement", err)
	}
	if row == nil {
		return placement, attachmentNotFound(placement.AttachmentID)
	}
	loaded, err := repos.Owners.FindByID(ctx, owner)
	if err != nil {
		return placement, storeFailure("verify placement", err)
	}
	if loaded == nil {
		return placement, ownerNotFound(owner)
	}

	placement.RowOwner = row.Owner()
	placement.RowMatches = placement.RowOwner == owner
	placement.CollectionCount = loaded.CountAttachment(row.ID)
	placement.Consistent = placement.RowMatches && placement.CollectionCount == 1
	return placement, nil
}
