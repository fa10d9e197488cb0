package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pcdattach/internal/models"
)

// OwnerRepo persists owners and their ordered attachment collections.
type OwnerRepo struct {
	q       querier
	dialect Dialect
}

// FindByID returns the owner with its collection materialized.
func (r *OwnerRepo) FindByID(ctx context.Context, ref models.OwnerRef) (*models.Owner, error) {
	return r.find(ctx, ref, false)
}

// FindByIDForUpdate is FindByID with the owner row locked for the enclosing
// transaction.
func (r *OwnerRepo) FindByIDForUpdate(ctx context.Context, ref models.OwnerRef) (*models.Owner, error) {
	return r.find(ctx, ref, true)
}

func (r *OwnerRepo) find(ctx context.Context, ref models.OwnerRef, lock bool) (*models.Owner, error) {
	query := "SELECT owner_type, owner_id, name, created_at FROM owners WHERE owner_type = ? AND owner_id = ?"
	if lock {
		query += r.dialect.lockClause()
	}
	owner, err := scanOwner(r.q.QueryRowContext(ctx, r.dialect.rebind(query), string(ref.Type), ref.ID))
	if err != nil || owner == nil {
		return owner, err
	}

	collection, err := r.collection(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load collection for %s: %w", ref, err)
	}
	owner.Attachments = collection
	return owner, nil
}

func (r *OwnerRepo) collection(ctx context.Context, ref models.OwnerRef) ([]models.Attachment, error) {
	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(`
		SELECT a.id, a.owner_type, a.owner_id, a.kind, a.file_path, a.original_name,
			a.content_type, a.size_bytes, a.width, a.height, a.created_at, a.updated_at
		FROM owner_attachments oa
		JOIN attachments a ON a.id = oa.attachment_id
		WHERE oa.owner_type = ? AND oa.owner_id = ?
		ORDER BY oa.position ASC
	`), string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := []models.Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		if a != nil {
			attachments = append(attachments, *a)
		}
	}
	return attachments, rows.Err()
}

// Exists checks whether an owner record exists.
func (r *OwnerRepo) Exists(ctx context.Context, ref models.OwnerRef) (bool, error) {
	var exists int
	err := r.q.QueryRowContext(ctx, r.dialect.rebind("SELECT 1 FROM owners WHERE owner_type = ? AND owner_id = ? LIMIT 1"), string(ref.Type), ref.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save rewrites the owner's collection to match owner.Attachments, keeping
// the slice order.
func (r *OwnerRepo) Save(ctx context.Context, owner *models.Owner) error {
	if owner == nil {
		return fmt.Errorf("owner is required")
	}
	ref := owner.Ref()
	return inTx(ctx, r.q, func(q querier) error {
		if _, err := q.ExecContext(ctx, r.dialect.rebind("DELETE FROM owner_attachments WHERE owner_type = ? AND owner_id = ?"), string(ref.Type), ref.ID); err != nil {
			return err
		}
		insert := r.dialect.rebind("INSERT INTO owner_attachments (owner_type, owner_id, attachment_id, position) VALUES (?, ?, ?, ?)")
		for i, a := range owner.Attachments {
			if _, err := q.ExecContext(ctx, insert, string(ref.Type), ref.ID, a.ID, i); err != nil {
				return fmt.Errorf("collect %s into %s: %w", a.ID, ref, err)
			}
		}
		return nil
	})
}

// DetachEverywhere removes the attachment from every collection and reports
// how many entries were removed.
func (r *OwnerRepo) DetachEverywhere(ctx context.Context, attachmentID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, r.dialect.rebind("DELETE FROM owner_attachments WHERE attachment_id = ?"), attachmentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListStrayReferences returns collection entries pointing at a row that names
// a different owner.
func (r *OwnerRepo) ListStrayReferences(ctx context.Context) ([]CollectionRef, error) {
	return r.listRefs(ctx, `
		SELECT oa.owner_type, oa.owner_id, oa.attachment_id
		FROM owner_attachments oa
		JOIN attachments a ON a.id = oa.attachment_id
		WHERE a.owner_type <> oa.owner_type OR a.owner_id <> oa.owner_id
		ORDER BY oa.owner_type, oa.owner_id, oa.position
	`)
}

// ListMissingReferences returns rows whose owner exists but whose owner's
// collection does not hold them.
func (r *OwnerRepo) ListMissingReferences(ctx context.Context) ([]CollectionRef, error) {
	return r.listRefs(ctx, `
		SELECT a.owner_type, a.owner_id, a.id
		FROM attachments a
		JOIN owners o ON o.owner_type = a.owner_type AND o.owner_id = a.owner_id
		WHERE NOT EXISTS (
			SELECT 1 FROM owner_attachments oa
			WHERE oa.attachment_id = a.id
			  AND oa.owner_type = a.owner_type
			  AND oa.owner_id = a.owner_id
		)
		ORDER BY a.created_at ASC, a.id ASC
	`)
}

// RemoveReference deletes one owner's entries for an attachment.
func (r *OwnerRepo) RemoveReference(ctx context.Context, ref CollectionRef) (int64, error) {
	res, err := r.q.ExecContext(ctx, r.dialect.rebind("DELETE FROM owner_attachments WHERE owner_type = ? AND owner_id = ? AND attachment_id = ?"),
		string(ref.Owner.Type), ref.Owner.ID, ref.AttachmentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendReference appends an attachment to the end of an owner's collection.
func (r *OwnerRepo) AppendReference(ctx context.Context, ref CollectionRef) error {
	_, err := r.q.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO owner_attachments (owner_type, owner_id, attachment_id, position)
		SELECT ?, ?, ?, COALESCE(MAX(position), -1) + 1
		FROM owner_attachments
		WHERE owner_type = ? AND owner_id = ?
	`), string(ref.Owner.Type), ref.Owner.ID, ref.AttachmentID, string(ref.Owner.Type), ref.Owner.ID)
	return err
}

// Create inserts an owner record. Owner lifecycle belongs to the surrounding
// business system; this exists for seeding and operator tooling.
func (r *OwnerRepo) Create(ctx context.Context, owner *models.Owner) error {
	if owner == nil {
		return fmt.Errorf("owner is required")
	}
	if owner.ID <= 0 {
		return fmt.Errorf("owner id must be positive")
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, r.dialect.rebind("INSERT INTO owners (owner_type, owner_id, name, created_at) VALUES (?, ?, ?, ?)"),
		string(owner.Type), owner.ID, strings.TrimSpace(owner.Name), formatTime(owner.CreatedAt))
	return err
}

// Delete removes an owner record and its collection. Attachment rows are
// left behind as orphans for the reconciler.
func (r *OwnerRepo) Delete(ctx context.Context, ref models.OwnerRef) (bool, error) {
	var deleted int64
	err := inTx(ctx, r.q, func(q querier) error {
		if _, err := q.ExecContext(ctx, r.dialect.rebind("DELETE FROM owner_attachments WHERE owner_type = ? AND owner_id = ?"), string(ref.Type), ref.ID); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, r.dialect.rebind("DELETE FROM owners WHERE owner_type = ? AND owner_id = ?"), string(ref.Type), ref.ID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted > 0, err
}

// List returns owners, optionally filtered by type, without collections.
func (r *OwnerRepo) List(ctx context.Context, ownerType models.OwnerType) ([]models.Owner, error) {
	query := "SELECT owner_type, owner_id, name, created_at FROM owners"
	args := []any{}
	if ownerType != "" {
		query += " WHERE owner_type = ?"
		args = append(args, string(ownerType))
	}
	query += " ORDER BY owner_type ASC, owner_id ASC"

	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := []models.Owner{}
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			owners = append(owners, *owner)
		}
	}
	return owners, rows.Err()
}

func (r *OwnerRepo) listRefs(ctx context.Context, query string) ([]CollectionRef, error) {
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []CollectionRef{}
	for rows.Next() {
		var ownerType string
		var ref CollectionRef
		if err := rows.Scan(&ownerType, &ref.Owner.ID, &ref.AttachmentID); err != nil {
			return nil, err
		}
		ref.Owner.Type = models.OwnerType(ownerType)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanOwner(scanner interface {
	Scan(dest ...any) error
}) (*models.Owner, error) {
	owner := models.Owner{Attachments: []models.Attachment{}}
	var ownerType, createdAt string
	if err := scanner.Scan(&ownerType, &owner.ID, &owner.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	owner.Type = models.OwnerType(ownerType)
	parsed, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse owner created_at: %w", err)
	}
	owner.CreatedAt = parsed
	return &owner, nil
}
