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

const attachmentColumns = "id, owner_type, owner_id, kind, file_path, original_name, content_type, size_bytes, width, height, created_at, updated_at"

// AttachmentRepo persists attachment rows.
type AttachmentRepo struct {
	q       querier
	dialect Dialect
}

// FindByID returns one attachment row.
func (r *AttachmentRepo) FindByID(ctx context.Context, id string) (*models.Attachment, error) {
	row := r.q.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`), id)
	return scanAttachment(row)
}

// FindByIDForUpdate returns one attachment row and locks it for the rest of
// the enclosing transaction.
func (r *AttachmentRepo) FindByIDForUpdate(ctx context.Context, id string) (*models.Attachment, error) {
	row := r.q.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`+r.dialect.lockClause()), id)
	return scanAttachment(row)
}

// FindByOwner lists rows owned by owner, oldest first.
func (r *AttachmentRepo) FindByOwner(ctx context.Context, owner models.OwnerRef) ([]models.Attachment, error) {
	return r.list(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE owner_type = ? AND owner_id = ? ORDER BY created_at ASC, id ASC`, string(owner.Type), owner.ID)
}

// FindByFilePath lists every row referencing path.
func (r *AttachmentRepo) FindByFilePath(ctx context.Context, path string) ([]models.Attachment, error) {
	return r.list(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE file_path = ? ORDER BY created_at ASC, id ASC`, path)
}

// CountByFilePath counts rows referencing path.
func (r *AttachmentRepo) CountByFilePath(ctx context.Context, path string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, r.dialect.rebind(`SELECT COUNT(*) FROM attachments WHERE file_path = ?`), path).Scan(&n)
	return n, err
}

// LockByFilePath locks every row referencing path, in id order, and returns
// their ids. Deletes of rows sharing a file serialize on these locks so the
// last one to commit sees the others gone.
func (r *AttachmentRepo) LockByFilePath(ctx context.Context, path string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(`SELECT id FROM attachments WHERE file_path = ? ORDER BY id ASC`+r.dialect.lockClause()), path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Exists checks whether an attachment row exists by id.
func (r *AttachmentRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := r.q.QueryRowContext(ctx, r.dialect.rebind("SELECT 1 FROM attachments WHERE id = ? LIMIT 1"), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save inserts the row or, when it exists, updates its ownership. File path
// and descriptive metadata are immutable and never rewritten.
func (r *AttachmentRepo) Save(ctx context.Context, a *models.Attachment) error {
	if a == nil {
		return fmt.Errorf("attachment is required")
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("attachment id is required")
	}
	if strings.TrimSpace(a.FilePath) == "" {
		return fmt.Errorf("attachment file_path is required")
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	_, err := r.q.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO attachments (
			id, owner_type, owner_id, kind, file_path, original_name,
			content_type, size_bytes, width, height, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_type = excluded.owner_type,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at
	`),
		a.ID,
		string(a.OwnerType),
		a.OwnerID,
		string(a.Kind),
		a.FilePath,
		a.OriginalName,
		a.ContentType,
		a.SizeBytes,
		nullInt(a.Width),
		nullInt(a.Height),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	return err
}

// Delete deletes one attachment row. It fails while any owner collection
// still references the row.
func (r *AttachmentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, r.dialect.rebind("DELETE FROM attachments WHERE id = ?"), id)
	return err
}

// ListOrphaned returns rows whose owner record no longer exists, ordered by
// id and starting after afterID.
func (r *AttachmentRepo) ListOrphaned(ctx context.Context, afterID string, limit int) ([]models.Attachment, error) {
	query := `
		SELECT a.id, a.owner_type, a.owner_id, a.kind, a.file_path, a.original_name,
			a.content_type, a.size_bytes, a.width, a.height, a.created_at, a.updated_at
		FROM attachments a
		LEFT JOIN owners o ON o.owner_type = a.owner_type AND o.owner_id = a.owner_id
		WHERE o.owner_id IS NULL AND a.id > ?
		ORDER BY a.id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

// ListFilePaths returns every distinct file path referenced by a row.
func (r *AttachmentRepo) ListFilePaths(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT DISTINCT file_path FROM attachments ORDER BY file_path ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (r *AttachmentRepo) list(ctx context.Context, query string, args ...any) ([]models.Attachment, error) {
	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := []models.Attachment{}
	for rows.Next() {
		attachment, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		if attachment == nil {
			continue
		}
		attachments = append(attachments, *attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachments, nil
}

func scanAttachment(scanner interface {
	Scan(dest ...any) error
}) (*models.Attachment, error) {
	attachment := models.Attachment{}

	var ownerType, kind string
	var width, height sql.NullInt64
	var createdAt, updatedAt string

	err := scanner.Scan(
		&attachment.ID,
		&ownerType,
		&attachment.OwnerID,
		&kind,
		&attachment.FilePath,
		&attachment.OriginalName,
		&attachment.ContentType,
		&attachment.SizeBytes,
		&width,
		&height,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	attachment.OwnerType = models.OwnerType(ownerType)
	attachment.Kind = models.AttachmentKind(kind)
	if width.Valid {
		w := int(width.Int64)
		attachment.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		attachment.Height = &h
	}

	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse attachment created_at: %w", err)
	}
	parsedUpdated, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse attachment updated_at: %w", err)
	}
	attachment.CreatedAt = parsedCreated
	attachment.UpdatedAt = parsedUpdated

	return &attachment, nil
}
