package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pcdattach/internal/models"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// testPostgresStore opens the database named by PCDATTACH_TEST_POSTGRES_DSN
// or skips the test.
func testPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PCDATTACH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PCDATTACH_TEST_POSTGRES_DSN not set")
	}
	st, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = st.db.ExecContext(ctx, "DELETE FROM owner_attachments")
		_, _ = st.db.ExecContext(ctx, "DELETE FROM attachments")
		_, _ = st.db.ExecContext(ctx, "DELETE FROM owners")
		st.Close()
	})
	return st
}

func seedOwner(t *testing.T, st *Store, ownerType models.OwnerType, id int64) models.OwnerRef {
	t.Helper()
	owner := &models.Owner{Type: ownerType, ID: id, Name: string(ownerType) + " seed"}
	if err := st.Owners().Create(context.Background(), owner); err != nil {
		t.Fatalf("create owner %s#%d: %v", ownerType, id, err)
	}
	return owner.Ref()
}

func seedAttachment(t *testing.T, st *Store, id string, owner models.OwnerRef, path string, createdAt time.Time) models.Attachment {
	t.Helper()
	a := models.Attachment{
		ID:           id,
		OwnerType:    owner.Type,
		OwnerID:      owner.ID,
		Kind:         models.AttachmentKindDocument,
		FilePath:     path,
		OriginalName: id + ".pdf",
		ContentType:  "application/pdf",
		SizeBytes:    10,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if err := st.Attachments().Save(context.Background(), &a); err != nil {
		t.Fatalf("save attachment %s: %v", id, err)
	}
	return a
}

func TestOpenDriver(t *testing.T) {
	dir := t.TempDir()

	st, err := OpenDriver("", filepath.Join(dir, "default.db"))
	if err != nil {
		t.Fatalf("open default driver: %v", err)
	}
	if st.Dialect() != DialectSQLite {
		t.Fatalf("expected sqlite dialect, got %q", st.Dialect())
	}
	st.Close()

	if _, err := OpenDriver("mysql", "whatever"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := OpenDriver("postgres", ""); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := sqliteDSN("/tmp/pcd attach.db")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:///tmp/pcd%20attach.db?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	for _, want := range []string{"_txlock=immediate", "_pragma=foreign_keys%281%29"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %q in dsn %q", want, dsn)
		}
	}
	if _, err := sqliteDSN(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{name: "sqlite untouched", dialect: DialectSQLite, in: "SELECT 1 WHERE a = ? AND b = ?", want: "SELECT 1 WHERE a = ? AND b = ?"},
		{name: "postgres numbered", dialect: DialectPostgres, in: "SELECT 1 WHERE a = ? AND b = ?", want: "SELECT 1 WHERE a = $1 AND b = $2"},
		{name: "postgres no params", dialect: DialectPostgres, in: "SELECT 1", want: "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.rebind(tt.in); got != tt.want {
				t.Fatalf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if DialectSQLite.lockClause() != "" || DialectPostgres.lockClause() != " FOR UPDATE" {
		t.Fatal("unexpected lock clauses")
	}
}

func TestWithinTxCommitsAndRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	owner := seedOwner(t, st, models.OwnerTypeTool, 1)
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(repos Repositories) error {
		a := models.Attachment{ID: "at-roll01", OwnerType: owner.Type, OwnerID: owner.ID, Kind: models.AttachmentKindDocument, FilePath: "documents/x.pdf", CreatedAt: now}
		if err := repos.Attachments.Save(ctx, &a); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	exists, err := st.Attachments().Exists(ctx, "at-roll01")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("expected rollback to discard the row")
	}

	err = st.WithinTx(ctx, func(repos Repositories) error {
		a := models.Attachment{ID: "at-keep01", OwnerType: owner.Type, OwnerID: owner.ID, Kind: models.AttachmentKindDocument, FilePath: "documents/y.pdf", CreatedAt: now}
		if err := repos.Attachments.Save(ctx, &a); err != nil {
			return err
		}
		o, err := repos.Owners.FindByIDForUpdate(ctx, owner)
		if err != nil {
			return err
		}
		o.AddAttachment(a)
		return repos.Owners.Save(ctx, o)
	})
	if err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	got, err := st.Owners().FindByID(ctx, owner)
	if err != nil {
		t.Fatalf("find owner: %v", err)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].ID != "at-keep01" {
		t.Fatalf("expected committed collection, got %#v", got.Attachments)
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	st := testPostgresStore(t)
	ctx := context.Background()
	if st.Dialect() != DialectPostgres {
		t.Fatalf("expected postgres dialect, got %q", st.Dialect())
	}

	owner := seedOwner(t, st, models.OwnerTypeRma, 9001)
	a := seedAttachment(t, st, "at-pg0001", owner, "documents/2024/01/pg.pdf", time.Now().UTC())

	err := st.WithinTx(ctx, func(repos Repositories) error {
		locked, err := repos.Attachments.FindByIDForUpdate(ctx, a.ID)
		if err != nil {
			return err
		}
		o, err := repos.Owners.FindByIDForUpdate(ctx, owner)
		if err != nil {
			return err
		}
		o.AddAttachment(*locked)
		return repos.Owners.Save(ctx, o)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, err := st.Owners().FindByID(ctx, owner)
	if err != nil {
		t.Fatalf("find owner: %v", err)
	}
	if got.CountAttachment(a.ID) != 1 {
		t.Fatalf("expected collection to hold %s once, got %#v", a.ID, got.Attachments)
	}
	count, err := st.Attachments().CountByFilePath(ctx, a.FilePath)
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d err=%v", count, err)
	}
}
