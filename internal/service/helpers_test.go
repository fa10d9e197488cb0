package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pcdattach/internal/blobstore"
	"pcdattach/internal/models"
	"pcdattach/internal/store"
)

var (
	toolOne     = models.OwnerRef{Type: models.OwnerTypeTool, ID: 1}
	rmaOne      = models.OwnerRef{Type: models.OwnerTypeRma, ID: 1}
	passdownOne = models.OwnerRef{Type: models.OwnerTypePassdown, ID: 1}
)

type fixture struct {
	svc   *AttachmentService
	st    *store.Store
	blobs *blobstore.LocalStore
}

func newFixture(t *testing.T, owners ...models.OwnerRef) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "service_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.NewLocal(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	for _, ref := range owners {
		require.NoError(t, st.Owners().Create(context.Background(), &models.Owner{Type: ref.Type, ID: ref.ID, Name: ref.String()}))
	}
	return &fixture{svc: NewAttachmentService(st, blobs, nil), st: st, blobs: blobs}
}

// withUnitOfWork returns a service sharing the fixture's stores but running
// transactions through uow.
func (f *fixture) withUnitOfWork(uow store.UnitOfWork, blobs blobstore.BlobStore) *AttachmentService {
	if blobs == nil {
		blobs = f.blobs
	}
	return NewAttachmentService(uow, blobs, nil)
}

func jpegBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00})
	return data
}

func pdfBytes() []byte {
	return []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}

func (f *fixture) attachJPEG(t *testing.T, owner models.OwnerRef) models.Attachment {
	t.Helper()
	a, err := f.svc.Attach(context.Background(), AttachInput{
		OwnerType:    owner.Type,
		OwnerID:      owner.ID,
		Content:      jpegBytes(10 * 1024),
		OriginalName: "photo.jpg",
		ContentType:  "image/jpeg",
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) blobPaths(t *testing.T) []string {
	t.Helper()
	paths := []string{}
	require.NoError(t, f.blobs.Walk(context.Background(), func(info blobstore.BlobInfo) error {
		paths = append(paths, info.Path)
		return nil
	}))
	return paths
}

func (f *fixture) blobExists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := f.blobs.Exists(context.Background(), path)
	require.NoError(t, err)
	return ok
}

func (f *fixture) collection(t *testing.T, ref models.OwnerRef) []string {
	t.Helper()
	owner, err := f.st.Owners().FindByID(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, owner, "owner %s", ref)
	ids := make([]string, 0, len(owner.Attachments))
	for _, a := range owner.Attachments {
		ids = append(ids, a.ID)
	}
	return ids
}

// requireCollectionsConsistent checks that no collection entry points at a
// row owned by someone else and no row is missing from its owner's
// collection.
func (f *fixture) requireCollectionsConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	stray, err := f.st.Owners().ListStrayReferences(ctx)
	require.NoError(t, err)
	require.Empty(t, stray, "stray collection references")
	missing, err := f.st.Owners().ListMissingReferences(ctx)
	require.NoError(t, err)
	require.Empty(t, missing, "rows missing from collections")
}

// faultyUoW runs transactions against a real store but lets tests replace
// the repositories handed to the first few transactions and observe commits.
type faultyUoW struct {
	*store.Store
	faultyTxs   int
	wrap        func(store.Repositories) store.Repositories
	afterCommit func(ctx context.Context)
	failTx      error

	txCount int
}

func (u *faultyUoW) WithinTx(ctx context.Context, fn func(store.Repositories) error) error {
	if u.failTx != nil {
		return u.failTx
	}
	n := u.txCount
	u.txCount++
	err := u.Store.WithinTx(ctx, func(repos store.Repositories) error {
		if n < u.faultyTxs && u.wrap != nil {
			repos = u.wrap(repos)
		}
		return fn(repos)
	})
	if err == nil && u.afterCommit != nil {
		hook := u.afterCommit
		u.afterCommit = nil
		hook(ctx)
	}
	return err
}

// droppingOwners saves owners without one attachment id, simulating a lost
// collection update.
type droppingOwners struct {
	store.OwnerRepository
	drop string
}

func (d droppingOwners) Save(ctx context.Context, owner *models.Owner) error {
	clone := *owner
	clone.Attachments = nil
	for _, a := range owner.Attachments {
		if a.ID != d.drop {
			clone.Attachments = append(clone.Attachments, a)
		}
	}
	return d.OwnerRepository.Save(ctx, &clone)
}

// duplicatingOwners saves every entry for one attachment id twice.
type duplicatingOwners struct {
	store.OwnerRepository
	dup string
}

func (d duplicatingOwners) Save(ctx context.Context, owner *models.Owner) error {
	clone := *owner
	clone.Attachments = nil
	for _, a := range owner.Attachments {
		clone.Attachments = append(clone.Attachments, a)
		if a.ID == d.dup {
			clone.Attachments = append(clone.Attachments, a)
		}
	}
	return d.OwnerRepository.Save(ctx, &clone)
}

// countingAttachments counts row writes.
type countingAttachments struct {
	store.AttachmentRepository
	writes *int
}

func (c countingAttachments) Save(ctx context.Context, a *models.Attachment) error {
	*c.writes++
	return c.AttachmentRepository.Save(ctx, a)
}

func (c countingAttachments) Delete(ctx context.Context, id string) error {
	*c.writes++
	return c.AttachmentRepository.Delete(ctx, id)
}

// countingOwners counts collection writes.
type countingOwners struct {
	store.OwnerRepository
	writes *int
}

func (c countingOwners) Save(ctx context.Context, owner *models.Owner) error {
	*c.writes++
	return c.OwnerRepository.Save(ctx, owner)
}

func (c countingOwners) DetachEverywhere(ctx context.Context, attachmentID string) (int64, error) {
	*c.writes++
	return c.OwnerRepository.DetachEverywhere(ctx, attachmentID)
}

func (c countingOwners) RemoveReference(ctx context.Context, ref store.CollectionRef) (int64, error) {
	*c.writes++
	return c.OwnerRepository.RemoveReference(ctx, ref)
}

func (c countingOwners) AppendReference(ctx context.Context, ref store.CollectionRef) error {
	*c.writes++
	return c.OwnerRepository.AppendReference(ctx, ref)
}

// failingDeleteBlobStore stores files normally but cannot delete them.
type failingDeleteBlobStore struct {
	blobstore.BlobStore
}

func (failingDeleteBlobStore) Delete(context.Context, string) error {
	return errors.New("delete failed")
}

// failingSaveBlobStore rejects every write.
type failingSaveBlobStore struct {
	blobstore.BlobStore
}

func (failingSaveBlobStore) Save(context.Context, io.Reader, string, string) (blobstore.SaveResult, error) {
	return blobstore.SaveResult{}, errors.New("disk full")
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	var buf bytes.Buffer
	_, err := io.Copy(&buf, rc)
	require.NoError(t, err)
	return buf.Bytes()
}
