package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pcdattach/internal/blobstore"
	"pcdattach/internal/models"
	"pcdattach/internal/store"
)

// newPostgresFixture opens the database named by PCDATTACH_TEST_POSTGRES_DSN
// or skips the test.
func newPostgresFixture(t *testing.T, owners ...models.OwnerRef) *fixture {
	t.Helper()
	dsn := os.Getenv("PCDATTACH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PCDATTACH_TEST_POSTGRES_DSN not set")
	}
	st, err := store.OpenPostgres(dsn)
	require.NoError(t, err)

	blobs, err := blobstore.NewLocal(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	ctx := context.Background()
	for _, ref := range owners {
		_, _ = st.Owners().Delete(ctx, ref)
		require.NoError(t, st.Owners().Create(ctx, &models.Owner{Type: ref.Type, ID: ref.ID, Name: ref.String()}))
	}
	t.Cleanup(func() {
		for _, ref := range owners {
			_, _ = st.Owners().Delete(ctx, ref)
		}
		st.Close()
	})
	return &fixture{svc: NewAttachmentService(st, blobs, nil), st: st, blobs: blobs}
}

// deleteSiblingsConcurrently shares one file across two owners, deletes both
// rows at once and checks that the file goes with the last one.
func deleteSiblingsConcurrently(t *testing.T, f *fixture, a, b models.OwnerRef) {
	t.Helper()
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		original := f.attachJPEG(t, a)
		shared, err := f.svc.Share(ctx, original.ID, b)
		require.NoError(t, err)
		require.Equal(t, original.FilePath, shared.FilePath)

		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, id := range []string{original.ID, shared.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				errs[i] = f.svc.Delete(ctx, id)
			}(i, id)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0], "round %d", round)
		require.NoError(t, errs[1], "round %d", round)

		n, err := f.st.Attachments().CountByFilePath(ctx, original.FilePath)
		require.NoError(t, err)
		require.Zero(t, n)
		require.False(t, f.blobExists(t, original.FilePath), "round %d: file outlived its last row", round)
	}
	require.Empty(t, f.collection(t, a))
	require.Empty(t, f.collection(t, b))
}

func TestConcurrentDeleteOfSharedRowsRemovesFile(t *testing.T) {
	f := newFixture(t, toolOne, rmaOne)
	deleteSiblingsConcurrently(t, f, toolOne, rmaOne)
}

func TestConcurrentDeleteOfSharedRowsRemovesFilePostgres(t *testing.T) {
	tool := models.OwnerRef{Type: models.OwnerTypeTool, ID: 77001}
	rma := models.OwnerRef{Type: models.OwnerTypeRma, ID: 77001}
	f := newPostgresFixture(t, tool, rma)
	deleteSiblingsConcurrently(t, f, tool, rma)
}
