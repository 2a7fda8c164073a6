package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanentStore(t *testing.T) {
	t.Run("store_appends_monotonic_versions", testPermStoreAppends)
	t.Run("replace_existing_keeps_number", testPermReplaceExisting)
	t.Run("replace_on_empty_project_appends", testPermReplaceOnEmpty)
	t.Run("retention_prunes_oldest_first", testPermRetention)
	t.Run("restore_moves_pointer", testPermRestore)
	t.Run("delete_current_promotes_latest", testPermDeleteCurrentPromotes)
	t.Run("delete_all_empties_project", testPermDeleteAll)
	t.Run("record_download_counts_once", testPermRecordDownload)
	t.Run("concurrent_stores_never_lose_versions", testPermConcurrentStores)
	t.Run("lease_conflict_surfaces", testPermLeaseConflict)
}

func storeN(t *testing.T, h *TestHarness, projectID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := h.Perm().StoreVersion(ctx, projectID, []byte(fmt.Sprintf("bundle-%d", i)), StoreVersionOptions{
			UserID: "u-1",
			Note:   fmt.Sprintf("iteration %d", i),
		})
		require.NoError(t, err)
	}
}

func testPermStoreAppends(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 3)

	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Number)
		assert.Equal(t, i == 2, v.IsCurrent)
	}

	cur, err := h.Perm().GetVersion(ctx, "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, cur.Number)
}

func testPermReplaceExisting(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 2)

	res, err := h.Perm().StoreVersion(ctx, "p-1", []byte("replacement"), StoreVersionOptions{
		ReplaceExisting: true,
		Note:            "fixed a bug",
	})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, 2, res.Version.Number)

	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "fixed a bug", versions[1].Note)
	assert.Equal(t, res.Version.BlobID, versions[1].BlobID)
}

func testPermReplaceOnEmpty(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	res, err := h.Perm().StoreVersion(ctx, "p-1", []byte("first"), StoreVersionOptions{ReplaceExisting: true})
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, 1, res.Version.Number)
	assert.True(t, res.Version.IsCurrent)

	_, err = h.Perm().GetVersion(ctx, "p-1", 1)
	require.NoError(t, err)
}

func testPermRetention(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).WithMaxVersionsValue(3).Setup()

	storeN(t, h, "p-1", 5)

	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Number)
	assert.Equal(t, 5, versions[2].Number)
	assert.True(t, versions[2].IsCurrent)
}

func testPermRestore(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 3)

	restored, err := h.Perm().Restore(ctx, "p-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Number)
	assert.True(t, restored.IsCurrent)

	cur, err := h.Perm().GetVersion(ctx, "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Number)

	// Exactly one version carries the current flag.
	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	currents := 0
	for _, v := range versions {
		if v.IsCurrent {
			currents++
		}
	}
	assert.Equal(t, 1, currents)

	_, err = h.Perm().Restore(ctx, "p-1", 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func testPermDeleteCurrentPromotes(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 3)

	three := 3
	res, err := h.Perm().DeleteVersions(ctx, "p-1", &three)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	cur, err := h.Perm().GetVersion(ctx, "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Number)
}

func testPermDeleteAll(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 3)

	res, err := h.Perm().DeleteVersions(ctx, "p-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)

	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = h.Perm().GetVersion(ctx, "p-1", 0)
	require.ErrorIs(t, err, ErrNotFound)

	// Version numbering picks up after the wipe without reuse of the
	// current pointer state.
	resStore, err := h.Perm().StoreVersion(ctx, "p-1", []byte("reborn"), StoreVersionOptions{})
	require.NoError(t, err)
	assert.True(t, resStore.Version.IsCurrent)
}

func testPermRecordDownload(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	storeN(t, h, "p-1", 1)

	v, err := h.Perm().RecordDownload(ctx, "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.DownloadCount)

	v, err = h.Perm().RecordDownload(ctx, "p-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.DownloadCount)

	_, err = h.Perm().RecordDownload(ctx, "p-1", 9)
	require.ErrorIs(t, err, ErrNotFound)
}

// grantAllLeaseManager removes the lease layer so concurrency tests
// exercise the CAS retry path directly.
type grantAllLeaseManager struct{}

func (grantAllLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	return &Lease{Key: key, Token: "granted", ExpiresAt: time.Now().Add(ttl)}, nil
}

func (grantAllLeaseManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	return lease, nil
}

func (grantAllLeaseManager) Release(ctx context.Context, lease *Lease) error { return nil }

func testPermConcurrentStores(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).WithMaxVersionsValue(100).WithLeases(grantAllLeaseManager{}).Setup()
	// Generous retry budget: every goroutine must land its version.
	h.Perm().ConflictRetries = 50

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.Perm().StoreVersion(ctx, "p-1", []byte(fmt.Sprintf("w-%d", i)), StoreVersionOptions{UserID: "u-1"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	versions, err := h.Perm().ListVersions(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, versions, writers)

	seen := map[int]bool{}
	currents := 0
	for _, v := range versions {
		require.False(t, seen[v.Number], "duplicate version number %d", v.Number)
		seen[v.Number] = true
		if v.IsCurrent {
			currents++
		}
	}
	assert.Equal(t, 1, currents)
}

type alwaysConflictLeaseManager struct{}

func (alwaysConflictLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	return nil, ErrLeaseConflict
}

func (alwaysConflictLeaseManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	return nil, ErrLeaseConflict
}

func (alwaysConflictLeaseManager) Release(ctx context.Context, lease *Lease) error {
	return nil
}

func testPermLeaseConflict(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).WithLeases(alwaysConflictLeaseManager{}).Setup()

	_, err := h.Perm().StoreVersion(ctx, "p-1", []byte("bundle"), StoreVersionOptions{})
	require.ErrorIs(t, err, ErrLeaseConflict)
}
