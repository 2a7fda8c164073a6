package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordStore(t *testing.T) {
	runRecordStoreTests(t, func(t *testing.T) RecordStore {
		return NewMemoryRecordStore()
	})
}

// runRecordStoreTests exercises the RecordStore contract against any
// implementation. The Mongo test reuses it against a live database.
func runRecordStoreTests(t *testing.T, factory func(t *testing.T) RecordStore) {
	t.Run("insert_is_upsert", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		a := testArtifact("u-1", "proj.zip")
		require.NoError(t, store.Insert(ctx, a))

		a.Size = 999
		require.NoError(t, store.Insert(ctx, a))

		got, err := store.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(999), got.Size)

		usage, err := store.UsageByUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), usage.Count)
	})

	t.Run("get_absent_is_not_found", func(t *testing.T) {
		store := factory(t)
		_, err := store.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find_by_filename_picks_newest", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		older := testArtifact("u-1", "proj.zip")
		older.CreatedAt = time.Now().UTC().Add(-time.Hour)
		newer := testArtifact("u-1", "proj.zip")
		require.NoError(t, store.Insert(ctx, older))
		require.NoError(t, store.Insert(ctx, newer))

		got, err := store.FindByFileName(ctx, "proj.zip", "u-1")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)
	})

	t.Run("find_by_filename_scopes_to_user", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		mine := testArtifact("u-1", "proj.zip")
		theirs := testArtifact("u-2", "proj.zip")
		theirs.CreatedAt = time.Now().UTC().Add(time.Hour)
		require.NoError(t, store.Insert(ctx, mine))
		require.NoError(t, store.Insert(ctx, theirs))

		got, err := store.FindByFileName(ctx, "proj.zip", "u-1")
		require.NoError(t, err)
		assert.Equal(t, mine.ID, got.ID)

		_, err = store.FindByFileName(ctx, "proj.zip", "u-3")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find_by_filename_skips_deleted", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		a := testArtifact("u-1", "proj.zip")
		require.NoError(t, store.Insert(ctx, a))
		require.NoError(t, store.UpdateStatus(ctx, a.ID, StatusDeleted))

		_, err := store.FindByFileName(ctx, "proj.zip", "u-1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("purge_candidates_selects_expired_and_deleted", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)
		now := time.Now().UTC()

		live := testArtifact("u-1", "live.zip")
		expired := testArtifact("u-1", "expired.zip")
		past := now.Add(-time.Minute)
		expired.ExpiresAt = &past
		softDeleted := testArtifact("u-1", "deleted.zip")
		require.NoError(t, store.Insert(ctx, live))
		require.NoError(t, store.Insert(ctx, expired))
		require.NoError(t, store.Insert(ctx, softDeleted))
		require.NoError(t, store.UpdateStatus(ctx, softDeleted.ID, StatusDeleted))

		candidates, err := store.ListPurgeCandidates(ctx, now)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		ids := []string{candidates[0].ID, candidates[1].ID}
		assert.Contains(t, ids, expired.ID)
		assert.Contains(t, ids, softDeleted.ID)
	})

	t.Run("increment_download_updates_counter_and_timestamp", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		a := testArtifact("u-1", "proj.zip")
		require.NoError(t, store.Insert(ctx, a))

		at := time.Now().UTC().Truncate(time.Millisecond)
		got, err := store.IncrementDownload(ctx, a.ID, at)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.DownloadCount)
		require.NotNil(t, got.LastDownloadedAt)

		got, err = store.IncrementDownload(ctx, a.ID, at.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.DownloadCount)

		_, err = store.IncrementDownload(ctx, "missing", at)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete_absent_is_not_an_error", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Delete(context.Background(), "missing"))
	})

	t.Run("usage_excludes_deleted", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		a := testArtifact("u-1", "a.zip")
		a.Size = 100
		b := testArtifact("u-1", "b.zip")
		b.Size = 50
		require.NoError(t, store.Insert(ctx, a))
		require.NoError(t, store.Insert(ctx, b))
		require.NoError(t, store.UpdateStatus(ctx, b.ID, StatusDeleted))

		usage, err := store.UsageByUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), usage.Bytes)
		assert.Equal(t, int64(1), usage.Count)
	})

	t.Run("orphan_markers_upsert_and_resolve", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t)

		o := Orphan{BlobID: "blob-1", ArtifactID: "a-1", Reason: "delete failed", RecordedAt: time.Now().UTC()}
		require.NoError(t, store.RecordOrphan(ctx, o))
		o.Reason = "delete failed again"
		require.NoError(t, store.RecordOrphan(ctx, o))

		orphans, err := store.ListOrphans(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, "delete failed again", orphans[0].Reason)

		require.NoError(t, store.ResolveOrphan(ctx, "blob-1"))
		orphans, err = store.ListOrphans(ctx)
		require.NoError(t, err)
		assert.Empty(t, orphans)
	})
}

func testArtifact(userID, fileName string) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileName:  fileName,
		Size:      64,
		BlobID:    "blob-" + uuid.NewString()[:8],
		BlobURL:   "file:///tmp/" + fileName,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
}
