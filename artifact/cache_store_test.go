package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheStore(t *testing.T) {
	t.Run("put_get_round_trip", testCachePutGetRoundTrip)
	t.Run("expired_entry_is_a_miss", testCacheExpiredEntryIsMiss)
	t.Run("purge_is_idempotent", testCachePurgeIdempotent)
	t.Run("delete_removes_blob_and_record", testCacheDeleteRemovesBoth)
	t.Run("purge_older_than_scopes_to_user", testCachePurgeOlderThan)
	t.Run("anonymous_put_gets_anonymous_tag", testCacheAnonymousTag)
}

func testCachePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	a, err := h.Cache().Put(ctx, []byte("zip-bytes"), "proj.zip", "u-1", PutOptions{
		Tags:     []string{"python"},
		Metadata: map[string]string{"task": "classification"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.NotEmpty(t, a.BlobURL)
	require.NotNil(t, a.ExpiresAt)
	assert.Contains(t, a.Tags, "cache")
	assert.Contains(t, a.Tags, "user_u-1")
	assert.Contains(t, a.Tags, "python")

	hit, err := h.Cache().Get(ctx, "proj.zip", "u-1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, hit.Source)
	assert.Equal(t, a.BlobURL, hit.URL)

	// Another user's scope does not see the entry.
	miss, err := h.Cache().Get(ctx, "proj.zip", "u-2")
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, miss.Source)
}

func testCacheExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	clock := NewTestClock(time.Now())
	h := NewTestHarness(t).WithClock(clock.Now).WithCacheTTLValue(time.Hour).Setup()

	_, err := h.Cache().Put(ctx, []byte("zip-bytes"), "proj.zip", "u-1", PutOptions{})
	require.NoError(t, err)

	hit, err := h.Cache().Get(ctx, "proj.zip", "u-1")
	require.NoError(t, err)
	require.Equal(t, SourceCache, hit.Source)

	// Past the TTL the entry reads as a miss before any purge runs.
	clock.Advance(2 * time.Hour)
	hit, err = h.Cache().Get(ctx, "proj.zip", "u-1")
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, hit.Source)
}

func testCachePurgeIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := NewTestClock(time.Now())
	h := NewTestHarness(t).WithClock(clock.Now).WithCacheTTLValue(time.Hour).Setup()

	first, err := h.Cache().Put(ctx, []byte("aaaa"), "a.zip", "u-1", PutOptions{})
	require.NoError(t, err)
	_, err = h.Cache().Put(ctx, []byte("bbbb"), "b.zip", "u-1", PutOptions{TTL: 48 * time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	res, err := h.Cache().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, first.Size, res.BytesReclaimed)

	// Second pass with no new expirations removes nothing.
	res, err = h.Cache().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, 0, res.Deleted)

	// The survivor is still resolvable.
	hit, err := h.Cache().Get(ctx, "b.zip", "u-1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, hit.Source)
}

func testCacheDeleteRemovesBoth(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	a, err := h.Cache().Put(ctx, []byte("zip-bytes"), "proj.zip", "u-1", PutOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Cache().Delete(ctx, a.ID))

	_, err = h.Records().Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	hit, err := h.Cache().Get(ctx, "proj.zip", "u-1")
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, hit.Source)

	// Deleting again reports absence.
	err = h.Cache().Delete(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func testCachePurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	clock := NewTestClock(time.Now())
	h := NewTestHarness(t).WithClock(clock.Now).WithCacheTTLValue(30 * 24 * time.Hour).Setup()

	_, err := h.Cache().Put(ctx, []byte("old"), "old.zip", "u-1", PutOptions{})
	require.NoError(t, err)
	_, err = h.Cache().Put(ctx, []byte("other-user"), "other.zip", "u-2", PutOptions{})
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	_, err = h.Cache().Put(ctx, []byte("fresh"), "fresh.zip", "u-1", PutOptions{})
	require.NoError(t, err)

	res, err := h.Cache().PurgeOlderThan(ctx, "u-1", 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	hit, err := h.Cache().Get(ctx, "fresh.zip", "u-1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, hit.Source)

	hit, err = h.Cache().Get(ctx, "other.zip", "u-2")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, hit.Source)
}

func testCacheAnonymousTag(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	a, err := h.Cache().Put(ctx, []byte("zip-bytes"), "proj.zip", "", PutOptions{})
	require.NoError(t, err)
	assert.Contains(t, a.Tags, "anonymous")
}
