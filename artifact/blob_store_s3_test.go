package artifact

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-alok/free-mind-ai-sub000/artifact/testutil"
)

func newTestS3BlobStore(t *testing.T) (*S3BlobStore, *testutil.MockS3) {
	t.Helper()
	ctx := context.Background()

	mock, err := testutil.StartMockS3(ctx, "artifacts-test")
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewS3BlobStore(mock.Client, mock.Bucket, "generated"), mock
}

func TestS3BlobStore(t *testing.T) {
	ctx := context.Background()

	t.Run("upload_builds_prefixed_key", func(t *testing.T) {
		store, mock := newTestS3BlobStore(t)

		info, err := store.Upload(ctx, []byte("zip-bytes"), "sentiment analysis.zip", "cache/u-1")
		require.NoError(t, err)
		assert.Equal(t, int64(9), info.Size)
		assert.True(t, strings.HasPrefix(info.BlobID, "generated/cache/u-1/sentiment_analysis_"), "key %q", info.BlobID)
		assert.True(t, strings.HasSuffix(info.BlobID, ".zip"))
		assert.Contains(t, info.URL, info.BlobID)

		count, err := mock.ObjectCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("delete_is_idempotent", func(t *testing.T) {
		store, mock := newTestS3BlobStore(t)

		info, err := store.Upload(ctx, []byte("zip-bytes"), "proj.zip", "cache")
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, info.BlobID))
		require.NoError(t, store.Delete(ctx, info.BlobID))
		require.NoError(t, store.Delete(ctx, "generated/never-existed.zip"))

		count, err := mock.ObjectCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("list_scopes_to_folder", func(t *testing.T) {
		store, _ := newTestS3BlobStore(t)

		_, err := store.Upload(ctx, []byte("a"), "a.zip", "cache/u-1")
		require.NoError(t, err)
		_, err = store.Upload(ctx, []byte("bb"), "b.zip", "projects/p-1")
		require.NoError(t, err)

		all, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		cached, err := store.List(ctx, "cache")
		require.NoError(t, err)
		require.Len(t, cached, 1)
		assert.Equal(t, int64(1), cached[0].Size)
	})

	t.Run("public_base_url_overrides_default", func(t *testing.T) {
		store, _ := newTestS3BlobStore(t)
		store.PublicBaseURL = "https://cdn.example.com"

		info, err := store.Upload(ctx, []byte("x"), "x.zip", "cache")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(info.URL, "https://cdn.example.com/generated/cache/"), "url %q", info.URL)
	})

	t.Run("works_as_service_backend", func(t *testing.T) {
		store, _ := newTestS3BlobStore(t)
		h := NewTestHarness(t).WithBlobStore(store).Setup()

		res, err := h.Service().Store(ctx, StoreRequest{
			Files:     map[string][]byte{"main.py": []byte("print('hi')")},
			FileName:  "proj.zip",
			UserID:    "u-1",
			ProjectID: "p-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "permanent", res.Tier)

		got, err := h.Service().Download(ctx, GetRequest{ProjectID: "p-1"})
		require.NoError(t, err)
		assert.Equal(t, SourcePermanent, got.Source)
		assert.NotEmpty(t, got.URL)
	})
}
