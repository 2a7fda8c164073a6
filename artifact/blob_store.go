package artifact

import "context"

// BlobInfo describes an uploaded blob.
type BlobInfo struct {
	URL    string
	BlobID string
	Size   int64
}

// BlobStore is the remote object-storage abstraction for bundle blobs.
// Implementations carry no retry logic; callers own retries. Delete is
// idempotent: removing an already-gone blob id is not an error.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, nameHint, folderHint string) (*BlobInfo, error)
	Delete(ctx context.Context, blobID string) error
}
