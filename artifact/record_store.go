package artifact

import (
	"context"
	"time"
)

// Filter narrows artifact listings. Zero values mean "any"; deleted
// records are excluded unless IncludeDeleted is set.
type Filter struct {
	UserID         string
	ProjectID      string
	Status         ArtifactStatus
	ExpiresBefore  *time.Time
	IncludeDeleted bool
}

// Usage aggregates live artifact sizes and download counters.
type Usage struct {
	Bytes     int64
	Count     int64
	Downloads int64
}

// RecordStore is the artifact-document side of the metadata
// repository. Insert is an id-based upsert so a timed-out write can be
// retried without duplicating records. IncrementDownload must be
// atomic: concurrent downloads of the same artifact never lose counts.
type RecordStore interface {
	Insert(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)

	// FindByFileName returns the newest non-deleted artifact with the
	// given filename, scoped to userID when non-empty.
	FindByFileName(ctx context.Context, fileName, userID string) (*Artifact, error)

	List(ctx context.Context, f Filter) ([]Artifact, error)

	// ListPurgeCandidates selects records that are past their
	// expiration or already soft-deleted.
	ListPurgeCandidates(ctx context.Context, before time.Time) ([]Artifact, error)

	IncrementDownload(ctx context.Context, id string, at time.Time) (*Artifact, error)
	UpdateStatus(ctx context.Context, id string, status ArtifactStatus) error

	// Delete hard-deletes the record. Deleting an absent id is not an
	// error; the expiry sweep may race with explicit deletes.
	Delete(ctx context.Context, id string) error

	UsageByUser(ctx context.Context, userID string) (*Usage, error)

	// Orphan markers: blobs whose delete failed after the metadata
	// transitioned. RecordOrphan upserts by blob id.
	RecordOrphan(ctx context.Context, o Orphan) error
	ListOrphans(ctx context.Context) ([]Orphan, error)
	ResolveOrphan(ctx context.Context, blobID string) error
}
