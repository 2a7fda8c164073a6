// Cache store manages the ephemeral artifact tier: project-less
// bundles keyed by filename, always carrying an expiration.
//
// Entry lifecycle: absent → active → expired → purged. An entry past
// its expiration is treated as a miss before any physical purge runs;
// the sweep later removes blob and metadata.
//
// Failure modes:
//
//   - Blob upload failure fails the put; no metadata is written, so a
//     crash mid-store can only leave an orphan blob, never a dangling
//     metadata pointer.
//   - Blob delete failure never blocks metadata deletion; the blob is
//     recorded as an orphan for the maintenance sweep to reconcile.
//   - The purge sweep continues past per-item failures, accumulating
//     success/failure counts.

package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultCacheTTL is the expiration applied to cache entries that do
// not specify their own.
const defaultCacheTTL = 30 * 24 * time.Hour

// cacheFolder namespaces cache-tier blobs inside the backend.
const cacheFolder = "cache"

// Resolution sources reported by Get/Download.
const (
	SourceCache     = "cache"
	SourcePermanent = "permanent"
	SourceMiss      = "miss"
)

// CacheHit is the result of a cache lookup.
type CacheHit struct {
	Source   string    `json:"source"`
	URL      string    `json:"url,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// PutOptions carries optional metadata for a cache put.
type PutOptions struct {
	TTL      time.Duration // 0 means the store default
	Tags     []string
	Metadata map[string]string
	IsPublic bool
}

// ItemFailure is a single failed item in a batch operation.
type ItemFailure struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// PurgeResult is the per-item breakdown of a purge sweep. A sweep with
// failures is still an overall success; cleanup is best-effort.
type PurgeResult struct {
	Scanned        int           `json:"scanned"`
	Deleted        int           `json:"deleted"`
	Failed         int           `json:"failed"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Failures       []ItemFailure `json:"failures,omitempty"`
}

// CacheStore manages ephemeral filename-keyed artifacts with a TTL.
type CacheStore struct {
	Blobs   BlobStore
	Records RecordStore
	TTL     time.Duration
	Logger  *slog.Logger

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CacheOption configures CacheStore instances.
type CacheOption func(*CacheStore)

// WithCacheTTL sets the default entry TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CacheStore) {
		if ttl > 0 {
			c.TTL = ttl
		}
	}
}

// WithCacheClock injects the time source. Tests use this to control
// expiration without sleeping.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CacheStore) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CacheStore) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func NewCacheStore(blobs BlobStore, records RecordStore, opts ...CacheOption) *CacheStore {
	c := &CacheStore{
		Blobs:   blobs,
		Records: records,
		TTL:     defaultCacheTTL,
		Logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *CacheStore) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locks[key]; !ok {
		c.locks[key] = &sync.Mutex{}
	}
	return c.locks[key]
}

func cacheEntryKey(fileName, userID string) string {
	return fileName + "|" + userID
}

// Put uploads data and writes a cache-tier artifact record with an
// expiration. Writes for the same filename+owner are serialized.
func (c *CacheStore) Put(ctx context.Context, data []byte, fileName, userID string, opts PutOptions) (*Artifact, error) {
	if len(data) == 0 || fileName == "" {
		return nil, fmt.Errorf("%w: data and filename are required", ErrValidation)
	}

	lock := c.lockFor(cacheEntryKey(fileName, userID))
	lock.Lock()
	defer lock.Unlock()

	owner := userID
	if owner == "" {
		owner = "anonymous"
	}

	info, err := c.Blobs.Upload(ctx, data, fileName, path.Join(cacheFolder, owner))
	if err != nil {
		return nil, fmt.Errorf("cache put %s: %w", fileName, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.TTL
	}
	now := c.now()
	expires := now.Add(ttl)

	a := &Artifact{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileName:  fileName,
		Size:      info.Size,
		BlobURL:   info.URL,
		BlobID:    info.BlobID,
		Status:    StatusActive,
		ExpiresAt: &expires,
		Tags:      append([]string{"cache", userTag(userID)}, opts.Tags...),
		Metadata:  opts.Metadata,
		IsPublic:  opts.IsPublic,
		CreatedAt: now,
	}

	if err := c.Records.Insert(ctx, a); err != nil {
		// Blob first, metadata second: roll the blob back so the failed
		// put leaves at most an orphan blob behind.
		if delErr := c.Blobs.Delete(ctx, info.BlobID); delErr != nil {
			c.Logger.WarnContext(ctx, "rollback blob delete failed", "blob_id", info.BlobID, "error", delErr)
		}
		return nil, fmt.Errorf("cache put %s: record insert: %w", fileName, err)
	}

	return a, nil
}

// Get resolves a cache entry by filename and optional owner scope.
// Entries past their expiration report a miss even before the physical
// purge has run.
func (c *CacheStore) Get(ctx context.Context, fileName, userID string) (*CacheHit, error) {
	a, err := c.Records.FindByFileName(ctx, fileName, userID)
	if err != nil {
		if err == ErrNotFound {
			return &CacheHit{Source: SourceMiss}, nil
		}
		return nil, fmt.Errorf("cache get %s: %w", fileName, err)
	}
	if a.ExpiredAt(c.now()) {
		return &CacheHit{Source: SourceMiss}, nil
	}
	return &CacheHit{Source: SourceCache, URL: a.BlobURL, Artifact: a}, nil
}

// Delete soft-deletes the record, best-effort deletes the blob, then
// hard-deletes the record. The metadata transition to deleted happens
// even when the blob call fails; the blob becomes an orphan marker.
func (c *CacheStore) Delete(ctx context.Context, id string) error {
	a, err := c.Records.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := c.Records.UpdateStatus(ctx, id, StatusDeleted); err != nil {
		return fmt.Errorf("cache delete %s: soft delete: %w", id, err)
	}
	c.deleteBlobOrMarkOrphan(ctx, a)
	if err := c.Records.Delete(ctx, id); err != nil {
		return fmt.Errorf("cache delete %s: hard delete: %w", id, err)
	}
	return nil
}

// PurgeExpired removes entries that are past their expiration or
// already soft-deleted. Running it twice back-to-back with no new
// expirations in between deletes nothing on the second pass.
func (c *CacheStore) PurgeExpired(ctx context.Context) (*PurgeResult, error) {
	return c.purge(ctx, c.now())
}

// PurgeOlderThan treats entries created more than age ago as expired,
// scoped to userID when non-empty. Quota enforcement uses it as the
// aggressive cleanup step.
func (c *CacheStore) PurgeOlderThan(ctx context.Context, userID string, age time.Duration) (*PurgeResult, error) {
	now := c.now()
	all, err := c.Records.List(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("cache purge: list: %w", err)
	}

	result := &PurgeResult{}
	for i := range all {
		a := all[i]
		if a.ProjectID != "" {
			continue // permanent-tier artifacts are not cache entries
		}
		if now.Sub(a.CreatedAt) < age && !a.ExpiredAt(now) {
			continue
		}
		result.Scanned++
		c.purgeOne(ctx, &a, result)
	}
	return result, nil
}

func (c *CacheStore) purge(ctx context.Context, before time.Time) (*PurgeResult, error) {
	candidates, err := c.Records.ListPurgeCandidates(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("cache purge: list candidates: %w", err)
	}

	result := &PurgeResult{Scanned: len(candidates)}
	for i := range candidates {
		c.purgeOne(ctx, &candidates[i], result)
	}
	return result, nil
}

// purgeOne deletes a single entry's blob and record, recording any
// failure without stopping the sweep.
func (c *CacheStore) purgeOne(ctx context.Context, a *Artifact, result *PurgeResult) {
	lock := c.lockFor(cacheEntryKey(a.FileName, a.UserID))
	lock.Lock()
	defer lock.Unlock()

	c.deleteBlobOrMarkOrphan(ctx, a)

	if err := c.Records.Delete(ctx, a.ID); err != nil {
		result.Failed++
		result.Failures = append(result.Failures, ItemFailure{ID: a.ID, Err: err.Error()})
		c.Logger.WarnContext(ctx, "cache purge item failed", "artifact_id", a.ID, "error", err)
		return
	}
	result.Deleted++
	result.BytesReclaimed += a.Size
}

func (c *CacheStore) deleteBlobOrMarkOrphan(ctx context.Context, a *Artifact) {
	if a.BlobID == "" {
		return
	}
	if err := c.Blobs.Delete(ctx, a.BlobID); err != nil {
		c.Logger.WarnContext(ctx, "blob delete failed, recording orphan", "blob_id", a.BlobID, "error", err)
		if markErr := c.Records.RecordOrphan(ctx, Orphan{
			BlobID:     a.BlobID,
			ArtifactID: a.ID,
			Reason:     "cache delete: " + err.Error(),
			RecordedAt: c.now(),
		}); markErr != nil {
			c.Logger.ErrorContext(ctx, "orphan marker write failed", "blob_id", a.BlobID, "error", markErr)
		}
	}
}

func userTag(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return "user_" + userID
}
