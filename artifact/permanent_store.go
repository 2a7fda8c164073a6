// Permanent store manages the project-bound artifact tier: bounded
// version history per project, a current-version pointer, and restore.
//
// Write protocol:
//
//   - Blob upload always precedes the metadata write, so a crash
//     mid-store leaves at most an orphan blob.
//   - Every mutation of a project's version list goes through a
//     per-project lease plus a CAS token on the project document. The
//     lease makes concurrent writers rare; the CAS retry is the hard
//     guard against lost updates (including two replace-in-place calls
//     racing on the same project).
//   - Blob deletes are best-effort and never block the metadata
//     transition; failures become orphan markers.
//
// Invariants maintained here:
//
//   - Version numbers are unique and monotonically increasing (max+1).
//   - At most one version per project has the current flag.
//   - Pruning removes oldest-first and never touches the current
//     version; a project never retains more than MaxVersions versions.

package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"
)

// defaultMaxVersionsPerProject bounds version retention.
const defaultMaxVersionsPerProject = 10

// projectFolder namespaces permanent-tier blobs inside the backend.
const projectFolder = "projects"

const defaultConflictRetries = 3

// StoreVersionOptions carries the per-call knobs for StoreVersion.
type StoreVersionOptions struct {
	FileName        string
	Note            string
	UserID          string
	ReplaceExisting bool
}

// StoreVersionResult reports what a StoreVersion call did.
type StoreVersionResult struct {
	Version  Version `json:"version"`
	Replaced bool    `json:"replaced"`
	// PrunedVersions lists version numbers removed by retention.
	PrunedVersions []int `json:"pruned_versions,omitempty"`
}

// PermanentStore manages per-project versioned artifacts.
type PermanentStore struct {
	Blobs    BlobStore
	Projects ProjectStore
	Records  RecordStore // orphan markers only
	Leases   LeaseManager

	MaxVersions     int
	LeaseTTL        time.Duration
	ConflictRetries int
	RetryObserver   ConflictRetryObserver
	Logger          *slog.Logger

	now func() time.Time
}

// PermanentOption configures PermanentStore instances.
type PermanentOption func(*PermanentStore)

// WithMaxVersions bounds per-project version retention.
func WithMaxVersions(max int) PermanentOption {
	return func(p *PermanentStore) {
		if max > 0 {
			p.MaxVersions = max
		}
	}
}

func WithPermanentLeaseTTL(ttl time.Duration) PermanentOption {
	return func(p *PermanentStore) {
		if ttl > 0 {
			p.LeaseTTL = ttl
		}
	}
}

func WithConflictRetries(n int) PermanentOption {
	return func(p *PermanentStore) {
		if n >= 0 {
			p.ConflictRetries = n
		}
	}
}

func WithRetryObserver(observer ConflictRetryObserver) PermanentOption {
	return func(p *PermanentStore) {
		p.RetryObserver = observer
	}
}

func WithPermanentClock(now func() time.Time) PermanentOption {
	return func(p *PermanentStore) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPermanentLogger(logger *slog.Logger) PermanentOption {
	return func(p *PermanentStore) {
		if logger != nil {
			p.Logger = logger
		}
	}
}

func NewPermanentStore(blobs BlobStore, projects ProjectStore, records RecordStore, opts ...PermanentOption) *PermanentStore {
	p := &PermanentStore{
		Blobs:           blobs,
		Projects:        projects,
		Records:         records,
		Leases:          NewMemoryLeaseManager(),
		MaxVersions:     defaultMaxVersionsPerProject,
		LeaseTTL:        defaultLeaseTTL,
		ConflictRetries: defaultConflictRetries,
		Logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SetLeaseManager swaps the lease manager, falling back to in-memory.
func (p *PermanentStore) SetLeaseManager(mgr LeaseManager) {
	if mgr == nil {
		p.Leases = NewMemoryLeaseManager()
		return
	}
	p.Leases = mgr
}

// StoreVersion uploads a new bundle blob for the project. With
// ReplaceExisting it overwrites the current version's blob reference
// in place; otherwise it appends version max+1 and moves the current
// pointer to it, then prunes retention overflow.
func (p *PermanentStore) StoreVersion(ctx context.Context, projectID string, data []byte, opts StoreVersionOptions) (*StoreVersionResult, error) {
	if projectID == "" || len(data) == 0 {
		return nil, fmt.Errorf("%w: project id and data are required", ErrValidation)
	}

	folder := path.Join(projectFolder, projectID)
	nameHint := opts.FileName
	if nameHint == "" {
		nameHint = projectID
	}
	info, err := p.Blobs.Upload(ctx, data, nameHint, folder)
	if err != nil {
		return nil, fmt.Errorf("store version for %s: %w", projectID, err)
	}

	var result StoreVersionResult
	var replacedBlobs []string
	mutErr := p.mutateProject(ctx, projectID, "store_version", true, func(doc *ProjectDocument) error {
		replacedBlobs = replacedBlobs[:0]
		if opts.UserID != "" {
			doc.UserID = opts.UserID
		}

		now := p.now()
		if opts.ReplaceExisting {
			if cur := doc.CurrentVersion(); cur != nil {
				replacedBlobs = append(replacedBlobs, cur.BlobID)
				cur.BlobID = info.BlobID
				cur.BlobURL = info.URL
				cur.Size = info.Size
				cur.GeneratedAt = now
				if opts.Note != "" {
					cur.Note = opts.Note
				}
				result = StoreVersionResult{Version: *cur, Replaced: true}
				return nil
			}
			// Nothing to replace yet: fall through to append.
		}

		next := Version{
			Number:      doc.maxVersionNumber() + 1,
			Note:        opts.Note,
			BlobURL:     info.URL,
			BlobID:      info.BlobID,
			Size:        info.Size,
			IsCurrent:   true,
			GeneratedAt: now,
		}
		for i := range doc.Versions {
			doc.Versions[i].IsCurrent = false
		}
		doc.Versions = append(doc.Versions, next)

		pruned, prunedBlobs := pruneVersionList(doc, p.MaxVersions)
		replacedBlobs = append(replacedBlobs, prunedBlobs...)
		result = StoreVersionResult{Version: next, PrunedVersions: pruned}
		return nil
	})
	if mutErr != nil {
		// The metadata write never landed; roll the fresh blob back.
		if delErr := p.Blobs.Delete(ctx, info.BlobID); delErr != nil {
			p.Logger.WarnContext(ctx, "rollback blob delete failed", "blob_id", info.BlobID, "error", delErr)
		}
		return nil, mutErr
	}

	p.deleteBlobsOrMarkOrphans(ctx, projectID, replacedBlobs, "version replaced")
	return &result, nil
}

// GetVersion returns the version with the given number, or the current
// version when number <= 0. Returns ErrNotFound for absent projects
// and absent versions alike.
func (p *PermanentStore) GetVersion(ctx context.Context, projectID string, number int) (*Version, error) {
	doc, err := p.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var v *Version
	if number <= 0 {
		v = doc.CurrentVersion()
	} else {
		v = doc.FindVersion(number)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

// ListVersions returns the project's versions sorted oldest-first.
func (p *PermanentStore) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	doc, err := p.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := append([]Version(nil), doc.Versions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Restore moves the current pointer to the target version. It is a
// pointer move, never a data copy.
func (p *PermanentStore) Restore(ctx context.Context, projectID string, number int) (*Version, error) {
	var restored Version
	err := p.mutateProject(ctx, projectID, "restore", false, func(doc *ProjectDocument) error {
		target := doc.FindVersion(number)
		if target == nil {
			return ErrNotFound
		}
		for i := range doc.Versions {
			doc.Versions[i].IsCurrent = doc.Versions[i].Number == number
		}
		restored = *target
		restored.IsCurrent = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}

// DeleteVersions removes one version, or every version when number is
// nil. Deleting the current version promotes the next-most-recent; an
// emptied list clears the pointer. Blob deletes are attempted after
// the metadata commit and never fail the call.
func (p *PermanentStore) DeleteVersions(ctx context.Context, projectID string, number *int) (*PurgeResult, error) {
	var doomed []Version
	err := p.mutateProject(ctx, projectID, "delete_versions", false, func(doc *ProjectDocument) error {
		doomed = doomed[:0]
		if number == nil {
			doomed = append(doomed, doc.Versions...)
			doc.Versions = nil
			return nil
		}

		target := doc.FindVersion(*number)
		if target == nil {
			return ErrNotFound
		}
		wasCurrent := target.IsCurrent
		doomed = append(doomed, *target)

		kept := doc.Versions[:0]
		for i := range doc.Versions {
			if doc.Versions[i].Number != *number {
				kept = append(kept, doc.Versions[i])
			}
		}
		doc.Versions = kept

		if wasCurrent && len(doc.Versions) > 0 {
			promoteLatestLocked(doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{Scanned: len(doomed)}
	for i := range doomed {
		result.Deleted++
		result.BytesReclaimed += doomed[i].Size
	}
	blobIDs := make([]string, 0, len(doomed))
	for i := range doomed {
		blobIDs = append(blobIDs, doomed[i].BlobID)
	}
	p.deleteBlobsOrMarkOrphans(ctx, projectID, blobIDs, "version deleted")
	return result, nil
}

// RecordDownload increments the version's download counter and
// timestamp under the CAS guard so concurrent downloads never lose
// counts. Expiration is unaffected.
func (p *PermanentStore) RecordDownload(ctx context.Context, projectID string, number int) (*Version, error) {
	var out Version
	err := p.mutateProject(ctx, projectID, "record_download", false, func(doc *ProjectDocument) error {
		var v *Version
		if number <= 0 {
			v = doc.CurrentVersion()
		} else {
			v = doc.FindVersion(number)
		}
		if v == nil {
			return ErrNotFound
		}
		v.DownloadCount++
		out = *v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PruneProject trims the project to at most keep versions, removing
// oldest-first and never the current version.
func (p *PermanentStore) PruneProject(ctx context.Context, projectID string, keep int) (*PurgeResult, error) {
	if keep <= 0 {
		keep = p.MaxVersions
	}

	var prunedVersions []Version
	err := p.mutateProject(ctx, projectID, "prune", false, func(doc *ProjectDocument) error {
		prunedVersions = prunedVersions[:0]
		before := append([]Version(nil), doc.Versions...)
		prunedNums, _ := pruneVersionList(doc, keep)
		for _, n := range prunedNums {
			for i := range before {
				if before[i].Number == n {
					prunedVersions = append(prunedVersions, before[i])
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{Scanned: len(prunedVersions), Deleted: len(prunedVersions)}
	blobIDs := make([]string, 0, len(prunedVersions))
	for i := range prunedVersions {
		result.BytesReclaimed += prunedVersions[i].Size
		blobIDs = append(blobIDs, prunedVersions[i].BlobID)
	}
	p.deleteBlobsOrMarkOrphans(ctx, projectID, blobIDs, "version pruned")
	return result, nil
}

// PruneAll trims every project to at most keep versions. Per-project
// failures are accumulated, never aborting the pass.
func (p *PermanentStore) PruneAll(ctx context.Context, keep int) (*PurgeResult, error) {
	docs, err := p.Projects.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("prune all: list projects: %w", err)
	}

	total := &PurgeResult{}
	for i := range docs {
		res, err := p.PruneProject(ctx, docs[i].ProjectID, keep)
		if err != nil {
			total.Failed++
			total.Failures = append(total.Failures, ItemFailure{ID: docs[i].ProjectID, Err: err.Error()})
			continue
		}
		total.Scanned += res.Scanned
		total.Deleted += res.Deleted
		total.BytesReclaimed += res.BytesReclaimed
	}
	return total, nil
}

// UsageByUser sums live version sizes across the user's projects.
func (p *PermanentStore) UsageByUser(ctx context.Context, userID string) (*Usage, error) {
	docs, err := p.Projects.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := &Usage{}
	for i := range docs {
		for j := range docs[i].Versions {
			u.Bytes += docs[i].Versions[j].Size
			u.Count++
			u.Downloads += docs[i].Versions[j].DownloadCount
		}
	}
	return u, nil
}

// mutateProject runs fn against the project document under the
// per-project lease and CAS retry. fn sees a private copy; it is
// re-invoked from a fresh read on every CAS conflict.
func (p *PermanentStore) mutateProject(ctx context.Context, projectID, operation string, allowCreate bool, fn func(doc *ProjectDocument) error) error {
	lease, err := p.Leases.Acquire(ctx, projectLeaseKey(projectID), p.LeaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			p.Logger.WarnContext(ctx, "project lease conflict", "project_id", projectID, "operation", operation)
		}
		return fmt.Errorf("acquire project lease: %w", err)
	}
	defer func() {
		_ = p.Leases.Release(context.Background(), lease)
	}()

	return runWithConflictRetry(ctx, operation, p.ConflictRetries, p.RetryObserver, func() error {
		doc, err := p.Projects.Get(ctx, projectID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) || !allowCreate {
				return err
			}
			doc = &ProjectDocument{ProjectID: projectID}
		}

		work := cloneProjectDocument(*doc)
		if err := fn(&work); err != nil {
			return err
		}
		work.UpdatedAt = p.now()

		_, err = p.Projects.UpsertIfMatch(ctx, &work, doc.Token)
		return err
	})
}

func (p *PermanentStore) deleteBlobsOrMarkOrphans(ctx context.Context, projectID string, blobIDs []string, reason string) {
	for _, id := range blobIDs {
		if id == "" {
			continue
		}
		if err := p.Blobs.Delete(ctx, id); err == nil {
			continue
		} else {
			p.Logger.WarnContext(ctx, "blob delete failed, recording orphan", "blob_id", id, "project_id", projectID, "error", err)
			if markErr := p.Records.RecordOrphan(ctx, Orphan{
				BlobID:     id,
				ProjectID:  projectID,
				Reason:     reason + ": " + err.Error(),
				RecordedAt: p.now(),
			}); markErr != nil {
				p.Logger.ErrorContext(ctx, "orphan marker write failed", "blob_id", id, "error", markErr)
			}
		}
	}
}

// pruneVersionList trims doc to at most keep versions, oldest-first,
// never removing the current version. Returns the pruned numbers and
// their blob ids.
func pruneVersionList(doc *ProjectDocument, keep int) ([]int, []string) {
	if keep <= 0 || len(doc.Versions) <= keep {
		return nil, nil
	}

	sorted := append([]Version(nil), doc.Versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var prunedNums []int
	var prunedBlobs []string
	excess := len(sorted) - keep
	doomed := make(map[int]bool, excess)
	for i := 0; i < len(sorted) && len(doomed) < excess; i++ {
		if sorted[i].IsCurrent {
			continue
		}
		doomed[sorted[i].Number] = true
		prunedNums = append(prunedNums, sorted[i].Number)
		prunedBlobs = append(prunedBlobs, sorted[i].BlobID)
	}

	kept := doc.Versions[:0]
	for i := range doc.Versions {
		if !doomed[doc.Versions[i].Number] {
			kept = append(kept, doc.Versions[i])
		}
	}
	doc.Versions = kept
	return prunedNums, prunedBlobs
}

// promoteLatestLocked flags the highest-numbered remaining version as
// current after the previous current was deleted.
func promoteLatestLocked(doc *ProjectDocument) {
	best := -1
	for i := range doc.Versions {
		doc.Versions[i].IsCurrent = false
		if best == -1 || doc.Versions[i].Number > doc.Versions[best].Number {
			best = i
		}
	}
	if best >= 0 {
		doc.Versions[best].IsCurrent = true
	}
}
