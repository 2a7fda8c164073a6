// Maintenance sweep: periodic background reconciliation of the stores.
// A run walks four phases in order, each isolated from the others so a
// failing phase never blocks the rest:
//
//  1. orphan reconciliation: retry blob deletes recorded as orphan
//     markers, and cross-check the blob backend for unreferenced blobs.
//  2. integrity validation: repair project documents whose current
//     pointer invariant drifted, and soft-delete records missing a
//     blob reference.
//  3. storage optimization: purge expired cache entries and prune
//     version retention overflow across all projects.
//  4. stats refresh: recompute global usage totals.
//
// Runs are single-flight across processes via the maintenance lease.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaintenanceInterval is how often the background loop runs.
const defaultMaintenanceInterval = 1 * time.Hour

// BlobLister is the optional listing side of a blob backend. Backends
// that implement it get the unreferenced-blob cross-check.
type BlobLister interface {
	List(ctx context.Context, folderHint string) ([]BlobInfo, error)
}

// PhaseReport is the outcome of one maintenance phase.
type PhaseReport struct {
	Name           string `json:"name"`
	Error          string `json:"error,omitempty"`
	Scanned        int    `json:"scanned"`
	Repaired       int    `json:"repaired"`
	Deleted        int    `json:"deleted"`
	BytesReclaimed int64  `json:"bytes_reclaimed"`
}

// MaintenanceReport is the outcome of one full run.
type MaintenanceReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DryRun     bool          `json:"dry_run"`
	Phases     []PhaseReport `json:"phases"`

	// global usage totals from the stats refresh phase.
	TotalArtifacts int64 `json:"total_artifacts"`
	TotalBytes     int64 `json:"total_bytes"`
	TotalDownloads int64 `json:"total_downloads"`
}

// Failed reports whether any phase recorded an error.
func (r *MaintenanceReport) Failed() bool {
	for i := range r.Phases {
		if r.Phases[i].Error != "" {
			return true
		}
	}
	return false
}

// Maintenance owns the background sweep over both tiers.
type Maintenance struct {
	Cache   *CacheStore
	Perm    *PermanentStore
	Records RecordStore
	Blobs   BlobStore
	Leases  LeaseManager

	Interval time.Duration
	Metrics  StorageMetrics
	Logger   *slog.Logger

	now func() time.Time

	mu     sync.Mutex
	cancel chan struct{}
	done   chan struct{}
}

// MaintenanceOption configures Maintenance instances.
type MaintenanceOption func(*Maintenance)

func WithMaintenanceInterval(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) {
		if d > 0 {
			m.Interval = d
		}
	}
}

func WithMaintenanceMetrics(metrics StorageMetrics) MaintenanceOption {
	return func(m *Maintenance) {
		if metrics != nil {
			m.Metrics = metrics
		}
	}
}

func WithMaintenanceClock(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMaintenanceLogger(logger *slog.Logger) MaintenanceOption {
	return func(m *Maintenance) {
		if logger != nil {
			m.Logger = logger
		}
	}
}

func NewMaintenance(cache *CacheStore, perm *PermanentStore, records RecordStore, blobs BlobStore, leases LeaseManager, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		Cache:    cache,
		Perm:     perm,
		Records:  records,
		Blobs:    blobs,
		Leases:   leases,
		Interval: defaultMaintenanceInterval,
		Metrics:  NoopStorageMetrics{},
		Logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if m.Leases == nil {
		m.Leases = NewMemoryLeaseManager()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start launches the periodic loop. It is a no-op when already
// running.
func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	m.cancel = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.cancel, m.done)
}

// Stop halts the loop and waits for an in-flight run to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

func (m *Maintenance) loop(cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			report, err := m.Run(context.Background(), false)
			if err != nil {
				if !errors.Is(err, ErrMaintenanceRunning) {
					m.Logger.Error("maintenance run failed", "error", err)
				}
				continue
			}
			if report.Failed() {
				m.Logger.Warn("maintenance run finished with phase errors", "phases", len(report.Phases))
			}
		}
	}
}

// Run executes one full sweep. Only one run proceeds at a time across
// all processes sharing the lease backend; a second caller gets
// ErrMaintenanceRunning. Running twice back-to-back with no new decay
// in between removes nothing on the second pass. With dryRun set the
// report is produced but nothing is modified.
func (m *Maintenance) Run(ctx context.Context, dryRun bool) (*MaintenanceReport, error) {
	lease, err := m.Leases.Acquire(ctx, maintenanceLeaseKey, m.Interval)
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			return nil, ErrMaintenanceRunning
		}
		return nil, fmt.Errorf("acquire maintenance lease: %w", err)
	}
	defer func() {
		_ = m.Leases.Release(context.Background(), lease)
	}()

	report := &MaintenanceReport{StartedAt: m.now(), DryRun: dryRun}

	phases := []struct {
		name string
		fn   func(ctx context.Context, dryRun bool, report *MaintenanceReport) (PhaseReport, error)
	}{
		{"orphan_reconciliation", m.reconcileOrphans},
		{"integrity_validation", m.validateIntegrity},
		{"storage_optimization", m.optimizeStorage},
		{"stats_refresh", m.refreshStats},
	}
	for _, phase := range phases {
		pr, err := phase.fn(ctx, dryRun, report)
		pr.Name = phase.name
		if err != nil {
			pr.Error = err.Error()
			m.Logger.WarnContext(ctx, "maintenance phase failed", "phase", phase.name, "error", err)
		}
		m.Metrics.RecordMaintenancePhase(phase.name, err)
		report.Phases = append(report.Phases, pr)
	}

	report.FinishedAt = m.now()
	m.Logger.InfoContext(ctx, "maintenance run finished",
		"dry_run", dryRun,
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
		"failed", report.Failed())
	return report, nil
}

// reconcileOrphans retries the blob delete behind every orphan marker
// and resolves markers whose blob is gone. When the backend supports
// listing, blobs referenced by no record or version are recorded as
// new markers; they get deleted on the next run, which gives a fresh
// upload one full interval to land its metadata. Markers whose blob
// became referenced in the meantime are resolved without deleting, so
// a metadata write landing after the marker never loses its blob.
func (m *Maintenance) reconcileOrphans(ctx context.Context, dryRun bool, _ *MaintenanceReport) (PhaseReport, error) {
	pr := PhaseReport{}

	orphans, err := m.Records.ListOrphans(ctx)
	if err != nil {
		return pr, fmt.Errorf("list orphan markers: %w", err)
	}
	pr.Scanned = len(orphans)

	known, err := m.referencedBlobIDs(ctx)
	if err != nil {
		return pr, err
	}

	if !dryRun {
		for i := range orphans {
			if known[orphans[i].BlobID] {
				if err := m.Records.ResolveOrphan(ctx, orphans[i].BlobID); err != nil {
					m.Logger.WarnContext(ctx, "orphan marker resolve failed", "blob_id", orphans[i].BlobID, "error", err)
					continue
				}
				pr.Repaired++
				continue
			}
			if err := m.Blobs.Delete(ctx, orphans[i].BlobID); err != nil {
				m.Logger.WarnContext(ctx, "orphan blob delete failed", "blob_id", orphans[i].BlobID, "error", err)
				continue
			}
			if err := m.Records.ResolveOrphan(ctx, orphans[i].BlobID); err != nil {
				m.Logger.WarnContext(ctx, "orphan marker resolve failed", "blob_id", orphans[i].BlobID, "error", err)
				continue
			}
			pr.Deleted++
		}
	}

	lister, ok := m.Blobs.(BlobLister)
	if !ok {
		return pr, nil
	}
	blobs, err := lister.List(ctx, "")
	if err != nil {
		return pr, fmt.Errorf("list backend blobs: %w", err)
	}
	marked := make(map[string]bool, len(orphans))
	for i := range orphans {
		marked[orphans[i].BlobID] = true
	}
	for i := range blobs {
		if known[blobs[i].BlobID] || marked[blobs[i].BlobID] {
			continue
		}
		pr.Scanned++
		if dryRun {
			continue
		}
		if err := m.Records.RecordOrphan(ctx, Orphan{
			BlobID:     blobs[i].BlobID,
			Reason:     "unreferenced blob found by sweep",
			RecordedAt: m.now(),
		}); err != nil {
			m.Logger.WarnContext(ctx, "orphan marker write failed", "blob_id", blobs[i].BlobID, "error", err)
			continue
		}
		pr.Repaired++
	}
	return pr, nil
}

// referencedBlobIDs collects every blob id reachable from a record or
// a project version.
func (m *Maintenance) referencedBlobIDs(ctx context.Context) (map[string]bool, error) {
	known := make(map[string]bool)

	records, err := m.Records.List(ctx, Filter{IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i := range records {
		if records[i].BlobID != "" {
			known[records[i].BlobID] = true
		}
	}

	docs, err := m.Perm.Projects.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for i := range docs {
		for j := range docs[i].Versions {
			if docs[i].Versions[j].BlobID != "" {
				known[docs[i].Versions[j].BlobID] = true
			}
		}
	}
	return known, nil
}

// validateIntegrity repairs project documents where the single-current
// invariant drifted and soft-deletes artifact records with no blob
// reference.
func (m *Maintenance) validateIntegrity(ctx context.Context, dryRun bool, _ *MaintenanceReport) (PhaseReport, error) {
	pr := PhaseReport{}

	docs, err := m.Perm.Projects.ListAll(ctx)
	if err != nil {
		return pr, fmt.Errorf("list projects: %w", err)
	}
	for i := range docs {
		pr.Scanned++
		currents := 0
		for j := range docs[i].Versions {
			if docs[i].Versions[j].IsCurrent {
				currents++
			}
		}
		healthy := currents == 1 || len(docs[i].Versions) == 0
		if healthy {
			continue
		}
		if dryRun {
			pr.Repaired++
			continue
		}
		err := m.Perm.mutateProject(ctx, docs[i].ProjectID, "integrity_repair", false, func(doc *ProjectDocument) error {
			promoteLatestLocked(doc)
			return nil
		})
		if err != nil {
			m.Logger.WarnContext(ctx, "project repair failed", "project_id", docs[i].ProjectID, "error", err)
			continue
		}
		pr.Repaired++
	}

	records, err := m.Records.List(ctx, Filter{})
	if err != nil {
		return pr, fmt.Errorf("list records: %w", err)
	}
	for i := range records {
		if records[i].BlobID != "" {
			continue
		}
		pr.Scanned++
		m.Logger.WarnContext(ctx, "record without blob reference, soft-deleting",
			"artifact_id", records[i].ID, "file_name", records[i].FileName)
		if dryRun {
			pr.Repaired++
			continue
		}
		if err := m.Records.UpdateStatus(ctx, records[i].ID, StatusDeleted); err != nil {
			m.Logger.WarnContext(ctx, "record soft-delete failed", "artifact_id", records[i].ID, "error", err)
			continue
		}
		pr.Repaired++
	}
	return pr, nil
}

// optimizeStorage purges expired cache entries and prunes version
// retention overflow across every project.
func (m *Maintenance) optimizeStorage(ctx context.Context, dryRun bool, _ *MaintenanceReport) (PhaseReport, error) {
	pr := PhaseReport{}
	if dryRun {
		candidates, err := m.Records.ListPurgeCandidates(ctx, m.now())
		if err != nil {
			return pr, fmt.Errorf("list purge candidates: %w", err)
		}
		pr.Scanned = len(candidates)
		return pr, nil
	}

	purge, err := m.Cache.PurgeExpired(ctx)
	if err != nil {
		return pr, err
	}
	pr.Scanned += purge.Scanned
	pr.Deleted += purge.Deleted
	pr.BytesReclaimed += purge.BytesReclaimed

	prune, err := m.Perm.PruneAll(ctx, 0)
	if err != nil {
		return pr, err
	}
	pr.Scanned += prune.Scanned
	pr.Deleted += prune.Deleted
	pr.BytesReclaimed += prune.BytesReclaimed

	m.Metrics.RecordPurge(pr.Deleted, purge.Failed+prune.Failed, pr.BytesReclaimed)
	return pr, nil
}

// refreshStats recomputes global usage totals into the report.
func (m *Maintenance) refreshStats(ctx context.Context, _ bool, report *MaintenanceReport) (PhaseReport, error) {
	pr := PhaseReport{}

	records, err := m.Records.List(ctx, Filter{})
	if err != nil {
		return pr, fmt.Errorf("list records: %w", err)
	}
	for i := range records {
		report.TotalArtifacts++
		report.TotalBytes += records[i].Size
		report.TotalDownloads += records[i].DownloadCount
	}

	docs, err := m.Perm.Projects.ListAll(ctx)
	if err != nil {
		return pr, fmt.Errorf("list projects: %w", err)
	}
	for i := range docs {
		for j := range docs[i].Versions {
			report.TotalArtifacts++
			report.TotalBytes += docs[i].Versions[j].Size
			report.TotalDownloads += docs[i].Versions[j].DownloadCount
		}
	}
	pr.Scanned = int(report.TotalArtifacts)
	return pr, nil
}
