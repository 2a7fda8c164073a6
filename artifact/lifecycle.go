// Lifecycle service: the single entry point callers use to store,
// resolve, download and delete generated bundles. Tier routing happens
// exactly once here; everything below receives an explicit tier.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// defaultOpTimeout bounds every backend round trip started by the
// service so a stuck blob backend cannot hold a request forever.
const defaultOpTimeout = 30 * time.Second

// StoreRequest describes one bundle to store. Files is the raw
// path→content map produced by generation; the service packs it into a
// single archive before upload.
type StoreRequest struct {
	Files    map[string][]byte `json:"files"`
	FileName string            `json:"file_name"`
	UserID   string            `json:"user_id"`

	// ProjectID selects the permanent tier under TierAuto routing.
	ProjectID string `json:"project_id"`
	// StorageType is the caller-facing tier selector, parsed once.
	StorageType string `json:"storage_type"`

	Note            string            `json:"note"`
	ReplaceExisting bool              `json:"replace_existing"`
	TTL             time.Duration     `json:"-"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
	IsPublic        bool              `json:"is_public"`
}

// StoreResult reports where the bundle landed.
type StoreResult struct {
	Tier      string    `json:"tier"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	Version   *Version  `json:"version,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	StackTags []string  `json:"stack_tags,omitempty"`
}

// GetRequest resolves a stored bundle. A project id targets the
// permanent tier first; FileName is the cache key and the fallback.
type GetRequest struct {
	FileName  string `json:"file_name"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Version   int    `json:"version"`
}

// GetResult is a resolved bundle reference. Source is SourceMiss when
// nothing matched; a miss is not an error.
type GetResult struct {
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	Version   *Version  `json:"version,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
}

// DeleteRequest removes either a cache entry by artifact id or
// permanent versions by project id. Version nil means every version.
type DeleteRequest struct {
	ArtifactID string `json:"artifact_id"`
	ProjectID  string `json:"project_id"`
	Version    *int   `json:"version"`
}

// ProjectSummary is the List view of one project's version history.
type ProjectSummary struct {
	ProjectID      string    `json:"project_id"`
	VersionCount   int       `json:"version_count"`
	CurrentVersion int       `json:"current_version"`
	TotalBytes     int64     `json:"total_bytes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListResult enumerates one user's stored bundles across both tiers.
type ListResult struct {
	CacheEntries []Artifact       `json:"cache_entries"`
	Projects     []ProjectSummary `json:"projects"`
}

// UserStats aggregates one user's storage footprint.
type UserStats struct {
	UserID         string       `json:"user_id"`
	CacheBytes     int64        `json:"cache_bytes"`
	CacheCount     int64        `json:"cache_count"`
	PermanentBytes int64        `json:"permanent_bytes"`
	PermanentCount int64        `json:"permanent_count"`
	Downloads      int64        `json:"downloads"`
	Quota          *QuotaReport `json:"quota,omitempty"`
}

// Service routes bundle operations to the cache or permanent tier.
type Service struct {
	Cache *CacheStore
	Perm  *PermanentStore
	// Quota is consulted on permanent writes; nil disables the block.
	Quota    *QuotaEnforcer
	Packager Packager
	Metrics  StorageMetrics
	Logger   *slog.Logger

	// OpTimeout bounds each backend operation.
	OpTimeout time.Duration
}

// ServiceOption configures Service instances.
type ServiceOption func(*Service)

func WithServiceQuota(q *QuotaEnforcer) ServiceOption {
	return func(s *Service) { s.Quota = q }
}

func WithServiceMetrics(m StorageMetrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.Metrics = m
		}
	}
}

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.Logger = logger
		}
	}
}

func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.OpTimeout = d
		}
	}
}

func NewService(cache *CacheStore, perm *PermanentStore, opts ...ServiceOption) *Service {
	s := &Service{
		Cache:     cache,
		Perm:      perm,
		Metrics:   NoopStorageMetrics{},
		Logger:    slog.Default(),
		OpTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.OpTimeout)
}

// resolveTier parses the storage type and resolves TierAuto by field
// presence. TierPermanent without a project id is a validation error.
func resolveTier(req StoreRequest) (Tier, error) {
	tier, err := ParseTier(req.StorageType)
	if err != nil {
		return TierAuto, fmt.Errorf("%w: unknown storage type %q", ErrValidation, req.StorageType)
	}
	if tier == TierAuto {
		if req.ProjectID != "" {
			tier = TierPermanent
		} else {
			tier = TierCache
		}
	}
	if tier == TierPermanent && strings.TrimSpace(req.ProjectID) == "" {
		return TierAuto, fmt.Errorf("%w: permanent storage requires a project id", ErrValidation)
	}
	return tier, nil
}

// Store packs the request's files and writes the bundle to the
// resolved tier. Permanent writes for users already over quota are
// rejected with ErrQuotaExceeded before any upload happens.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	tier, err := resolveTier(req)
	if err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: no files to store", ErrValidation)
	}

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = "project.zip"
	}
	rootName := strings.TrimSuffix(fileName, ".zip")

	data, err := s.Packager.Pack(req.Files, rootName)
	if err != nil {
		return nil, err
	}
	stackTags := StackTags(req.Files)

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if tier == TierPermanent && s.Quota != nil {
		if err := s.checkQuotaForWrite(ctx, req.UserID, int64(len(data))); err != nil {
			s.Metrics.RecordStore(tier.String(), 0, err)
			return nil, err
		}
	}

	switch tier {
	case TierCache:
		a, err := s.Cache.Put(ctx, data, fileName, req.UserID, PutOptions{
			TTL:      req.TTL,
			Tags:     append(stackTags, req.Tags...),
			Metadata: req.Metadata,
			IsPublic: req.IsPublic,
		})
		s.Metrics.RecordStore(tier.String(), int64(len(data)), err)
		if err != nil {
			return nil, err
		}
		return &StoreResult{
			Tier:      tier.String(),
			URL:       a.BlobURL,
			Size:      a.Size,
			Artifact:  a,
			StackTags: stackTags,
		}, nil

	default:
		res, err := s.Perm.StoreVersion(ctx, req.ProjectID, data, StoreVersionOptions{
			FileName:        fileName,
			Note:            req.Note,
			UserID:          req.UserID,
			ReplaceExisting: req.ReplaceExisting,
		})
		s.Metrics.RecordStore(tier.String(), int64(len(data)), err)
		if err != nil {
			return nil, err
		}
		v := res.Version
		return &StoreResult{
			Tier:      tier.String(),
			URL:       v.BlobURL,
			Size:      v.Size,
			Version:   &v,
			ProjectID: req.ProjectID,
			StackTags: stackTags,
		}, nil
	}
}

// checkQuotaForWrite rejects a permanent write that would leave the
// user more than 10% past their limit. Smaller overshoots are allowed
// and left to the enforcement pass.
func (s *Service) checkQuotaForWrite(ctx context.Context, userID string, size int64) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	report, err := s.Quota.Check(ctx, userID)
	if err != nil {
		s.Logger.WarnContext(ctx, "quota check failed, allowing write", "user_id", userID, "error", err)
		return nil
	}
	if report.LimitBytes <= 0 {
		return nil
	}
	hardLimit := report.LimitBytes + report.LimitBytes/10
	if report.UsedBytes+size > hardLimit {
		return fmt.Errorf("%w: user %s at %d of %d bytes", ErrQuotaExceeded,
			userID, report.UsedBytes, report.LimitBytes)
	}
	return nil
}

// Get resolves a bundle without counting a download. A project id
// targets the permanent tier; on a clean miss there the lookup falls
// back to the cache by filename. Backend errors never trigger the
// fallback.
func (s *Service) Get(ctx context.Context, req GetRequest) (*GetResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if req.ProjectID != "" {
		v, err := s.Perm.GetVersion(ctx, req.ProjectID, req.Version)
		if err == nil {
			return &GetResult{
				Source:    SourcePermanent,
				URL:       v.BlobURL,
				Version:   v,
				ProjectID: req.ProjectID,
			}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if req.FileName == "" {
			return &GetResult{Source: SourceMiss}, nil
		}
	}

	if req.FileName == "" {
		return nil, fmt.Errorf("%w: filename or project id is required", ErrValidation)
	}
	hit, err := s.Cache.Get(ctx, req.FileName, req.UserID)
	if err != nil {
		return nil, err
	}
	return &GetResult{Source: hit.Source, URL: hit.URL, Artifact: hit.Artifact}, nil
}

// Download resolves a bundle like Get and counts the download exactly
// once on the tier that served it. A miss counts nothing.
func (s *Service) Download(ctx context.Context, req GetRequest) (*GetResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if req.ProjectID != "" {
		v, err := s.Perm.RecordDownload(ctx, req.ProjectID, req.Version)
		if err == nil {
			s.Metrics.RecordDownload(SourcePermanent, nil)
			return &GetResult{
				Source:    SourcePermanent,
				URL:       v.BlobURL,
				Version:   v,
				ProjectID: req.ProjectID,
			}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.Metrics.RecordDownload(SourcePermanent, err)
			return nil, err
		}
		if req.FileName == "" {
			return &GetResult{Source: SourceMiss}, nil
		}
	}

	if req.FileName == "" {
		return nil, fmt.Errorf("%w: filename or project id is required", ErrValidation)
	}
	hit, err := s.Cache.Get(ctx, req.FileName, req.UserID)
	if err != nil {
		s.Metrics.RecordDownload(SourceCache, err)
		return nil, err
	}
	if hit.Source == SourceMiss {
		return &GetResult{Source: SourceMiss}, nil
	}
	counted, err := s.Cache.Records.IncrementDownload(ctx, hit.Artifact.ID, time.Now().UTC())
	if err != nil {
		// The user already has the URL; a lost count is not worth a 500.
		s.Logger.WarnContext(ctx, "download count increment failed", "artifact_id", hit.Artifact.ID, "error", err)
		counted = hit.Artifact
	}
	s.Metrics.RecordDownload(SourceCache, nil)
	return &GetResult{Source: hit.Source, URL: hit.URL, Artifact: counted}, nil
}

// Delete removes a cache entry or permanent versions, depending on
// which id the request carries.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (*PurgeResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	switch {
	case req.ProjectID != "":
		return s.Perm.DeleteVersions(ctx, req.ProjectID, req.Version)
	case req.ArtifactID != "":
		if err := s.Cache.Delete(ctx, req.ArtifactID); err != nil {
			return nil, err
		}
		return &PurgeResult{Scanned: 1, Deleted: 1}, nil
	default:
		return nil, fmt.Errorf("%w: artifact id or project id is required", ErrValidation)
	}
}

// List enumerates the user's cache entries and project summaries.
func (s *Service) List(ctx context.Context, userID string) (*ListResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	entries, err := s.Cache.Records.List(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", userID, err)
	}
	cacheOnly := entries[:0]
	for i := range entries {
		if entries[i].ProjectID == "" {
			cacheOnly = append(cacheOnly, entries[i])
		}
	}

	docs, err := s.Perm.Projects.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", userID, err)
	}
	summaries := make([]ProjectSummary, 0, len(docs))
	for i := range docs {
		sum := ProjectSummary{
			ProjectID:    docs[i].ProjectID,
			VersionCount: len(docs[i].Versions),
			TotalBytes:   docs[i].TotalSize(),
			UpdatedAt:    docs[i].UpdatedAt,
		}
		if cur := docs[i].CurrentVersion(); cur != nil {
			sum.CurrentVersion = cur.Number
		}
		summaries = append(summaries, sum)
	}

	return &ListResult{CacheEntries: cacheOnly, Projects: summaries}, nil
}

// Stats aggregates the user's footprint across both tiers, including
// the quota standing when an enforcer is configured.
func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cacheUsage, err := s.Cache.Records.UsageByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", userID, err)
	}
	permUsage, err := s.Perm.UsageByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", userID, err)
	}

	stats := &UserStats{
		UserID:         userID,
		CacheBytes:     cacheUsage.Bytes,
		CacheCount:     cacheUsage.Count,
		PermanentBytes: permUsage.Bytes,
		PermanentCount: permUsage.Count,
		Downloads:      cacheUsage.Downloads + permUsage.Downloads,
	}
	if s.Quota != nil {
		report, err := s.Quota.Check(ctx, userID)
		if err != nil {
			s.Logger.WarnContext(ctx, "quota check failed during stats", "user_id", userID, "error", err)
		} else {
			stats.Quota = &report
		}
	}
	return stats, nil
}
