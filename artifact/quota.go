package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Account tiers with their storage allowances. Unlimited is expressed
// as a zero limit.
const (
	AccountFree    = "free"
	AccountPremium = "premium"
	AccountAdmin   = "admin"

	FreeQuotaBytes    = 500 << 20
	PremiumQuotaBytes = 5 << 30
)

// TierLookup resolves a user id to an account tier. Unknown users are
// treated as free accounts.
type TierLookup func(ctx context.Context, userID string) (string, error)

// QuotaPolicy maps account tiers to byte limits.
type QuotaPolicy struct {
	Limits map[string]int64
	Lookup TierLookup
}

func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		Limits: map[string]int64{
			AccountFree:    FreeQuotaBytes,
			AccountPremium: PremiumQuotaBytes,
			AccountAdmin:   0,
		},
	}
}

// LimitFor returns the byte limit for a user, 0 meaning unlimited.
func (p QuotaPolicy) LimitFor(ctx context.Context, userID string) (int64, string, error) {
	tier := AccountFree
	if p.Lookup != nil {
		resolved, err := p.Lookup(ctx, userID)
		if err != nil {
			return 0, "", fmt.Errorf("resolve account tier for %s: %w", userID, err)
		}
		if resolved != "" {
			tier = strings.ToLower(strings.TrimSpace(resolved))
		}
	}
	limit, ok := p.Limits[tier]
	if !ok {
		limit = p.Limits[AccountFree]
	}
	return limit, tier, nil
}

// QuotaReport describes one user's standing against their limit. For
// users over the limit, OverageBytes carries the excess and
// Recommendations lists the reclamation steps in escalation order.
type QuotaReport struct {
	UserID          string   `json:"user_id"`
	AccountTier     string   `json:"account_tier"`
	LimitBytes      int64    `json:"limit_bytes"`
	UsedBytes       int64    `json:"used_bytes"`
	UsedPercent     float64  `json:"used_percent"`
	OverLimit       bool     `json:"over_limit"`
	OverageBytes    int64    `json:"overage_bytes"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// EnforcementAction records one reclamation step taken for a user.
type EnforcementAction struct {
	Step           string `json:"step"`
	ProjectID      string `json:"project_id,omitempty"`
	Deleted        int    `json:"deleted"`
	BytesReclaimed int64  `json:"bytes_reclaimed"`
}

// EnforcementResult is the outcome of one enforcement pass.
type EnforcementResult struct {
	Report      QuotaReport         `json:"report"`
	Actions     []EnforcementAction `json:"actions"`
	FinalBytes  int64               `json:"final_bytes"`
	StillOver   bool                `json:"still_over"`
	DryRun      bool                `json:"dry_run"`
	ElapsedTime time.Duration       `json:"-"`
}

// QuotaEnforcer checks per-user usage and walks an escalation ladder
// when a user sits over their limit: first an aggressive purge of aged
// cache entries, then pruning project version history down to a short
// retention, and finally stripping whole projects starting with the
// longest inactive.
type QuotaEnforcer struct {
	Policy QuotaPolicy
	Cache  *CacheStore
	Perm   *PermanentStore

	// AggressiveCacheAge overrides the cache TTL during enforcement so
	// that entries younger than the regular expiry still go.
	AggressiveCacheAge time.Duration
	// EnforceRetention is the version count projects are pruned to.
	EnforceRetention int

	Logger *slog.Logger
	now    func() time.Time
}

const (
	defaultAggressiveCacheAge = 7 * 24 * time.Hour
	defaultEnforceRetention   = 3
)

func NewQuotaEnforcer(policy QuotaPolicy, cache *CacheStore, perm *PermanentStore, opts ...QuotaOption) *QuotaEnforcer {
	e := &QuotaEnforcer{
		Policy:             policy,
		Cache:              cache,
		Perm:               perm,
		AggressiveCacheAge: defaultAggressiveCacheAge,
		EnforceRetention:   defaultEnforceRetention,
		Logger:             slog.Default(),
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type QuotaOption func(*QuotaEnforcer)

func WithAggressiveCacheAge(age time.Duration) QuotaOption {
	return func(e *QuotaEnforcer) {
		if age > 0 {
			e.AggressiveCacheAge = age
		}
	}
}

func WithEnforceRetention(n int) QuotaOption {
	return func(e *QuotaEnforcer) {
		if n > 0 {
			e.EnforceRetention = n
		}
	}
}

func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(e *QuotaEnforcer) {
		if now != nil {
			e.now = now
		}
	}
}

func WithQuotaLogger(logger *slog.Logger) QuotaOption {
	return func(e *QuotaEnforcer) {
		if logger != nil {
			e.Logger = logger
		}
	}
}

// Check reports a user's usage against their limit without touching
// any stored data.
func (e *QuotaEnforcer) Check(ctx context.Context, userID string) (QuotaReport, error) {
	if strings.TrimSpace(userID) == "" {
		return QuotaReport{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	limit, tier, err := e.Policy.LimitFor(ctx, userID)
	if err != nil {
		return QuotaReport{}, err
	}
	used, err := e.usedBytes(ctx, userID)
	if err != nil {
		return QuotaReport{}, err
	}

	report := QuotaReport{
		UserID:      userID,
		AccountTier: tier,
		LimitBytes:  limit,
		UsedBytes:   used,
	}
	if limit > 0 {
		report.UsedPercent = float64(used) / float64(limit) * 100
		report.OverLimit = used > limit
	}
	if report.OverLimit {
		report.OverageBytes = used - limit
		report.Recommendations = []string{
			fmt.Sprintf("purge cached artifacts older than %s", e.AggressiveCacheAge),
			fmt.Sprintf("prune project history beyond %d retained versions", e.EnforceRetention),
			"remove projects with the longest inactivity",
		}
	}
	return report, nil
}

// Enforce brings a user back under quota, escalating through cache
// purge, version retention pruning and finally whole-project removal.
// Each step re-checks usage so the pass stops as soon as the user is
// under the limit. With dryRun set, the report is produced but no data
// is removed.
func (e *QuotaEnforcer) Enforce(ctx context.Context, userID string, dryRun bool) (*EnforcementResult, error) {
	start := e.now()

	report, err := e.Check(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := &EnforcementResult{Report: report, DryRun: dryRun, FinalBytes: report.UsedBytes}
	if !report.OverLimit {
		return result, nil
	}
	if dryRun {
		if err := e.simulateEnforcement(ctx, userID, result); err != nil {
			return result, err
		}
		result.ElapsedTime = e.now().Sub(start)
		return result, nil
	}

	// step 1: aggressive cache purge.
	purge, err := e.Cache.PurgeOlderThan(ctx, userID, e.AggressiveCacheAge)
	if err != nil {
		return result, fmt.Errorf("enforce quota for %s: %w", userID, err)
	}
	result.Actions = append(result.Actions, EnforcementAction{
		Step:           "cache_purge",
		Deleted:        purge.Deleted,
		BytesReclaimed: purge.BytesReclaimed,
	})
	if under, used, err := e.underLimit(ctx, userID, report.LimitBytes); err != nil {
		return result, err
	} else if under {
		result.FinalBytes = used
		result.ElapsedTime = e.now().Sub(start)
		return result, nil
	}

	// step 2: prune version history down to the enforcement retention.
	docs, err := e.Perm.Projects.ListByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("enforce quota for %s: %w", userID, err)
	}
	sortProjectsByActivity(docs)
	for _, doc := range docs {
		pruned, err := e.Perm.PruneProject(ctx, doc.ProjectID, e.EnforceRetention)
		if err != nil {
			e.Logger.Warn("quota prune failed", "project_id", doc.ProjectID, "error", err)
			continue
		}
		if pruned.Deleted > 0 {
			result.Actions = append(result.Actions, EnforcementAction{
				Step:           "version_prune",
				ProjectID:      doc.ProjectID,
				Deleted:        pruned.Deleted,
				BytesReclaimed: pruned.BytesReclaimed,
			})
		}
		if under, used, err := e.underLimit(ctx, userID, report.LimitBytes); err != nil {
			return result, err
		} else if under {
			result.FinalBytes = used
			result.ElapsedTime = e.now().Sub(start)
			return result, nil
		}
	}

	// step 3: strip whole projects, longest inactive first.
	for _, doc := range docs {
		removed, err := e.Perm.DeleteVersions(ctx, doc.ProjectID, nil)
		if err != nil {
			e.Logger.Warn("quota project removal failed", "project_id", doc.ProjectID, "error", err)
			continue
		}
		result.Actions = append(result.Actions, EnforcementAction{
			Step:           "project_removal",
			ProjectID:      doc.ProjectID,
			Deleted:        removed.Deleted,
			BytesReclaimed: removed.BytesReclaimed,
		})
		if under, used, err := e.underLimit(ctx, userID, report.LimitBytes); err != nil {
			return result, err
		} else if under {
			result.FinalBytes = used
			result.ElapsedTime = e.now().Sub(start)
			return result, nil
		}
	}

	used, err := e.usedBytes(ctx, userID)
	if err != nil {
		return result, err
	}
	result.FinalBytes = used
	result.StillOver = used > report.LimitBytes
	result.ElapsedTime = e.now().Sub(start)
	if result.StillOver {
		e.Logger.Warn("user still over quota after enforcement",
			"user_id", userID, "used_bytes", used, "limit_bytes", report.LimitBytes)
	}
	return result, nil
}

// simulateEnforcement estimates what each escalation step would
// reclaim without removing anything, walking the same ladder as a real
// pass and stopping once the projection drops under the limit. The
// projected usage lands in FinalBytes and StillOver.
func (e *QuotaEnforcer) simulateEnforcement(ctx context.Context, userID string, result *EnforcementResult) error {
	now := e.now()
	limit := result.Report.LimitBytes
	remaining := result.Report.UsedBytes

	// step 1: cache entries old enough for the aggressive purge.
	entries, err := e.Cache.Records.List(ctx, Filter{UserID: userID})
	if err != nil {
		return fmt.Errorf("simulate enforcement for %s: %w", userID, err)
	}
	purge := EnforcementAction{Step: "cache_purge"}
	for i := range entries {
		a := entries[i]
		if a.ProjectID != "" {
			continue
		}
		if now.Sub(a.CreatedAt) < e.AggressiveCacheAge && !a.ExpiredAt(now) {
			continue
		}
		purge.Deleted++
		purge.BytesReclaimed += a.Size
	}
	result.Actions = append(result.Actions, purge)
	remaining -= purge.BytesReclaimed
	if remaining <= limit {
		result.FinalBytes = remaining
		return nil
	}

	// step 2: versions beyond the enforcement retention, estimated
	// against a copy of each project document.
	docs, err := e.Perm.Projects.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("simulate enforcement for %s: %w", userID, err)
	}
	sortProjectsByActivity(docs)
	kept := make([]ProjectDocument, 0, len(docs))
	for i := range docs {
		work := cloneProjectDocument(docs[i])
		before := append([]Version(nil), work.Versions...)
		prunedNums, _ := pruneVersionList(&work, e.EnforceRetention)
		kept = append(kept, work)

		prune := EnforcementAction{Step: "version_prune", ProjectID: work.ProjectID}
		for _, n := range prunedNums {
			for j := range before {
				if before[j].Number == n {
					prune.Deleted++
					prune.BytesReclaimed += before[j].Size
				}
			}
		}
		if prune.Deleted == 0 {
			continue
		}
		result.Actions = append(result.Actions, prune)
		remaining -= prune.BytesReclaimed
		if remaining <= limit {
			result.FinalBytes = remaining
			return nil
		}
	}

	// step 3: whole-project removal of whatever pruning would leave.
	for i := range kept {
		removal := EnforcementAction{Step: "project_removal", ProjectID: kept[i].ProjectID}
		for j := range kept[i].Versions {
			removal.Deleted++
			removal.BytesReclaimed += kept[i].Versions[j].Size
		}
		result.Actions = append(result.Actions, removal)
		remaining -= removal.BytesReclaimed
		if remaining <= limit {
			break
		}
	}

	result.FinalBytes = remaining
	result.StillOver = remaining > limit
	return nil
}

func (e *QuotaEnforcer) underLimit(ctx context.Context, userID string, limit int64) (bool, int64, error) {
	used, err := e.usedBytes(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	return used <= limit, used, nil
}

// usedBytes sums cache-tier records and permanent version history.
func (e *QuotaEnforcer) usedBytes(ctx context.Context, userID string) (int64, error) {
	cacheUsage, err := e.Cache.Records.UsageByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read cache usage for %s: %w", userID, err)
	}
	permUsage, err := e.Perm.UsageByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read permanent usage for %s: %w", userID, err)
	}
	return cacheUsage.Bytes + permUsage.Bytes, nil
}

// sortProjectsByActivity orders project documents oldest activity
// first so enforcement reclaims the least recently touched data.
func sortProjectsByActivity(docs []ProjectDocument) {
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
}
