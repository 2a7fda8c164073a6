// lease.go defines the LeaseManager interface used to coordinate
// storage writes across pods.
//
// Two kinds of keys flow through it:
//
//   - "project:<id>" — held around permanent-store mutations so two
//     writers rarely race on the same project's version document. The
//     lease is intentionally coarse: the CAS token on the project
//     document remains the hard correctness guard; the lease only
//     makes conflicts rare rather than safe.
//   - "maintenance" — held for the whole maintenance sweep so at most
//     one sweep is active cluster-wide; an overlapping run self-skips.

package artifact

import (
	"context"
	"time"
)

const defaultLeaseTTL = 30 * time.Second

// Lease represents a held distributed lock for a single key. Token is
// used by the manager to verify ownership on Renew and Release, so one
// holder cannot accidentally release another's lease.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// LeaseManager provides distributed coordination for storage writes.
// Acquire returns ErrLeaseConflict when the lease is already held.
// Release is best-effort and must not be skipped on error paths.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

func projectLeaseKey(projectID string) string {
	return "project:" + projectID
}

const maintenanceLeaseKey = "maintenance"
