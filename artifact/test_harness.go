package artifact

import (
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestHarness provides a fluent API for assembling a full storage
// stack on in-memory metadata stores and a local blob root.
//
// Example:
//
//	h := NewTestHarness(t).WithClock(clock.Now).Setup()
//	res, err := h.Service().Store(ctx, req)
type TestHarness struct {
	t *testing.T

	blobRoot  string
	clock     func() time.Time
	ttl       time.Duration
	maxVers   int
	policy    *QuotaPolicy
	leases    LeaseManager
	blobs     BlobStore
	logger    *slog.Logger
	opTimeout time.Duration

	records *MemoryRecordStore
	projs   *MemoryProjectStore
	cache   *CacheStore
	perm    *PermanentStore
	quota   *QuotaEnforcer
	svc     *Service
	maint   *Maintenance

	initialized bool
}

func NewTestHarness(t *testing.T) *TestHarness {
	return &TestHarness{t: t}
}

// WithBlobRoot shares a blob directory across harnesses. Use it to
// simulate separate nodes against the same backend; metadata stores
// stay per-harness.
func (h *TestHarness) WithBlobRoot(dir string) *TestHarness {
	h.blobRoot = dir
	return h
}

// WithBlobStore swaps the backend entirely, e.g. for an S3 double or a
// failure-injecting wrapper.
func (h *TestHarness) WithBlobStore(blobs BlobStore) *TestHarness {
	h.blobs = blobs
	return h
}

// WithClock injects the time source so expiration tests never sleep.
func (h *TestHarness) WithClock(now func() time.Time) *TestHarness {
	h.clock = now
	return h
}

func (h *TestHarness) WithCacheTTLValue(ttl time.Duration) *TestHarness {
	h.ttl = ttl
	return h
}

func (h *TestHarness) WithMaxVersionsValue(n int) *TestHarness {
	h.maxVers = n
	return h
}

func (h *TestHarness) WithQuotaPolicy(policy QuotaPolicy) *TestHarness {
	h.policy = &policy
	return h
}

func (h *TestHarness) WithLeases(mgr LeaseManager) *TestHarness {
	h.leases = mgr
	return h
}

func (h *TestHarness) WithLogger(logger *slog.Logger) *TestHarness {
	h.logger = logger
	return h
}

func (h *TestHarness) WithOpTimeoutValue(d time.Duration) *TestHarness {
	h.opTimeout = d
	return h
}

// Setup builds the stack. Temp directories are owned by t.TempDir and
// cleaned up automatically.
func (h *TestHarness) Setup() *TestHarness {
	if h.initialized {
		h.t.Fatal("harness already initialized")
	}

	if h.clock == nil {
		h.clock = func() time.Time { return time.Now().UTC() }
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.blobs == nil {
		if h.blobRoot == "" {
			h.blobRoot = filepath.Join(h.t.TempDir(), "blobs")
		}
		h.blobs = &LocalBlobStore{Root: h.blobRoot}
	}
	if h.leases == nil {
		h.leases = NewMemoryLeaseManager()
	}

	h.records = NewMemoryRecordStore()
	h.projs = NewMemoryProjectStore()

	cacheOpts := []CacheOption{WithCacheClock(h.clock), WithCacheLogger(h.logger)}
	if h.ttl > 0 {
		cacheOpts = append(cacheOpts, WithCacheTTL(h.ttl))
	}
	h.cache = NewCacheStore(h.blobs, h.records, cacheOpts...)

	permOpts := []PermanentOption{WithPermanentClock(h.clock), WithPermanentLogger(h.logger)}
	if h.maxVers > 0 {
		permOpts = append(permOpts, WithMaxVersions(h.maxVers))
	}
	h.perm = NewPermanentStore(h.blobs, h.projs, h.records, permOpts...)
	h.perm.SetLeaseManager(h.leases)

	policy := DefaultQuotaPolicy()
	if h.policy != nil {
		policy = *h.policy
	}
	h.quota = NewQuotaEnforcer(policy, h.cache, h.perm,
		WithQuotaClock(h.clock), WithQuotaLogger(h.logger))

	svcOpts := []ServiceOption{
		WithServiceQuota(h.quota),
		WithServiceLogger(h.logger),
	}
	if h.opTimeout > 0 {
		svcOpts = append(svcOpts, WithOpTimeout(h.opTimeout))
	}
	h.svc = NewService(h.cache, h.perm, svcOpts...)

	h.maint = NewMaintenance(h.cache, h.perm, h.records, h.blobs, h.leases,
		WithMaintenanceClock(h.clock), WithMaintenanceLogger(h.logger))

	h.initialized = true
	return h
}

func (h *TestHarness) require() {
	if !h.initialized {
		h.t.Fatal("harness not initialized, call Setup() first")
	}
}

func (h *TestHarness) Service() *Service           { h.require(); return h.svc }
func (h *TestHarness) Cache() *CacheStore          { h.require(); return h.cache }
func (h *TestHarness) Perm() *PermanentStore       { h.require(); return h.perm }
func (h *TestHarness) Quota() *QuotaEnforcer       { h.require(); return h.quota }
func (h *TestHarness) Maintenance() *Maintenance   { h.require(); return h.maint }
func (h *TestHarness) Records() *MemoryRecordStore { h.require(); return h.records }
func (h *TestHarness) Projects() *MemoryProjectStore {
	h.require()
	return h.projs
}
func (h *TestHarness) Blobs() BlobStore { h.require(); return h.blobs }
func (h *TestHarness) BlobRoot() string { return h.blobRoot }

// SharedBlobRoot returns a blob directory for multi-harness tests
// simulating nodes that share the backend.
func SharedBlobRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "shared-blobs")
}

// TestClock is a mutable time source for expiration tests.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start.UTC()}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
