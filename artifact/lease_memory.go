package artifact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// MemoryLeaseManager provides in-process lease coordination for
// single-pod deployments and tests.
type MemoryLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]memoryLeaseRecord
	tokenSeq atomic.Uint64
}

func NewMemoryLeaseManager() *MemoryLeaseManager {
	return &MemoryLeaseManager{leases: make(map[string]memoryLeaseRecord)}
}

func (m *MemoryLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[key]; ok && now.Before(rec.expiresAt) {
		return nil, ErrLeaseConflict
	}

	token := fmt.Sprintf("%s-%d-%d", key, now.UnixNano(), m.tokenSeq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[key] = memoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &Lease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

func (m *MemoryLeaseManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || lease.Key == "" || lease.Token == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[lease.Key]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.Key] = memoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}

	return &Lease{Key: lease.Key, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release gives up a lease. It is idempotent and only removes the
// record when the token still owns it.
func (m *MemoryLeaseManager) Release(_ context.Context, lease *Lease) error {
	if lease == nil || lease.Key == "" || lease.Token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[lease.Key]; ok && rec.token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}
