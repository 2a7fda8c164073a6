package artifact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisLeasePrefix = "artifactcore:lease:"

// RedisLeaseManager coordinates storage leases via Redis for
// multi-pod deployments, where an in-process mutex cannot protect
// writes across instances.
//
// Redis semantics:
//   - Acquire uses SET NX PX for atomic lock-with-TTL.
//   - Renew uses a token-checked Lua script (GET + PEXPIRE).
//   - Release uses a token-checked Lua script (GET + DEL).
//
// Token checks are required so one holder cannot accidentally renew or
// release another holder's lease.
type RedisLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisLeaseManager creates a Redis-backed lease manager. Prefix
// namespaces lease keys so multiple environments can share one Redis
// cluster; empty means the default namespace.
func NewRedisLeaseManager(client redis.UniversalClient, prefix string) (*RedisLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisLeaseManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	token, err := randomLeaseToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.redisKey(key), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseConflict
	}

	return &Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

func (m *RedisLeaseManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := time.Now().UTC()
	res, err := renewLeaseScript.Run(ctx, m.Client, []string{m.redisKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if res != 1 {
		return nil, ErrLeaseConflict
	}

	return &Lease{Key: lease.Key, Token: lease.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release always attempts the Redis call regardless of the caller's
// context state. A cancelled context must not prevent the lock from
// being freed; failing to release would block all writers until the
// TTL expires.
func (m *RedisLeaseManager) Release(_ context.Context, lease *Lease) error {
	if lease == nil || strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := releaseLeaseScript.Run(releaseCtx, m.Client, []string{m.redisKey(lease.Key)}, lease.Token).Int()
	return err
}

func (m *RedisLeaseManager) redisKey(key string) string {
	return m.Prefix + key
}

func randomLeaseToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var renewLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
