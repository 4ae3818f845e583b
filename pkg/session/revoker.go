// Package session records administrative session revocations. Tokens issued at
// or before a worker's revocation instant are no longer honoured.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bs:session:revoked:"

// secondsCutoff separates Unix seconds from Unix milliseconds; as milliseconds
// it is early 1973, as seconds the year 5138.
const secondsCutoff = 100_000_000_000

type Revoker interface {
	Revoke(ctx context.Context, workerID string, at time.Time) error
	RevokedAt(ctx context.Context, workerID string) (time.Time, bool, error)
}

// IsRevoked compares at millisecond precision. A token that only carries a
// whole-second issued-at is revoked for the whole second of the revocation.
func IsRevoked(ctx context.Context, r Revoker, workerID string, issuedAt time.Time) (bool, error) {
	revokedAt, ok, err := r.RevokedAt(ctx, workerID)
	if err != nil || !ok {
		return false, err
	}
	return issuedAt.UnixMilli() <= revokedAt.UnixMilli(), nil
}

// RedisRevoker shares revocations between replicas. Entries expire after ttl,
// by which time every token they could affect has expired too.
type RedisRevoker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisRevoker(client redis.UniversalClient, ttl time.Duration) *RedisRevoker {
	return &RedisRevoker{client: client, ttl: ttl}
}

func (r *RedisRevoker) Revoke(ctx context.Context, workerID string, at time.Time) error {
	return r.client.Set(ctx, keyPrefix+workerID, at.UnixMilli(), r.ttl).Err()
}

func (r *RedisRevoker) RevokedAt(ctx context.Context, workerID string) (time.Time, bool, error) {
	value, err := r.client.Get(ctx, keyPrefix+workerID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	stamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	if stamp < secondsCutoff {
		// Written before revocations were kept in milliseconds.
		return time.Unix(stamp, 0), true, nil
	}
	return time.UnixMilli(stamp), true, nil
}

// MemoryRevoker keeps revocations in process, for single-instance deployments.
type MemoryRevoker struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{revoked: make(map[string]time.Time)}
}

func (r *MemoryRevoker) Revoke(ctx context.Context, workerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[workerID] = at
	return nil
}

func (r *MemoryRevoker) RevokedAt(ctx context.Context, workerID string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.revoked[workerID]
	return at, ok, nil
}
