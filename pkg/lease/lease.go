// Package lease implements the Redis-backed named locks of spec.md
// §4.3: at-most-one active worker per job, guaranteed by an NX+PX set
// and a compare-and-delete release. It wraps bsm/redislock, which
// already implements that exact Lua-script CAS-release contract on
// top of go-redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/gitnasr/torreclou/pkg/log"
)

// Locker acquires, renews, and releases named leases.
type Locker struct {
	client *redislock.Client
}

func New(rdb *redis.Client) *Locker {
	return &Locker{client: redislock.New(rdb)}
}

// Lease is a held lock. Callers must Release it when the stage finishes.
type Lease struct {
	lock *redislock.Lock
	key  string
}

// GoogleDriveKey and S3Key build the lock keys of spec.md §4.3.
func GoogleDriveKey(jobID int64) string { return fmt.Sprintf("gdrive:lock:%d", jobID) }
func S3Key(jobID int64) string          { return fmt.Sprintf("s3:lock:%d", jobID) }

// RecoveryLeaderKey is the lease key that gates which worker process
// runs a given Recovery Supervisor scan window.
const RecoveryLeaderKey = "recovery:leader"

// Acquire returns (nil, nil) — not an error — when the lock is
// already held, matching spec.md's "if acquire returns null the
// worker logs and returns success" failure mode.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		log.WithComponent("lease").Info().Str("key", key).Msg("lease already held, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return &Lease{lock: lock, key: key}, nil
}

// Renew extends the lease's TTL. It fails if another holder has since
// taken the lock (the token no longer matches).
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return nil
}

// Release performs the compare-and-delete: only the holder whose
// token matches clears the key.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
