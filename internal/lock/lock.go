// Package lock provides a distributed mutual-exclusion primitive the
// lifecycle evaluator uses so only one server instance runs a rule-evaluation
// pass at a time. Structurally grounded on
// prn-tf-alexander-storage/internal/lock/interfaces.go's Locker interface
// and Lock convenience wrapper, reimplemented against go-redis directly
// (the pack's RedisLocker wraps a repository.DistributedLock this repo
// doesn't have).
package lock

import (
	"context"
	"time"
)

// Locker acquires and releases named, TTL'd mutual-exclusion locks.
type Locker interface {
	// Acquire attempts to take the lock, returning false if another holder
	// already has it. The lock expires after ttl even if never released,
	// so a crashed holder cannot wedge it forever.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release gives up the lock, but only if this call still holds it
	// (compare-and-delete on the caller's token).
	Release(ctx context.Context, key string) (bool, error)
	// Extend renews a held lock's TTL, used by long-running holders to
	// avoid losing the lock mid-run.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Lock is a single acquire/release instance bound to one key, mirroring the
// pack's ergonomic wrapper over the raw Locker interface.
type Lock struct {
	locker Locker
	key    string
	held   bool
}

func NewLock(locker Locker, key string) *Lock {
	return &Lock{locker: locker, key: key}
}

func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.locker.Acquire(ctx, l.key, ttl)
	if err != nil {
		return false, err
	}
	l.held = ok
	return ok, nil
}

func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	_, err := l.locker.Release(ctx, l.key)
	l.held = false
	return err
}

func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.held {
		return nil
	}
	ok, err := l.locker.Extend(ctx, l.key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		l.held = false
	}
	return nil
}

func (l *Lock) IsHeld() bool { return l.held }

// Keys names the lifecycle engine's lock keys.
var Keys = lockKeys{}

type lockKeys struct{}

func (lockKeys) LifecycleEvaluate() string { return "lock:lifecycle:evaluate" }
func (lockKeys) LifecycleMigrate() string  { return "lock:lifecycle:migrate" }
func (lockKeys) CompressionWorker(tenantCode string) string {
	return "lock:compression:" + tenantCode
}
