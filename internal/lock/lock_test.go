package lock

import (
	"context"
	"testing"
	"time"
)

// fakeLocker is an in-memory Locker for exercising Lock's bookkeeping
// without a Redis connection.
type fakeLocker struct {
	held        map[string]bool
	acquireErr  error
	releaseErr  error
	extendErr   error
	acquireCall int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.acquireCall++
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key string) (bool, error) {
	if f.releaseErr != nil {
		return false, f.releaseErr
	}
	if !f.held[key] {
		return false, nil
	}
	delete(f.held, key)
	return true, nil
}

func (f *fakeLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.extendErr != nil {
		return false, f.extendErr
	}
	return f.held[key], nil
}

var _ Locker = (*fakeLocker)(nil)

func TestLockAcquireRelease(t *testing.T) {
	locker := newFakeLocker()
	l := NewLock(locker, Keys.LifecycleEvaluate())

	ok, err := l.Acquire(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true, nil", ok, err)
	}
	if !l.IsHeld() {
		t.Error("expected IsHeld() true after successful Acquire")
	}

	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if l.IsHeld() {
		t.Error("expected IsHeld() false after Release")
	}
}

func TestLockAcquireContention(t *testing.T) {
	locker := newFakeLocker()
	first := NewLock(locker, Keys.CompressionWorker("tenant-a"))
	second := NewLock(locker, Keys.CompressionWorker("tenant-a"))

	ok, err := first.Acquire(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first.Acquire() = %v, %v; want true, nil", ok, err)
	}

	ok, err = second.Acquire(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("second.Acquire() unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second Acquire on the same key to fail while first holds it")
	}
	if second.IsHeld() {
		t.Error("second Lock must not report held after a failed Acquire")
	}
}

func TestLockExtendNoopWhenNotHeld(t *testing.T) {
	locker := newFakeLocker()
	l := NewLock(locker, Keys.LifecycleMigrate())

	// Extend before Acquire is a silent no-op: there is nothing to renew.
	if err := l.Extend(context.Background(), time.Minute); err != nil {
		t.Errorf("Extend() before Acquire returned error: %v", err)
	}
	if locker.acquireCall != 0 {
		t.Error("Extend must not call the underlying Locker.Acquire")
	}

	if _, err := l.Acquire(context.Background(), time.Minute); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := l.Extend(context.Background(), 2*time.Minute); err != nil {
		t.Errorf("Extend() after Acquire returned error: %v", err)
	}
	if !l.IsHeld() {
		t.Error("expected lock to remain held after a successful Extend")
	}
}

func TestLockExtendLosesHeldOnFalse(t *testing.T) {
	locker := newFakeLocker()
	l := NewLock(locker, Keys.LifecycleMigrate())

	if _, err := l.Acquire(context.Background(), time.Minute); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	// Simulate the lock expiring out from under us before Extend runs.
	delete(locker.held, Keys.LifecycleMigrate())

	if err := l.Extend(context.Background(), time.Minute); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	if l.IsHeld() {
		t.Error("expected IsHeld() false after Extend reports the lock was lost")
	}
}

func TestLockKeys(t *testing.T) {
	if Keys.LifecycleEvaluate() != "lock:lifecycle:evaluate" {
		t.Errorf("LifecycleEvaluate() = %s", Keys.LifecycleEvaluate())
	}
	if Keys.LifecycleMigrate() != "lock:lifecycle:migrate" {
		t.Errorf("LifecycleMigrate() = %s", Keys.LifecycleMigrate())
	}
	if got := Keys.CompressionWorker("acme"); got != "lock:compression:acme" {
		t.Errorf("CompressionWorker(acme) = %s", got)
	}
}
