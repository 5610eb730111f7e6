package diskmonitor

import (
	"context"
	"errors"
	"testing"

	"github.com/otcheredev/spax/internal/storage"
)

// fakeDiskProvider implements storage.DiskProvider with fixed capacity
// figures, for exercising freeFraction and the threshold constants without
// a real filesystem.
type fakeDiskProvider struct {
	storage.Provider
	available int64
	total     int64
	err       error
}

func (f *fakeDiskProvider) AvailableBytes(ctx context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.available, nil
}

func (f *fakeDiskProvider) TotalBytes(ctx context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.total, nil
}

var _ storage.DiskProvider = (*fakeDiskProvider)(nil)

func TestFreeFraction(t *testing.T) {
	p := &fakeDiskProvider{available: 250, total: 1000}
	frac, total, err := freeFraction(context.Background(), p)
	if err != nil {
		t.Fatalf("freeFraction() error: %v", err)
	}
	if frac != 0.25 {
		t.Errorf("fraction = %v, want 0.25", frac)
	}
	if total != 1000 {
		t.Errorf("total = %v, want 1000", total)
	}
}

func TestFreeFractionZeroTotal(t *testing.T) {
	p := &fakeDiskProvider{available: 0, total: 0}
	frac, total, err := freeFraction(context.Background(), p)
	if err != nil {
		t.Fatalf("freeFraction() error: %v", err)
	}
	if frac != 0 || total != 0 {
		t.Errorf("expected 0, 0 for a zero-capacity volume, got %v, %v", frac, total)
	}
}

func TestFreeFractionPropagatesError(t *testing.T) {
	p := &fakeDiskProvider{err: errors.New("statfs failed")}
	if _, _, err := freeFraction(context.Background(), p); err == nil {
		t.Error("expected freeFraction to propagate the underlying error")
	}
}

func TestThresholdOrdering(t *testing.T) {
	// The three thresholds must be strictly increasing for pollOnce's
	// cascading switch (critical < block < warn) to classify every volume
	// correctly.
	if !(criticalFreeFraction < blockFreeFraction && blockFreeFraction < warnFreeFraction) {
		t.Errorf("thresholds out of order: critical=%v block=%v warn=%v", criticalFreeFraction, blockFreeFraction, warnFreeFraction)
	}
}
