// Package diskmonitor watches free space on local-disk volumes (any tier,
// OFFLINE ones skipped) and exposes
// an eventually-consistent ingestBlocked flag, spec.md §5's disk safety
// mechanism.
package diskmonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/storage"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog"
)

const (
	criticalFreeFraction = 0.05
	blockFreeFraction    = 0.10
	warnFreeFraction     = 0.20
)

// Monitor polls every local volume's free-space fraction on an interval and
// latches the worst observed state into an atomic flag the ingest accept
// path checks without touching storage itself. Grounded on
// prn-tf-alexander-storage/internal/service/lifecycle_service.go's
// Start/Stop/runLoop ticker shape, generalized from lifecycle evaluation to
// a disk-space poll.
type Monitor struct {
	shared   *repository.SharedRepository
	volumes  *volume.Manager
	interval time.Duration
	log      zerolog.Logger

	blocked  atomic.Bool
	readOnly atomic.Bool

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func New(shared *repository.SharedRepository, volumes *volume.Manager, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{shared: shared, volumes: volumes, interval: interval, log: log.With().Str("component", "diskmonitor").Logger()}
}

// IngestBlocked reports whether the ingest accept path must refuse new
// uploads with HTTP 507 without touching storage.
func (m *Monitor) IngestBlocked() bool { return m.blocked.Load() }

// ReadOnly reports whether volumes have crossed into the critical
// threshold and should additionally be marked READ_ONLY.
func (m *Monitor) ReadOnly() bool { return m.readOnly.Load() }

// Start launches the poll loop in a background goroutine. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.mu.Unlock()

	go m.runLoop(ctx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopChan := m.stopChan
	doneChan := m.doneChan
	m.mu.Unlock()

	close(stopChan)
	<-doneChan
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer close(m.doneChan)

	m.pollOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pollOnce(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce evaluates every non-OFFLINE local volume's free-space fraction and
// latches the worst state observed this pass.
func (m *Monitor) pollOnce(ctx context.Context) {
	volumes, err := m.shared.ListVolumes(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("listing volumes for disk poll")
		return
	}

	worstBlocked := false
	worstReadOnly := false
	for _, v := range volumes {
		if v.Status == models.VolumeOffline || v.ProviderKind != models.ProviderLocal {
			continue
		}
		provider, err := m.volumes.Provider(ctx, v.ID)
		if err != nil {
			m.log.Warn().Err(err).Uint("volume_id", v.ID).Msg("resolving provider for disk poll")
			continue
		}
		diskProvider, ok := provider.(storage.DiskProvider)
		if !ok {
			continue
		}
		free, total, err := freeFraction(ctx, diskProvider)
		if err != nil {
			m.log.Warn().Err(err).Uint("volume_id", v.ID).Msg("reading disk usage")
			continue
		}

		switch {
		case free < criticalFreeFraction:
			worstBlocked = true
			worstReadOnly = true
			m.log.Error().Uint("volume_id", v.ID).Float64("free_fraction", free).Msg("volume critically low on disk, blocking ingest and marking read-only")
			if v.Status == models.VolumeActive {
				v.Status = models.VolumeReadOnly
				if err := m.shared.UpdateVolume(ctx, &v); err != nil {
					m.log.Warn().Err(err).Uint("volume_id", v.ID).Msg("marking volume read-only")
				}
			}
		case free < blockFreeFraction:
			worstBlocked = true
			m.log.Error().Uint("volume_id", v.ID).Float64("free_fraction", free).Msg("volume low on disk, blocking ingest")
		case free < warnFreeFraction:
			m.log.Warn().Uint("volume_id", v.ID).Float64("free_fraction", free).Msg("volume approaching disk capacity")
		}
		_ = total
	}

	m.blocked.Store(worstBlocked)
	m.readOnly.Store(worstReadOnly)
}

func freeFraction(ctx context.Context, p storage.DiskProvider) (fraction float64, total int64, err error) {
	avail, err := p.AvailableBytes(ctx)
	if err != nil {
		return 0, 0, err
	}
	total, err = p.TotalBytes(ctx)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(avail) / float64(total), total, nil
}
