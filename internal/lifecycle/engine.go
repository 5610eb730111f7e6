package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/spax/internal/repository"
	"github.com/rs/zerolog"
)

// Engine owns the three lifecycle cadences spec.md §4.12/§5 describes: a
// nightly rule evaluator, a 10-minute migration-task worker, and a
// compression-task poll per active tenant. Grounded on
// prn-tf-alexander-storage/internal/service/lifecycle_service.go's
// Start/Stop/runLoop shape, split into three independent tickers instead of
// the pack's single cadence.
type Engine struct {
	evaluator   *Evaluator
	migration   *MigrationWorker
	compression *CompressionWorker
	shared      *repository.SharedRepository
	log         zerolog.Logger

	evaluatorInterval  time.Duration
	migrationInterval  time.Duration
	compressionInterval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewEngine(evaluator *Evaluator, migration *MigrationWorker, compression *CompressionWorker, shared *repository.SharedRepository, log zerolog.Logger) *Engine {
	return &Engine{
		evaluator:           evaluator,
		migration:           migration,
		compression:         compression,
		shared:              shared,
		log:                 log.With().Str("component", "lifecycle-engine").Logger(),
		evaluatorInterval:   24 * time.Hour,
		migrationInterval:   10 * time.Minute,
		compressionInterval: 10 * time.Minute,
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})
	e.mu.Unlock()

	go e.runLoop(ctx)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopChan := e.stopChan
	doneChan := e.doneChan
	e.mu.Unlock()

	close(stopChan)
	<-doneChan
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.doneChan)

	evalTicker := time.NewTicker(e.evaluatorInterval)
	migrateTicker := time.NewTicker(e.migrationInterval)
	compressTicker := time.NewTicker(e.compressionInterval)
	defer evalTicker.Stop()
	defer migrateTicker.Stop()
	defer compressTicker.Stop()

	go e.migration.RunOnce(ctx) // pick up any tasks left from a previous run immediately

	for {
		select {
		case <-evalTicker.C:
			e.evaluator.RunOnce(ctx)
		case <-migrateTicker.C:
			e.migration.RunOnce(ctx)
		case <-compressTicker.C:
			e.pollCompression(ctx)
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pollCompression(ctx context.Context) {
	tenants, err := e.shared.ActiveTenants(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("listing active tenants for compression poll")
		return
	}
	for _, tenantCode := range tenants {
		e.compression.RunOnce(ctx, tenantCode)
	}
}
