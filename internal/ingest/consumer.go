// Package ingest runs the worker pool that drains the per-tenant queue,
// stores each file's bytes on its target volume, and indexes the batch in
// one bulk-upsert transaction, per spec.md §4.8.
package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/metadata"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/pathtemplate"
	"github.com/otcheredev/spax/internal/queue"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Consumer runs consumerThreads worker loops, each independently pulling
// per-tenant batches from the queue in a round-robin over the active tenant
// list, storing files, and indexing them.
type Consumer struct {
	queue      *queue.Queue
	volumes    *volume.Manager
	shared     *repository.SharedRepository
	ingestRepo *repository.IngestRepository
	cacheStore *cache.Store
	builder    *metadata.Builder
	log        zerolog.Logger

	threads       int
	batchSize     int64
	quarantineDir string
	retryBackoff  time.Duration
}

func NewConsumer(
	q *queue.Queue,
	volumes *volume.Manager,
	shared *repository.SharedRepository,
	ingestRepo *repository.IngestRepository,
	cacheStore *cache.Store,
	builder *metadata.Builder,
	log zerolog.Logger,
	threads int,
	batchSize int64,
	quarantineDir string,
	retryBackoff time.Duration,
) *Consumer {
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	return &Consumer{
		queue:         q,
		volumes:       volumes,
		shared:        shared,
		ingestRepo:    ingestRepo,
		cacheStore:    cacheStore,
		builder:       builder,
		log:           log.With().Str("component", "ingest-consumer").Logger(),
		threads:       threads,
		batchSize:     batchSize,
		quarantineDir: quarantineDir,
		retryBackoff:  retryBackoff,
	}
}

// Run launches the consumer pool and blocks until ctx is cancelled or a
// worker returns a fatal error. Each worker identity is unique so the
// queue's consumer-group semantics distribute tenants' streams across them.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.threads; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return c.workerLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tenants, err := c.cacheStore.ActiveTenants(ctx, func() ([]string, error) {
			return c.shared.ActiveTenants(ctx)
		})
		if err != nil {
			c.log.Error().Err(err).Msg("listing active tenants")
			time.Sleep(c.retryBackoff)
			continue
		}
		if len(tenants) == 0 {
			time.Sleep(c.retryBackoff)
			continue
		}

		for _, tenantCode := range tenants {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := c.queue.ConsumeForTenant(ctx, tenantCode, workerID, c.batchSize, c.handleBatch(tenantCode)); err != nil {
				c.log.Error().Err(err).Str("tenant", tenantCode).Msg("consuming batch")
			}
		}
	}
}

// handleBatch stores every message's file on its target volume, then
// indexes the whole batch in one transaction. A file that fails to parse or
// store is quarantined and the rest of the batch continues; an index failure
// returns an error, which leaves the whole batch unacked for redelivery.
func (c *Consumer) handleBatch(tenantCode string) queue.Handler {
	return func(ctx context.Context, batch []queue.Message) error {
		items := make([]repository.IngestItem, 0, len(batch))
		var stored []string

		for _, msg := range batch {
			item, err := c.storeOne(ctx, tenantCode, msg)
			if err != nil {
				c.quarantine(msg, err)
				continue
			}
			items = append(items, item)
			stored = append(stored, msg.FilePath)
		}
		if len(items) == 0 {
			return nil
		}

		affected, err := c.ingestRepo.UpsertBatch(ctx, tenantCode, items)
		if err != nil {
			return fmt.Errorf("indexing batch for tenant %s: %w", tenantCode, err)
		}

		for _, path := range stored {
			os.Remove(path)
		}
		c.postCommit(ctx, tenantCode, affected)
		return nil
	}
}

func (c *Consumer) storeOne(ctx context.Context, tenantCode string, msg queue.Message) (repository.IngestItem, error) {
	f, err := os.Open(msg.FilePath)
	if err != nil {
		return repository.IngestItem{}, fmt.Errorf("opening %s: %w", msg.FilePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return repository.IngestItem{}, fmt.Errorf("stat %s: %w", msg.FilePath, err)
	}
	size := info.Size()

	meta, err := dicomio.ParseHeader(f, size)
	if err != nil {
		return repository.IngestItem{}, fmt.Errorf("parsing header of %s: %w", msg.FilePath, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return repository.IngestItem{}, fmt.Errorf("rewinding %s: %w", msg.FilePath, err)
	}

	target, err := c.volumes.ActiveWriteVolume(ctx, models.TierHot)
	if err != nil {
		return repository.IngestItem{}, err
	}
	provider, err := c.volumes.Provider(ctx, target.ID)
	if err != nil {
		return repository.IngestItem{}, err
	}

	tmpl := target.PathTemplate
	if tmpl == "" {
		tmpl = pathtemplate.DefaultTemplate
	}
	compiled, err := pathtemplate.Compile(tmpl)
	if err != nil {
		return repository.IngestItem{}, fmt.Errorf("compiling path template for volume %d: %w", target.ID, err)
	}
	path := compiled.Resolve(tenantCode, meta, time.Now().UTC())

	if err := provider.Write(ctx, path, f, size); err != nil {
		return repository.IngestItem{}, fmt.Errorf("writing %s: %w", msg.FilePath, err)
	}

	return repository.IngestItem{
		Meta:        meta,
		VolumeID:    target.ID,
		StoragePath: path,
		FileSize:    size,
	}, nil
}

// quarantine moves a file that failed to store or parse aside into
// {quarantineDir}/{tenant}/ instead of leaving it to be retried forever; its
// message is not held back but acknowledged together with the rest of the
// batch. With no quarantineDir configured the failure is only logged.
func (c *Consumer) quarantine(msg queue.Message, cause error) {
	c.log.Error().Err(cause).Str("file", msg.FilePath).Str("tenant", msg.TenantCode).Msg("quarantining ingest file")
	if c.quarantineDir == "" {
		return
	}
	tenantDir := c.quarantineDir + "/" + msg.TenantCode
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		c.log.Error().Err(err).Msg("creating quarantine dir")
		return
	}
	dest := tenantDir + "/" + filepathBase(msg.FilePath)
	if err := os.Rename(msg.FilePath, dest); err != nil {
		c.log.Error().Err(err).Msg("moving file to quarantine")
	}
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// postCommit evicts caches touched by the batch and schedules an
// asynchronous metadata-cache rebuild per affected series.
func (c *Consumer) postCommit(ctx context.Context, tenantCode string, affected []repository.AffectedSeries) {
	for _, series := range affected {
		if err := c.cacheStore.InvalidateInstanceLocations(ctx, tenantCode, series.SeriesID); err != nil {
			c.log.Warn().Err(err).Msg("invalidating instance-locations cache")
		}
		if err := c.cacheStore.InvalidateSeriesByStudy(ctx, tenantCode, series.StudyID); err != nil {
			c.log.Warn().Err(err).Msg("invalidating series-by-study cache")
		}
		if err := c.cacheStore.InvalidateSeriesMetadataLookup(ctx, tenantCode, series.SeriesID); err != nil {
			c.log.Warn().Err(err).Msg("invalidating series-metadata cache")
		}

		go func(seriesID int64) {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := c.builder.Rebuild(rebuildCtx, tenantCode, seriesID); err != nil {
				c.log.Error().Err(err).Int64("series_id", seriesID).Msg("rebuilding series metadata cache")
			}
		}(series.SeriesID)
	}
}
