package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/metadata"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/storage"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog"
)

const migrationBatchSize = 100

// MigrationWorker claims PENDING migration tasks every cycle and copies the
// referenced instance's file from its source volume to its target volume,
// per spec.md §4.12's per-task algorithm.
type MigrationWorker struct {
	shared    *repository.SharedRepository
	lifecycle *repository.LifecycleRepository
	volumes   *volume.Manager
	cache     *cache.Store
	builder   *metadata.Builder
	log       zerolog.Logger
}

func NewMigrationWorker(shared *repository.SharedRepository, lifecycleRepo *repository.LifecycleRepository, volumes *volume.Manager, cacheStore *cache.Store, builder *metadata.Builder, log zerolog.Logger) *MigrationWorker {
	return &MigrationWorker{shared: shared, lifecycle: lifecycleRepo, volumes: volumes, cache: cacheStore, builder: builder, log: log.With().Str("component", "migration-worker").Logger()}
}

// RunOnce claims and processes up to one batch of pending migration tasks.
func (w *MigrationWorker) RunOnce(ctx context.Context) {
	tasks, err := w.shared.ClaimPendingMigrationTasks(ctx, migrationBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("claiming migration tasks")
		return
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
}

func (w *MigrationWorker) process(ctx context.Context, task models.MigrationTask) {
	log := w.log.With().Uint("task_id", task.ID).Int64("instance_id", task.InstanceID).Logger()

	if err := w.migrate(ctx, task); err != nil {
		task.Status = models.TaskFailed
		task.ErrorMessage = err.Error()
		log.Error().Err(err).Msg("migration task failed")
	} else {
		task.Status = models.TaskCompleted
		log.Info().Msg("migration task completed")
	}
	if err := w.shared.SaveMigrationTask(ctx, &task); err != nil {
		log.Error().Err(err).Msg("saving migration task result")
	}
}

func (w *MigrationWorker) migrate(ctx context.Context, task models.MigrationTask) error {
	inst, err := w.lifecycle.InstanceByID(ctx, task.TenantCode, task.InstanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	srcProvider, err := w.volumes.Provider(ctx, task.SourceVolumeID)
	if err != nil {
		return fmt.Errorf("resolving source provider: %w", err)
	}
	dstProvider, err := w.volumes.Provider(ctx, task.TargetVolumeID)
	if err != nil {
		return fmt.Errorf("resolving target provider: %w", err)
	}

	size, err := storage.CopyFrom(ctx, srcProvider, inst.StoragePath, dstProvider, inst.StoragePath)
	if err != nil {
		return fmt.Errorf("copying instance file: %w", err)
	}
	verifiedSize, err := dstProvider.Size(ctx, inst.StoragePath)
	if err != nil {
		return fmt.Errorf("verifying target file: %w", err)
	}
	if verifiedSize != size {
		return fmt.Errorf("target file size %d does not match source %d", verifiedSize, size)
	}

	if err := w.lifecycle.UpdateInstanceVolume(ctx, task.TenantCode, task.InstanceID, task.TargetVolumeID, inst.StoragePath); err != nil {
		return fmt.Errorf("updating instance volume: %w", err)
	}

	if task.DeleteSource {
		if err := srcProvider.Delete(ctx, inst.StoragePath); err != nil {
			w.log.Warn().Err(err).Msg("deleting source file after migration")
		}
	}

	allMigrated, err := w.lifecycle.InstancesResidingOnVolume(ctx, task.TenantCode, task.SeriesFK, task.TargetVolumeID)
	if err != nil {
		w.log.Warn().Err(err).Msg("checking series migration completeness")
		return nil
	}
	if allMigrated {
		_ = w.cache.InvalidateSeriesMetadataLookup(ctx, task.TenantCode, task.SeriesFK)
		go func(tenantCode string, seriesID int64) {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := w.builder.Rebuild(rebuildCtx, tenantCode, seriesID); err != nil {
				w.log.Warn().Err(err).Int64("series_id", seriesID).Msg("rebuilding metadata cache after migration")
			}
		}(task.TenantCode, task.SeriesFK)
	}

	return nil
}
