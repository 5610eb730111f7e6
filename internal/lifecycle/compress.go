package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog"
)

const compressionBatchSize = 20

// CompressionWorker claims PENDING compression tasks and iterates a study's
// instances in order, per spec.md §4.12: any instance already at the
// target transfer syntax is skipped (idempotency); every other instance is
// read, transcoded, and written back at the same path, then
// instance.transfer_syntax_uid/file_size are updated. After the loop,
// series and study sizes are recomputed and series.compress_tsuid/
// compress_time are set.
//
// dicomio.RecompressToRLE only knows Explicit VR Little Endian sources and
// RLE Lossless targets — any other combination fails that instance with a
// narrow, named error instead of silently no-op'ing.
type CompressionWorker struct {
	correction *repository.CorrectionRepository
	lifecycle  *repository.LifecycleRepository
	volumes    *volume.Manager
	log        zerolog.Logger
}

func NewCompressionWorker(correction *repository.CorrectionRepository, lifecycleRepo *repository.LifecycleRepository, volumes *volume.Manager, log zerolog.Logger) *CompressionWorker {
	return &CompressionWorker{correction: correction, lifecycle: lifecycleRepo, volumes: volumes, log: log.With().Str("component", "compression-worker").Logger()}
}

// RunOnce claims and processes up to one batch of pending compression
// tasks, one goroutine per study per spec.md §5's "unbounded lightweight
// executor" model.
func (w *CompressionWorker) RunOnce(ctx context.Context, tenantCode string) {
	tasks, err := w.correction.ClaimPendingCompressionTasks(ctx, tenantCode, compressionBatchSize)
	if err != nil {
		w.log.Error().Err(err).Str("tenant", tenantCode).Msg("claiming compression tasks")
		return
	}
	for _, task := range tasks {
		go w.process(ctx, tenantCode, task)
	}
}

func (w *CompressionWorker) process(ctx context.Context, tenantCode string, task models.CompressionTask) {
	log := w.log.With().Int64("task_id", task.ID).Int64("study_id", task.StudyID).Logger()

	instances, err := w.lifecycle.CompressionCandidateInstances(ctx, tenantCode, task.StudyID)
	if err != nil {
		w.fail(ctx, tenantCode, task, fmt.Errorf("loading study instances: %w", err), log)
		return
	}
	task.InstancesTotal = len(instances)

	for _, inst := range instances {
		if inst.TransferSyntaxUID == task.TargetTSUID {
			task.InstancesDone++
			continue
		}
		if err := w.transcodeInstance(ctx, tenantCode, task.TargetTSUID, inst); err != nil {
			w.fail(ctx, tenantCode, task, fmt.Errorf("instance %d (SOP %s): %w", inst.ID, inst.SOPInstanceUID, err), log)
			return
		}
		task.InstancesDone++
	}

	if err := w.lifecycle.UpdateCompressionCounters(ctx, tenantCode, task.StudyID, task.TargetTSUID, time.Now()); err != nil {
		w.fail(ctx, tenantCode, task, fmt.Errorf("recomputing series/study sizes: %w", err), log)
		return
	}

	task.Status = models.TaskCompleted
	if err := w.correction.UpdateCompressionTask(ctx, tenantCode, &task); err != nil {
		log.Error().Err(err).Msg("saving completed compression task")
		return
	}
	log.Info().Int("instances", task.InstancesDone).Msg("compression task completed")
}

// transcodeInstance reads one instance's file, re-encodes its pixel data to
// targetTSUID, writes the result back at the same path, and records the
// outcome on the instance row.
func (w *CompressionWorker) transcodeInstance(ctx context.Context, tenantCode, targetTSUID string, inst models.Instance) error {
	if targetTSUID != dicomio.TransferSyntaxRLELossless {
		return spaxerr.New(spaxerr.KindInvalidArgument, fmt.Sprintf("transcoding to %s is not supported by this build (only %s)", targetTSUID, dicomio.TransferSyntaxRLELossless))
	}
	if inst.TransferSyntaxUID != dicomio.TransferSyntaxExplicitVRLittleEndian {
		return spaxerr.New(spaxerr.KindInvalidArgument, fmt.Sprintf("transcoding from %s is not supported by this build (only %s)", inst.TransferSyntaxUID, dicomio.TransferSyntaxExplicitVRLittleEndian))
	}

	provider, err := w.volumes.Provider(ctx, inst.VolumeID)
	if err != nil {
		return fmt.Errorf("resolving volume: %w", err)
	}
	rc, err := provider.Read(ctx, inst.StoragePath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	meta, err := dicomio.ParseHeader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}

	transcoded, err := dicomio.RecompressToRLE(raw, meta)
	if err != nil {
		return fmt.Errorf("re-encoding pixel data: %w", err)
	}

	if err := provider.Write(ctx, inst.StoragePath, bytes.NewReader(transcoded), int64(len(transcoded))); err != nil {
		return fmt.Errorf("writing transcoded file: %w", err)
	}
	if err := w.lifecycle.UpdateInstanceTranscode(ctx, tenantCode, inst.ID, targetTSUID, int64(len(transcoded))); err != nil {
		return fmt.Errorf("updating instance row: %w", err)
	}
	return nil
}

func (w *CompressionWorker) fail(ctx context.Context, tenantCode string, task models.CompressionTask, cause error, log zerolog.Logger) {
	task.Status = models.TaskFailed
	task.ErrorMessage = cause.Error()
	log.Error().Err(cause).Msg("compression task failed")
	if err := w.correction.UpdateCompressionTask(ctx, tenantCode, &task); err != nil {
		log.Error().Err(err).Msg("saving failed compression task")
	}
}
