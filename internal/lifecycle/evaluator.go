// Package lifecycle implements the nightly rule evaluator and the
// migration/compression task workers of spec.md §4.12, grounded on
// prn-tf-alexander-storage/internal/service/lifecycle_service.go's
// Start/Stop/runLoop scheduler shape and lock-guarded RunOnce entry point.
package lifecycle

import (
	"context"
	"time"

	"github.com/otcheredev/spax/internal/lock"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog"
)

const maxTasksPerRulePerPass = 10000

// Evaluator runs the nightly pass over every enabled lifecycle rule,
// producing migration/compression task rows for candidates it finds.
type Evaluator struct {
	shared     *repository.SharedRepository
	lifecycle  *repository.LifecycleRepository
	correction *repository.CorrectionRepository
	volumes    *volume.Manager
	locker     lock.Locker
	log        zerolog.Logger
}

func NewEvaluator(shared *repository.SharedRepository, lifecycleRepo *repository.LifecycleRepository, correction *repository.CorrectionRepository, volumes *volume.Manager, locker lock.Locker, log zerolog.Logger) *Evaluator {
	return &Evaluator{shared: shared, lifecycle: lifecycleRepo, correction: correction, volumes: volumes, locker: locker, log: log.With().Str("component", "lifecycle-evaluator").Logger()}
}

// RunOnce evaluates every enabled rule once, guarded by a distributed lock
// so only one server instance runs a pass concurrently.
func (e *Evaluator) RunOnce(ctx context.Context) {
	l := lock.NewLock(e.locker, lock.Keys.LifecycleEvaluate())
	acquired, err := l.Acquire(ctx, 30*time.Minute)
	if err != nil {
		e.log.Warn().Err(err).Msg("acquiring evaluator lock")
		return
	}
	if !acquired {
		e.log.Info().Msg("evaluator lock held elsewhere, skipping this pass")
		return
	}
	defer l.Release(ctx)

	rules, err := e.shared.ListAllLifecycleRules(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("listing lifecycle rules")
		return
	}

	tenants, err := e.shared.ActiveTenants(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("listing active tenants")
		return
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		applicable := tenants
		if rule.TenantCode != nil {
			applicable = []string{*rule.TenantCode}
		}
		for _, tenantCode := range applicable {
			switch rule.Action {
			case models.ActionMigrate:
				e.evaluateMigrate(ctx, rule, tenantCode)
			case models.ActionCompress:
				e.evaluateCompress(ctx, rule, tenantCode)
			}
		}
	}
}

func (e *Evaluator) evaluateMigrate(ctx context.Context, rule models.LifecycleRule, tenantCode string) {
	if rule.TargetTier == nil {
		e.log.Warn().Uint("rule_id", rule.ID).Msg("MIGRATE rule missing target tier, skipping")
		return
	}
	sourceVolumeIDs, err := e.volumeIDsForTier(ctx, rule.SourceTier)
	if err != nil || len(sourceVolumeIDs) == 0 {
		return
	}
	if _, err := e.volumes.ActiveWriteVolume(ctx, *rule.TargetTier); err != nil {
		e.log.Warn().Err(err).Uint("rule_id", rule.ID).Msg("no active volume in target tier, skipping rule this pass")
		return
	}

	candidates, err := e.lifecycle.MigrationCandidates(ctx, tenantCode, sourceVolumeIDs, rule.ConditionKind, rule.ConditionValue, maxTasksPerRulePerPass)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantCode).Uint("rule_id", rule.ID).Msg("finding migration candidates")
		return
	}

	var tasks []models.MigrationTask
	for _, c := range candidates {
		exists, err := e.shared.ExistingMigrationTask(ctx, c.InstanceID)
		if err != nil {
			e.log.Warn().Err(err).Int64("instance_id", c.InstanceID).Msg("checking existing migration task")
			continue
		}
		if exists {
			continue
		}
		target, err := e.volumes.ActiveWriteVolume(ctx, *rule.TargetTier)
		if err != nil {
			break
		}
		ruleID := rule.ID
		tasks = append(tasks, models.MigrationTask{
			TenantCode:     tenantCode,
			RuleID:         &ruleID,
			InstanceID:     c.InstanceID,
			SeriesFK:       c.SeriesID,
			SourceVolumeID: c.VolumeID,
			TargetVolumeID: target.ID,
			DeleteSource:   rule.DeleteSource,
			Status:         models.TaskPending,
		})
	}

	if len(tasks) == 0 {
		return
	}
	if err := e.shared.CreateMigrationTasks(ctx, tasks); err != nil {
		e.log.Error().Err(err).Msg("creating migration tasks")
		return
	}
	e.log.Info().Str("tenant", tenantCode).Uint("rule_id", rule.ID).Int("count", len(tasks)).Msg("queued migration tasks")
}

func (e *Evaluator) evaluateCompress(ctx context.Context, rule models.LifecycleRule, tenantCode string) {
	sourceVolumeIDs, err := e.volumeIDsForTier(ctx, rule.SourceTier)
	if err != nil || len(sourceVolumeIDs) == 0 {
		return
	}

	studyIDs, err := e.lifecycle.CompressionCandidates(ctx, tenantCode, sourceVolumeIDs, rule.ConditionKind, rule.ConditionValue, rule.CompressionType, maxTasksPerRulePerPass)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantCode).Uint("rule_id", rule.ID).Msg("finding compression candidates")
		return
	}
	if len(studyIDs) == 0 {
		return
	}

	ruleID := rule.ID
	for _, studyID := range studyIDs {
		task := &models.CompressionTask{
			StudyID:     studyID,
			RuleID:      &ruleID,
			TargetTSUID: rule.CompressionType,
			Status:      models.TaskPending,
		}
		if err := e.correction.CreateCompressionTask(ctx, tenantCode, task); err != nil {
			e.log.Warn().Err(err).Int64("study_id", studyID).Msg("creating compression task")
		}
	}
	e.log.Info().Str("tenant", tenantCode).Uint("rule_id", rule.ID).Int("count", len(studyIDs)).Msg("queued compression tasks")
}

func (e *Evaluator) volumeIDsForTier(ctx context.Context, tier models.Tier) ([]uint, error) {
	volumes, err := e.shared.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uint
	for _, v := range volumes {
		if v.Tier == tier && v.Status != models.VolumeOffline {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}
