package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/models"
)

// LifecycleRepository backs the nightly rule evaluator's candidate search,
// spec.md §4.12.
type LifecycleRepository struct{}

func NewLifecycleRepository() *LifecycleRepository { return &LifecycleRepository{} }

// MigrationCandidate is one instance eligible for a MIGRATE rule.
type MigrationCandidate struct {
	InstanceID   int64 `gorm:"column:id"`
	SeriesID     int64 `gorm:"column:series_id"`
	VolumeID     uint  `gorm:"column:volume_id"`
}

func ageColumn(kind models.ConditionKind) string {
	if kind == models.ConditionLastAccessDays {
		return "st.last_accessed_at"
	}
	return "st.created_at"
}

// MigrationCandidates finds instances residing on one of sourceVolumeIDs
// whose owning study crosses the rule's age condition, capped at limit.
// Dedup against existing tasks is left to the caller (SharedRepository's
// per-instance ExistingMigrationTask check), matching the existing
// shared-schema helper rather than a cross-schema NOT EXISTS.
func (r *LifecycleRepository) MigrationCandidates(ctx context.Context, tenantCode string, sourceVolumeIDs []uint, conditionKind models.ConditionKind, conditionDays, limit int) ([]MigrationCandidate, error) {
	if len(sourceVolumeIDs) == 0 {
		return nil, nil
	}
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT i.id, i.series_id, i.volume_id
		FROM instance i
		JOIN series se ON se.id = i.series_id AND i.created_date = se.created_at::date
		JOIN study st ON st.id = se.study_id
		WHERE i.volume_id IN ?
		  AND %s <= now() - (? || ' days')::interval
		ORDER BY i.id
		LIMIT ?`, ageColumn(conditionKind))

	var rows []MigrationCandidate
	if err := tx.Raw(query, sourceVolumeIDs, conditionDays, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("finding migration candidates: %w", err)
	}
	return rows, tx.Commit().Error
}

// CompressionCandidates finds studies with at least one instance on one of
// sourceVolumeIDs, crossing the rule's age condition, that do not already
// have a non-terminal compression task for the same target transfer syntax.
func (r *LifecycleRepository) CompressionCandidates(ctx context.Context, tenantCode string, sourceVolumeIDs []uint, conditionKind models.ConditionKind, conditionDays int, targetTSUID string, limit int) ([]int64, error) {
	if len(sourceVolumeIDs) == 0 {
		return nil, nil
	}
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT DISTINCT st.id
		FROM study st
		JOIN series se ON se.study_id = st.id
		JOIN instance i ON i.series_id = se.id AND i.created_date = se.created_at::date
		WHERE i.volume_id IN ?
		  AND %s <= now() - (? || ' days')::interval
		  AND NOT EXISTS (
			SELECT 1 FROM compression_task ct
			WHERE ct.study_id = st.id AND ct.target_tsuid = ?
			  AND ct.status IN ('PENDING', 'IN_PROGRESS')
		  )
		LIMIT ?`, ageColumn(conditionKind))

	var studyIDs []int64
	if err := tx.Raw(query, sourceVolumeIDs, conditionDays, targetTSUID, limit).Scan(&studyIDs).Error; err != nil {
		return nil, fmt.Errorf("finding compression candidates: %w", err)
	}
	return studyIDs, tx.Commit().Error
}

// InstancesResidingOnVolume reports whether every instance of seriesID now
// resides on targetVolumeID (true once none remain on another volume), used
// by the migration worker to decide when a
// series' metadata cache should be rebuilt at its new home.
func (r *LifecycleRepository) InstancesResidingOnVolume(ctx context.Context, tenantCode string, seriesID int64, targetVolumeID uint) (allMigrated bool, err error) {
	tx, dbErr := database.ForTenant(ctx, tenantCode)
	if dbErr != nil {
		return false, dbErr
	}
	defer tx.Rollback()

	var remaining int64
	if err := tx.Model(&models.Instance{}).
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Where("instance.series_id = ? AND instance.volume_id <> ?", seriesID, targetVolumeID).
		Count(&remaining).Error; err != nil {
		return false, fmt.Errorf("checking series migration completeness: %w", err)
	}
	return remaining == 0, tx.Commit().Error
}

// UpdateInstanceVolume points instanceID at a new volume/path after a
// successful migration copy.
func (r *LifecycleRepository) UpdateInstanceVolume(ctx context.Context, tenantCode string, instanceID int64, volumeID uint, path string) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Model(&models.Instance{}).Where("id = ?", instanceID).
		Updates(map[string]interface{}{"volume_id": volumeID, "storage_path": path}).Error; err != nil {
		return fmt.Errorf("updating instance volume: %w", err)
	}
	return tx.Commit().Error
}

// InstanceByID loads one instance row, used by the migration worker to read
// its current storage location before copying.
func (r *LifecycleRepository) InstanceByID(ctx context.Context, tenantCode string, instanceID int64) (models.Instance, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return models.Instance{}, err
	}
	defer tx.Rollback()

	var inst models.Instance
	if err := tx.First(&inst, instanceID).Error; err != nil {
		return models.Instance{}, err
	}
	return inst, tx.Commit().Error
}

// UpdateInstanceTranscode records the outcome of re-encoding one instance's
// pixel data in place: its new transfer syntax and file size.
func (r *LifecycleRepository) UpdateInstanceTranscode(ctx context.Context, tenantCode string, instanceID int64, transferSyntaxUID string, fileSize int64) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Model(&models.Instance{}).Where("id = ?", instanceID).
		Updates(map[string]interface{}{"transfer_syntax_uid": transferSyntaxUID, "file_size": fileSize}).Error; err != nil {
		return fmt.Errorf("updating instance transcode result: %w", err)
	}
	return tx.Commit().Error
}

// CompressionCandidateInstances loads a study's instances in
// instance-number order for the compression worker.
func (r *LifecycleRepository) CompressionCandidateInstances(ctx context.Context, tenantCode string, studyID int64) ([]models.Instance, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instances []models.Instance
	if err := tx.Table("instance").
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Where("series.study_id = ?", studyID).
		Order("instance.instance_number").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("loading study instances: %w", err)
	}
	return instances, tx.Commit().Error
}

// UpdateCompressionCounters recomputes series/study size aggregates and
// records the compression outcome on affected series, called after the
// compression worker finishes a study.
func (r *LifecycleRepository) UpdateCompressionCounters(ctx context.Context, tenantCode string, studyID int64, compressTSUID string, compressTime time.Time) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Exec(`
		UPDATE series SET
			series_size = sub.total_size,
			compress_tsuid = ?,
			compress_time = ?
		FROM (
			SELECT series_id, COALESCE(SUM(file_size), 0) AS total_size
			FROM instance WHERE series_id IN (SELECT id FROM series WHERE study_id = ?)
			GROUP BY series_id
		) sub
		WHERE series.id = sub.series_id`, compressTSUID, compressTime, studyID).Error; err != nil {
		return fmt.Errorf("updating series compression counters: %w", err)
	}

	if err := tx.Exec(`
		UPDATE study SET study_size = sub.total_size
		FROM (SELECT COALESCE(SUM(series_size), 0) AS total_size FROM series WHERE study_id = ?) sub
		WHERE study.id = ?`, studyID, studyID).Error; err != nil {
		return fmt.Errorf("updating study compression counters: %w", err)
	}

	return tx.Commit().Error
}
