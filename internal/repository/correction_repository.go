package repository

import (
	"context"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/spaxerr"
)

// CorrectionRepository handles patient-id corrections and the per-tenant
// correction/compression task queues.
type CorrectionRepository struct{}

func NewCorrectionRepository() *CorrectionRepository { return &CorrectionRepository{} }

// UpdatePatientRawID applies an optimistic-locked update to a patient's
// public identity: the caller supplies expectedVersion (read earlier in the
// same request) and this fails with spaxerr.KindConflict if the row moved
// on since, per spec.md's correction-task invariant.
func (r *CorrectionRepository) UpdatePatientRawID(ctx context.Context, tenantCode string, patientID int64, newRawPID, newPublicID string, expectedVersion int) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result := tx.Model(&models.Patient{}).
		Where("id = ? AND version = ?", patientID, expectedVersion).
		Updates(map[string]interface{}{
			"raw_patient_id": newRawPID,
			"public_id":      newPublicID,
			"is_provisional": false,
			"version":        expectedVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return spaxerr.New(spaxerr.KindConflict, "patient row changed since it was read")
	}
	return tx.Commit().Error
}

// PatientByID loads one patient row, giving the caller its current version
// before issuing UpdatePatientRawID.
func (r *CorrectionRepository) PatientByID(ctx context.Context, tenantCode string, patientID int64) (models.Patient, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return models.Patient{}, err
	}
	defer tx.Rollback()

	var p models.Patient
	if err := tx.First(&p, patientID).Error; err != nil {
		return models.Patient{}, err
	}
	return p, tx.Commit().Error
}

// StudiesForPatient lists every study owned by a patient, driving the
// asynchronous per-study public_id recomputation after a correction.
func (r *CorrectionRepository) StudiesForPatient(ctx context.Context, tenantCode string, patientID int64) ([]models.Study, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var studies []models.Study
	if err := tx.Where("patient_id = ?", patientID).Find(&studies).Error; err != nil {
		return nil, err
	}
	return studies, tx.Commit().Error
}

// RecomputeStudyPublicID overwrites one study's public_id after its owning
// patient's raw id changed, and touches updated_at.
func (r *CorrectionRepository) RecomputeStudyPublicID(ctx context.Context, tenantCode string, studyID int64, newPublicID string) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Model(&models.Study{}).Where("id = ?", studyID).
		Update("public_id", newPublicID).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

// CreateCorrectionTask records a correction request, run synchronously for
// the patient row and asynchronously for its studies by the caller.
func (r *CorrectionRepository) CreateCorrectionTask(ctx context.Context, tenantCode string, task *models.CorrectionTask) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Create(task).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

func (r *CorrectionRepository) UpdateCorrectionTask(ctx context.Context, tenantCode string, task *models.CorrectionTask) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Save(task).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

func (r *CorrectionRepository) ListCorrectionTasks(ctx context.Context, tenantCode string) ([]models.CorrectionTask, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var tasks []models.CorrectionTask
	if err := tx.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, tx.Commit().Error
}

// CreateCompressionTask records one study-transcode work item, one row per
// study per spec.md §4.12's compression model.
func (r *CorrectionRepository) CreateCompressionTask(ctx context.Context, tenantCode string, task *models.CompressionTask) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Create(task).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

func (r *CorrectionRepository) UpdateCompressionTask(ctx context.Context, tenantCode string, task *models.CompressionTask) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Save(task).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

func (r *CorrectionRepository) ListCompressionTasks(ctx context.Context, tenantCode string) ([]models.CompressionTask, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var tasks []models.CompressionTask
	if err := tx.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, tx.Commit().Error
}

// ClaimPendingCompressionTasks fetches and marks IN_PROGRESS up to limit
// pending compression tasks, mirroring SharedRepository's migration-task
// claim pattern but scoped to one tenant schema.
func (r *CorrectionRepository) ClaimPendingCompressionTasks(ctx context.Context, tenantCode string, limit int) ([]models.CompressionTask, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var tasks []models.CompressionTask
	if err := tx.Where("status = ?", models.TaskPending).
		Order("id").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		ids := make([]int64, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
			tasks[i].Status = models.TaskInProgress
		}
		if err := tx.Model(&models.CompressionTask{}).Where("id IN ?", ids).
			Update("status", models.TaskInProgress).Error; err != nil {
			return nil, err
		}
	}
	return tasks, tx.Commit().Error
}
