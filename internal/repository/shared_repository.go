// Package repository holds the database access layer: a shared-schema
// repository (tenants, volumes, lifecycle rules, tasks) and a per-tenant
// bulk-upsert/query repository, grounded on the teacher's
// internal/repository/pacs_repository.go explicit tx.Begin/Commit style.
package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/models"
	"gorm.io/gorm"
)

// SharedRepository handles the public-schema tables: tenant registry,
// storage volumes, lifecycle rules, and migration tasks.
type SharedRepository struct{}

func NewSharedRepository() *SharedRepository { return &SharedRepository{} }

// ListVolumes implements internal/volume.Loader.
func (r *SharedRepository) ListVolumes(ctx context.Context) ([]models.StorageVolume, error) {
	var volumes []models.StorageVolume
	if err := database.PublicSession(ctx).Find(&volumes).Error; err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	return volumes, nil
}

func (r *SharedRepository) CreateVolume(ctx context.Context, v *models.StorageVolume) error {
	return database.PublicSession(ctx).Create(v).Error
}

func (r *SharedRepository) UpdateVolume(ctx context.Context, v *models.StorageVolume) error {
	return database.PublicSession(ctx).Save(v).Error
}

func (r *SharedRepository) GetVolume(ctx context.Context, id uint) (models.StorageVolume, error) {
	var v models.StorageVolume
	err := database.PublicSession(ctx).First(&v, id).Error
	return v, err
}

// ActiveTenants returns the codes of every active tenant, backing the
// active-tenants cache entry.
func (r *SharedRepository) ActiveTenants(ctx context.Context) ([]string, error) {
	var codes []string
	if err := database.PublicSession(ctx).Model(&models.Tenant{}).
		Where("is_active = ?", true).
		Order("code").
		Pluck("code", &codes).Error; err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	return codes, nil
}

func (r *SharedRepository) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := database.PublicSession(ctx).Order("code").Find(&tenants).Error
	return tenants, err
}

func (r *SharedRepository) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return database.PublicSession(ctx).Create(t).Error
}

func (r *SharedRepository) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	return database.PublicSession(ctx).Save(t).Error
}

func (r *SharedRepository) TenantByCode(ctx context.Context, code string) (models.Tenant, error) {
	var t models.Tenant
	err := database.PublicSession(ctx).Where("code = ? AND is_active = ?", code, true).First(&t).Error
	return t, err
}

// ListLifecycleRules returns enabled rules of the given action for the
// lifecycle-rules cache entry (keyed by action type).
func (r *SharedRepository) ListLifecycleRules(ctx context.Context, action models.LifecycleAction) ([]models.LifecycleRule, error) {
	var rules []models.LifecycleRule
	err := database.PublicSession(ctx).
		Where("enabled = ? AND action = ?", true, action).
		Find(&rules).Error
	return rules, err
}

func (r *SharedRepository) CreateLifecycleRule(ctx context.Context, rule *models.LifecycleRule) error {
	return database.PublicSession(ctx).Create(rule).Error
}

func (r *SharedRepository) UpdateLifecycleRule(ctx context.Context, rule *models.LifecycleRule) error {
	return database.PublicSession(ctx).Save(rule).Error
}

func (r *SharedRepository) ListAllLifecycleRules(ctx context.Context) ([]models.LifecycleRule, error) {
	var rules []models.LifecycleRule
	err := database.PublicSession(ctx).Find(&rules).Error
	return rules, err
}

// ExistingMigrationTask reports whether a non-terminal (or completed)
// migration task already covers instanceID, per spec.md §4.12's dedup rule.
func (r *SharedRepository) ExistingMigrationTask(ctx context.Context, instanceID int64) (bool, error) {
	var count int64
	err := database.PublicSession(ctx).Model(&models.MigrationTask{}).
		Where("instance_id = ? AND status IN ?", instanceID, []models.TaskStatus{
			models.TaskPending, models.TaskInProgress, models.TaskCompleted,
		}).
		Count(&count).Error
	return count > 0, err
}

func (r *SharedRepository) CreateMigrationTasks(ctx context.Context, tasks []models.MigrationTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return database.PublicSession(ctx).CreateInBatches(tasks, 500).Error
}

func (r *SharedRepository) ClaimPendingMigrationTasks(ctx context.Context, limit int) ([]models.MigrationTask, error) {
	var tasks []models.MigrationTask
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SET search_path TO public").Error; err != nil {
			return err
		}
		if err := tx.Where("status = ?", models.TaskPending).
			Order("id").
			Limit(limit).
			Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]uint, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
			tasks[i].Status = models.TaskInProgress
		}
		return tx.Model(&models.MigrationTask{}).Where("id IN ?", ids).Update("status", models.TaskInProgress).Error
	})
	return tasks, err
}

func (r *SharedRepository) SaveMigrationTask(ctx context.Context, task *models.MigrationTask) error {
	return database.PublicSession(ctx).Save(task).Error
}
