package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/models"
)

// AuditRepository records mutating and security-relevant admin actions in
// the tenant schema's audit_log table, per spec.md §3's Task/administration
// surface. Adapted from the teacher's global-schema audit repository (which
// filtered by a tenant_id column) to SPAX's schema-per-tenant model: every
// call is scoped by tenantCode through database.ForTenant, so there is no
// tenant column to filter on.
type AuditRepository struct{}

func NewAuditRepository() *AuditRepository { return &AuditRepository{} }

// Record writes one audit entry for tenantCode.
func (r *AuditRepository) Record(ctx context.Context, tenantCode string, entry *models.AuditLog) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return fmt.Errorf("opening tenant session: %w", err)
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("creating audit log entry: %w", err)
	}
	return tx.Commit().Error
}

// List returns the most recent audit entries for tenantCode, newest first.
func (r *AuditRepository) List(ctx context.Context, tenantCode string, limit, offset int) ([]models.AuditLog, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("opening tenant session: %w", err)
	}
	defer tx.Rollback()

	query := tx.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var logs []models.AuditLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	return logs, nil
}

// ForResource returns audit entries recorded against a specific resource
// (a study or series instance UID, typically), newest first.
func (r *AuditRepository) ForResource(ctx context.Context, tenantCode, resourceUID string) ([]models.AuditLog, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("opening tenant session: %w", err)
	}
	defer tx.Rollback()

	var logs []models.AuditLog
	if err := tx.Where("resource_uid = ?", resourceUID).Order("created_at DESC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing audit logs for resource: %w", err)
	}
	return logs, nil
}
