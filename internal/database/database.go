// Package database bootstraps the GORM/postgres connection pool and
// provides tenant-scoped sessions that pin the search_path for the
// duration of a unit of work.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/tenant"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB is the process-wide connection pool, scoped to the public schema.
var DB *gorm.DB

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// Connect opens the pool and runs AutoMigrate for the shared (public
// schema) tables. Per-tenant tables are provisioned externally — schema
// DDL for tenants is out of this core's scope.
func Connect(cfg Config) error {
	var gl gormlogger.Interface
	switch cfg.LogLevel {
	case "silent":
		gl = gormlogger.Default.LogMode(gormlogger.Silent)
	case "error":
		gl = gormlogger.Default.LogMode(gormlogger.Error)
	case "warn":
		gl = gormlogger.Default.LogMode(gormlogger.Warn)
	default:
		gl = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gl,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("acquiring underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	DB = db

	if err := AutoMigrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// AutoMigrate creates/updates the shared (public-schema) tables.
func AutoMigrate() error {
	return DB.AutoMigrate(
		&models.Tenant{},
		&models.StorageVolume{},
		&models.LifecycleRule{},
		&models.MigrationTask{},
	)
}

func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForTenant returns a *gorm.DB session bound to a transaction whose first
// statement pinned the connection's search_path to the tenant's schema.
// Callers must commit/rollback the returned tx (it is itself a *gorm.DB
// wrapping one). code must already have been validated by the tenant
// package; this function re-validates defensively since the value is
// interpolated directly into SQL (SET search_path does not accept bound
// parameters for identifiers).
//
// ForTenant only checks that code is well-formed, not that the tenant
// exists or is active — it has no way to reach the shared schema's
// tenant table without a session of its own, and every caller already
// filters against an active-tenant list before it gets here:
// tenant.Middleware (HTTP), the ingest consumer's active-tenant poll, and
// the lifecycle evaluator's ActiveTenants scan. A code that is well-formed
// but unknown/inactive is not rejected here: Postgres accepts a schema that
// does not exist in SET search_path without error, so such a session
// resolves unqualified names against public only.
func ForTenant(ctx context.Context, code string) (*gorm.DB, error) {
	if !tenant.ValidCode(code) {
		return nil, fmt.Errorf("invalid tenant code %q", code)
	}
	tx := DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	schema := tenant.SchemaName(code)
	if err := tx.Exec(fmt.Sprintf("SET search_path TO %s, public", schema)).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("setting search_path: %w", err)
	}
	return tx, nil
}

// PublicSession returns a session pinned to the public schema only, for
// global-scope admin requests.
func PublicSession(ctx context.Context) *gorm.DB {
	return DB.WithContext(ctx).Exec("SET search_path TO public")
}
