package models

import "time"

type LifecycleAction string

const (
	ActionMigrate  LifecycleAction = "MIGRATE"
	ActionCompress LifecycleAction = "COMPRESS"
)

type ConditionKind string

const (
	ConditionStudyAgeDays    ConditionKind = "STUDY_AGE_DAYS"
	ConditionLastAccessDays  ConditionKind = "LAST_ACCESS_DAYS"
)

// LifecycleRule is a shared-schema row evaluated by the nightly evaluator.
type LifecycleRule struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Enabled         bool            `gorm:"default:true" json:"enabled"`
	Action          LifecycleAction `gorm:"type:varchar(16);not null" json:"action"`
	SourceTier      Tier            `gorm:"type:varchar(8);not null" json:"source_tier"`
	TargetTier      *Tier           `gorm:"type:varchar(8)" json:"target_tier,omitempty"`
	ConditionKind   ConditionKind   `gorm:"type:varchar(32);not null" json:"condition_kind"`
	ConditionValue  int             `gorm:"not null" json:"condition_value_days"`
	DeleteSource    bool            `gorm:"default:false" json:"delete_source"`
	CompressionType string          `gorm:"type:varchar(32)" json:"compression_type,omitempty"`
	TenantCode      *string         `gorm:"type:varchar(64)" json:"tenant_code,omitempty"` // nil = all tenants
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (LifecycleRule) TableName() string { return "lifecycle_rule" }

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// MigrationTask is a shared-schema work item: move one instance's file from
// a source volume to a target volume.
type MigrationTask struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TenantCode     string     `gorm:"type:varchar(64);not null;index" json:"tenant_code"`
	RuleID         *uint      `json:"rule_id,omitempty"`
	InstanceID     int64      `gorm:"not null" json:"instance_id"`
	InstanceDate   time.Time  `gorm:"type:date;not null" json:"instance_created_date"`
	SeriesFK       int64      `gorm:"not null;index" json:"series_fk"`
	SourceVolumeID uint       `gorm:"not null" json:"source_volume_id"`
	TargetVolumeID uint       `gorm:"not null" json:"target_volume_id"`
	DeleteSource   bool       `json:"delete_source"`
	Status         TaskStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (MigrationTask) TableName() string { return "migration_task" }
