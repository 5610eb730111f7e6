package models

import "time"

// CorrectionTask is a per-tenant work item for a patient-id correction:
// synchronous patient row update plus asynchronous recomputation of every
// owning study's public_id.
type CorrectionTask struct {
	ID           int64      `gorm:"primaryKey;column:id" json:"id"`
	PatientID    int64      `gorm:"not null;index;column:patient_id" json:"patient_id"`
	NewRawPID    string     `gorm:"type:varchar(64);not null;column:new_raw_patient_id" json:"new_raw_patient_id"`
	Status       TaskStatus `gorm:"type:varchar(16);not null;index;column:status" json:"status"`
	StudiesTotal int        `gorm:"column:studies_total" json:"studies_total"`
	StudiesDone  int        `gorm:"column:studies_done" json:"studies_done"`
	ErrorMessage string     `gorm:"type:text;column:error_message" json:"error_message,omitempty"`
	TriggeredBy  string     `gorm:"type:varchar(255);column:triggered_by" json:"triggered_by,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (CorrectionTask) TableName() string { return "file_correction_task" }

// CompressionTask is a per-tenant work item: transcode every instance of
// one study to a target transfer syntax, one task per study.
type CompressionTask struct {
	ID                int64      `gorm:"primaryKey;column:id" json:"id"`
	StudyID           int64      `gorm:"not null;index;column:study_id" json:"study_id"`
	RuleID            *uint      `gorm:"column:rule_id" json:"rule_id,omitempty"`
	TargetTSUID       string     `gorm:"type:varchar(64);not null;column:target_tsuid" json:"target_tsuid"`
	Status            TaskStatus `gorm:"type:varchar(16);not null;index;column:status" json:"status"`
	InstancesTotal    int        `gorm:"column:instances_total" json:"instances_total"`
	InstancesDone     int        `gorm:"column:instances_done" json:"instances_done"`
	ErrorMessage      string     `gorm:"type:text;column:error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (CompressionTask) TableName() string { return "compression_task" }
