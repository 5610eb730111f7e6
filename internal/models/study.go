package models

import "time"

// Study is a per-tenant row. public_id = SHA1(raw patient id || "|" ||
// study UID) is unique within the tenant; the raw study UID is NOT unique —
// two patients with colliding field-collected UIDs produce two rows.
type Study struct {
	ID               int64     `gorm:"primaryKey;column:id" json:"id"`
	PublicID         string    `gorm:"type:varchar(40);uniqueIndex;not null;column:public_id" json:"public_id"`
	StudyUID         string    `gorm:"type:varchar(128);not null;index;column:study_uid" json:"study_uid"`
	StudyDate        string    `gorm:"type:varchar(8);column:study_date" json:"study_date,omitempty"`
	StudyTime        string    `gorm:"type:varchar(16);column:study_time" json:"study_time,omitempty"`
	Description      string    `gorm:"type:varchar(255);column:description" json:"description,omitempty"`
	AccessionNumber  string    `gorm:"type:varchar(64);column:accession_number" json:"accession_number,omitempty"`
	ReferringPhysician string  `gorm:"type:varchar(255);column:referring_physician" json:"referring_physician,omitempty"`
	PatientID        int64     `gorm:"not null;index;column:patient_id" json:"patient_id"`
	NumSeries        int       `gorm:"column:num_series;default:0" json:"num_series"`
	NumInstances     int       `gorm:"column:num_instances;default:0" json:"num_instances"`
	StudySize        int64     `gorm:"column:study_size;default:0" json:"study_size"`
	Version          int       `gorm:"column:version;default:0" json:"version"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updated_at"`
	LastAccessedAt   time.Time `gorm:"column:last_accessed_at" json:"last_accessed_at"`
}

func (Study) TableName() string { return "study" }
