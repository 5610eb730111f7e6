package models

import "time"

// Instance is a per-tenant row with a composite primary key (id,
// created_date); the table is range-partitioned monthly on created_date.
// created_date MUST equal series.created_at::date at ingest time, never
// CURRENT_DATE — see the bulk-upsert repository's stage 3/4 handoff.
// Uniqueness on (series_id, sop_instance_uid) is enforced at the
// application layer because the partitioning discipline forbids a unique
// index excluding the partition key.
type Instance struct {
	ID               int64     `gorm:"primaryKey;column:id" json:"id"`
	CreatedDate      time.Time `gorm:"primaryKey;type:date;column:created_date" json:"created_date"`
	SOPInstanceUID   string    `gorm:"type:varchar(128);not null;column:sop_instance_uid" json:"sop_instance_uid"`
	SOPClassUID      string    `gorm:"type:varchar(128);column:sop_class_uid" json:"sop_class_uid"`
	InstanceNumber   int       `gorm:"column:instance_number" json:"instance_number"`
	TransferSyntaxUID string   `gorm:"type:varchar(64);column:transfer_syntax_uid" json:"transfer_syntax_uid"`
	NumberOfFrames   int       `gorm:"column:number_of_frames;default:1" json:"number_of_frames"`
	FileSize         int64     `gorm:"column:file_size" json:"file_size"`
	VolumeID         uint      `gorm:"not null;column:volume_id" json:"volume_id"`
	StoragePath      string    `gorm:"type:varchar(1024);not null;column:storage_path" json:"storage_path"`
	SeriesID         int64     `gorm:"not null;index;column:series_id" json:"series_id"`
	SeriesUID        string    `gorm:"type:varchar(128);column:series_uid" json:"series_uid"`
	StudyUID         string    `gorm:"type:varchar(128);column:study_uid" json:"study_uid"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Instance) TableName() string { return "instance" }

// Location is the cached projection instance-locations returns per SOP UID.
type Location struct {
	VolumeID       uint   `json:"volume_id"`
	Path           string `json:"path"`
	TransferSyntax string `json:"transfer_syntax_uid"`
	NumFrames      int    `json:"number_of_frames"`
}
