package models

import "time"

// Series is a per-tenant row, unique on (study_id, series_uid). A series
// UID collision across different studies is a distinct row.
type Series struct {
	ID                 int64      `gorm:"primaryKey;column:id" json:"id"`
	SeriesUID          string     `gorm:"type:varchar(128);not null;column:series_uid" json:"series_uid"`
	Modality           string     `gorm:"type:varchar(16);column:modality" json:"modality"`
	Description        string     `gorm:"type:varchar(255);column:description" json:"description,omitempty"`
	BodyPart           string     `gorm:"type:varchar(64);column:body_part" json:"body_part,omitempty"`
	Institution        string     `gorm:"type:varchar(255);column:institution" json:"institution,omitempty"`
	Station            string     `gorm:"type:varchar(64);column:station" json:"station,omitempty"`
	SendingAET         string     `gorm:"type:varchar(32);column:sending_aet" json:"sending_aet,omitempty"`
	SeriesNumber       string     `gorm:"type:varchar(16);column:series_number" json:"series_number,omitempty"`
	StudyID            int64      `gorm:"not null;index;column:study_id" json:"study_id"`
	NumInstances       int        `gorm:"column:num_instances;default:0" json:"num_instances"`
	SeriesSize         int64      `gorm:"column:series_size;default:0" json:"series_size"`
	CompressTSUID      string     `gorm:"type:varchar(64);column:compress_tsuid" json:"compress_tsuid,omitempty"`
	CompressTime       *time.Time `gorm:"column:compress_time" json:"compress_time,omitempty"`
	MetadataVolumeID   *uint      `gorm:"column:metadata_volume_id" json:"metadata_volume_id,omitempty"`
	MetadataPath       string     `gorm:"type:varchar(1024);column:metadata_path" json:"metadata_path,omitempty"`
	CreatedAt          time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (Series) TableName() string { return "series" }

// SeriesSummary is the projection spec.md §4.11 caches under series-by-study.
type SeriesSummary struct {
	ID           int64  `json:"id"`
	SeriesUID    string `json:"series_uid"`
	Modality     string `json:"modality"`
	NumInstances int    `json:"num_instances"`
}
