package models

import "time"

type Tier string

const (
	TierHot  Tier = "HOT"
	TierWarm Tier = "WARM"
	TierCold Tier = "COLD"
)

type VolumeStatus string

const (
	VolumeActive   VolumeStatus = "ACTIVE"
	VolumeReadOnly VolumeStatus = "READ_ONLY"
	VolumeOffline  VolumeStatus = "OFFLINE"
)

type ProviderKind string

const (
	ProviderLocal       ProviderKind = "local"
	ProviderS3          ProviderKind = "s3"
	ProviderMinIO       ProviderKind = "minio"
	ProviderGCS         ProviderKind = "gcs"
	ProviderAzureBlob   ProviderKind = "azure-blob"
)

// StorageVolume is a shared-schema row describing one placement target.
// Invariant: at least one ACTIVE volume must exist in tier HOT for ingest
// to proceed.
type StorageVolume struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	Code            string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	ProviderKind    ProviderKind `gorm:"type:varchar(32);not null" json:"provider_kind"`
	BasePath        string       `gorm:"type:varchar(1024);not null" json:"base_path"`
	Tier            Tier         `gorm:"type:varchar(8);not null;index" json:"tier"`
	Status          VolumeStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Priority        int          `gorm:"not null;default:0" json:"priority"`
	PathTemplate    string       `gorm:"type:varchar(512)" json:"path_template"`
	Bucket          string       `gorm:"type:varchar(255)" json:"bucket,omitempty"`
	Endpoint        string       `gorm:"type:varchar(512)" json:"endpoint,omitempty"`
	Region          string       `gorm:"type:varchar(64)" json:"region,omitempty"`
	AccessKeyID     string       `gorm:"type:varchar(255)" json:"-"`
	SecretAccessKey string       `gorm:"type:text" json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (StorageVolume) TableName() string { return "storage_volume" }
