package models

import "time"

// Patient is a per-tenant row. public_id = SHA1(raw patient id) is unique
// within the tenant schema; id is stable across correction.
type Patient struct {
	ID            int64     `gorm:"primaryKey;column:id" json:"id"`
	PublicID      string    `gorm:"type:varchar(40);uniqueIndex;not null;column:public_id" json:"public_id"`
	RawPatientID  string    `gorm:"type:varchar(64);not null;column:raw_patient_id" json:"raw_patient_id"`
	Name          string    `gorm:"type:varchar(255);column:name" json:"name"`
	BirthDate     *time.Time `gorm:"type:date;column:birth_date" json:"birth_date,omitempty"`
	Sex           string    `gorm:"type:varchar(8);column:sex" json:"sex,omitempty"`
	IsProvisional bool      `gorm:"column:is_provisional;default:false" json:"is_provisional"`
	NumStudies    int       `gorm:"column:num_studies;default:0" json:"num_studies"`
	Version       int       `gorm:"column:version;default:0" json:"version"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Patient) TableName() string { return "patient" }
