package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Tenant is a shared-schema row; the core only reads this list, it is
// created externally by the admin/provisioning surface.
type Tenant struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Code        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	DisplayName string    `gorm:"type:varchar(255);not null" json:"display_name"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Tenant) TableName() string { return "tenant" }

// JWTClaims is carried by the bearer token admin routes require.
type JWTClaims struct {
	UserID      uuid.UUID `json:"user_id"`
	TenantCode  string    `json:"tenant_code"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	jwt.RegisteredClaims
}

// UserContext is the request-scoped identity derived from a validated JWT.
type UserContext struct {
	UserID      uuid.UUID
	TenantCode  string
	Role        string
	Permissions []string
}
