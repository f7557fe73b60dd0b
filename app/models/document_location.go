package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	DocumentTypeWill             = "will"
	DocumentTypeTrust            = "trust"
	DocumentTypePowerOfAttorney  = "power_of_attorney"
	DocumentTypeHealthcareProxy  = "healthcare_proxy"
	DocumentTypeInsurancePolicy  = "insurance_policy"
	DocumentTypeFuneralDirective = "funeral_directive"
	DocumentTypeOther            = "other"
)

// DocumentLocation records where a legal document physically or digitally
// lives (safe, law office, registry). The billing core only counts rows per
// user against tier limits.
type DocumentLocation struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UserID       uint           `gorm:"not null;index" json:"user_id"`
	DocumentType string         `gorm:"type:varchar(50);not null;default:'will'" json:"document_type"`
	Title        string         `gorm:"type:varchar(200);not null" json:"title" validate:"required,min=2,max=200"`
	LocationName string         `gorm:"type:varchar(200);not null" json:"location_name" validate:"required,max=200"`
	Address      string         `gorm:"type:text" json:"address"`
	Notes        string         `gorm:"type:text" json:"notes"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}
