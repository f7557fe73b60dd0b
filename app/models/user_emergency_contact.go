package models

import (
	"time"

	"gorm.io/gorm"
)

// UserEmergencyContact is a person notified when the registrant becomes
// unreachable. Only counted by the billing core; CRUD lives in the main app.
type UserEmergencyContact struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UserID       uint           `gorm:"not null;index" json:"user_id"`
	FullName     string         `gorm:"type:varchar(150);not null" json:"full_name" validate:"required,min=2,max=150"`
	Email        string         `gorm:"type:varchar(200);not null" json:"email" validate:"required,email"`
	Phone        string         `gorm:"type:varchar(30)" json:"phone" validate:"max=30"`
	Relationship string         `gorm:"type:varchar(50)" json:"relationship" validate:"max=50"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}
