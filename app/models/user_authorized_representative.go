package models

import (
	"time"

	"gorm.io/gorm"
)

// UserAuthorizedRepresentative is a delegate (executor, attorney, family
// member) allowed to see where the registrant's documents are stored.
type UserAuthorizedRepresentative struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"not null;index" json:"user_id"`
	FullName  string         `gorm:"type:varchar(150);not null" json:"full_name" validate:"required,min=2,max=150"`
	Email     string         `gorm:"type:varchar(200);not null" json:"email" validate:"required,email"`
	Role      string         `gorm:"type:varchar(50);default:'executor'" json:"role" validate:"max=50"`
	Verified  bool           `gorm:"default:false" json:"verified"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
