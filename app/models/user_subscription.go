package models

import "time"

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusSuspended = "suspended"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

const (
	SubscriptionTypeRecurring = "recurring"
	SubscriptionTypePrepaid   = "prepaid"
)

// UserSubscription is an append-style record: the newest row per user with
// is_active = true is the authoritative subscription. Superseded rows keep
// their history and are flipped inactive instead of being deleted.
type UserSubscription struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;index:idx_user_subscriptions_user_active,priority:1" json:"user_id"`
	Level                 string     `gorm:"type:varchar(20);not null;default:'bronze';index" json:"level"`
	StartDate             time.Time  `gorm:"not null" json:"start_date"`
	EndDate               *time.Time `gorm:"type:timestamp;default:null" json:"end_date,omitempty"`
	IsActive              bool       `gorm:"not null;default:true;index:idx_user_subscriptions_user_active,priority:2" json:"is_active"`
	IsRecurring           bool       `gorm:"not null;default:false" json:"is_recurring"`
	BillingIntervalYears  int        `gorm:"not null;default:0" json:"billing_interval_years"`
	NextBillingDate       *time.Time `gorm:"type:timestamp;default:null" json:"next_billing_date,omitempty"`
	SubscriptionType      string     `gorm:"type:varchar(16);not null;default:'prepaid'" json:"subscription_type"`
	Status                string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	GatewaySubscriptionID string     `gorm:"type:varchar(64);default:null;index" json:"gateway_subscription_id,omitempty"`
	CancelledAt           *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	CreatedAt             time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpiredAt reports whether the entitlement window has ended. Bronze has no
// end date and never expires.
func (s *UserSubscription) IsExpiredAt(now time.Time) bool {
	return s.EndDate != nil && s.EndDate.Before(now)
}
