package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusCreated   = "created"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusPending   = "pending"
)

const PaymentMethodPayPal = "paypal"

// PaymentTransaction is an immutable ledger entry, one per payment attempt
// outcome. The unique gateway transaction id is the deduplication point for
// replayed captures and webhook redeliveries: a second insert with the same
// id is a no-op, never an error.
type PaymentTransaction struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	UserID               uint            `gorm:"not null;index" json:"user_id"`
	GatewayTransactionID string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_payment_transactions_gateway_txn" json:"gateway_transaction_id"`
	GatewayOrderID       string          `gorm:"type:varchar(64);default:null;index" json:"gateway_order_id,omitempty"`
	PaymentMethod        string          `gorm:"type:varchar(32);not null;default:'paypal'" json:"payment_method"`
	Amount               decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency             string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	SubscriptionLevel    string          `gorm:"type:varchar(20);not null" json:"subscription_level"`
	PaymentStatus        string          `gorm:"type:varchar(20);not null;index" json:"payment_status"`
	GatewayResponse      string          `gorm:"type:longtext" json:"-"`
	ProcessedAt          time.Time       `gorm:"autoCreateTime;index" json:"processed_at"`
}
