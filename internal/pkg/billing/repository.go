package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/plans"
)

// ActivatePlanParams describes the atomic subscription-level mutation: the
// old active rows are retired and the new row inserted in one transaction,
// so concurrent readers never observe a user with two active subscriptions
// or none at all mid-activation.
type ActivatePlanParams struct {
	UserID                uint
	Level                 plans.Level
	StartDate             time.Time
	EndDate               *time.Time
	IsRecurring           bool
	BillingIntervalYears  int
	NextBillingDate       *time.Time
	SubscriptionType      string
	GatewaySubscriptionID string
}

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetActiveSubscription(userID uint) (*models.UserSubscription, error)
	GetSubscriptionByGatewayID(gatewaySubscriptionID string) (*models.UserSubscription, error)
	ActivatePlan(p ActivatePlanParams) (*models.UserSubscription, error)
	UpdateSubscriptionFields(id uint, fields map[string]any) error
	FindTransactionByGatewayID(gatewayTransactionID string) (*models.PaymentTransaction, error)
	CreateTransactionIfNotExists(txn *models.PaymentTransaction) (bool, *models.PaymentTransaction, error)
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetActiveSubscription(userID uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByGatewayID(gatewaySubscriptionID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.
		Where("gateway_subscription_id = ? AND is_active = ?", gatewaySubscriptionID, true).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ActivatePlan(p ActivatePlanParams) (*models.UserSubscription, error) {
	sub := &models.UserSubscription{
		UserID:                p.UserID,
		Level:                 string(p.Level),
		StartDate:             p.StartDate,
		EndDate:               p.EndDate,
		IsActive:              true,
		IsRecurring:           p.IsRecurring,
		BillingIntervalYears:  p.BillingIntervalYears,
		NextBillingDate:       p.NextBillingDate,
		SubscriptionType:      p.SubscriptionType,
		Status:                models.SubscriptionStatusActive,
		GatewaySubscriptionID: p.GatewaySubscriptionID,
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserSubscription{}).
			Where("user_id = ? AND is_active = ?", p.UserID, true).
			Updates(map[string]any{"is_active": false}).Error; err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *gormRepository) UpdateSubscriptionFields(id uint, fields map[string]any) error {
	return r.db.Model(&models.UserSubscription{}).Where("id = ?", id).Updates(fields).Error
}

func (r *gormRepository) FindTransactionByGatewayID(gatewayTransactionID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := r.db.Where("gateway_transaction_id = ?", gatewayTransactionID).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *gormRepository) CreateTransactionIfNotExists(txn *models.PaymentTransaction) (bool, *models.PaymentTransaction, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway_transaction_id"},
		},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentTransaction
	if err := r.db.Where("gateway_transaction_id = ?", txn.GatewayTransactionID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]any{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
