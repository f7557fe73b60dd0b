package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/willvault/willvault/internal/pkg/paypal"
	"github.com/willvault/willvault/internal/pkg/plans"
)

// Gateway is the payment-provider surface the reconciler needs. Satisfied by
// *paypal.Client; faked in tests.
type Gateway interface {
	CreateOrder(ctx context.Context, p paypal.CreateOrderParams) (*paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	CreateSubscription(ctx context.Context, p paypal.CreateSubscriptionParams) (*paypal.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*paypal.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
	RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency, note string) (*paypal.Refund, error)
}

// CheckoutResult is returned by the create-order / create-subscription
// operations: the caller redirects the buyer to the approval URL.
type CheckoutResult struct {
	OrderID        string `json:"order_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ApprovalURL    string `json:"approval_url"`
}

// ActivationResult describes a subscription activation outcome. Duplicate is
// set when a replayed request returned the previously computed result.
type ActivationResult struct {
	PlanLevel       plans.Level `json:"plan_level"`
	EndDate         *time.Time  `json:"end_date,omitempty"`
	NextBillingDate *time.Time  `json:"next_billing_date,omitempty"`
	TransactionID   string      `json:"transaction_id"`
	Duplicate       bool        `json:"duplicate,omitempty"`
}

// CaptureResult describes a one-time order capture outcome.
type CaptureResult struct {
	TransactionID       string          `json:"transaction_id"`
	Plan                plans.Level     `json:"plan"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	SubscriptionEndDate *time.Time      `json:"subscription_end_date,omitempty"`
	Duplicate           bool            `json:"duplicate,omitempty"`
}

const (
	StrategyUnchanged        = "unchanged"
	StrategyCancelThenCreate = "cancel-then-create"
)

const (
	NextStepConfirm                 = "confirm"
	NextStepConfirmWithRestrictions = "confirm-with-restrictions"
	NextStepCreateNewSubscription   = "create-new-subscription"
	NextStepDone                    = "done"
)

// UpgradeResult hands back proration context; the caller drives the new
// subscription purchase as a separate action.
type UpgradeResult struct {
	Strategy        string          `json:"strategy"`
	ProrationCredit decimal.Decimal `json:"proration_credit"`
	NextStep        string          `json:"next_step"`
}

// DowngradeResult covers both the dry-run analysis and the confirm outcome.
type DowngradeResult struct {
	Violations      []string        `json:"violations"`
	HasViolations   bool            `json:"has_violations"`
	PotentialRefund decimal.Decimal `json:"potential_refund"`
	NextStep        string          `json:"next_step"`
	Confirmed       bool            `json:"confirmed"`
}

// RefundResult describes an operator-issued refund.
type RefundResult struct {
	RefundID      string          `json:"refund_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
}
