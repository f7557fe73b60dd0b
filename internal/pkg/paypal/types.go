package paypal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle states we act on. PayPal defines more; anything outside
// APPROVED/COMPLETED is not captureable.
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusApproved  = "APPROVED"
	OrderStatusCompleted = "COMPLETED"
)

const (
	SubscriptionStatusApprovalPending = "APPROVAL_PENDING"
	SubscriptionStatusActive          = "ACTIVE"
	SubscriptionStatusSuspended       = "SUSPENDED"
	SubscriptionStatusCancelled       = "CANCELLED"
	SubscriptionStatusExpired         = "EXPIRED"
)

const CaptureStatusCompleted = "COMPLETED"

// Amount is PayPal's money shape. Values are decimal strings on the wire.
type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func (a Amount) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(a.Value))
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

func approvalURL(links []Link) string {
	for _, l := range links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Amount `json:"amount"`
}

type Payments struct {
	Captures []Capture `json:"captures,omitempty"`
}

type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	Amount      Amount    `json:"amount"`
	CustomID    string    `json:"custom_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
	Links         []Link         `json:"links,omitempty"`
}

func (o *Order) ApprovalURL() string {
	return approvalURL(o.Links)
}

// FirstCapture returns the first capture embedded in the order, if any.
// Completed orders carry their capture record here.
func (o *Order) FirstCapture() *Capture {
	for i := range o.PurchaseUnits {
		p := o.PurchaseUnits[i].Payments
		if p != nil && len(p.Captures) > 0 {
			return &p.Captures[0]
		}
	}
	return nil
}

// CustomID returns the opaque custom-data field this system set at order
// creation time.
func (o *Order) CustomID() string {
	for _, pu := range o.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID
		}
	}
	return ""
}

type LastPayment struct {
	Amount Amount     `json:"amount"`
	Time   *time.Time `json:"time,omitempty"`
}

type BillingInfo struct {
	LastPayment     *LastPayment `json:"last_payment,omitempty"`
	NextBillingTime *time.Time   `json:"next_billing_time,omitempty"`
}

type Subscription struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	PlanID      string       `json:"plan_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	BillingInfo *BillingInfo `json:"billing_info,omitempty"`
	Links       []Link       `json:"links,omitempty"`
}

func (s *Subscription) ApprovalURL() string {
	return approvalURL(s.Links)
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Amount `json:"amount"`
}

// AuthError wraps a failed client-credentials token exchange. Fatal for the
// operation; never retried inline.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("paypal token exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError preserves the raw provider error body for operator diagnosis.
type RequestError struct {
	StatusCode int
	RawBody    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("paypal request failed: status=%d body=%s", e.StatusCode, e.RawBody)
}

// IssueCode extracts PayPal's machine-readable error identifier
// (details[0].issue, falling back to the top-level name) so callers can
// branch on known conditions like ORDER_ALREADY_CAPTURED or
// MAX_NUMBER_OF_PAYMENT_ATTEMPTS_EXCEEDED.
func (e *RequestError) IssueCode() string {
	var body struct {
		Name    string `json:"name"`
		Details []struct {
			Issue string `json:"issue"`
		} `json:"details"`
	}
	if err := json.Unmarshal([]byte(e.RawBody), &body); err != nil {
		return ""
	}
	if len(body.Details) > 0 && body.Details[0].Issue != "" {
		return body.Details[0].Issue
	}
	return body.Name
}
