package billing

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/willvault/willvault/internal/pkg/paypal"
)

// EventType is the closed set of gateway events the reconciler acts on.
// Anything else parses to EventUnknown and is logged and ignored.
type EventType int

const (
	EventUnknown EventType = iota
	EventSubscriptionCreated
	EventSubscriptionActivated
	EventSubscriptionCancelled
	EventSubscriptionSuspended
	EventSubscriptionExpired
	EventRecurringPaymentCompleted
	EventPaymentDenied
)

func (t EventType) String() string {
	switch t {
	case EventSubscriptionCreated:
		return "subscription-created"
	case EventSubscriptionActivated:
		return "subscription-activated"
	case EventSubscriptionCancelled:
		return "subscription-cancelled"
	case EventSubscriptionSuspended:
		return "subscription-suspended"
	case EventSubscriptionExpired:
		return "subscription-expired"
	case EventRecurringPaymentCompleted:
		return "recurring-payment-completed"
	case EventPaymentDenied:
		return "payment-denied"
	default:
		return "unknown"
	}
}

// ParseEventType maps PayPal event-type strings onto the closed enum.
func ParseEventType(raw string) EventType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BILLING.SUBSCRIPTION.CREATED":
		return EventSubscriptionCreated
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		return EventSubscriptionActivated
	case "BILLING.SUBSCRIPTION.CANCELLED":
		return EventSubscriptionCancelled
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return EventSubscriptionSuspended
	case "BILLING.SUBSCRIPTION.EXPIRED":
		return EventSubscriptionExpired
	case "PAYMENT.SALE.COMPLETED":
		return EventRecurringPaymentCompleted
	case "PAYMENT.SALE.DENIED":
		return EventPaymentDenied
	default:
		return EventUnknown
	}
}

// Event is a normalized gateway webhook event.
type Event struct {
	ID             string
	Type           EventType
	RawType        string
	ResourceID     string
	SubscriptionID string
	Amount         paypal.Amount
	Raw            json.RawMessage
}

// ParseEvent decodes a raw PayPal webhook body. Sale events carry the
// subscription id in billing_agreement_id; subscription events carry it as
// the resource id itself.
func ParseEvent(raw []byte) (*Event, error) {
	var envelope struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID                 string `json:"id"`
			BillingAgreementID string `json:"billing_agreement_id"`
			CustomID           string `json:"custom_id"`
			Amount             struct {
				Total    string `json:"total"`
				Currency string `json:"currency"`
			} `json:"amount"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(envelope.EventType) == "" {
		return nil, errors.New("webhook payload missing event_type")
	}

	ev := &Event{
		ID:         strings.TrimSpace(envelope.ID),
		Type:       ParseEventType(envelope.EventType),
		RawType:    envelope.EventType,
		ResourceID: strings.TrimSpace(envelope.Resource.ID),
		Amount: paypal.Amount{
			CurrencyCode: envelope.Resource.Amount.Currency,
			Value:        envelope.Resource.Amount.Total,
		},
		Raw: json.RawMessage(raw),
	}

	switch ev.Type {
	case EventRecurringPaymentCompleted, EventPaymentDenied:
		ev.SubscriptionID = strings.TrimSpace(envelope.Resource.BillingAgreementID)
	default:
		ev.SubscriptionID = ev.ResourceID
	}
	return ev, nil
}
