package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/billing"
	"github.com/willvault/willvault/internal/pkg/paypal"
	"github.com/willvault/willvault/internal/pkg/plans"
	"github.com/willvault/willvault/internal/pkg/usage"
	"github.com/willvault/willvault/internal/pkg/usercontext"
)

type markedEvent struct {
	id  uint
	err error
}

type fakeBillingSvc struct {
	subscription    *models.UserSubscription
	subscriptionErr error

	checkout    *billing.CheckoutResult
	checkoutErr error

	activation    *billing.ActivationResult
	activationErr error

	capture    *billing.CaptureResult
	captureErr error

	upgrade    *billing.UpgradeResult
	upgradeErr error

	downgrade      *billing.DowngradeResult
	downgradeErr   error
	downgradeCalls []planChangeRequest

	refund    *billing.RefundResult
	refundErr error

	recordCreated bool
	recordStored  *models.WebhookEvent
	recorded      []billing.WebhookEventInput
	marked        []markedEvent

	dispatched  []*billing.Event
	dispatchErr error
}

func (f *fakeBillingSvc) CurrentSubscription(uint) (*models.UserSubscription, error) {
	return f.subscription, f.subscriptionErr
}

func (f *fakeBillingSvc) CreateOrderCheckout(_ context.Context, _ uint, _, _, _ string) (*billing.CheckoutResult, error) {
	return f.checkout, f.checkoutErr
}

func (f *fakeBillingSvc) CreateSubscriptionCheckout(_ context.Context, _ uint, _, _, _ string) (*billing.CheckoutResult, error) {
	return f.checkout, f.checkoutErr
}

func (f *fakeBillingSvc) ActivateSubscription(_ context.Context, _ string, _ uint) (*billing.ActivationResult, error) {
	return f.activation, f.activationErr
}

func (f *fakeBillingSvc) CaptureOrder(_ context.Context, _ string, _ uint) (*billing.CaptureResult, error) {
	return f.capture, f.captureErr
}

func (f *fakeBillingSvc) UpgradeSubscription(_ context.Context, _ uint, _, _ string) (*billing.UpgradeResult, error) {
	return f.upgrade, f.upgradeErr
}

func (f *fakeBillingSvc) DowngradeSubscription(_ context.Context, _ uint, currentLevel, targetLevel string, confirm bool) (*billing.DowngradeResult, error) {
	f.downgradeCalls = append(f.downgradeCalls, planChangeRequest{CurrentPlan: currentLevel, TargetPlan: targetLevel, Confirm: confirm})
	return f.downgrade, f.downgradeErr
}

func (f *fakeBillingSvc) IssueRefund(_ context.Context, _, _ string) (*billing.RefundResult, error) {
	return f.refund, f.refundErr
}

func (f *fakeBillingSvc) HandleGatewayEvent(_ context.Context, ev *billing.Event) error {
	f.dispatched = append(f.dispatched, ev)
	return f.dispatchErr
}

func (f *fakeBillingSvc) RecordWebhookEvent(_ context.Context, in billing.WebhookEventInput) (bool, *models.WebhookEvent, error) {
	f.recorded = append(f.recorded, in)
	if f.recordStored != nil {
		return f.recordCreated, f.recordStored, nil
	}
	return f.recordCreated, &models.WebhookEvent{ID: uint(len(f.recorded))}, nil
}

func (f *fakeBillingSvc) MarkWebhookProcessed(_ context.Context, id uint, err error) error {
	f.marked = append(f.marked, markedEvent{id: id, err: err})
	return nil
}

type fakeVerifier struct {
	valid bool
	err   error
}

func (f fakeVerifier) VerifyWebhookSignature(context.Context, paypal.WebhookSignature, []byte) (bool, error) {
	return f.valid, f.err
}

type nullReader struct{}

func (nullReader) CountEmergencyContacts(uint) (int64, error) { return 0, nil }
func (nullReader) CountRepresentatives(uint) (int64, error)   { return 0, nil }
func (nullReader) CountDocumentLocations(uint) (int64, error) { return 0, nil }

type fakeDeliveryCache struct {
	seen   map[string]bool
	marked []string
}

func (f *fakeDeliveryCache) Seen(eventID string) bool { return f.seen[eventID] }

func (f *fakeDeliveryCache) MarkSeen(eventID string) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[eventID] = true
	f.marked = append(f.marked, eventID)
}

func newBillingTestApp(svc BillingService, verifier WebhookVerifier) *fiber.App {
	return newBillingTestAppWithCache(svc, verifier, nil)
}

func newBillingTestAppWithCache(svc BillingService, verifier WebhookVerifier, seen DeliveryCache) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{UserID: 7, Username: "tester", IsLoggedIn: true})
		return c.Next()
	})

	bc := NewBillingController(svc, verifier, usage.NewService(nullReader{}), seen)
	app.Get("/api/v1/billing/plans", bc.HandlePlans)
	app.Get("/api/v1/billing/subscription", bc.HandleCurrentSubscription)
	app.Post("/api/v1/billing/orders", bc.HandleCreateOrder)
	app.Post("/api/v1/billing/orders/:id/capture", bc.HandleCaptureOrder)
	app.Post("/api/v1/billing/subscriptions", bc.HandleCreateSubscription)
	app.Post("/api/v1/billing/subscriptions/:id/activate", bc.HandleActivateSubscription)
	app.Post("/api/v1/billing/upgrade", bc.HandleUpgrade)
	app.Post("/api/v1/billing/downgrade", bc.HandleDowngrade)
	app.Post("/api/v1/billing/refunds", bc.HandleRefund)
	app.Post("/api/v1/billing/webhooks/paypal", bc.HandlePayPalWebhook)
	return app
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandlePlansListsCatalog(t *testing.T) {
	app := newBillingTestApp(&fakeBillingSvc{}, fakeVerifier{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	tiers := body["plans"].([]any)
	require.Len(t, tiers, 4)
	first := tiers[0].(map[string]any)
	assert.Equal(t, "bronze", first["level"])
}

func TestHandleCurrentSubscription(t *testing.T) {
	endDate := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeBillingSvc{
		subscription: &models.UserSubscription{UserID: 7, Level: "silver", IsActive: true, EndDate: &endDate},
	}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	sub := body["subscription"].(map[string]any)
	assert.Equal(t, "silver", sub["level"])
	assert.Contains(t, body, "usage")
}

func TestHandleCurrentSubscriptionNotFound(t *testing.T) {
	svc := &fakeBillingSvc{subscriptionErr: billing.ErrNoActiveSubscription}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleCreateOrder(t *testing.T) {
	svc := &fakeBillingSvc{checkout: &billing.CheckoutResult{OrderID: "ORD-1", ApprovalURL: "https://paypal.test/approve"}}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/orders", checkoutRequest{Plan: "gold"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ORD-1", body["order_id"])
	assert.Equal(t, "https://paypal.test/approve", body["approval_url"])
}

func TestHandleActivateSubscriptionGatewayNotReady(t *testing.T) {
	svc := &fakeBillingSvc{activationErr: billing.ErrGatewayNotReady}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/subscriptions/I-X/activate", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "gateway_not_ready", body["error"])
	assert.Contains(t, body, "suggestion")
}

func TestHandleCaptureOrderGatewayErrorSurfacesIssueCode(t *testing.T) {
	svc := &fakeBillingSvc{
		captureErr: &paypal.RequestError{
			StatusCode: http.StatusUnprocessableEntity,
			RawBody:    `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`,
		},
	}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/orders/ORD-1/capture", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ORDER_ALREADY_CAPTURED", body["gateway_issue"])
}

func TestHandleCaptureOrderForeignCheckoutForbidden(t *testing.T) {
	svc := &fakeBillingSvc{captureErr: billing.ErrCheckoutOwnerMismatch}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/orders/ORD-9/capture", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "checkout_owner_mismatch", body["error"])
}

func TestHandleDowngradePassesConfirmFlag(t *testing.T) {
	svc := &fakeBillingSvc{
		downgrade: &billing.DowngradeResult{
			Violations:      []string{"Emergency Contacts: you have 5 but the bronze plan allows 1"},
			HasViolations:   true,
			PotentialRefund: decimal.RequireFromString("12.34"),
			NextStep:        billing.NextStepConfirmWithRestrictions,
		},
	}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/downgrade",
		planChangeRequest{CurrentPlan: "silver", TargetPlan: "bronze"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Len(t, svc.downgradeCalls, 1)
	assert.False(t, svc.downgradeCalls[0].Confirm)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["has_violations"])
	assert.Equal(t, billing.NextStepConfirmWithRestrictions, body["next_step"])
}

func TestHandleDowngradeRejectsNonDowngrade(t *testing.T) {
	svc := &fakeBillingSvc{downgradeErr: billing.ErrNotADowngrade}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/downgrade",
		planChangeRequest{CurrentPlan: "bronze", TargetPlan: "gold"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "not_a_downgrade", body["error"])
}

func TestHandleUpgradeUnknownPlan(t *testing.T) {
	svc := &fakeBillingSvc{upgradeErr: plans.ErrUnknownTier}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/upgrade",
		planChangeRequest{CurrentPlan: "silver", TargetPlan: "diamond"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	svc := &fakeBillingSvc{recordCreated: true}
	app := newBillingTestApp(svc, fakeVerifier{valid: false})

	payload := `{"id":"WH-BAD","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"S1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// The rejected delivery is audited but never dispatched.
	require.Len(t, svc.recorded, 1)
	assert.False(t, svc.recorded[0].SignatureValid)
	assert.Empty(t, svc.dispatched)
	require.Len(t, svc.marked, 1)
	assert.Error(t, svc.marked[0].err)
}

func TestWebhookVerificationOutageReturnsBadGateway(t *testing.T) {
	svc := &fakeBillingSvc{recordCreated: true}
	app := newBillingTestApp(svc, fakeVerifier{err: errors.New("verify endpoint down")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(`{}`))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, svc.recorded)
	assert.Empty(t, svc.dispatched)
}

func TestWebhookDispatchesVerifiedEvent(t *testing.T) {
	svc := &fakeBillingSvc{recordCreated: true}
	app := newBillingTestApp(svc, fakeVerifier{valid: true})

	payload := `{"id":"WH-OK","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"S1","billing_agreement_id":"I-1","amount":{"total":"29.99","currency":"USD"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Len(t, svc.recorded, 1)
	assert.True(t, svc.recorded[0].SignatureValid)
	assert.Equal(t, "WH-OK", svc.recorded[0].ProviderEventID)

	require.Len(t, svc.dispatched, 1)
	assert.Equal(t, billing.EventRecurringPaymentCompleted, svc.dispatched[0].Type)
	assert.Equal(t, "I-1", svc.dispatched[0].SubscriptionID)

	require.Len(t, svc.marked, 1)
	assert.NoError(t, svc.marked[0].err)
}

func TestWebhookDuplicateDeliveryShortCircuits(t *testing.T) {
	// The stored delivery already dispatched cleanly.
	processedAt := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := &fakeBillingSvc{
		recordCreated: false,
		recordStored:  &models.WebhookEvent{ID: 1, ProcessedAt: &processedAt},
	}
	app := newBillingTestApp(svc, fakeVerifier{valid: true})

	payload := `{"id":"WH-DUP","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"S1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["duplicate"])
	assert.Empty(t, svc.dispatched)
}

func TestWebhookProcessingFailureTriggersRedelivery(t *testing.T) {
	payload := `{"id":"WH-ERR","event_type":"BILLING.SUBSCRIPTION.CANCELLED","resource":{"id":"I-9"}}`

	// First delivery: the dispatcher fails, the endpoint answers non-2xx.
	svc := &fakeBillingSvc{recordCreated: true, dispatchErr: errors.New("db down")}
	app := newBillingTestApp(svc, fakeVerifier{valid: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	require.Len(t, svc.dispatched, 1)
	require.Len(t, svc.marked, 1)
	assert.Error(t, svc.marked[0].err)

	// Redelivery: the stored row carries the failure, so the event is
	// dispatched again instead of being answered as a duplicate.
	processedAt := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.recordCreated = false
	svc.recordStored = &models.WebhookEvent{ID: 1, ProcessedAt: &processedAt, ProcessingError: "db down"}
	svc.dispatchErr = nil

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload)), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, svc.dispatched, 2)
	assert.NoError(t, svc.marked[1].err)
}

func TestWebhookSeenCacheMarksOnlySuccessfulDispatch(t *testing.T) {
	payload := `{"id":"WH-CACHE","event_type":"BILLING.SUBSCRIPTION.CANCELLED","resource":{"id":"I-9"}}`

	seen := &fakeDeliveryCache{}
	svc := &fakeBillingSvc{recordCreated: true, dispatchErr: errors.New("transient outage")}
	app := newBillingTestAppWithCache(svc, fakeVerifier{valid: true}, seen)

	// Failed dispatch: the delivery never lands in the cache.
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload)), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, seen.marked)

	// The retry succeeds and only then is the delivery cached.
	svc.dispatchErr = nil
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload)), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"WH-CACHE"}, seen.marked)
	require.Len(t, svc.dispatched, 2)

	// A further replay is answered from the cache without touching storage.
	recordedBefore := len(svc.recorded)
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/paypal", bytes.NewBufferString(payload)), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["duplicate"])
	assert.Len(t, svc.recorded, recordedBefore)
	assert.Len(t, svc.dispatched, 2)
}

func TestHandleRefund(t *testing.T) {
	svc := &fakeBillingSvc{refund: &billing.RefundResult{RefundID: "REF-1", Status: "COMPLETED"}}
	app := newBillingTestApp(svc, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/refunds",
		refundRequest{TransactionID: "CAP-1", Note: "customer request"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "REF-1", body["refund_id"])
}

func TestHandleRefundRequiresTransactionID(t *testing.T) {
	app := newBillingTestApp(&fakeBillingSvc{}, fakeVerifier{})

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/billing/refunds", refundRequest{}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
