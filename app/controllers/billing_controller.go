package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/billing"
	"github.com/willvault/willvault/internal/pkg/env"
	"github.com/willvault/willvault/internal/pkg/paypal"
	"github.com/willvault/willvault/internal/pkg/plans"
	"github.com/willvault/willvault/internal/pkg/usage"
	"github.com/willvault/willvault/internal/pkg/usercontext"
)

// BillingService is the reconciler surface the controller drives. Satisfied
// by *billing.Service; faked in tests.
type BillingService interface {
	CurrentSubscription(userID uint) (*models.UserSubscription, error)
	CreateOrderCheckout(ctx context.Context, userID uint, level, returnURL, cancelURL string) (*billing.CheckoutResult, error)
	CreateSubscriptionCheckout(ctx context.Context, userID uint, level, returnURL, cancelURL string) (*billing.CheckoutResult, error)
	ActivateSubscription(ctx context.Context, subscriptionID string, userID uint) (*billing.ActivationResult, error)
	CaptureOrder(ctx context.Context, orderID string, userID uint) (*billing.CaptureResult, error)
	UpgradeSubscription(ctx context.Context, userID uint, currentLevel, targetLevel string) (*billing.UpgradeResult, error)
	DowngradeSubscription(ctx context.Context, userID uint, currentLevel, targetLevel string, confirm bool) (*billing.DowngradeResult, error)
	IssueRefund(ctx context.Context, gatewayTransactionID, note string) (*billing.RefundResult, error)
	HandleGatewayEvent(ctx context.Context, ev *billing.Event) error
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error
}

// WebhookVerifier validates inbound gateway notifications.
type WebhookVerifier interface {
	VerifyWebhookSignature(ctx context.Context, sig paypal.WebhookSignature, rawBody []byte) (bool, error)
}

// DeliveryCache is an optional fast duplicate filter ahead of the durable
// database dedup. Deliveries are marked only after a clean dispatch, so a
// failed delivery stays retryable on redelivery. A nil cache, or any cache
// error, means "proceed".
type DeliveryCache interface {
	Seen(eventID string) bool
	MarkSeen(eventID string)
}

type BillingController struct {
	svc      BillingService
	verifier WebhookVerifier
	usage    *usage.Service
	seen     DeliveryCache
}

func NewBillingController(svc BillingService, verifier WebhookVerifier, usageSvc *usage.Service, seen DeliveryCache) *BillingController {
	return &BillingController{svc: svc, verifier: verifier, usage: usageSvc, seen: seen}
}

const billingRequestTimeout = 20 * time.Second

// HandlePlans returns the plan catalog. Public, no auth.
func (bc *BillingController) HandlePlans(c *fiber.Ctx) error {
	tiers := plans.AllTiers()
	out := make([]fiber.Map, 0, len(tiers))
	for _, t := range tiers {
		entry := fiber.Map{
			"level":     t.Level,
			"price":     t.Price,
			"currency":  t.Currency,
			"recurring": t.Recurrence.IsRecurring,
			"limits": fiber.Map{
				"emergency_contacts": t.Limits.EmergencyContacts,
				"representatives":    t.Limits.Representatives,
				"documents":          t.Limits.DocumentsCount,
				"storage_gb":         t.Limits.StorageGB,
			},
		}
		if t.CoveragePeriodYears > 0 {
			entry["coverage_period_years"] = t.CoveragePeriodYears
		}
		out = append(out, entry)
	}
	return c.JSON(fiber.Map{"plans": out})
}

// HandleCurrentSubscription returns the authenticated user's subscription
// together with a usage snapshot.
func (bc *BillingController) HandleCurrentSubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	sub, err := bc.svc.CurrentSubscription(userID)
	if err != nil {
		if errors.Is(err, billing.ErrNoActiveSubscription) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription", "message": "No active subscription"})
		}
		return bc.errorResponse(c, err)
	}

	out := fiber.Map{
		"subscription": sub,
		"usage":        bc.usage.CurrentUsage(userID),
	}
	if sub.EndDate != nil {
		days := int(time.Until(*sub.EndDate).Hours() / 24)
		if days < 0 {
			days = 0
		}
		out["days_remaining"] = days
	}
	return c.JSON(out)
}

type checkoutRequest struct {
	Plan      string `json:"plan"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

// withDefaultURLs fills missing return/cancel URLs from PUBLIC_DOMAIN so the
// buyer lands back on our pages after approval.
func (r *checkoutRequest) withDefaultURLs() {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/")
	if strings.TrimSpace(r.ReturnURL) == "" {
		r.ReturnURL = base + "/billing/return"
	}
	if strings.TrimSpace(r.CancelURL) == "" {
		r.CancelURL = base + "/billing/cancel"
	}
}

// HandleCreateOrder starts a one-time checkout for a prepaid tier.
func (bc *BillingController) HandleCreateOrder(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	req.withDefaultURLs()

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.CreateOrderCheckout(ctx, userID, req.Plan, req.ReturnURL, req.CancelURL)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// HandleCaptureOrder finalizes a buyer-approved one-time order.
func (bc *BillingController) HandleCaptureOrder(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	orderID := strings.TrimSpace(c.Params("id"))
	if orderID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Missing order id"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.CaptureOrder(ctx, orderID, userID)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.JSON(result)
}

// HandleCreateSubscription starts a recurring checkout.
func (bc *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	req.withDefaultURLs()

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.CreateSubscriptionCheckout(ctx, userID, req.Plan, req.ReturnURL, req.CancelURL)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// HandleActivateSubscription confirms a gateway subscription after buyer
// approval. The gateway is re-queried; a client success flag alone never
// activates anything.
func (bc *BillingController) HandleActivateSubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	subscriptionID := strings.TrimSpace(c.Params("id"))
	if subscriptionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Missing subscription id"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.ActivateSubscription(ctx, subscriptionID, userID)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.JSON(result)
}

type planChangeRequest struct {
	CurrentPlan string `json:"current_plan"`
	TargetPlan  string `json:"target_plan"`
	Confirm     bool   `json:"confirm"`
}

// HandleUpgrade tears down the old gateway subscription and returns proration
// context; the client then drives a fresh checkout for the target plan.
func (bc *BillingController) HandleUpgrade(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req planChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.UpgradeSubscription(ctx, userID, req.CurrentPlan, req.TargetPlan)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.JSON(result)
}

// HandleDowngrade analyses (confirm=false) or performs (confirm=true) a move
// to a lower tier.
func (bc *BillingController) HandleDowngrade(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req planChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.DowngradeSubscription(ctx, userID, req.CurrentPlan, req.TargetPlan, req.Confirm)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.JSON(result)
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	Note          string `json:"note"`
}

// HandleRefund issues a gateway refund for a completed transaction. Admin only.
func (bc *BillingController) HandleRefund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Missing transaction id"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), billingRequestTimeout)
	defer cancel()

	result, err := bc.svc.IssueRefund(ctx, req.TransactionID, req.Note)
	if err != nil {
		return bc.errorResponse(c, err)
	}
	return c.JSON(result)
}

// HandlePayPalWebhook ingests gateway notifications: verify the signature,
// persist the delivery idempotently, then dispatch the typed event. The
// endpoint always answers quickly; redeliveries are welcome and harmless.
func (bc *BillingController) HandlePayPalWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	sig := paypal.SignatureFromHeaders(func(key string) string { return c.Get(key) })

	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	signatureValid, err := bc.verifier.VerifyWebhookSignature(ctx, sig, rawBody)
	if err != nil {
		fiberlog.Errorf("billing webhook: signature verification call failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "verification_unavailable"})
	}
	if !signatureValid {
		// Audit the rejected delivery; nothing else is touched.
		if _, stored, recErr := bc.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
			ProviderEventID: eventIDFromPayload(rawBody),
			EventType:       eventTypeFromPayload(rawBody),
			PayloadJSON:     string(rawBody),
			SignatureValid:  false,
		}); recErr == nil && stored != nil {
			_ = bc.svc.MarkWebhookProcessed(ctx, stored.ID, errors.New("invalid webhook signature"))
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	eventID := eventIDFromPayload(rawBody)
	if bc.seen != nil && eventID != "" && bc.seen.Seen(eventID) {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	created, stored, err := bc.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		ProviderEventID: eventID,
		EventType:       eventTypeFromPayload(rawBody),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && processedCleanly(stored) {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	// First delivery, or a redelivery whose earlier dispatch failed: the
	// handlers are idempotent, so dispatching again is safe.

	ev, err := billing.ParseEvent(rawBody)
	if err != nil {
		_ = bc.svc.MarkWebhookProcessed(ctx, stored.ID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	dispatchErr := bc.svc.HandleGatewayEvent(ctx, ev)
	_ = bc.svc.MarkWebhookProcessed(ctx, stored.ID, dispatchErr)
	if dispatchErr != nil {
		// Non-2xx makes the gateway redeliver. The delivery is not cached as
		// seen, so the retry reaches the dispatcher again.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_processing_failed"})
	}

	if bc.seen != nil && eventID != "" {
		bc.seen.MarkSeen(eventID)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// processedCleanly reports whether a stored delivery already dispatched
// without error; anything else earns another attempt.
func processedCleanly(ev *models.WebhookEvent) bool {
	return ev != nil && ev.ProcessedAt != nil && ev.ProcessingError == ""
}

// errorResponse maps reconciler errors onto HTTP statuses. Business-rule
// rejections become 4xx with a machine-readable code; gateway trouble
// surfaces as 502 so callers can distinguish it from our own faults.
func (bc *BillingController) errorResponse(c *fiber.Ctx, err error) error {
	var authErr *paypal.AuthError
	var reqErr *paypal.RequestError

	switch {
	case errors.Is(err, plans.ErrUnknownTier):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_plan", "message": err.Error()})
	case errors.Is(err, billing.ErrNotADowngrade):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "not_a_downgrade", "message": err.Error(), "suggestion": "use the upgrade endpoint for equal or higher tiers"})
	case errors.Is(err, billing.ErrNotRecurringTier):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "not_recurring_plan", "message": err.Error(), "suggestion": "use the one-time order endpoint for this plan"})
	case errors.Is(err, billing.ErrNotOneTimeTier):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "not_one_time_plan", "message": err.Error(), "suggestion": "use the subscription endpoint for recurring plans"})
	case errors.Is(err, billing.ErrCheckoutOwnerMismatch):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "checkout_owner_mismatch", "message": err.Error()})
	case errors.Is(err, billing.ErrNoActiveSubscription):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription", "message": err.Error()})
	case errors.Is(err, billing.ErrGatewayNotReady):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "gateway_not_ready", "message": err.Error(), "suggestion": "complete the approval at the payment provider, then retry"})
	case errors.Is(err, billing.ErrOrderNotCaptureable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "order_not_captureable", "message": err.Error()})
	case errors.Is(err, billing.ErrMissingPlanInfo):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "missing_plan_info", "message": err.Error()})
	case errors.Is(err, billing.ErrNoGatewayPlanID):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "plan_not_configured", "message": err.Error()})
	case errors.As(err, &authErr):
		fiberlog.Errorf("billing: gateway auth failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_auth_failed", "message": "Payment provider authentication failed"})
	case errors.As(err, &reqErr):
		fiberlog.Errorf("billing: gateway request failed: %v", err)
		resp := fiber.Map{"error": "gateway_request_failed", "message": "Payment provider rejected the request"}
		if code := reqErr.IssueCode(); code != "" {
			resp["gateway_issue"] = code
		}
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	default:
		fiberlog.Errorf("billing: internal error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}

func eventIDFromPayload(raw []byte) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.ID)
}

func eventTypeFromPayload(raw []byte) string {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.EventType)
}
