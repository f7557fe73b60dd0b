package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/willvault/willvault/app/models"
	"github.com/willvault/willvault/internal/pkg/env"
	"github.com/willvault/willvault/internal/pkg/paypal"
	"github.com/willvault/willvault/internal/pkg/plans"
	"github.com/willvault/willvault/internal/pkg/usage"
)

const ProviderPayPal = "paypal"

// Service is the subscription reconciler: it maps gateway events and
// client-initiated actions onto subscription-record mutations, with the
// transaction ledger's unique gateway id as the replay deduplication point.
type Service struct {
	repo    Repository
	gateway Gateway
	usage   *usage.Service
	planIDs map[string]plans.Level

	now func() time.Time
}

// NewService creates a reconciler from injected collaborators. planIDs maps
// gateway plan ids onto catalog levels and is the primary plan signal during
// activation.
func NewService(repo Repository, gateway Gateway, usageSvc *usage.Service, planIDs map[string]plans.Level) *Service {
	return &Service{
		repo:    repo,
		gateway: gateway,
		usage:   usageSvc,
		planIDs: planIDs,
		now:     time.Now,
	}
}

// PlanIDMapFromEnv reads the per-tier gateway plan identifiers.
func PlanIDMapFromEnv() map[string]plans.Level {
	keys := map[plans.Level]string{
		plans.LevelSilver:   "PAYPAL_PLAN_ID_SILVER",
		plans.LevelGold:     "PAYPAL_PLAN_ID_GOLD",
		plans.LevelPlatinum: "PAYPAL_PLAN_ID_PLATINUM",
	}
	out := make(map[string]plans.Level, len(keys))
	for level, key := range keys {
		if id := strings.TrimSpace(env.GetEnv(key, "")); id != "" {
			out[id] = level
		}
	}
	return out
}

// planMeta is the structured payload this system embeds in the gateway's
// opaque custom-data field at order/subscription creation time.
type planMeta struct {
	Plan   string `json:"plan"`
	UserID uint   `json:"user_id,omitempty"`
}

func encodePlanMeta(level plans.Level, userID uint) string {
	raw, _ := json.Marshal(planMeta{Plan: string(level), UserID: userID})
	return string(raw)
}

// parsePlanTier resolves plan metadata from a gateway custom field.
// Structured JSON first; on parse failure the raw value is treated as the
// plan name verbatim (legacy order format).
func parsePlanTier(customID string) (plans.Tier, error) {
	raw := strings.TrimSpace(customID)
	if raw == "" {
		return plans.Tier{}, ErrMissingPlanInfo
	}
	name := raw
	var meta planMeta
	if err := json.Unmarshal([]byte(raw), &meta); err == nil && strings.TrimSpace(meta.Plan) != "" {
		name = meta.Plan
	}
	tier, err := plans.GetTier(name)
	if err != nil {
		return plans.Tier{}, fmt.Errorf("%w: custom field %q", ErrMissingPlanInfo, raw)
	}
	return tier, nil
}

// metaOwner extracts the user attribution this system embedded in the custom
// field at checkout creation. Zero means no attribution is present (legacy
// format or foreign object).
func metaOwner(customID string) uint {
	var meta planMeta
	if err := json.Unmarshal([]byte(strings.TrimSpace(customID)), &meta); err != nil {
		return 0
	}
	return meta.UserID
}

// EnsureBronze inserts the free bronze record for users with no subscription
// row at all. Called at registration.
func (s *Service) EnsureBronze(ctx context.Context, userID uint) (*models.UserSubscription, error) {
	_ = ctx
	sub, err := s.repo.GetActiveSubscription(userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.repo.ActivatePlan(ActivatePlanParams{
		UserID:           userID,
		Level:            plans.LevelBronze,
		StartDate:        s.now(),
		SubscriptionType: models.SubscriptionTypePrepaid,
	})
}

// CurrentSubscription returns the authoritative subscription row.
func (s *Service) CurrentSubscription(userID uint) (*models.UserSubscription, error) {
	sub, err := s.repo.GetActiveSubscription(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}
	return sub, nil
}

// CreateOrderCheckout creates a one-time gateway order for a prepaid tier
// and returns the buyer approval URL.
func (s *Service) CreateOrderCheckout(ctx context.Context, userID uint, level, returnURL, cancelURL string) (*CheckoutResult, error) {
	tier, err := plans.GetTier(level)
	if err != nil {
		return nil, err
	}
	if tier.IsFree() || tier.Recurrence.IsRecurring {
		return nil, fmt.Errorf("%w: %s", ErrNotOneTimeTier, tier.Level)
	}

	order, err := s.gateway.CreateOrder(ctx, paypal.CreateOrderParams{
		Amount:      tier.Price,
		Currency:    tier.Currency,
		CustomID:    encodePlanMeta(tier.Level, userID),
		Description: fmt.Sprintf("WillVault %s plan, %d-year coverage", tier.Level, tier.CoveragePeriodYears),
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{OrderID: order.ID, ApprovalURL: order.ApprovalURL()}, nil
}

// CreateSubscriptionCheckout creates a gateway billing subscription for a
// recurring tier and returns the buyer approval URL.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, userID uint, level, returnURL, cancelURL string) (*CheckoutResult, error) {
	tier, err := plans.GetTier(level)
	if err != nil {
		return nil, err
	}
	if !tier.Recurrence.IsRecurring {
		return nil, fmt.Errorf("%w: %s", ErrNotRecurringTier, tier.Level)
	}

	planID := ""
	for id, lvl := range s.planIDs {
		if lvl == tier.Level {
			planID = id
			break
		}
	}
	if planID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoGatewayPlanID, tier.Level)
	}

	sub, err := s.gateway.CreateSubscription(ctx, paypal.CreateSubscriptionParams{
		PlanID:    planID,
		CustomID:  encodePlanMeta(tier.Level, userID),
		ReturnURL: returnURL,
		CancelURL: cancelURL,
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{SubscriptionID: sub.ID, ApprovalURL: sub.ApprovalURL()}, nil
}

// ActivateSubscription confirms a gateway subscription with the provider and
// persists the resulting plan. The gateway's own record is authoritative: a
// client-asserted success flag is never enough, and the plan level is derived
// from the gateway's plan id / billed amount, never from client input.
// Replays keyed on the same gateway id return the prior result unchanged.
func (s *Service) ActivateSubscription(ctx context.Context, subscriptionID string, userID uint) (*ActivationResult, error) {
	gwSub, err := s.gateway.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if gwSub.Status != paypal.SubscriptionStatusActive {
		return nil, fmt.Errorf("%w: gateway reports status %s", ErrGatewayNotReady, gwSub.Status)
	}
	if owner := metaOwner(gwSub.CustomID); owner != 0 && owner != userID {
		return nil, fmt.Errorf("%w: subscription %s", ErrCheckoutOwnerMismatch, gwSub.ID)
	}

	tier, err := s.deriveTier(gwSub)
	if err != nil {
		return nil, err
	}

	txnID := activationTransactionID(gwSub.ID)
	if existing, err := s.repo.FindTransactionByGatewayID(txnID); err == nil {
		cur, err := s.repo.GetActiveSubscription(userID)
		if err != nil {
			return nil, err
		}
		return &ActivationResult{
			PlanLevel:       plans.Level(cur.Level),
			EndDate:         cur.EndDate,
			NextBillingDate: cur.NextBillingDate,
			TransactionID:   existing.GatewayTransactionID,
			Duplicate:       true,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now()
	endDate := plans.ExpiryFrom(tier, now)
	var nextBilling *time.Time
	subType := models.SubscriptionTypePrepaid
	intervalYears := 0
	if tier.Recurrence.IsRecurring {
		subType = models.SubscriptionTypeRecurring
		intervalYears = tier.Recurrence.IntervalCount
		if gwSub.BillingInfo != nil && gwSub.BillingInfo.NextBillingTime != nil {
			nextBilling = gwSub.BillingInfo.NextBillingTime
		} else {
			nextBilling = endDate
		}
	}

	if _, err := s.repo.ActivatePlan(ActivatePlanParams{
		UserID:                userID,
		Level:                 tier.Level,
		StartDate:             now,
		EndDate:               endDate,
		IsRecurring:           tier.Recurrence.IsRecurring,
		BillingIntervalYears:  intervalYears,
		NextBillingDate:       nextBilling,
		SubscriptionType:      subType,
		GatewaySubscriptionID: gwSub.ID,
	}); err != nil {
		return nil, fmt.Errorf("persisting subscription activation: %w", err)
	}

	amount := tier.Price
	currency := tier.Currency
	if gwSub.BillingInfo != nil && gwSub.BillingInfo.LastPayment != nil {
		if a, err := gwSub.BillingInfo.LastPayment.Amount.Decimal(); err == nil {
			amount = a
			currency = gwSub.BillingInfo.LastPayment.Amount.CurrencyCode
		}
	}
	snapshot, _ := json.Marshal(gwSub)
	s.appendTransaction(&models.PaymentTransaction{
		UserID:               userID,
		GatewayTransactionID: txnID,
		PaymentMethod:        models.PaymentMethodPayPal,
		Amount:               amount,
		Currency:             currency,
		SubscriptionLevel:    string(tier.Level),
		PaymentStatus:        models.PaymentStatusCompleted,
		GatewayResponse:      string(snapshot),
	})

	return &ActivationResult{
		PlanLevel:       tier.Level,
		EndDate:         endDate,
		NextBillingDate: nextBilling,
		TransactionID:   txnID,
	}, nil
}

// The activation payment has no standalone capture id on the subscription
// resource; the derived key keeps client-retry and webhook activations
// converging on one ledger row.
func activationTransactionID(gatewaySubscriptionID string) string {
	return "SUB-" + gatewaySubscriptionID
}

// deriveTier resolves the paid tier from the gateway's own record: the
// configured plan-id mapping first, exact decimal amount match second, and
// the custom field this system embedded at creation as a last resort.
func (s *Service) deriveTier(sub *paypal.Subscription) (plans.Tier, error) {
	if level, ok := s.planIDs[sub.PlanID]; ok {
		return plans.GetTier(string(level))
	}
	if sub.BillingInfo != nil && sub.BillingInfo.LastPayment != nil {
		lp := sub.BillingInfo.LastPayment
		if amount, err := lp.Amount.Decimal(); err == nil {
			if tier, ok := plans.TierByPrice(amount, lp.Amount.CurrencyCode); ok {
				return tier, nil
			}
		}
	}
	if tier, err := parsePlanTier(sub.CustomID); err == nil {
		return tier, nil
	}
	return plans.Tier{}, fmt.Errorf("%w: gateway plan id %q matches no tier", ErrMissingPlanInfo, sub.PlanID)
}

// CaptureOrder finalizes a one-time order. A COMPLETED order is a replay:
// its embedded capture record is re-used and the gateway is not asked to
// capture again (it rejects repeat captures). Only APPROVED orders are
// captured; anything else is not captureable and mutates nothing.
func (s *Service) CaptureOrder(ctx context.Context, orderID string, userID uint) (*CaptureResult, error) {
	order, err := s.gateway.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	customID := order.CustomID()
	if owner := metaOwner(customID); owner != 0 && owner != userID {
		return nil, fmt.Errorf("%w: order %s", ErrCheckoutOwnerMismatch, order.ID)
	}
	switch order.Status {
	case paypal.OrderStatusCompleted:
		// replay, fall through to the embedded capture
	case paypal.OrderStatusApproved:
		captured, err := s.gateway.CaptureOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if captured.Status != paypal.OrderStatusCompleted {
			return nil, fmt.Errorf("%w: capture returned status %s", ErrOrderNotCaptureable, captured.Status)
		}
		if cid := captured.CustomID(); cid != "" {
			customID = cid
		}
		order = captured
	default:
		return nil, fmt.Errorf("%w: order status is %s", ErrOrderNotCaptureable, order.Status)
	}

	capture := order.FirstCapture()
	if capture == nil {
		return nil, fmt.Errorf("%w: completed order carries no capture record", ErrOrderNotCaptureable)
	}
	if capture.Status != "" && capture.Status != paypal.CaptureStatusCompleted {
		return nil, fmt.Errorf("%w: capture status is %s", ErrOrderNotCaptureable, capture.Status)
	}

	// Re-check with the post-capture custom field in case the pre-capture
	// order view omitted it.
	if owner := metaOwner(customID); owner != 0 && owner != userID {
		return nil, fmt.Errorf("%w: order %s", ErrCheckoutOwnerMismatch, order.ID)
	}

	tier, err := parsePlanTier(customID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.FindTransactionByGatewayID(capture.ID); err == nil {
		result := &CaptureResult{
			TransactionID: existing.GatewayTransactionID,
			Plan:          plans.Level(existing.SubscriptionLevel),
			Amount:        existing.Amount,
			Currency:      existing.Currency,
			Duplicate:     true,
		}
		if cur, err := s.repo.GetActiveSubscription(userID); err == nil {
			result.SubscriptionEndDate = cur.EndDate
		}
		return result, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now()
	endDate := plans.ExpiryFrom(tier, now)
	if _, err := s.repo.ActivatePlan(ActivatePlanParams{
		UserID:           userID,
		Level:            tier.Level,
		StartDate:        now,
		EndDate:          endDate,
		SubscriptionType: models.SubscriptionTypePrepaid,
	}); err != nil {
		return nil, fmt.Errorf("persisting order capture: %w", err)
	}

	amount := tier.Price
	currency := tier.Currency
	if a, err := capture.Amount.Decimal(); err == nil {
		amount = a
		currency = capture.Amount.CurrencyCode
	}
	snapshot, _ := json.Marshal(order)
	s.appendTransaction(&models.PaymentTransaction{
		UserID:               userID,
		GatewayTransactionID: capture.ID,
		GatewayOrderID:       order.ID,
		PaymentMethod:        models.PaymentMethodPayPal,
		Amount:               amount,
		Currency:             currency,
		SubscriptionLevel:    string(tier.Level),
		PaymentStatus:        models.PaymentStatusCompleted,
		GatewayResponse:      string(snapshot),
	})

	return &CaptureResult{
		TransactionID:       capture.ID,
		Plan:                tier.Level,
		Amount:              amount,
		Currency:            currency,
		SubscriptionEndDate: endDate,
	}, nil
}

// UpgradeSubscription tears down the old gateway subscription and hands back
// proration context. The new plan purchase is a separate client-initiated
// create action; nothing here charges the buyer.
func (s *Service) UpgradeSubscription(ctx context.Context, userID uint, currentLevel, targetLevel string) (*UpgradeResult, error) {
	currentTier, err := plans.GetTier(currentLevel)
	if err != nil {
		return nil, err
	}
	targetTier, err := plans.GetTier(targetLevel)
	if err != nil {
		return nil, err
	}
	if currentTier.Level == targetTier.Level {
		return &UpgradeResult{Strategy: StrategyUnchanged, ProrationCredit: decimal.Zero, NextStep: NextStepDone}, nil
	}

	credit := decimal.Zero
	sub, err := s.repo.GetActiveSubscription(userID)
	if err == nil {
		credit = usage.ProrationCredit(sub, currentTier.Price, s.now())
		s.cancelGatewaySubscription(ctx, sub, "plan upgrade")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &UpgradeResult{
		Strategy:        StrategyCancelThenCreate,
		ProrationCredit: credit,
		NextStep:        NextStepCreateNewSubscription,
	}, nil
}

// DowngradeSubscription analyses (confirm=false) or performs (confirm=true)
// a move to a strictly lower tier. Dry-run and confirm are two independent
// idempotent calls; the confirm step re-runs the violation check but
// violations never block it (existing data is retained, new creations are
// blocked elsewhere until usage fits the lower tier).
func (s *Service) DowngradeSubscription(ctx context.Context, userID uint, currentLevel, targetLevel string, confirm bool) (*DowngradeResult, error) {
	currentTier, err := plans.GetTier(currentLevel)
	if err != nil {
		return nil, err
	}
	targetTier, err := plans.GetTier(targetLevel)
	if err != nil {
		return nil, err
	}
	if !plans.IsDowngrade(currentTier.Level, targetTier.Level) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotADowngrade, currentTier.Level, targetTier.Level)
	}

	sub, err := s.repo.GetActiveSubscription(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	violations := usage.CheckLimitViolations(s.usage.CurrentUsage(userID), targetTier)
	if violations == nil {
		violations = []string{}
	}
	result := &DowngradeResult{
		Violations:      violations,
		HasViolations:   len(violations) > 0,
		PotentialRefund: usage.ProrationCredit(sub, currentTier.Price, s.now()),
	}

	if !confirm {
		if result.HasViolations {
			result.NextStep = NextStepConfirmWithRestrictions
		} else {
			result.NextStep = NextStepConfirm
		}
		return result, nil
	}

	result.Confirmed = true
	s.cancelGatewaySubscription(ctx, sub, "plan downgrade")

	now := s.now()
	if targetTier.Level == plans.LevelBronze {
		// Bronze needs no payment step: retire the old row and insert the
		// open-ended free record in one atomic mutation.
		if _, err := s.repo.ActivatePlan(ActivatePlanParams{
			UserID:           userID,
			Level:            plans.LevelBronze,
			StartDate:        now,
			SubscriptionType: models.SubscriptionTypePrepaid,
		}); err != nil {
			return nil, fmt.Errorf("persisting bronze downgrade: %w", err)
		}
		result.NextStep = NextStepDone
		return result, nil
	}

	if err := s.repo.UpdateSubscriptionFields(sub.ID, map[string]any{
		"is_active":    false,
		"status":       models.SubscriptionStatusCancelled,
		"cancelled_at": now,
	}); err != nil {
		return nil, fmt.Errorf("retiring subscription %d: %w", sub.ID, err)
	}
	result.NextStep = NextStepCreateNewSubscription
	return result, nil
}

// IssueRefund turns a completed ledger entry into a real gateway refund.
// Explicit operator action, never called from reconciliation paths.
func (s *Service) IssueRefund(ctx context.Context, gatewayTransactionID, note string) (*RefundResult, error) {
	txn, err := s.repo.FindTransactionByGatewayID(gatewayTransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("unknown transaction %q", gatewayTransactionID)
		}
		return nil, err
	}
	if txn.PaymentStatus != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("transaction %s is not refundable (status %s)", gatewayTransactionID, txn.PaymentStatus)
	}

	refund, err := s.gateway.RefundCapture(ctx, txn.GatewayTransactionID, txn.Amount, txn.Currency, note)
	if err != nil {
		return nil, err
	}

	snapshot, _ := json.Marshal(refund)
	s.appendTransaction(&models.PaymentTransaction{
		UserID:               txn.UserID,
		GatewayTransactionID: refund.ID,
		GatewayOrderID:       txn.GatewayOrderID,
		PaymentMethod:        models.PaymentMethodPayPal,
		Amount:               txn.Amount.Neg(),
		Currency:             txn.Currency,
		SubscriptionLevel:    txn.SubscriptionLevel,
		PaymentStatus:        models.PaymentStatusCompleted,
		GatewayResponse:      string(snapshot),
	})

	return &RefundResult{
		RefundID:      refund.ID,
		TransactionID: txn.GatewayTransactionID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        refund.Status,
	}, nil
}

// HandleGatewayEvent dispatches a verified webhook event. Every branch is
// safe to invoke twice with the same payload; unrecognized types are logged
// and ignored, never errors.
func (s *Service) HandleGatewayEvent(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventSubscriptionCreated:
		// No activation on "created": access is granted only once payment
		// is confirmed via activate/capture.
		fiberlog.Infof("billing: subscription %s created at gateway, awaiting activation", ev.SubscriptionID)
		return nil
	case EventSubscriptionActivated:
		return s.activateFromWebhook(ctx, ev)
	case EventRecurringPaymentCompleted:
		return s.handleRecurringCharge(ev)
	case EventPaymentDenied:
		return s.handlePaymentDenied(ev)
	case EventSubscriptionCancelled:
		return s.stampStatus(ev, models.SubscriptionStatusCancelled, true)
	case EventSubscriptionSuspended:
		return s.stampStatus(ev, models.SubscriptionStatusSuspended, false)
	case EventSubscriptionExpired:
		return s.stampStatus(ev, models.SubscriptionStatusExpired, false)
	default:
		fiberlog.Warnf("billing: ignoring unrecognized gateway event type %q", ev.RawType)
		return nil
	}
}

func (s *Service) activateFromWebhook(ctx context.Context, ev *Event) error {
	gwSub, err := s.gateway.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	var meta planMeta
	if err := json.Unmarshal([]byte(gwSub.CustomID), &meta); err != nil || meta.UserID == 0 {
		fiberlog.Warnf("billing: activated event for %s carries no user attribution, skipping", ev.SubscriptionID)
		return nil
	}
	_, err = s.ActivateSubscription(ctx, ev.SubscriptionID, meta.UserID)
	return err
}

func (s *Service) handleRecurringCharge(ev *Event) error {
	sub, err := s.repo.GetSubscriptionByGatewayID(ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fiberlog.Warnf("billing: recurring charge for unknown gateway subscription %q, ignoring", ev.SubscriptionID)
			return nil
		}
		return err
	}

	tier, err := plans.GetTier(sub.Level)
	if err != nil {
		return err
	}
	if !tier.Recurrence.IsRecurring {
		fiberlog.Warnf("billing: subscription %d (%s) received a recurring charge event, refusing to mutate a non-recurring tier", sub.ID, sub.Level)
		return nil
	}

	if ev.ResourceID == "" {
		return errors.New("recurring charge event missing sale id")
	}
	if _, err := s.repo.FindTransactionByGatewayID(ev.ResourceID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := s.now()
	amount := tier.Price
	currency := tier.Currency
	if a, err := ev.Amount.Decimal(); err == nil {
		amount = a
		if ev.Amount.CurrencyCode != "" {
			currency = ev.Amount.CurrencyCode
		}
	}
	txn := &models.PaymentTransaction{
		UserID:               sub.UserID,
		GatewayTransactionID: ev.ResourceID,
		PaymentMethod:        models.PaymentMethodPayPal,
		Amount:               amount,
		Currency:             currency,
		SubscriptionLevel:    sub.Level,
		PaymentStatus:        models.PaymentStatusCompleted,
		GatewayResponse:      string(ev.Raw),
	}

	// The first cycle's sale is already accounted by activation; it arrives
	// here with nearly a full billing interval of entitlement still ahead.
	// The payment itself still belongs in the ledger.
	if sub.EndDate != nil && sub.EndDate.After(now.AddDate(0, 11, 0)) {
		fiberlog.Infof("billing: sale %s for subscription %d covers the already-credited initial cycle", ev.ResourceID, sub.ID)
		s.appendTransaction(txn)
		return nil
	}

	// Extend from the recorded end date, not from "now": early or late
	// charge delivery must not shift the entitlement window. The ledger row
	// is appended after the extension so a failed extension stays retryable
	// on redelivery.
	var newEnd time.Time
	if sub.EndDate != nil {
		newEnd = sub.EndDate.AddDate(1, 0, 0)
	} else {
		newEnd = now.AddDate(1, 0, 0)
	}
	if err := s.repo.UpdateSubscriptionFields(sub.ID, map[string]any{
		"end_date":          newEnd,
		"next_billing_date": newEnd,
		"status":            models.SubscriptionStatusActive,
	}); err != nil {
		return fmt.Errorf("extending subscription %d: %w", sub.ID, err)
	}

	s.appendTransaction(txn)
	return nil
}

func (s *Service) handlePaymentDenied(ev *Event) error {
	sub, err := s.repo.GetSubscriptionByGatewayID(ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fiberlog.Warnf("billing: payment denial for unknown gateway subscription %q, ignoring", ev.SubscriptionID)
			return nil
		}
		return err
	}

	txnID := ev.ResourceID
	if txnID == "" {
		txnID = ev.ID
	}
	amount := decimal.Zero
	if a, err := ev.Amount.Decimal(); err == nil {
		amount = a
	}
	// Ledger only; a denied charge does not mutate the subscription.
	s.appendTransaction(&models.PaymentTransaction{
		UserID:               sub.UserID,
		GatewayTransactionID: txnID,
		PaymentMethod:        models.PaymentMethodPayPal,
		Amount:               amount,
		Currency:             ev.Amount.CurrencyCode,
		SubscriptionLevel:    sub.Level,
		PaymentStatus:        models.PaymentStatusFailed,
		GatewayResponse:      string(ev.Raw),
	})
	return nil
}

func (s *Service) stampStatus(ev *Event, status string, stampCancelledAt bool) error {
	sub, err := s.repo.GetSubscriptionByGatewayID(ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fiberlog.Warnf("billing: %s event for unknown gateway subscription %q, ignoring", ev.Type, ev.SubscriptionID)
			return nil
		}
		return err
	}
	fields := map[string]any{"status": status}
	if stampCancelledAt {
		fields["cancelled_at"] = s.now()
	}
	return s.repo.UpdateSubscriptionFields(sub.ID, fields)
}

// cancelGatewaySubscription is best-effort: the new plan must stay
// purchasable even when the old gateway object is already gone.
func (s *Service) cancelGatewaySubscription(ctx context.Context, sub *models.UserSubscription, reason string) {
	if sub == nil || sub.GatewaySubscriptionID == "" {
		return
	}
	if err := s.gateway.CancelSubscription(ctx, sub.GatewaySubscriptionID, reason); err != nil {
		fiberlog.Warnf("billing: gateway cancellation of %s failed (continuing): %v", sub.GatewaySubscriptionID, err)
	}
}

// appendTransaction is secondary bookkeeping: a failed ledger insert is
// logged for reconciliation but never rolls back the granted access level.
func (s *Service) appendTransaction(txn *models.PaymentTransaction) {
	if _, _, err := s.repo.CreateTransactionIfNotExists(txn); err != nil {
		fiberlog.Errorf("billing: transaction ledger insert failed for %s: %v", txn.GatewayTransactionID, err)
	}
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// RecordWebhookEvent persists webhook payloads idempotently. Deliveries
// without an event id are keyed by a payload hash.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:        ProviderPayPal,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}
