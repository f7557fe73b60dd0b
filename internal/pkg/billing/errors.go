package billing

import "errors"

// Business-rule rejections. All of these surface as 4xx and guarantee that
// no persisted state was mutated.
var (
	// ErrGatewayNotReady: the gateway does not report the subscription as
	// active/completed yet; a client-asserted success flag alone is never
	// trusted.
	ErrGatewayNotReady = errors.New("gateway has not confirmed the subscription as active")

	// ErrOrderNotCaptureable: the order is in neither the approved nor the
	// completed state, or the capture came back in a non-terminal status.
	ErrOrderNotCaptureable = errors.New("order is not in a captureable state")

	// ErrMissingPlanInfo: the gateway payload carries no usable plan
	// metadata.
	ErrMissingPlanInfo = errors.New("cannot determine plan from gateway payload")

	// ErrNotADowngrade: target tier is not strictly below the current one.
	ErrNotADowngrade = errors.New("target plan is not a downgrade")

	// ErrNoActiveSubscription: the user has no active subscription row.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrNotRecurringTier: a recurring-subscription operation was requested
	// for a one-time tier.
	ErrNotRecurringTier = errors.New("tier is not billed as a recurring subscription")

	// ErrNotOneTimeTier: a one-time order was requested for a free or
	// recurring tier.
	ErrNotOneTimeTier = errors.New("tier is not billed as a one-time order")

	// ErrNoGatewayPlanID: no gateway plan id is configured for the tier.
	ErrNoGatewayPlanID = errors.New("no gateway plan id configured for tier")

	// ErrCheckoutOwnerMismatch: the gateway object carries attribution to a
	// different account than the caller.
	ErrCheckoutOwnerMismatch = errors.New("checkout belongs to a different account")
)
