package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/willvault/willvault/app/controllers"
	"github.com/willvault/willvault/app/repository"
	"github.com/willvault/willvault/internal/pkg/billing"
	"github.com/willvault/willvault/internal/pkg/cache"
	"github.com/willvault/willvault/internal/pkg/database"
	"github.com/willvault/willvault/internal/pkg/env"
	"github.com/willvault/willvault/internal/pkg/middleware"
	"github.com/willvault/willvault/internal/pkg/paypal"
	"github.com/willvault/willvault/internal/pkg/usage"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()
	gateway := paypal.NewClientFromEnv()
	usageSvc := usage.NewService(usage.NewReader(db))
	billingSvc := billing.NewService(billing.NewRepository(db), gateway, usageSvc, billing.PlanIDMapFromEnv())
	billingCtrl := controllers.NewBillingController(billingSvc, gateway, usageSvc, webhookSeenCache{ttl: 24 * time.Hour})
	adminUserCtrl := controllers.NewAdminUserController(repository.GetGlobalFactory().GetUserRepository())

	app.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "WillVault API",
		})
	})

	v1 := api.Group("/v1")

	// Public: plan catalog and gateway notifications. The webhook carries its
	// own signature check instead of an API key.
	v1.Get("/billing/plans", billingCtrl.HandlePlans)
	v1.Post("/billing/webhooks/paypal", billingCtrl.HandlePayPalWebhook)

	// Authenticated billing routes.
	secured := v1.Group("/billing", middleware.APIKeyAuthMiddleware(), middleware.RequireAuth)
	secured.Get("/subscription", billingCtrl.HandleCurrentSubscription)
	secured.Post("/orders", billingCtrl.HandleCreateOrder)
	secured.Post("/orders/:id/capture", billingCtrl.HandleCaptureOrder)
	secured.Post("/subscriptions", billingCtrl.HandleCreateSubscription)
	secured.Post("/subscriptions/:id/activate", billingCtrl.HandleActivateSubscription)
	secured.Post("/upgrade", billingCtrl.HandleUpgrade)
	secured.Post("/downgrade", billingCtrl.HandleDowngrade)

	// Operator actions.
	admin := v1.Group("/admin", middleware.APIKeyAuthMiddleware(), middleware.RequireAdmin)
	admin.Post("/billing/refunds", billingCtrl.HandleRefund)
	admin.Post("/users", adminUserCtrl.HandleCreateUser)
	admin.Post("/users/:id/api-key", adminUserCtrl.HandleIssueAPIKey)
	admin.Delete("/users/:id/api-key", adminUserCtrl.HandleRevokeAPIKey)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// newLimiterStorage backs the rate limiter with the shared Redis instance so
// limits hold across replicas. Database 1 keeps limiter keys apart from the
// cache working set.
func newLimiterStorage() *redisstorage.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

// webhookSeenCache answers duplicate deliveries from Redis before they hit
// the database. Only cleanly processed deliveries are marked, so failed ones
// get dispatched again on redelivery. Redis trouble means "not seen": the
// durable unique index on webhook events still catches the replay.
type webhookSeenCache struct {
	ttl time.Duration
}

func (s webhookSeenCache) Seen(eventID string) bool {
	_, err := cache.Get("billing:webhook:seen:" + eventID)
	return err == nil
}

func (s webhookSeenCache) MarkSeen(eventID string) {
	if err := cache.Set("billing:webhook:seen:"+eventID, 1, s.ttl); err != nil {
		fiberlog.Warnf("webhook seen cache: %v", err)
	}
}
