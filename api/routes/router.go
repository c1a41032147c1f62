package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/installments-gateway/api/controllers"
	webhookcontrollers "github.com/angelmondragon/installments-gateway/api/controllers/webhooks"
	"github.com/angelmondragon/installments-gateway/api/middleware"
	"github.com/angelmondragon/installments-gateway/internal/subscriptions"
	"github.com/angelmondragon/installments-gateway/pkg/config"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/metrics"
)

type redisClient interface {
	middleware.ResponseStore
	controllers.Pinger
}

// Dependencies groups everything the HTTP surface needs.
type Dependencies struct {
	DB               controllers.Pinger
	Redis            redisClient
	Installments     controllers.InstallmentsService
	Subscriptions    subscriptions.Service
	WebhookProcessor webhookcontrollers.WebhookProcessor
	WebhookMetrics   *metrics.WebhookMetrics
	MetricsGatherer  prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DB, deps.Redis))
	})

	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/gocardless", webhookcontrollers.GoCardlessWebhook(deps.WebhookProcessor, deps.WebhookMetrics, cfg.Webhook.MaxBodyBytes, logg))
	})

	r.Route("/api/v1/installments", func(r chi.Router) {
		r.Get("/options", controllers.InstallmentOptions(deps.Installments, logg))
		r.With(middleware.Idempotency(deps.Redis, cfg.Installments.CheckoutIdempotencyTTL, logg)).
			Post("/checkout", controllers.InstallmentCheckout(deps.Installments, logg))
		r.Get("/return", controllers.InstallmentReturn(deps.Installments, logg))
	})
	r.Get("/api/v1/orders/{orderId}/installments", controllers.InstallmentSummary(deps.Installments, logg))

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.RoleAdmin, logg))
		r.Get("/orders/{orderId}/subscription", controllers.AdminSubscriptionDetails(deps.Subscriptions, logg))
	})

	return r
}
