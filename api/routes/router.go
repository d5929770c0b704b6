package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holisticpeople/funnel-bridge/api/controllers"
	webhookcontrollers "github.com/holisticpeople/funnel-bridge/api/controllers/webhooks"
	"github.com/holisticpeople/funnel-bridge/api/middleware"
	checkoutsvc "github.com/holisticpeople/funnel-bridge/internal/checkout"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	"github.com/holisticpeople/funnel-bridge/pkg/config"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient redis.Pinger,
	registry *funnel.Registry,
	host commerce.Host,
	checkoutService controllers.CheckoutService,
	upsellService controllers.UpsellService,
	refundService controllers.RefundService,
	pointsConverter controllers.PointsConverter,
	processors checkoutsvc.Source,
	materializer webhookcontrollers.Materializer,
	signatures webhookcontrollers.SignatureConfig,
	checkoutMetrics *metrics.CheckoutMetrics,
	promRegistry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, redisClient))
	})
	if promRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/funnel/v1", func(r chi.Router) {
		r.Post("/totals", controllers.CheckoutTotals(checkoutService, logg))
		r.Post("/checkout/intent", controllers.CheckoutIntent(checkoutService, logg))

		r.Get("/stripe/webhook", webhookcontrollers.StripeProbe())
		r.Post("/stripe/webhook", webhookcontrollers.StripeWebhook(materializer, signatures, checkoutMetrics, logg))

		r.Post("/upsell/charge", controllers.UpsellCharge(upsellService, logg))

		r.Get("/orders/resolve", controllers.OrdersResolve(host, logg))

		r.Get("/refunds/preview", controllers.RefundsPreview(refundService, logg))
		r.Post("/refunds", controllers.RefundsApply(refundService, logg))

		r.Post("/customer", controllers.CustomerProfile(host, pointsConverter, logg))
		r.Get("/catalog/prices", controllers.CatalogPrices(host, logg))
		r.Get("/status", controllers.FunnelStatus(registry, processors, logg))
	})

	return r
}
