package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/holisticpeople/funnel-bridge/api/routes"
	checkoutsvc "github.com/holisticpeople/funnel-bridge/internal/checkout"
	"github.com/holisticpeople/funnel-bridge/internal/draft"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	"github.com/holisticpeople/funnel-bridge/internal/materialize"
	"github.com/holisticpeople/funnel-bridge/internal/payments"
	"github.com/holisticpeople/funnel-bridge/internal/points"
	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/internal/refunds"
	"github.com/holisticpeople/funnel-bridge/internal/upsell"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	"github.com/holisticpeople/funnel-bridge/pkg/config"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/metrics"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := context.Background()

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap stripe client", err)
		os.Exit(1)
	}

	host, err := commerce.NewClient(ctx, cfg.Commerce, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap commerce client", err)
		os.Exit(1)
	}

	registry, err := funnel.LoadRegistry(cfg.Funnels.ConfigPath)
	if err != nil {
		logg.Error(ctx, "failed to load funnel config", err)
		os.Exit(1)
	}
	logg.Info(logg.WithField(ctx, "funnels", registry.Len()), "funnel registry loaded")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checkoutMetrics := metrics.NewCheckoutMetrics(promRegistry)

	pointsSvc, err := points.NewService(host, cfg.Points.PointsPerDollar, logg)
	if err != nil {
		logg.Error(ctx, "failed to create points service", err)
		os.Exit(1)
	}
	engine, err := pricing.NewEngine(host, host, pointsSvc, logg)
	if err != nil {
		logg.Error(ctx, "failed to create pricing engine", err)
		os.Exit(1)
	}
	drafts, err := draft.NewStore(redisClient, cfg.Checkout.DraftTTL, cfg.Checkout.ClaimTTL, cfg.Checkout.ProcessedMarkersTTL, logg)
	if err != nil {
		logg.Error(ctx, "failed to create draft store", err)
		os.Exit(1)
	}
	orchestrator, err := payments.NewOrchestrator(redisClient, cfg.Checkout.CustomerMappingTTL, logg)
	if err != nil {
		logg.Error(ctx, "failed to create payment orchestrator", err)
		os.Exit(1)
	}

	paymentSource := payments.StripeSource{Client: stripeClient}
	checkoutSource := checkoutsvc.StripeSource{Client: stripeClient}

	checkoutService, err := checkoutsvc.NewService(
		registry,
		engine,
		host,
		drafts,
		orchestrator,
		checkoutSource,
		cfg.Checkout.Currency,
		cfg.Checkout.DescriptionPrefix,
		checkoutMetrics,
		logg,
	)
	if err != nil {
		logg.Error(ctx, "failed to create checkout service", err)
		os.Exit(1)
	}
	materializer, err := materialize.NewService(drafts, engine, registry, host, pointsSvc, orchestrator, paymentSource, checkoutMetrics, logg)
	if err != nil {
		logg.Error(ctx, "failed to create materializer", err)
		os.Exit(1)
	}
	upsellService, err := upsell.NewService(host, host, orchestrator, paymentSource, cfg.Checkout.UpsellPercent, checkoutMetrics, logg)
	if err != nil {
		logg.Error(ctx, "failed to create upsell service", err)
		os.Exit(1)
	}
	refundService, err := refunds.NewService(host, pointsSvc, paymentSource, checkoutMetrics, logg)
	if err != nil {
		logg.Error(ctx, "failed to create refund service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			redisClient,
			registry,
			host,
			checkoutService,
			upsellService,
			refundService,
			pointsSvc,
			checkoutSource,
			materializer,
			stripeClient,
			checkoutMetrics,
			promRegistry,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
