package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/installments-gateway/api/routes"
	"github.com/angelmondragon/installments-gateway/internal/installments"
	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/internal/subscriptions"
	gocardlesswebhook "github.com/angelmondragon/installments-gateway/internal/webhooks/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/config"
	"github.com/angelmondragon/installments-gateway/pkg/db"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
	"github.com/angelmondragon/installments-gateway/pkg/instance"
	"github.com/angelmondragon/installments-gateway/pkg/locks"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/metrics"
	"github.com/angelmondragon/installments-gateway/pkg/migrate"
	"github.com/angelmondragon/installments-gateway/pkg/outbox"
	"github.com/angelmondragon/installments-gateway/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

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

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, db.Options{UseSQLite: cfg.FeatureFlags.UseSQLite}, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gcClient, err := gocardless.NewFromConfig(cfg.GoCardless)
	if err != nil {
		logg.Error(context.Background(), "failed to create gocardless client", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	orderLocks, err := locks.NewKeyed(redisClient, "order", cfg.Locks.RedirectTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create order locks", err)
		os.Exit(1)
	}

	installmentsService, err := installments.NewService(installments.ServiceParams{
		Config:    cfg,
		Logger:    logg,
		Orders:    ordersRepo,
		DB:        dbClient,
		Processor: gcClient,
		Outbox:    outboxService,
		Locks:     orderLocks,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create installments service", err)
		os.Exit(1)
	}

	subscriptionsService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Orders:    ordersRepo,
		Processor: gcClient,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscriptions service", err)
		os.Exit(1)
	}

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)

	locator, err := gocardlesswebhook.NewLocator(ordersRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create order locator", err)
		os.Exit(1)
	}
	dispatcher, err := gocardlesswebhook.NewDispatcher(gocardlesswebhook.DispatcherParams{
		Orders: ordersRepo,
		DB:     dbClient,
		Outbox: outboxService,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook dispatcher", err)
		os.Exit(1)
	}
	guard, err := gocardlesswebhook.NewIdempotencyGuard(redisClient, cfg.Webhook.IdempotencyTTL, "gocardless-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}
	processor, err := gocardlesswebhook.NewProcessor(gocardlesswebhook.ProcessorParams{
		Secret:     cfg.GoCardless.WebhookSecret,
		Locator:    locator,
		Dispatcher: dispatcher,
		Guard:      guard,
		Metrics:    webhookMetrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook processor", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":            cfg.App.Env,
		"addr":           addr,
		"instance":       instance.GetID(),
		"gocardless_env": cfg.GoCardless.Environment(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			DB:               dbClient,
			Redis:            redisClient,
			Installments:     installmentsService,
			Subscriptions:    subscriptionsService,
			WebhookProcessor: processor,
			WebhookMetrics:   webhookMetrics,
			MetricsGatherer:  prometheus.DefaultGatherer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shutting down gracefully")
	}
}
