package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	notificationapp "github.com/dmehra2102/payment-reconciliation/internal/notification/application"
	notificationpg "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/postgres"
	orderapp "github.com/dmehra2102/payment-reconciliation/internal/order/application"
	orderhttp "github.com/dmehra2102/payment-reconciliation/internal/order/infrastructure/http"
	orderpg "github.com/dmehra2102/payment-reconciliation/internal/order/infrastructure/postgres"
	paymentapp "github.com/dmehra2102/payment-reconciliation/internal/payment/application"
	paymenthttp "github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/http"
	paymentpg "github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/infrastructure/provider"
	storage "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
	"github.com/dmehra2102/payment-reconciliation/pkg/logging"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
	"github.com/dmehra2102/payment-reconciliation/pkg/outbox"
	"github.com/dmehra2102/payment-reconciliation/pkg/shutdown"
	"github.com/dmehra2102/payment-reconciliation/pkg/tracing"
)

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	s, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Error("settings load failed", "err", err)
		os.Exit(1)
	}
	settings := config.NewStatic(*s)

	tp, err := tracing.Init(ctx, "payment-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	metrics.Register()

	// Postgres
	pool, err := storage.Connect(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := storage.Migrate(ctx, pool); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	seen := idempotency.NewStore(rdb, cfg.WebhookSeenTTL)

	// Notification producer side; delivery runs in notification-worker
	enqueuer := notificationapp.NewEnqueuer(log, notificationpg.NewQueue(log, pool), settings)

	orders := orderapp.NewService(log, orderpg.NewRepository(log, pool), enqueuer)

	client := provider.NewClient(log, cfg.ProviderBaseURL, cfg.ProviderSecret, nil)
	verifier := paymentapp.NewVerifier(log, client, settings,
		paymentapp.WithAttempts(cfg.ProviderAttempts),
		paymentapp.WithAttemptTimeout(cfg.ProviderTimeout))
	reconciler := paymentapp.NewReconciler(log, paymentpg.NewLedger(log, pool, cfg.LockTimeout), verifier, enqueuer)

	// Outbox relay for payment and order events
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()
	relay := outbox.NewRelay(log, storage.NewOutboxStore(log, pool), outbox.NewDispatcher(log, writer, cfg.OutboxTopic),
		"payment-service-relay", outbox.WithInterval(cfg.RelayInterval))

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	orderhttp.NewHandler(log, orders).Register(r)
	paymenthttp.NewHandler(log, reconciler, seen, cfg.ProviderSecret).Register(r)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      otelhttp.NewHandler(r, "payment-service"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("payment-service shutdown complete")
}
