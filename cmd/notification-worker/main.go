package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/application"
	notificationgrpc "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/grpc"
	notificationkafka "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/kafka"
	notificationpg "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/postgres"
	notificationredis "github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/redis"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/infrastructure/transport"
	storage "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
	"github.com/dmehra2102/payment-reconciliation/pkg/idempotency"
	"github.com/dmehra2102/payment-reconciliation/pkg/logging"
	"github.com/dmehra2102/payment-reconciliation/pkg/metrics"
	"github.com/dmehra2102/payment-reconciliation/pkg/shutdown"
	"github.com/dmehra2102/payment-reconciliation/pkg/tracing"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	log = log.With("worker_id", cfg.WorkerID)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	s, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Error("settings load failed", "err", err)
		os.Exit(1)
	}
	settings := config.NewStatic(*s)
	catalog, err := config.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		log.Error("templates load failed", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init(ctx, "notification-worker", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	metrics.Register()

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

	queue := notificationpg.NewQueue(log, pool)
	suppressionStore := notificationpg.NewSuppressions(pool)
	suppressions := application.NewSuppressions(log, suppressionStore, settings)
	gate := application.NewGate(suppressionStore, notificationredis.NewLimiter(rdb, settings))

	var sender application.Transport = transport.NewLog(log)
	if cfg.TransportURL != "" {
		sender = transport.NewHTTP(cfg.TransportURL, cfg.TransportToken, cfg.TransportFrom, nil)
	} else {
		log.Warn("TRANSPORT_URL not set, notifications are written to the log")
	}

	dispatcher := application.NewDispatcher(log, queue, gate, application.NewRenderer(catalog), sender, suppressions, settings, cfg.WorkerID,
		application.WithWorkers(cfg.WorkerCount),
		application.WithBatchSize(cfg.BatchSize),
		application.WithPollInterval(cfg.PollInterval),
		application.WithSendTimeout(cfg.SendTimeout),
		application.WithAlerts(storage.NewOutboxStore(log, pool)))
	sweeper := application.NewSweeper(log, queue, cfg.StuckAfter, cfg.SweepInterval)

	reader := notificationkafka.NewFeedbackReader(cfg.KafkaBrokers, cfg.FeedbackTopic, cfg.FeedbackGroup)
	feedback := notificationkafka.NewFeedbackConsumer(log, reader, suppressions, idempotency.NewStore(rdb, cfg.FeedbackTTL))

	health := notificationgrpc.NewHealth(dispatcher)
	gs, err := notificationgrpc.Run(cfg.GRPCAddr, health)
	if err != nil {
		log.Error("grpc listen failed", "err", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "err", err)
		}
	}()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error(name+" stopped with error", "err", err)
				cancel()
			}
		}()
	}
	run("dispatcher", dispatcher.Run)
	run("sweeper", sweeper.Run)
	run("feedback consumer", feedback.Run)
	go health.Watch(ctx, time.Second)

	log.Info("notification-worker started", "grpc", cfg.GRPCAddr, "metrics", cfg.MetricsAddr)
	<-ctx.Done()

	// workers finish the event in flight and release the rest of their batch
	// before the pool closes
	wg.Wait()
	gs.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("notification-worker shutdown complete")
}
