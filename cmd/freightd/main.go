package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"freightd/internal/config"
	"freightd/internal/domain"
	"freightd/internal/infra/db"
	httpapi "freightd/internal/infra/http"
	"freightd/internal/infra/ledger"
	"freightd/internal/infra/metrics"
	"freightd/internal/infra/outbox"
	"freightd/internal/infra/ratelimit"
	"freightd/internal/usecase"
)

func main() {
	cfg := config.FromEnv()
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("open database")
	}
	if err := db.ApplyMigrations(gdb, cfg.MigrationsDir); err != nil {
		log.WithField("error", err.Error()).Fatal("apply migrations")
	}

	events := db.NewEventRepository(gdb)
	shipments := db.NewShipmentRepository(gdb)
	locations := db.NewLocationRepository(gdb)
	anchorOutbox := db.NewAnchorRequestRepository(gdb)

	registry := prometheus.NewRegistry()
	set := metrics.NewSet(registry)

	signals := usecase.NewSignalBus()
	signals.Subscribe(func(s usecase.StatusRecorded) {
		log.WithFields(logrus.Fields{
			"shipment_id": s.ShipmentID,
			"event_id":    s.EventID,
			"status":      s.Status,
		}).Info("status recorded")
	})

	recorder, err := usecase.NewRecorder(events, shipments, locations, signals, nil)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build recorder")
	}

	ledgerClient := buildLedgerClient(cfg, log)

	schedule := outbox.Schedule{
		Initial:       time.Duration(cfg.BackoffInitialSeconds) * time.Second,
		Max:           time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		Multiplier:    cfg.BackoffMultiplier,
		Randomization: cfg.BackoffRandomization,
	}
	processor, err := outbox.NewProcessor(anchorOutbox, events, ledgerClient, schedule, cfg.AnchorMaxAttempts, cfg.AnchorConfirmDelay(), nil, set, log.WithField("component", "anchor"))
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build processor")
	}
	pool, err := outbox.NewPool(anchorOutbox, processor, cfg.AnchorWorkers, cfg.AnchorPollInterval(), cfg.AnchorClaimTimeout(), nil, log.WithField("component", "anchor-pool"))
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build worker pool")
	}
	reconciler, err := outbox.NewReconciler(anchorOutbox, processor, cfg.ReconcileInterval(), cfg.AnchorClaimTimeout(), cfg.ReconcileStaleness(), nil, set, log.WithField("component", "reconciler"))
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build reconciler")
	}

	server, err := httpapi.NewServer(cfg, httpapi.ServerDeps{
		Recorder:    recorder,
		Shipments:   shipments,
		Locations:   locations,
		Outbox:      anchorOutbox,
		RateLimiter: buildRateLimiter(cfg, log),
		Metrics:     set,
		Gatherer:    registry,
		Log:         log.WithField("component", "http"),
	})
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build server")
	}

	pool.Start()
	reconciler.Start()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithField("error", err.Error()).Error("http server exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Warn("http shutdown")
	}
	reconciler.Stop()
	pool.Stop()
	log.Info("freightd stopped")
}

func newLogger(level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logrus.NewEntry(logger)
}

func buildLedgerClient(cfg config.Config, log *logrus.Entry) domain.LedgerClient {
	if cfg.LedgerMode == "http" {
		client, err := ledger.NewHTTPClient(cfg.LedgerBaseURL, cfg.LedgerTimeout(), nil)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("build ledger client")
		}
		log.WithField("base_url", cfg.LedgerBaseURL).Info("using http ledger")
		return client
	}
	log.Info("using in-memory ledger")
	return ledger.NewMemory()
}

func buildRateLimiter(cfg config.Config, log *logrus.Entry) domain.RateLimiter {
	if cfg.RateLimitRequests <= 0 {
		return nil
	}
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, nil)
		if err == nil {
			log.WithField("addr", cfg.RedisAddr).Info("using redis rate limiter")
			return limiter
		}
		log.WithField("error", err.Error()).Warn("redis limiter unavailable, using memory limiter")
	}
	return ratelimit.NewMemoryLimiter(nil, cfg.RateLimitMaxKeys)
}
