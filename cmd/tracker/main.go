package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"smartbus-tracker/internal/app"
	"smartbus-tracker/internal/config"
	"smartbus-tracker/internal/httpapi"
	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/metrics"
	"smartbus-tracker/internal/pipeline"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/telemetry"
)

func main() {
	// Load configuration from .env, config.yml and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := app.NewLogger(cfg, nil).With(slog.String("service", "tracker"))
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.RefreshInterval)
	var servers []*http.Server
	if cfg.MetricsAddr != "" {
		servers = append(servers, mcol.Serve(cfg.MetricsAddr, logger))
	}

	src, closer, err := app.OpenSource(ctx, cfg, mcol, logger)
	if err != nil {
		log.Fatalf("reference source error: %v", err)
	}
	defer logging.SafeCloseWithLogging(closer, logger, "reference source")

	cache := app.NewCache(cfg, src, mcol, logger)
	pipe := pipeline.New(cache,
		pipeline.WithLogger(logger.With(slog.String("component", "pipeline"))),
		pipeline.WithObserver(mcol))

	if cfg.HTTPAddr != "" {
		api := httpapi.New(cache, pipe,
			httpapi.WithMetricsHandler(mcol.Handler()),
			httpapi.WithLocation(cfg.Location),
			httpapi.WithLogger(logger.With(slog.String("component", "http"))))
		servers = append(servers, httpapi.Serve(cfg.HTTPAddr, api.Routes(), logger))
	}

	// Block until the first snapshot is in place
	logger.Info("waiting for reference data", slog.String("source", cfg.Source))
	if err := cache.Prime(ctx); err != nil {
		if errors.Is(err, refcache.ErrNotReady) && ctx.Err() != nil {
			logger.Info("shutdown before reference data was ready")
			shutdown(servers, logger)
			return
		}
		log.Fatalf("prime reference cache: %v", err)
	}
	st := cache.Stats()
	logger.Info("reference data ready", slog.Uint64("version", st.Version), slog.Int("rejected", st.Rejected))

	nc, err := telemetry.Connect(cfg.NATSURL, "smartbus-tracker", mcol, logger.With(slog.String("component", "nats")))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer telemetry.Close(nc)

	dec, err := telemetry.NewDecoder(cfg.ReportFormat, cfg.Location)
	if err != nil {
		log.Fatalf("decoder error: %v", err)
	}
	opts := []telemetry.ConsumerOption{
		telemetry.WithConsumerMetrics(mcol),
		telemetry.WithConsumerLogger(logger.With(slog.String("component", "consumer"))),
	}
	if cfg.NATSMatchSubject != "" {
		pub := telemetry.NewMatchPublisher(nc, cfg.NATSMatchSubject, cfg.LogNATSSubjects, mcol,
			logger.With(slog.String("component", "publisher")))
		opts = append(opts, telemetry.WithSink(pub))
	}
	consumer := telemetry.NewConsumer(dec, pipe, opts...)

	msgs, sub, err := telemetry.Subscribe(nc, cfg.NATSSubject, cfg.NATSQueue, 1024)
	if err != nil {
		log.Fatalf("subscribe error: %v", err)
	}
	logger.Info("consuming position reports",
		slog.String("subject", cfg.NATSSubject),
		slog.String("queue", cfg.NATSQueue),
		slog.String("format", cfg.ReportFormat))

	// Run blocks until the context is cancelled
	if err := consumer.Run(ctx, msgs); err != nil {
		logging.LogError(logger, "consumer stopped", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		logging.LogWarn(logger, "unsubscribe failed", err)
	}
	shutdown(servers, logger)
	logger.Info("shutdown complete")
}

func shutdown(servers []*http.Server, logger *slog.Logger) {
	// Shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.LogWarn(logger, "http shutdown", err, slog.String("addr", srv.Addr))
		}
	}
}
