package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"smartbus-tracker/internal/app"
	"smartbus-tracker/internal/config"
	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/metrics"
	"smartbus-tracker/internal/sim"
	"smartbus-tracker/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := app.NewLogger(cfg, nil).With(slog.String("service", "feeder"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.RefreshInterval)
	mcol.SetFeeder(cfg.SpeedMultiplier, cfg.PublishInterval)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	src, closer, err := app.OpenSource(ctx, cfg, mcol, logger)
	if err != nil {
		log.Fatalf("reference source error: %v", err)
	}
	defer logging.SafeCloseWithLogging(closer, logger, "reference source")

	cache := app.NewCache(cfg, src, mcol, logger)
	if err := cache.Prime(ctx); err != nil {
		log.Fatalf("prime reference cache: %v", err)
	}

	nc, err := telemetry.Connect(cfg.NATSURL, "smartbus-feeder", mcol, logger.With(slog.String("component", "nats")))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer telemetry.Close(nc)

	feeder := sim.New(cache, nc, cfg.NATSSubject,
		sim.WithPublishInterval(cfg.PublishInterval),
		sim.WithSpeedMultiplier(cfg.SpeedMultiplier),
		sim.WithLocation(cfg.Location),
		sim.WithMetrics(mcol),
		sim.WithLogger(logger.With(slog.String("component", "sim"))))
	feeder.Start(ctx)

	// Block until context cancelled
	<-ctx.Done()
	feeder.Stop()
	logger.Info("shutdown complete")
}
