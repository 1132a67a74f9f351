// Package app assembles the components shared by the tracker and feeder
// binaries from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"smartbus-tracker/internal/config"
	"smartbus-tracker/internal/db"
	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/sheets"
)

func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.NewStructuredLogger(w, level, cfg.LogFormat)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenSource builds the reference-data source selected by cfg.Source. The
// returned closer releases database connections.
func OpenSource(ctx context.Context, cfg *config.Config, m db.SwitchMetrics, logger *slog.Logger) (refcache.Source, io.Closer, error) {
	switch cfg.Source {
	case config.SourceSheets:
		return sheets.NewClient(sheets.Config{
			BaseURL:       cfg.SheetsBaseURL,
			Resource:      cfg.SheetsResource,
			APIKey:        cfg.SheetsAPIKey,
			BusesRange:    cfg.SheetsBusesRange,
			ScheduleRange: cfg.SheetsScheduleRange,
			StopsRange:    cfg.SheetsStopsRange,
		}, sheets.WithLogger(logger.With(slog.String("component", "sheets")))), nopCloser{}, nil

	case config.SourcePostgres:
		dbLogger := logger.With(slog.String("component", "db"))
		if cfg.ReferenceDataset == "" {
			conn, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return nil, nil, fmt.Errorf("db open: %w", err)
			}
			if err := db.Ping(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("db ping %s: %w", db.RedactDSN(cfg.DatabaseURL), err)
			}
			return db.NewSource(conn, dbLogger), conn, nil
		}

		// Resolve imports through the cluster's meta database.
		rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
		if err != nil {
			return nil, nil, fmt.Errorf("invalid base DSN: %w", err)
		}
		meta, err := db.Open(rootDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db open (meta): %w", err)
		}
		if err := db.Ping(ctx, meta); err != nil {
			_ = meta.Close()
			return nil, nil, fmt.Errorf("db ping (meta) %s: %w", db.RedactDSN(rootDSN), err)
		}
		src := db.NewDatasetSource(meta, cfg.DatabaseURL, cfg.ReferenceDataset, m, dbLogger)
		return src, closers{src, meta}, nil

	default:
		return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func NewCache(cfg *config.Config, src refcache.Source, obs refcache.Observer, logger *slog.Logger) *refcache.Cache {
	opts := []refcache.Option{
		refcache.WithLogger(logger.With(slog.String("component", "refcache"))),
		refcache.WithRetryPostpone(cfg.RetryPostpone),
	}
	if obs != nil {
		opts = append(opts, refcache.WithObserver(obs))
	}
	if cfg.FetchTimeout > 0 {
		opts = append(opts, refcache.WithFetchTimeout(cfg.FetchTimeout))
	}
	return refcache.New(src, cfg.RefreshInterval, opts...)
}
