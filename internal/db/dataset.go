package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/transit"
)

// SwitchMetrics counts database switches by reason.
type SwitchMetrics interface {
	DBSwitchInc(reason string)
}

type referenceSource interface {
	FetchReferenceData(ctx context.Context) (transit.ReferenceData, error)
	Close() error
}

// DatasetSource serves the newest completed import of a dataset. Every
// fetch re-resolves the import in the meta database and moves to a newer
// database when one appears; a failed fetch forces a reconnect on the next
// one. It implements refcache.Source.
type DatasetSource struct {
	dataset string
	resolve func(ctx context.Context) (string, error)
	connect func(ctx context.Context, name string) (referenceSource, error)
	metrics SwitchMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	name    string
	current referenceSource
	broken  bool
}

// NewDatasetSource resolves imports through meta and opens them by
// replacing the database name in baseDSN.
func NewDatasetSource(meta *sql.DB, baseDSN, dataset string, m SwitchMetrics, logger *slog.Logger) *DatasetSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatasetSource{
		dataset: dataset,
		resolve: func(ctx context.Context) (string, error) {
			return ResolveLatestImportDBName(ctx, meta, dataset)
		},
		connect: func(ctx context.Context, name string) (referenceSource, error) {
			dsn, err := WithDBName(baseDSN, name)
			if err != nil {
				return nil, fmt.Errorf("compose DSN: %w", err)
			}
			conn, err := Open(dsn)
			if err != nil {
				return nil, err
			}
			if err := Ping(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("ping %s: %w", name, err)
			}
			return NewSource(conn, logger), nil
		},
		metrics: m,
		logger:  logger,
	}
}

func (s *DatasetSource) FetchReferenceData(ctx context.Context) (transit.ReferenceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return transit.ReferenceData{}, err
	}
	data, err := s.current.FetchReferenceData(ctx)
	if err != nil {
		s.broken = true
		return data, fmt.Errorf("dataset %s (%s): %w", s.dataset, s.name, err)
	}
	return data, nil
}

// sync makes s.current point at the latest import. A resolution failure is
// tolerated while a database is already open.
func (s *DatasetSource) sync(ctx context.Context) error {
	name, err := s.resolve(ctx)
	if err != nil {
		if s.current == nil {
			return fmt.Errorf("resolve latest import for %q: %w", s.dataset, err)
		}
		logging.LogWarn(s.logger, "resolve latest import failed, keeping current database", err,
			slog.String("dataset", s.dataset), slog.String("db", s.name))
		name = s.name
	}

	var reason string
	switch {
	case s.current == nil:
	case name != s.name:
		reason = "update"
	case s.broken:
		reason = "fetch_failure"
	default:
		return nil
	}

	next, err := s.connect(ctx, name)
	if err != nil {
		if s.current == nil {
			return err
		}
		logging.LogWarn(s.logger, "switch reference database failed", err, slog.String("target", name))
		return nil
	}
	if s.current != nil {
		if cerr := s.current.Close(); cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
			logging.LogWarn(s.logger, "close previous reference database", cerr, slog.String("db", s.name))
		}
		if s.metrics != nil {
			s.metrics.DBSwitchInc(reason)
		}
		s.logger.Info("switched reference database",
			slog.String("dataset", s.dataset), slog.String("from", s.name), slog.String("to", name), slog.String("reason", reason))
	} else {
		s.logger.Info("using reference database", slog.String("dataset", s.dataset), slog.String("db", name))
	}
	s.name, s.current, s.broken = name, next, false
	return nil
}

// Database is the name of the database currently served.
func (s *DatasetSource) Database() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *DatasetSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
