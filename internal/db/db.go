package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/transit"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Reference tables hold the sheet exports as text, one column per sheet
// column, so rows go through the same parsers as the sheets source.
var (
	busColumns = []string{
		"no", "licence_plate", "bus_id", "icon", "service_status", "direction",
		"operate_position", "a", "b", "c", "d", "e", "f", "concat", "run",
		"service_date", "service_time",
	}
	scheduleColumns = []string{
		"position", "start_terminal", "departure", "color_changed", "arrival",
		"destination", "direction", "icon",
	}
	stopColumns = []string{
		"stop_order", "name_th", "name", "description", "route_direction",
		"longitude", "latitude", "timetable", "icon", "color", "unique_id",
		"image", "map_link", "display",
	}
)

func selectText(table string, cols []string, orderBy string) string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = fmt.Sprintf("COALESCE(%s::text, '')", c)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(exprs, ", "), table, orderBy)
}

var (
	busesQuery    = selectText("buses", busColumns, "no")
	scheduleQuery = selectText("schedules", scheduleColumns, "position, departure")
	stopsQuery    = selectText("bus_stops", stopColumns, "route_direction, stop_order")
)

// Source reads the reference collections from Postgres. It implements
// refcache.Source.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSource(db *sql.DB, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{db: db, logger: logger}
}

// FetchReferenceData reads all three tables inside one read-only
// transaction so the collections come from the same state.
func (s *Source) FetchReferenceData(ctx context.Context) (data transit.ReferenceData, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return data, fmt.Errorf("begin reference tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.LogError(s.logger, "rollback reference tx", rbErr)
		}
	}()

	busRows, err := queryText(ctx, tx, busesQuery)
	if err != nil {
		return data, fmt.Errorf("query buses: %w", err)
	}
	scheduleRows, err := queryText(ctx, tx, scheduleQuery)
	if err != nil {
		return data, fmt.Errorf("query schedules: %w", err)
	}
	stopRows, err := queryText(ctx, tx, stopsQuery)
	if err != nil {
		return data, fmt.Errorf("query bus_stops: %w", err)
	}

	var rejected []error
	data.Buses, rejected = transit.ParseBuses(busRows)
	data.Rejected = append(data.Rejected, rejected...)
	data.Schedule, rejected = transit.ParseSchedule(scheduleRows)
	data.Rejected = append(data.Rejected, rejected...)
	data.Stops, rejected = transit.ParseStops(stopRows)
	data.Rejected = append(data.Rejected, rejected...)
	if n := len(data.Rejected); n > 0 {
		s.logger.Warn("skipped malformed reference rows", slog.Int("count", n))
	}
	return data, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryText(ctx context.Context, q queryer, query string, args ...any) ([][]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Source) Close() error { return s.db.Close() }
