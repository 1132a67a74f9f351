package refcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/transit"
)

// DefaultRetryPostpone delays the next refresh attempt once one starts, so
// concurrent readers and failed fetches do not hammer the source.
const DefaultRetryPostpone = time.Minute

// ErrNotReady is returned by Prime when no fetch has succeeded yet.
var ErrNotReady = errors.New("reference data not loaded")

// Source fetches the three reference collections as one consistent unit.
type Source interface {
	FetchReferenceData(ctx context.Context) (transit.ReferenceData, error)
}

// Observer receives refresh outcomes.
type Observer interface {
	RefreshSucceeded(version uint64, took time.Duration, rejected int)
	RefreshFailed(err error, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) RefreshSucceeded(uint64, time.Duration, int) {}
func (nopObserver) RefreshFailed(error, time.Duration)          {}

// Stats describes the cache state.
type Stats struct {
	Version      uint64    `json:"version"`
	FetchedAt    time.Time `json:"fetched_at"`
	RefreshAfter time.Time `json:"refresh_after"`
	Stale        bool      `json:"stale"`
	Rejected     int       `json:"rejected"`
	Refreshes    uint64    `json:"refreshes"`
	Failures     uint64    `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitempty"`
}

type failure struct {
	err error
	at  time.Time
}

// Cache serves the current snapshot to any number of readers. A reader that
// finds the snapshot stale refreshes it in place; readers that find it
// fresh never block. Until the first successful fetch Read returns an empty
// snapshot with version 0.
type Cache struct {
	source       Source
	interval     time.Duration
	postpone     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	observer     Observer

	current atomic.Pointer[Snapshot]
	// refreshAfter is the unix-nano instant after which the snapshot is stale.
	refreshAfter atomic.Int64
	version      atomic.Uint64
	refreshes    atomic.Uint64
	failures     atomic.Uint64
	lastFailure  atomic.Pointer[failure]

	mu sync.Mutex
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

func WithObserver(o Observer) Option { return func(c *Cache) { c.observer = o } }

// WithRetryPostpone sets how long a started refresh defers the next one.
func WithRetryPostpone(d time.Duration) Option { return func(c *Cache) { c.postpone = d } }

// WithFetchTimeout bounds each fetch. Zero leaves it to the source.
func WithFetchTimeout(d time.Duration) Option { return func(c *Cache) { c.fetchTimeout = d } }

// New returns a cache that considers a snapshot stale interval after it was
// fetched.
func New(source Source, interval time.Duration, opts ...Option) *Cache {
	c := &Cache{
		source:   source,
		interval: interval,
		postpone: DefaultRetryPostpone,
		now:      time.Now,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.postpone > c.interval {
		c.postpone = c.interval
	}
	c.current.Store(emptySnapshot())
	return c
}

func (c *Cache) stale(now time.Time) bool {
	return now.UnixNano() >= c.refreshAfter.Load()
}

// Read returns the current snapshot, refreshing it first when stale. Fetch
// errors are reported to the observer and never returned; the caller gets
// the previous snapshot instead. A stale read may block on the fetch.
func (c *Cache) Read() *Snapshot {
	if !c.stale(c.now()) {
		return c.current.Load()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.stale(now) {
		return c.current.Load()
	}
	c.refreshAfter.Store(now.Add(c.postpone).UnixNano())
	c.refreshLocked()
	return c.current.Load()
}

func (c *Cache) refreshLocked() {
	ctx := context.Background()
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	start := c.now()
	data, err := c.source.FetchReferenceData(ctx)
	took := c.now().Sub(start)
	if err != nil {
		c.failures.Add(1)
		c.lastFailure.Store(&failure{err: err, at: c.now()})
		c.observer.RefreshFailed(err, took)
		logging.LogWarn(c.logger, "reference refresh failed", err,
			slog.Uint64("version", c.current.Load().Version),
			slog.Time("retry_after", time.Unix(0, c.refreshAfter.Load())))
		return
	}

	fetchedAt := c.now()
	snap, rejected := Build(c.version.Add(1), fetchedAt, data)
	c.current.Store(snap)
	c.refreshAfter.Store(fetchedAt.Add(c.interval).UnixNano())
	c.refreshes.Add(1)
	c.observer.RefreshSucceeded(snap.Version, took, len(rejected))

	for _, err := range rejected {
		c.logger.Debug("reference entry skipped", slog.String("reason", err.Error()))
	}
	logging.LogOperation(c.logger, "reference refreshed",
		slog.Uint64("version", snap.Version),
		slog.Int("buses", snap.Roster.Len()),
		slog.Int("rides", snap.Rides.Len()),
		slog.Int("rejected", len(rejected)),
		slog.Duration("took", took))
}

// Version is the version of the current snapshot.
func (c *Cache) Version() uint64 {
	return c.current.Load().Version
}

// Prime blocks until a snapshot has been fetched successfully or ctx is
// done, retrying once per postpone window.
func (c *Cache) Prime(ctx context.Context) error {
	wait := c.postpone
	if wait <= 0 {
		wait = time.Second
	}
	for {
		if c.Read().Version > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if f := c.lastFailure.Load(); f != nil {
				return fmt.Errorf("%w: %w", ErrNotReady, f.err)
			}
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Stats reports the cache state without triggering a refresh.
func (c *Cache) Stats() Stats {
	snap := c.current.Load()
	after := time.Unix(0, c.refreshAfter.Load())
	s := Stats{
		Version:      snap.Version,
		FetchedAt:    snap.FetchedAt,
		RefreshAfter: after,
		Stale:        !c.now().Before(after),
		Rejected:     snap.Rejected,
		Refreshes:    c.refreshes.Load(),
		Failures:     c.failures.Load(),
	}
	if f := c.lastFailure.Load(); f != nil {
		s.LastError = f.err.Error()
		s.LastErrorAt = f.at
	}
	return s
}
