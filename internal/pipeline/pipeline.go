// Package pipeline correlates position reports with the reference snapshot:
// vehicle to position, position to ride, ride to direction, and direction
// plus coordinate to the bracketing stops.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"smartbus-tracker/internal/geography"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/transit"
)

// SnapshotReader is satisfied by *refcache.Cache.
type SnapshotReader interface {
	Read() *refcache.Snapshot
}

// Observer counts report outcomes; outcome is "matched" or a Failure name.
type Observer interface {
	ObserveOutcome(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(string) {}

// Match is a resolved report.
type Match struct {
	ID              string                 `json:"id"`
	License         string                 `json:"license"`
	Position        string                 `json:"position"`
	Timestamp       time.Time              `json:"timestamp"`
	SnapshotVersion uint64                 `json:"snapshot_version"`
	Ride            transit.Ride           `json:"ride"`
	Direction       transit.RouteDirection `json:"direction"`
	Coordinate      transit.Coordinate     `json:"coordinate"`
	Previous        geography.StopDistance `json:"previous"`
	Next            geography.StopDistance `json:"next"`
	Speed           float64                `json:"speed"`
	Heading         float64                `json:"heading"`
	Altitude        float64                `json:"altitude"`
}

// Pipeline handles reports in arrival order. Handle is safe to call from
// several goroutines, but dedup assumes each vehicle's reports arrive in
// order.
type Pipeline struct {
	cache    SnapshotReader
	logger   *slog.Logger
	observer Observer
	newID    func() string

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	lastMatch map[string]Match
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

// WithIDGenerator replaces the random match id source.
func WithIDGenerator(fn func() string) Option { return func(p *Pipeline) { p.newID = fn } }

func New(cache SnapshotReader, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:     cache,
		logger:    slog.Default(),
		observer:  nopObserver{},
		newID:     func() string { return uuid.NewString() },
		lastSeen:  make(map[string]time.Time),
		lastMatch: make(map[string]Match),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle resolves one report. Unresolved reports return a *FailureError.
func (p *Pipeline) Handle(r transit.PositionReport) (Match, error) {
	m, err := p.resolve(r)
	if err != nil {
		var fe *FailureError
		if errors.As(err, &fe) {
			p.observer.ObserveOutcome(fe.Kind.String())
			p.logger.Debug("report unresolved",
				slog.String("license", r.License),
				slog.String("reason", fe.Kind.String()),
				slog.String("detail", fe.Error()))
		}
		return Match{}, err
	}
	p.observer.ObserveOutcome("matched")

	p.mu.Lock()
	p.lastMatch[r.License] = m
	p.mu.Unlock()
	return m, nil
}

func (p *Pipeline) resolve(r transit.PositionReport) (Match, error) {
	if p.seen(r.License, r.Timestamp) {
		return Match{}, &FailureError{Kind: DuplicateReport, License: r.License,
			Detail: r.Timestamp.Format(time.DateTime)}
	}

	// One snapshot for the whole lookup.
	snap := p.cache.Read()

	pos, ok := snap.Roster.OperatePosition(r.License)
	if !ok {
		return Match{}, &FailureError{Kind: VehicleNotOperating, License: r.License}
	}

	at := transit.ClockOf(r.Timestamp)
	ride, ok := snap.Rides.Get(pos, at)
	if !ok {
		return Match{}, &FailureError{Kind: NoActiveRide, License: r.License,
			Detail: fmt.Sprintf("%s at %s", pos, at)}
	}

	dir, err := ride.Direction()
	if err != nil {
		return Match{}, &FailureError{Kind: UnresolvedGeometry, License: r.License, Err: err}
	}

	bracket, ok := snap.Geography.Locate(dir, r.Coordinate)
	if !ok {
		return Match{}, &FailureError{Kind: UnresolvedGeometry, License: r.License,
			Detail: fmt.Sprintf("%s %s", dir, r.Coordinate)}
	}

	return Match{
		ID:              p.newID(),
		License:         r.License,
		Position:        pos,
		Timestamp:       r.Timestamp,
		SnapshotVersion: snap.Version,
		Ride:            *ride,
		Direction:       dir,
		Coordinate:      r.Coordinate,
		Previous:        bracket.Previous,
		Next:            bracket.Next,
		Speed:           r.Speed,
		Heading:         r.Heading,
		Altitude:        r.Altitude,
	}, nil
}

// seen records ts as the vehicle's latest report and reports whether it
// equals the previous one.
func (p *Pipeline) seen(license string, ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.lastSeen[license]
	p.lastSeen[license] = ts
	return ok && prev.Equal(ts)
}

// LastMatch returns the most recent match for a vehicle.
func (p *Pipeline) LastMatch(license string) (Match, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lastMatch[license]
	return m, ok
}

// Tracked is the number of vehicles with a recorded report.
func (p *Pipeline) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lastSeen)
}
