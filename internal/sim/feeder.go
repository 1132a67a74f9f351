// Package sim replays the reference schedule as live telemetry. For every
// rostered bus whose position has an active ride, the feeder places the
// bus along its direction's stop string and publishes a location event.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/telemetry"
	"smartbus-tracker/internal/transit"
)

type SnapshotReader interface {
	Read() *refcache.Snapshot
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Metrics interface {
	ObserveTick(d time.Duration, buses int)
	NATSPublishedInc()
	NATSPublishErrInc()
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(time.Duration, int) {}
func (nopMetrics) NATSPublishedInc()              {}
func (nopMetrics) NATSPublishErrInc()             {}

// Positions computes where every rostered bus with an active ride is at
// time at. Buses without a ride, or whose route has fewer than two stops,
// are left out. Speed is not set.
func Positions(snap *refcache.Snapshot, at time.Time) []transit.PositionReport {
	clock := transit.ClockOf(at)
	paths := map[transit.RouteDirection]path{}
	var out []transit.PositionReport
	for _, plate := range snap.Roster.Plates() {
		pos, ok := snap.Roster.OperatePosition(plate)
		if !ok {
			continue
		}
		ride, ok := snap.Rides.Get(pos, clock)
		if !ok {
			continue
		}
		dir, err := ride.Direction()
		if err != nil {
			continue
		}
		p, ok := paths[dir]
		if !ok {
			p = newPath(snap.Geography.Stops(dir))
			paths[dir] = p
		}
		if len(p.pts) < 2 {
			continue
		}
		coord, bearing := p.at(rideDistance(ride, clock, p.total()))
		out = append(out, transit.PositionReport{
			DeviceNo:   "sim-" + plate,
			License:    plate,
			Coordinate: coord,
			State:      1,
			Heading:    bearing,
			Timestamp:  at,
			Group:      "feeder",
		})
	}
	return out
}

type sample struct {
	at    time.Time
	coord transit.Coordinate
}

type Feeder struct {
	cache           SnapshotReader
	pub             Publisher
	subject         string
	publishInterval time.Duration
	speedMultiplier float64
	tz              *time.Location
	metrics         Metrics
	logger          *slog.Logger
	now             func() time.Time

	origin     time.Time
	replayFrom time.Time

	mu   sync.Mutex
	last map[string]sample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Feeder)

func WithPublishInterval(d time.Duration) Option { return func(f *Feeder) { f.publishInterval = d } }

// WithSpeedMultiplier makes replay time run m times faster than wall time.
func WithSpeedMultiplier(m float64) Option { return func(f *Feeder) { f.speedMultiplier = m } }

// WithReplayStart sets the replay time the feeder starts from; by default
// replay starts at the current wall time.
func WithReplayStart(t time.Time) Option { return func(f *Feeder) { f.replayFrom = t } }

func WithLocation(loc *time.Location) Option { return func(f *Feeder) { f.tz = loc } }

func WithMetrics(m Metrics) Option { return func(f *Feeder) { f.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(f *Feeder) { f.logger = l } }

func WithClock(now func() time.Time) Option { return func(f *Feeder) { f.now = now } }

func New(cache SnapshotReader, pub Publisher, subject string, opts ...Option) *Feeder {
	f := &Feeder{
		cache:           cache,
		pub:             pub,
		subject:         subject,
		publishInterval: time.Second,
		speedMultiplier: 1,
		tz:              time.Local,
		metrics:         nopMetrics{},
		logger:          slog.Default(),
		now:             time.Now,
		last:            make(map[string]sample),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.origin = f.now()
	if f.replayFrom.IsZero() {
		f.replayFrom = f.origin
	}
	return f
}

// ReplayTime maps a wall time to the schedule time being replayed.
func (f *Feeder) ReplayTime(now time.Time) time.Time {
	elapsed := float64(now.Sub(f.origin)) * f.speedMultiplier
	return f.replayFrom.Add(time.Duration(elapsed)).In(f.tz)
}

// Tick publishes one location event per active bus and returns how many
// were published.
func (f *Feeder) Tick(now time.Time) (int, error) {
	tickStart := time.Now()
	at := f.ReplayTime(now)
	reports := Positions(f.cache.Read(), at)

	f.mu.Lock()
	seen := make(map[string]sample, len(reports))
	for i := range reports {
		r := &reports[i]
		// estimate speed based on last position
		if prev, ok := f.last[r.License]; ok {
			if dt := at.Sub(prev.at).Seconds(); dt > 0 {
				r.Speed = prev.coord.DistanceTo(r.Coordinate) / dt * 3.6
			}
		}
		seen[r.License] = sample{at: at, coord: r.Coordinate}
	}
	f.last = seen
	f.mu.Unlock()

	published := 0
	var errs []error
	for _, r := range reports {
		data, err := telemetry.EncodeJSON([]transit.PositionReport{r}, f.tz)
		if err == nil {
			err = f.pub.Publish(f.subject, data)
		}
		if err != nil {
			f.metrics.NATSPublishErrInc()
			errs = append(errs, fmt.Errorf("publish %s: %w", r.License, err))
			continue
		}
		f.metrics.NATSPublishedInc()
		published++
	}
	f.metrics.ObserveTick(time.Since(tickStart), published)
	return published, errors.Join(errs...)
}

// Start launches the publish loop. It ticks once immediately.
func (f *Feeder) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.tick()
		ticker := time.NewTicker(f.publishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.tick()
			}
		}
	}()
	f.logger.Info("feeder started",
		slog.String("subject", f.subject),
		slog.Duration("interval", f.publishInterval),
		slog.Float64("speed_multiplier", f.speedMultiplier),
		slog.Time("replay_from", f.replayFrom))
}

func (f *Feeder) tick() {
	n, err := f.Tick(f.now())
	if err != nil {
		logging.LogWarn(f.logger, "feeder publish failed", err)
	}
	f.logger.Debug("feeder tick", slog.Int("buses", n))
}

func (f *Feeder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}
