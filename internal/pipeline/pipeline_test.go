package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/transit"
)

var ict = time.FixedZone("ICT", 7*3600)

type staticCache struct{ snap *refcache.Snapshot }

func (c staticCache) Read() *refcache.Snapshot { return c.snap }

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func stop(order int, name string, towards transit.Terminal, lon, lat float64) transit.Stop {
	return transit.Stop{Order: order, Name: name, Towards: towards, Coordinate: transit.NewCoordinate(lon, lat)}
}

func fixture() transit.ReferenceData {
	return transit.ReferenceData{
		Buses: []transit.Bus{
			{LicensePlate: "10-1152", OperatePosition: "Bus7"},
			{LicensePlate: "10-1160", OperatePosition: "Bus3"},
			{LicensePlate: "10-1170", OperatePosition: "Bus8"},
		},
		Schedule: []transit.Schedule{
			{Position: "Bus7", Start: transit.Airport, Destination: transit.Rawai,
				ColorChanged: transit.NewClock(13, 55, 0), Departure: transit.NewClock(13, 58, 0), Arrival: transit.NewClock(14, 5, 0)},
			{Position: "Bus8", Start: transit.Rawai, Destination: transit.Airport,
				ColorChanged: transit.NewClock(13, 0, 0), Departure: transit.NewClock(13, 5, 0), Arrival: transit.NewClock(15, 0, 0)},
		},
		Stops: []transit.Stop{
			stop(1, "Rawai Beach", transit.Airport, 98.3245, 7.7720),
			stop(2, "Bangla Patong", transit.Airport, 98.2965, 7.8930),
			stop(3, "Four Point Patong", transit.Airport, 98.2985, 7.8990),
			stop(1, "Phuket Airport", transit.Rawai, 98.30655, 8.10846),
			stop(2, "Diamond Cliff Resort & Spa", transit.Rawai, 98.2990, 7.9050),
			stop(3, "Indigo Patong", transit.Rawai, 98.3010, 7.9020),
		},
	}
}

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	snap, _ := refcache.Build(3, time.Now(), fixture())
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string { return "match-1" }),
	}, opts...)
	return New(staticCache{snap: snap}, opts...)
}

func report(license string, ts time.Time, lon, lat float64) transit.PositionReport {
	return transit.PositionReport{
		License:    license,
		Coordinate: transit.NewCoordinate(lon, lat),
		Speed:      52,
		Heading:    183.5,
		Altitude:   35,
		Timestamp:  ts,
	}
}

func TestHandleMatch(t *testing.T) {
	p := newTestPipeline(t)
	ts := time.Date(2023, 10, 3, 14, 0, 0, 0, ict)

	m, err := p.Handle(report("10-1152", ts, 98.3003, 7.9036))
	require.NoError(t, err)

	assert.Equal(t, "match-1", m.ID)
	assert.Equal(t, "Bus7", m.Position)
	assert.Equal(t, "Bus7", m.Ride.Name)
	assert.Equal(t, transit.Airport, m.Ride.Start)
	assert.Equal(t, transit.Rawai, m.Ride.Stop)
	assert.Equal(t, transit.South, m.Direction)
	assert.Equal(t, "Diamond Cliff Resort & Spa", m.Previous.Stop.Name)
	assert.Equal(t, "Indigo Patong", m.Next.Stop.Name)
	assert.Greater(t, m.Previous.DistanceMeters, 0.0)
	assert.Greater(t, m.Next.DistanceMeters, 0.0)
	assert.Equal(t, ts, m.Timestamp)
	assert.Equal(t, uint64(3), m.SnapshotVersion)
	assert.Equal(t, 52.0, m.Speed)
	assert.Equal(t, 183.5, m.Heading)
	assert.Equal(t, 35.0, m.Altitude)

	last, ok := p.LastMatch("10-1152")
	require.True(t, ok)
	assert.Equal(t, m, last)
}

func TestHandleFailures(t *testing.T) {
	ts := time.Date(2023, 10, 3, 14, 0, 0, 0, ict)
	tests := []struct {
		name   string
		report transit.PositionReport
		want   error
	}{
		{"unknown vehicle", report("99-9999", ts, 98.3003, 7.9036), ErrVehicleNotOperating},
		{"position without rides", report("10-1160", ts, 98.3003, 7.9036), ErrNoActiveRide},
		{"after arrival", report("10-1152", ts.Add(5*time.Minute), 98.3003, 7.9036), ErrNoActiveRide},
		{"south of the route", report("10-1152", ts, 98.3, 7.5), ErrUnresolvedGeometry},
		{"north of the terminus", report("10-1170", ts, 98.3, 8.2), ErrUnresolvedGeometry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t)
			_, err := p.Handle(tt.report)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var fe *FailureError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.report.License, fe.License)

			_, ok := p.LastMatch(tt.report.License)
			assert.False(t, ok)
		})
	}
}

func TestHandleDeduplicates(t *testing.T) {
	obs := &countingObserver{}
	p := newTestPipeline(t, WithObserver(obs))
	ts := time.Date(2023, 10, 3, 14, 0, 0, 0, ict)

	_, err := p.Handle(report("10-1152", ts, 98.3003, 7.9036))
	require.NoError(t, err)

	_, err = p.Handle(report("10-1152", ts, 98.3003, 7.9036))
	assert.ErrorIs(t, err, ErrDuplicateReport)

	_, err = p.Handle(report("10-1152", ts.Add(time.Second), 98.3003, 7.9036))
	assert.NoError(t, err)

	// Unresolved reports still update the last-seen time.
	_, err = p.Handle(report("99-9999", ts, 98.3, 7.9))
	assert.ErrorIs(t, err, ErrVehicleNotOperating)
	_, err = p.Handle(report("99-9999", ts, 98.3, 7.9))
	assert.ErrorIs(t, err, ErrDuplicateReport)

	// The same instant in another zone is still a repeat.
	_, err = p.Handle(report("10-1152", ts.Add(time.Second).UTC(), 98.3003, 7.9036))
	assert.ErrorIs(t, err, ErrDuplicateReport)

	assert.Equal(t, 2, obs.counts["matched"])
	assert.Equal(t, 3, obs.counts[DuplicateReport.String()])
	assert.Equal(t, 1, obs.counts[VehicleNotOperating.String()])
	assert.Equal(t, 2, p.Tracked())
}

type countingCache struct {
	staticCache
	reads int
}

func (c *countingCache) Read() *refcache.Snapshot {
	c.reads++
	return c.snap
}

func TestHandleReadsOneSnapshotPerReport(t *testing.T) {
	snap, _ := refcache.Build(1, time.Now(), fixture())
	cache := &countingCache{staticCache: staticCache{snap: snap}}
	p := New(cache, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ts := time.Date(2023, 10, 3, 14, 0, 0, 0, ict)

	_, err := p.Handle(report("10-1152", ts, 98.3003, 7.9036))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.reads)

	_, err = p.Handle(report("10-1152", ts, 98.3003, 7.9036))
	assert.ErrorIs(t, err, ErrDuplicateReport)
	assert.Equal(t, 1, cache.reads, "duplicates are dropped before the snapshot is read")
}

func TestFailureErrorMessage(t *testing.T) {
	err := &FailureError{Kind: NoActiveRide, License: "10-1152", Detail: "Bus7 at 15:00:00"}
	assert.Equal(t, "no_active_ride 10-1152: Bus7 at 15:00:00", err.Error())
	assert.False(t, errors.Is(err, ErrDuplicateReport))
}
