package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartbus-tracker/internal/pipeline"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/telemetry"
	"smartbus-tracker/internal/transit"
)

var ict = time.FixedZone("ICT", 7*3600)

type staticCache struct{ snap *refcache.Snapshot }

func (c staticCache) Read() *refcache.Snapshot { return c.snap }

type recordingPublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	subj []string
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subj = append(p.subj, subject)
	p.msgs = append(p.msgs, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func stop(order int, name string, towards transit.Terminal, lon, lat float64) transit.Stop {
	return transit.Stop{Order: order, Name: name, Towards: towards, Coordinate: transit.NewCoordinate(lon, lat)}
}

func snapshot(t *testing.T) *refcache.Snapshot {
	t.Helper()
	snap, rejected := refcache.Build(1, time.Now(), transit.ReferenceData{
		Buses: []transit.Bus{
			{LicensePlate: "10-1152", OperatePosition: "Bus7"},
			{LicensePlate: "10-1160", OperatePosition: "Bus3"},
		},
		Schedule: []transit.Schedule{
			{Position: "Bus7", Start: transit.Airport, Destination: transit.Rawai,
				ColorChanged: transit.NewClock(13, 55, 0), Departure: transit.NewClock(13, 58, 0), Arrival: transit.NewClock(14, 5, 0)},
		},
		Stops: []transit.Stop{
			stop(1, "Rawai Beach", transit.Airport, 98.3245, 7.7720),
			stop(2, "Bangla Patong", transit.Airport, 98.2965, 7.8930),
			stop(3, "Four Point Patong", transit.Airport, 98.2985, 7.8990),
			stop(1, "Phuket Airport", transit.Rawai, 98.30655, 8.10846),
			stop(2, "Diamond Cliff Resort & Spa", transit.Rawai, 98.2990, 7.9050),
			stop(3, "Indigo Patong", transit.Rawai, 98.3010, 7.9020),
		},
	})
	require.Empty(t, rejected)
	return snap
}

func at(h, m, s int) time.Time { return time.Date(2025, 3, 1, h, m, s, 0, ict) }

func TestInterpolateDistAtTime(t *testing.T) {
	times := []transit.Clock{transit.NewClock(10, 0, 0), transit.NewClock(10, 10, 0), transit.NewClock(10, 20, 0)}
	dists := []float64{0, 100, 300}

	assert.Equal(t, 0.0, interpolateDistAtTime(times, dists, transit.NewClock(9, 0, 0)))
	assert.Equal(t, 50.0, interpolateDistAtTime(times, dists, transit.NewClock(10, 5, 0)))
	assert.Equal(t, 100.0, interpolateDistAtTime(times, dists, transit.NewClock(10, 10, 0)))
	assert.Equal(t, 200.0, interpolateDistAtTime(times, dists, transit.NewClock(10, 15, 0)))
	assert.Equal(t, 300.0, interpolateDistAtTime(times, dists, transit.NewClock(11, 0, 0)))
	assert.Equal(t, 0.0, interpolateDistAtTime(nil, nil, transit.NewClock(11, 0, 0)))
}

func TestRideDistance(t *testing.T) {
	ride := &transit.Ride{
		Loading:   transit.NewClock(13, 55, 0),
		Departure: transit.NewClock(13, 58, 0),
		Arrival:   transit.NewClock(14, 8, 0),
	}
	assert.Equal(t, 0.0, rideDistance(ride, transit.NewClock(13, 56, 0), 1000))
	assert.Equal(t, 0.0, rideDistance(ride, transit.NewClock(13, 58, 0), 1000))
	assert.InDelta(t, 500.0, rideDistance(ride, transit.NewClock(14, 3, 0), 1000), 1e-9)
	assert.Equal(t, 1000.0, rideDistance(ride, transit.NewClock(14, 8, 0), 1000))
}

func TestPathAt(t *testing.T) {
	p := newPath([]transit.Stop{
		{Coordinate: transit.NewCoordinate(98.30, 7.90)},
		{Coordinate: transit.NewCoordinate(98.30, 7.80)},
		{Coordinate: transit.NewCoordinate(98.30, 7.70)},
	})
	require.Len(t, p.cum, 3)
	assert.InDelta(t, p.cum[1]*2, p.total(), 1)

	start, bearing := p.at(-5)
	assert.Equal(t, p.pts[0], start)
	assert.InDelta(t, 180.0, bearing, 0.01)

	mid, _ := p.at(p.total() / 4)
	assert.InDelta(t, 7.85, mid.Latitude, 1e-4)

	end, _ := p.at(p.total() + 10)
	assert.Equal(t, p.pts[2], end)
}

func TestPositions(t *testing.T) {
	snap := snapshot(t)

	t.Run("loading at the first stop", func(t *testing.T) {
		reports := Positions(snap, at(13, 56, 0))
		require.Len(t, reports, 1)
		assert.Equal(t, "10-1152", reports[0].License)
		assert.Equal(t, transit.NewCoordinate(98.30655, 8.10846), reports[0].Coordinate)
	})

	t.Run("moving south", func(t *testing.T) {
		reports := Positions(snap, at(14, 1, 30))
		require.Len(t, reports, 1)
		lat := reports[0].Coordinate.Latitude
		assert.Less(t, lat, 8.10846)
		assert.Greater(t, lat, 7.9050)
		assert.InDelta(t, 180.0, reports[0].Heading, 10)
	})

	t.Run("arrival ends the ride", func(t *testing.T) {
		assert.Empty(t, Positions(snap, at(14, 5, 0)))
	})
}

func TestTickPublishesResolvableReports(t *testing.T) {
	snap := snapshot(t)
	pub := &recordingPublisher{}
	wall := at(14, 1, 30)
	f := New(staticCache{snap}, pub, "smartbus.reports",
		WithLocation(ict),
		WithClock(func() time.Time { return wall }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	n, err := f.Tick(wall)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "smartbus.reports", pub.subj[0])

	reports, err := telemetry.JSONDecoder{Location: ict}.Decode(pub.msgs[0])
	require.NoError(t, err)
	require.Len(t, reports, 1)

	p := pipeline.New(staticCache{snap}, pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	m, err := p.Handle(reports[0])
	require.NoError(t, err)
	assert.Equal(t, "Bus7", m.Position)
	assert.Equal(t, transit.South, m.Direction)
	assert.Equal(t, "Phuket Airport", m.Previous.Stop.Name)
	assert.Equal(t, "Diamond Cliff Resort & Spa", m.Next.Stop.Name)
}

func TestTickEstimatesSpeed(t *testing.T) {
	pub := &recordingPublisher{}
	f := New(staticCache{snapshot(t)}, pub, "smartbus.reports",
		WithLocation(ict),
		WithClock(func() time.Time { return at(14, 0, 0) }))

	_, err := f.Tick(at(14, 0, 0))
	require.NoError(t, err)
	_, err = f.Tick(at(14, 0, 10))
	require.NoError(t, err)

	dec := telemetry.JSONDecoder{Location: ict}
	first, err := dec.Decode(pub.msgs[0])
	require.NoError(t, err)
	second, err := dec.Decode(pub.msgs[1])
	require.NoError(t, err)
	assert.Equal(t, 0.0, first[0].Speed)
	assert.Greater(t, second[0].Speed, 0.0)
}

func TestTickReportsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	f := New(staticCache{snapshot(t)}, pub, "smartbus.reports", WithLocation(ict))

	n, err := f.Tick(at(14, 0, 0))
	assert.Equal(t, 0, n)
	assert.ErrorContains(t, err, "nats down")
}

func TestReplayTime(t *testing.T) {
	wall := at(9, 0, 0)
	f := New(staticCache{snapshot(t)}, &recordingPublisher{}, "s",
		WithLocation(ict),
		WithClock(func() time.Time { return wall }),
		WithReplayStart(at(13, 50, 0)),
		WithSpeedMultiplier(60))

	assert.True(t, f.ReplayTime(wall).Equal(at(13, 50, 0)))
	assert.True(t, f.ReplayTime(wall.Add(10*time.Second)).Equal(at(14, 0, 0)))
}

func TestStartStop(t *testing.T) {
	pub := &recordingPublisher{}
	f := New(staticCache{snapshot(t)}, pub, "smartbus.reports",
		WithLocation(ict),
		WithReplayStart(at(14, 0, 0)),
		WithPublishInterval(10*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.Start(ctx)
	assert.Eventually(t, func() bool { return pub.count() >= 3 }, time.Second, 5*time.Millisecond)
	f.Stop()

	n := pub.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, pub.count())
}
