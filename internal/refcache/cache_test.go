package refcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartbus-tracker/internal/transit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 10, 3, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSource returns as many buses as it has been called successfully,
// so a snapshot's roster size equals its version.
type countingSource struct {
	calls   atomic.Int64
	ok      atomic.Int64
	fail    atomic.Bool
	delay   time.Duration
	failErr error
}

func (s *countingSource) FetchReferenceData(ctx context.Context) (transit.ReferenceData, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		if s.failErr != nil {
			return transit.ReferenceData{}, s.failErr
		}
		return transit.ReferenceData{}, errors.New("source unavailable")
	}
	n := int(s.ok.Add(1))
	buses := make([]transit.Bus, n)
	for i := range buses {
		buses[i] = transit.Bus{LicensePlate: fmt.Sprintf("10-%04d", i), OperatePosition: "Bus1"}
	}
	return transit.ReferenceData{Buses: buses}, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	succeeded []uint64
	failed    []error
}

func (o *recordingObserver) RefreshSucceeded(v uint64, _ time.Duration, _ int) {
	o.mu.Lock()
	o.succeeded = append(o.succeeded, v)
	o.mu.Unlock()
}

func (o *recordingObserver) RefreshFailed(err error, _ time.Duration) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(src Source, clock *fakeClock, opts ...Option) *Cache {
	opts = append([]Option{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	return New(src, 10*time.Minute, opts...)
}

func TestReadFetchesOnFirstUse(t *testing.T) {
	src := &countingSource{}
	c := newTestCache(src, newFakeClock())
	assert.Equal(t, uint64(0), c.Version())

	snap := c.Read()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 1, snap.Roster.Len())
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestFreshReadsShareSnapshot(t *testing.T) {
	src := &countingSource{}
	clock := newFakeClock()
	c := newTestCache(src, clock)

	first := c.Read()
	clock.Advance(9*time.Minute + 59*time.Second)
	assert.Same(t, first, c.Read())
	assert.Equal(t, int64(1), src.calls.Load())

	clock.Advance(time.Second)
	second := c.Read()
	assert.NotSame(t, first, second)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestFailedRefreshKeepsSnapshotAndPostpones(t *testing.T) {
	src := &countingSource{}
	clock := newFakeClock()
	obs := &recordingObserver{}
	c := newTestCache(src, clock, WithObserver(obs))

	good := c.Read()
	require.Equal(t, uint64(1), good.Version)

	src.fail.Store(true)
	clock.Advance(10 * time.Minute)
	assert.Same(t, good, c.Read(), "failure returns previous snapshot")
	assert.Equal(t, int64(2), src.calls.Load())

	clock.Advance(30 * time.Second)
	assert.Same(t, good, c.Read())
	assert.Equal(t, int64(2), src.calls.Load(), "no retry inside the postpone window")

	clock.Advance(30 * time.Second)
	assert.Same(t, good, c.Read())
	assert.Equal(t, int64(3), src.calls.Load())

	src.fail.Store(false)
	clock.Advance(time.Minute)
	recovered := c.Read()
	assert.Equal(t, uint64(2), recovered.Version)

	assert.Equal(t, []uint64{1, 2}, obs.succeeded)
	assert.Len(t, obs.failed, 2)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Version)
	assert.Equal(t, uint64(2), stats.Failures)
	assert.Equal(t, uint64(2), stats.Refreshes)
	assert.Equal(t, "source unavailable", stats.LastError)
	assert.False(t, stats.Stale)
}

func TestReadBeforeAnySuccessReturnsEmptySnapshot(t *testing.T) {
	src := &countingSource{}
	src.fail.Store(true)
	c := newTestCache(src, newFakeClock())

	snap := c.Read()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, 0, snap.Roster.Len())
	_, ok := snap.Rides.Get("Bus1", transit.NewClock(9, 0, 0))
	assert.False(t, ok)
}

func TestConcurrentReadersSingleFetch(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	c := newTestCache(src, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Read()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, uint64(1), c.Version())
}

func TestConcurrentVersionsMonotonic(t *testing.T) {
	src := &countingSource{}
	clock := newFakeClock()
	c := newTestCache(src, clock)

	stop := make(chan struct{})
	var advancer sync.WaitGroup
	advancer.Add(1)
	go func() {
		defer advancer.Done()
		for i := 0; i < 20; i++ {
			clock.Advance(10 * time.Minute)
			time.Sleep(time.Millisecond)
		}
		close(stop)
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Read()
				if snap.Version < last {
					errs <- fmt.Errorf("version went from %d to %d", last, snap.Version)
					return
				}
				if snap.Roster.Len() != int(snap.Version) {
					errs <- fmt.Errorf("snapshot %d holds roster of %d", snap.Version, snap.Roster.Len())
					return
				}
				last = snap.Version
			}
		}()
	}
	wg.Wait()
	advancer.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(src.ok.Load()), c.Version())
}

func TestPrime(t *testing.T) {
	t.Run("returns once loaded", func(t *testing.T) {
		src := &countingSource{}
		c := New(src, time.Hour, WithLogger(quietLogger()))
		require.NoError(t, c.Prime(context.Background()))
		assert.Equal(t, uint64(1), c.Version())
	})

	t.Run("retries after the postpone window", func(t *testing.T) {
		src := &countingSource{}
		src.fail.Store(true)
		c := New(src, time.Hour, WithLogger(quietLogger()), WithRetryPostpone(10*time.Millisecond))
		go func() {
			time.Sleep(15 * time.Millisecond)
			src.fail.Store(false)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Prime(ctx))
		assert.GreaterOrEqual(t, src.calls.Load(), int64(2))
	})

	t.Run("gives up with ctx", func(t *testing.T) {
		boom := errors.New("boom")
		src := &countingSource{failErr: boom}
		src.fail.Store(true)
		c := newTestCache(src, newFakeClock())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := c.Prime(ctx)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.ErrorIs(t, err, boom)
	})
}

func TestBuildCountsRejected(t *testing.T) {
	data := transit.ReferenceData{
		Buses: []transit.Bus{{LicensePlate: "a"}, {LicensePlate: "a"}},
		Schedule: []transit.Schedule{{
			Position: "Bus4", Start: transit.Kata, Destination: transit.Patong,
			ColorChanged: transit.NewClock(9, 0, 0), Arrival: transit.NewClock(10, 0, 0),
		}},
		Rejected: []error{errors.New("bad row")},
	}
	snap, rejected := Build(7, time.Unix(0, 0), data)
	assert.Equal(t, uint64(7), snap.Version)
	assert.Equal(t, 3, snap.Rejected)
	require.Len(t, rejected, 3)

	var dup *DuplicatePlateError
	assert.ErrorAs(t, rejected[1], &dup)
	assert.ErrorIs(t, rejected[2], transit.ErrUnmappedDirection)
}
