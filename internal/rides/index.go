// Package rides answers which scheduled ride a position is running at a
// given time of day.
package rides

import (
	"fmt"
	"slices"

	"smartbus-tracker/internal/transit"
)

// Index maps each operating position to its rides over the service day.
// It is immutable once built.
type Index struct {
	positions map[string]*position
}

type position struct {
	rides []transit.Ride
	times intervals
}

// New indexes the schedule. Each ride covers [Loading, Arrival); where two
// rides of a position overlap, the later departure wins the shared time.
// Entries whose terminals do not determine a route direction are left out
// and returned as errors.
func New(schedule []transit.Schedule) (*Index, []error) {
	all := make([]transit.Ride, 0, len(schedule))
	var rejected []error
	for _, s := range schedule {
		r := transit.RideFromSchedule(s)
		if _, err := r.Direction(); err != nil {
			rejected = append(rejected, fmt.Errorf("ride %s: %w", r, err))
			continue
		}
		all = append(all, r)
	}
	slices.SortStableFunc(all, transit.CompareRides)

	x := &Index{positions: make(map[string]*position)}
	for _, r := range all {
		p, ok := x.positions[r.Name]
		if !ok {
			p = &position{}
			x.positions[r.Name] = p
		}
		p.rides = append(p.rides, r)
		p.times.insert(r.Loading, r.Arrival, len(p.rides)-1)
	}
	return x, rejected
}

// Get returns the ride position is running at the given time, if any.
func (x *Index) Get(pos string, at transit.Clock) (*transit.Ride, bool) {
	p, ok := x.positions[pos]
	if !ok {
		return nil, false
	}
	i, ok := p.times.get(at)
	if !ok {
		return nil, false
	}
	return &p.rides[i], true
}

// Rides returns the rides of a position ordered by departure. The slice
// must not be modified.
func (x *Index) Rides(pos string) []transit.Ride {
	if p, ok := x.positions[pos]; ok {
		return p.rides
	}
	return nil
}

// Positions lists the indexed positions in name order.
func (x *Index) Positions() []string {
	out := make([]string, 0, len(x.positions))
	for name := range x.positions {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Len is the total number of indexed rides.
func (x *Index) Len() int {
	n := 0
	for _, p := range x.positions {
		n += len(p.rides)
	}
	return n
}
