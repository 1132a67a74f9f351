package sim

import (
	"smartbus-tracker/internal/transit"
)

// path is a direction's stop string with cumulative along-route distances.
type path struct {
	pts []transit.Coordinate
	cum []float64
}

func newPath(stops []transit.Stop) path {
	p := path{
		pts: make([]transit.Coordinate, len(stops)),
		cum: make([]float64, len(stops)),
	}
	sum := 0.0
	for i, s := range stops {
		p.pts[i] = s.Coordinate
		if i > 0 {
			sum += stops[i-1].Coordinate.DistanceTo(s.Coordinate)
		}
		p.cum[i] = sum
	}
	return p
}

func (p path) total() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// at returns the point dist meters along the path and the bearing of the
// segment it lies on.
func (p path) at(dist float64) (transit.Coordinate, float64) {
	n := len(p.pts)
	switch {
	case n == 0:
		return transit.Coordinate{}, 0
	case n == 1 || p.total() == 0:
		return p.pts[0], 0
	case dist <= 0:
		return p.pts[0], p.pts[0].BearingTo(p.pts[1])
	case dist >= p.total():
		return p.pts[n-1], p.pts[n-2].BearingTo(p.pts[n-1])
	}
	// find segment
	i := 1
	for i < n && p.cum[i] < dist {
		i++
	}
	p0, p1 := p.pts[i-1], p.pts[i]
	d0, d1 := p.cum[i-1], p.cum[i]
	if d1 == d0 {
		return p0, p0.BearingTo(p1)
	}
	return p0.Lerp(p1, (dist-d0)/(d1-d0)), p0.BearingTo(p1)
}

// rideDistance is how far along a ride of the given length the bus is at
// c: parked at the first stop while loading, then moving at constant speed
// until arrival.
func rideDistance(r *transit.Ride, c transit.Clock, length float64) float64 {
	dep := min(max(r.Departure, r.Loading), r.Arrival)
	return interpolateDistAtTime(
		[]transit.Clock{r.Loading, dep, r.Arrival},
		[]float64{0, 0, length},
		c,
	)
}

func interpolateDistAtTime(times []transit.Clock, dists []float64, at transit.Clock) float64 {
	n := len(times)
	if n == 0 {
		return 0
	}
	if at <= times[0] {
		return dists[0]
	}
	if at >= times[n-1] {
		return dists[n-1]
	}
	// find segment i s.t. times[i] <= at < times[i+1]
	i := 0
	for i+1 < n && at >= times[i+1] {
		i++
	}
	t0, t1 := times[i], times[i+1]
	d0, d1 := dists[i], dists[i+1]
	if t1 <= t0 {
		return d0
	}
	frac := float64(at-t0) / float64(t1-t0)
	return d0 + (d1-d0)*min(max(frac, 0), 1)
}
