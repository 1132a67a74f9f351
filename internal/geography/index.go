// Package geography resolves a position to the pair of stops a bus is
// travelling between, per route direction.
package geography

import (
	"cmp"
	"slices"
	"sort"

	"smartbus-tracker/internal/transit"
)

// StopDistance is a stop and the distance to it from the queried position.
type StopDistance struct {
	Stop           *transit.Stop `json:"stop"`
	DistanceMeters float64       `json:"distance_m"`
}

// Bracket is the stop a bus has passed and the stop it is heading for.
type Bracket struct {
	Previous StopDistance `json:"previous"`
	Next     StopDistance `json:"next"`
}

type entry struct {
	lat  float64
	stop *transit.Stop
}

// route is one direction of travel: its stops in route order plus a
// latitude-ordered view used for lookups.
type route struct {
	stops    []transit.Stop
	byLat    []entry
	terminus bool
}

// Index is immutable once built and safe for concurrent readers.
type Index struct {
	routes map[transit.RouteDirection]*route
}

// New builds both directions from the stop list. Each direction takes the
// stops heading for its terminus in sheet order and ends with the terminus
// stop itself. When two stops share a latitude the later one is kept.
func New(stops []transit.Stop) *Index {
	x := &Index{routes: make(map[transit.RouteDirection]*route, 2)}
	for _, dir := range []transit.RouteDirection{transit.North, transit.South} {
		x.routes[dir] = buildRoute(stops, dir.Terminus())
	}
	return x
}

func buildRoute(all []transit.Stop, terminus transit.Terminal) *route {
	r := &route{}
	for _, s := range all {
		if s.Towards == terminus {
			r.stops = append(r.stops, s)
		}
	}
	slices.SortStableFunc(r.stops, func(a, b transit.Stop) int { return cmp.Compare(a.Order, b.Order) })
	if end, ok := terminus.FindStop(all); ok {
		r.stops = append(r.stops, end)
		r.terminus = true
	}

	pos := make(map[float64]int, len(r.stops))
	for i := range r.stops {
		s := &r.stops[i]
		if j, ok := pos[s.Coordinate.Latitude]; ok {
			r.byLat[j].stop = s
			continue
		}
		pos[s.Coordinate.Latitude] = len(r.byLat)
		r.byLat = append(r.byLat, entry{lat: s.Coordinate.Latitude, stop: s})
	}
	slices.SortFunc(r.byLat, func(a, b entry) int { return cmp.Compare(a.lat, b.lat) })
	return r
}

// Locate returns the stops bracketing pos along direction dir, or false
// when the direction is unknown or pos lies beyond either end of the route.
//
// Stops are ordered by latitude. The lower neighbour is the greatest
// latitude at or below pos and the upper neighbour the least at or above.
// A position exactly at a stop pairs that stop with the next lower one, or
// with the next higher one at the southern end. Northbound buses travel
// from lower to higher latitude; southbound the pair is reversed.
func (x *Index) Locate(dir transit.RouteDirection, pos transit.Coordinate) (Bracket, bool) {
	r, ok := x.routes[dir]
	if !ok {
		return Bracket{}, false
	}
	e := r.byLat
	lat := pos.Latitude

	hi := sort.Search(len(e), func(i int) bool { return e[i].lat >= lat })
	lo := hi - 1
	if hi < len(e) && e[hi].lat == lat {
		lo = hi
	}
	if lo == hi {
		if lo > 0 {
			lo--
		} else {
			hi++
		}
	}
	if lo < 0 || hi >= len(e) {
		return Bracket{}, false
	}

	below, above := e[lo].stop, e[hi].stop
	if dir == transit.South {
		below, above = above, below
	}
	return Bracket{
		Previous: StopDistance{Stop: below, DistanceMeters: pos.DistanceTo(below.Coordinate)},
		Next:     StopDistance{Stop: above, DistanceMeters: pos.DistanceTo(above.Coordinate)},
	}, true
}

// Stops returns the stops of a direction in route order, ending at the
// terminus. The slice must not be modified.
func (x *Index) Stops(dir transit.RouteDirection) []transit.Stop {
	if r, ok := x.routes[dir]; ok {
		return r.stops
	}
	return nil
}

// HasTerminus reports whether the terminus stop of dir was found in the
// stop list.
func (x *Index) HasTerminus(dir transit.RouteDirection) bool {
	r, ok := x.routes[dir]
	return ok && r.terminus
}

// Len is the number of distinct latitudes indexed for dir.
func (x *Index) Len(dir transit.RouteDirection) int {
	if r, ok := x.routes[dir]; ok {
		return len(r.byLat)
	}
	return 0
}
