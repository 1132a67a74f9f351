package rides

import (
	"slices"
	"sort"

	"smartbus-tracker/internal/transit"
)

// segment covers [lo, hi) with the ride at index ride.
type segment struct {
	lo, hi transit.Clock
	ride   int
}

// intervals maps times of day to rides. Segments are disjoint and sorted;
// inserting over an existing range replaces the overlapped part.
type intervals struct {
	segs []segment
}

func (iv *intervals) insert(lo, hi transit.Clock, ride int) {
	if lo >= hi {
		return
	}
	out := make([]segment, 0, len(iv.segs)+2)
	for _, s := range iv.segs {
		if s.hi <= lo || s.lo >= hi {
			out = append(out, s)
			continue
		}
		if s.lo < lo {
			out = append(out, segment{lo: s.lo, hi: lo, ride: s.ride})
		}
		if s.hi > hi {
			out = append(out, segment{lo: hi, hi: s.hi, ride: s.ride})
		}
	}
	out = append(out, segment{lo: lo, hi: hi, ride: ride})
	slices.SortFunc(out, func(a, b segment) int { return int(a.lo) - int(b.lo) })
	iv.segs = out
}

func (iv *intervals) get(at transit.Clock) (int, bool) {
	i := sort.Search(len(iv.segs), func(i int) bool { return iv.segs[i].hi > at })
	if i < len(iv.segs) && iv.segs[i].lo <= at {
		return iv.segs[i].ride, true
	}
	return 0, false
}
