// Package refcache holds the reference snapshot that position reports are
// correlated against and refreshes it from a Source when it goes stale.
package refcache

import (
	"time"

	"smartbus-tracker/internal/geography"
	"smartbus-tracker/internal/rides"
	"smartbus-tracker/internal/roster"
	"smartbus-tracker/internal/transit"
)

// Snapshot bundles the three lookup structures built from one fetch. It is
// never modified after construction.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time
	Roster    *roster.Table
	Rides     *rides.Index
	Geography *geography.Index
	// Rejected counts input rows and entries that were left out.
	Rejected int
}

// Build constructs a snapshot from fetched reference data and returns the
// entries that were dropped while indexing.
func Build(version uint64, fetchedAt time.Time, data transit.ReferenceData) (*Snapshot, []error) {
	rejected := append([]error(nil), data.Rejected...)

	tbl, dup := roster.New(data.Buses)
	for _, plate := range dup {
		rejected = append(rejected, &DuplicatePlateError{Plate: plate})
	}
	rideIdx, errs := rides.New(data.Schedule)
	rejected = append(rejected, errs...)

	return &Snapshot{
		Version:   version,
		FetchedAt: fetchedAt,
		Roster:    tbl,
		Rides:     rideIdx,
		Geography: geography.New(data.Stops),
		Rejected:  len(rejected),
	}, rejected
}

func emptySnapshot() *Snapshot {
	s, _ := Build(0, time.Time{}, transit.ReferenceData{})
	return s
}

// DuplicatePlateError reports a roster plate listed more than once.
type DuplicatePlateError struct {
	Plate string
}

func (e *DuplicatePlateError) Error() string {
	return "duplicate license plate " + e.Plate
}
