package pipeline

import "fmt"

// Failure classifies a report that did not resolve to a match. All kinds are
// normal operating conditions.
type Failure int

const (
	VehicleNotOperating Failure = iota + 1
	NoActiveRide
	UnresolvedGeometry
	DuplicateReport
)

func (f Failure) String() string {
	switch f {
	case VehicleNotOperating:
		return "vehicle_not_operating"
	case NoActiveRide:
		return "no_active_ride"
	case UnresolvedGeometry:
		return "unresolved_geometry"
	case DuplicateReport:
		return "duplicate_report"
	default:
		return "unknown"
	}
}

// FailureError is returned by Handle for an unresolved report. Compare with
// errors.Is against the Err* values.
type FailureError struct {
	Kind    Failure
	License string
	Detail  string
	Err     error
}

func (e *FailureError) Error() string {
	msg := e.Kind.String()
	if e.License != "" {
		msg += " " + e.License
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FailureError) Unwrap() error { return e.Err }

// Is matches another FailureError of the same kind.
func (e *FailureError) Is(target error) bool {
	t, ok := target.(*FailureError)
	return ok && t.Kind == e.Kind
}

var (
	ErrVehicleNotOperating = &FailureError{Kind: VehicleNotOperating}
	ErrNoActiveRide        = &FailureError{Kind: NoActiveRide}
	ErrUnresolvedGeometry  = &FailureError{Kind: UnresolvedGeometry}
	ErrDuplicateReport     = &FailureError{Kind: DuplicateReport}
)
