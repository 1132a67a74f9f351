package transit

import (
	"cmp"
	"fmt"
	"time"
)

// Stop is a bus stop along one direction of the route.
type Stop struct {
	Order       int        `json:"order"`
	NameTH      string     `json:"name_th"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Towards     Terminal   `json:"towards"`
	Coordinate  Coordinate `json:"coordinate"`
	Timetable   []Clock    `json:"timetable,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	Color       string     `json:"color,omitempty"`
	UniqueID    int        `json:"unique_id,omitempty"`
	Image       string     `json:"image,omitempty"`
	MapLink     string     `json:"map_link,omitempty"`
	Display     bool       `json:"display"`
}

// Schedule is one planned run of a position between two terminals.
type Schedule struct {
	Position     string
	Start        Terminal
	Departure    Clock
	ColorChanged Clock
	Arrival      Clock
	Destination  Terminal
	Heading      Terminal
	Icon         string
}

// Ride is a scheduled run as seen by the lookup: boarding opens at Loading,
// the bus leaves at Departure and reaches Stop at Arrival.
type Ride struct {
	Name      string   `json:"name"`
	Start     Terminal `json:"start"`
	Stop      Terminal `json:"stop"`
	Loading   Clock    `json:"loading"`
	Departure Clock    `json:"departure"`
	Arrival   Clock    `json:"arrival"`
}

// RideFromSchedule converts a schedule entry. Boarding opens when the
// sheet's status colour changes.
func RideFromSchedule(s Schedule) Ride {
	return Ride{
		Name:      s.Position,
		Start:     s.Start,
		Stop:      s.Destination,
		Loading:   s.ColorChanged,
		Departure: s.Departure,
		Arrival:   s.Arrival,
	}
}

// Direction derives the traversal direction from the ride's terminals.
func (r Ride) Direction() (RouteDirection, error) {
	return DirectionOf(r.Start, r.Stop)
}

// Active reports whether c falls in the half-open window [Loading, Arrival).
func (r Ride) Active(c Clock) bool {
	return r.Loading <= c && c < r.Arrival
}

func (r Ride) String() string {
	return fmt.Sprintf("%s: %s / %s -> %s / %s", r.Name, r.Departure, r.Start, r.Arrival, r.Stop)
}

// CompareRides orders rides by position name, then departure.
func CompareRides(a, b Ride) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Departure, b.Departure)
}

// BusDirection is the roster's A/B running direction flag.
type BusDirection string

const (
	BusDirectionA BusDirection = "A"
	BusDirectionB BusDirection = "B"
)

// Bus is a roster row: a physical vehicle and its current assignment.
type Bus struct {
	No              int          `json:"no"`
	LicensePlate    string       `json:"license_plate"`
	BusID           string       `json:"bus_id"`
	Icon            string       `json:"icon,omitempty"`
	ServiceStatus   string       `json:"service_status"`
	Direction       BusDirection `json:"direction"`
	OperatePosition string       `json:"operate_position"`
	Date            time.Time    `json:"date"`
	Time            Clock        `json:"time"`
}

// PositionReport is a single telemetry sample for one vehicle.
type PositionReport struct {
	DeviceNo   string     `json:"device_no,omitempty"`
	License    string     `json:"license"`
	VehicleID  int64      `json:"vehicle_id,omitempty"`
	Coordinate Coordinate `json:"coordinate"`
	State      int        `json:"state"`
	Speed      float64    `json:"speed"`
	Heading    float64    `json:"heading"`
	Altitude   float64    `json:"altitude"`
	Timestamp  time.Time  `json:"timestamp"`
	Group      string     `json:"group,omitempty"`
}

// ReferenceData is one consistent fetch of the three reference collections.
// Rejected carries the rows that failed to parse and were left out.
type ReferenceData struct {
	Buses    []Bus
	Schedule []Schedule
	Stops    []Stop
	Rejected []error
}
