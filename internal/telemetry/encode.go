package telemetry

import (
	"encoding/json"
	"strconv"
	"time"

	"smartbus-tracker/internal/transit"
)

// EncodeJSON renders reports as an array of location events, the form
// JSONDecoder reads. Timestamps are written as wall time in loc.
func EncodeJSON(reports []transit.PositionReport, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.Local
	}
	events := make([]locationEvent, len(reports))
	for i, r := range reports {
		events[i] = locationEvent{
			DeviceNo:   r.DeviceNo,
			Lat:        degrees(strconv.FormatFloat(r.Coordinate.Latitude, 'f', -1, 32)),
			Lng:        degrees(strconv.FormatFloat(r.Coordinate.Longitude, 'f', -1, 32)),
			State:      r.State,
			Speed:      r.Speed,
			Direction:  r.Heading,
			Altitude:   r.Altitude,
			DateTime:   r.Timestamp.In(loc).Format(eventTimeLayout),
			VehicleID:  r.VehicleID,
			CarLicense: r.License,
			GroupName:  r.Group,
		}
	}
	return json.Marshal(events)
}
