package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"smartbus-tracker/internal/transit"
)

// Report formats accepted on the inbound subject.
const (
	FormatJSON   = "json"
	FormatGTFSRT = "gtfsrt"
)

// Decoder turns one inbound message into position reports. When some
// entries of a message are unusable the valid ones are still returned,
// together with an error describing the rest.
type Decoder interface {
	Decode(data []byte) ([]transit.PositionReport, error)
}

// NewDecoder returns the decoder for format. Naive timestamps are read in
// loc.
func NewDecoder(format string, loc *time.Location) (Decoder, error) {
	if loc == nil {
		loc = time.Local
	}
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return JSONDecoder{Location: loc}, nil
	case FormatGTFSRT:
		return GTFSRTDecoder{Location: loc}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// JSONDecoder reads the tracking feed's location events, either a single
// object or an array of them.
type JSONDecoder struct {
	Location *time.Location
}

// degrees accepts both "7.88" and 7.88.
type degrees string

func (d *degrees) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = degrees(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = degrees(n.String())
	return nil
}

type locationEvent struct {
	DeviceNo   string  `json:"deviceno"`
	Lat        degrees `json:"lat"`
	Lng        degrees `json:"lng"`
	State      int     `json:"state"`
	Speed      float64 `json:"speed"`
	Direction  float64 `json:"direction"`
	Altitude   float64 `json:"altitude"`
	DateTime   string  `json:"dateTime"`
	VehicleID  int64   `json:"vid"`
	CarLicense string  `json:"carlicense"`
	GroupName  string  `json:"groupName"`
}

const eventTimeLayout = "2006-01-02 15:04:05"

func (d JSONDecoder) Decode(data []byte) ([]transit.PositionReport, error) {
	data = bytes.TrimSpace(data)
	var events []locationEvent
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode location events: %w", err)
		}
	} else {
		var ev locationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode location event: %w", err)
		}
		events = []locationEvent{ev}
	}

	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	reports := make([]transit.PositionReport, 0, len(events))
	var errs []error
	for i, ev := range events {
		r, err := ev.report(loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

func (ev locationEvent) report(loc *time.Location) (transit.PositionReport, error) {
	if strings.TrimSpace(ev.CarLicense) == "" {
		return transit.PositionReport{}, errors.New("missing carlicense")
	}
	coord, err := transit.ParseCoordinate(string(ev.Lng), string(ev.Lat))
	if err != nil {
		return transit.PositionReport{}, err
	}
	ts, err := time.ParseInLocation(eventTimeLayout, ev.DateTime, loc)
	if err != nil {
		return transit.PositionReport{}, fmt.Errorf("dateTime: %w", err)
	}
	return transit.PositionReport{
		DeviceNo:   ev.DeviceNo,
		License:    strings.TrimSpace(ev.CarLicense),
		VehicleID:  ev.VehicleID,
		Coordinate: coord,
		State:      ev.State,
		Speed:      ev.Speed,
		Heading:    ev.Direction,
		Altitude:   ev.Altitude,
		Timestamp:  ts,
		Group:      ev.GroupName,
	}, nil
}

// GTFSRTDecoder reads the vehicle positions of a GTFS-Realtime feed
// message. Speeds are converted from m/s to km/h to match the JSON feed.
type GTFSRTDecoder struct {
	Location *time.Location
}

func (d GTFSRTDecoder) Decode(data []byte) ([]transit.PositionReport, error) {
	var feed gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	headerTS := feed.GetHeader().GetTimestamp()

	var reports []transit.PositionReport
	var errs []error
	for _, e := range feed.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || e.GetIsDeleted() {
			continue
		}
		r, err := vehicleReport(vp, headerTS, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", e.GetId(), err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

func vehicleReport(vp *gtfsrtpb.VehiclePosition, headerTS uint64, loc *time.Location) (transit.PositionReport, error) {
	desc := vp.GetVehicle()
	license := desc.GetLicensePlate()
	if license == "" {
		license = desc.GetId()
	}
	if license == "" {
		return transit.PositionReport{}, errors.New("missing vehicle license plate and id")
	}
	pos := vp.GetPosition()
	if pos == nil {
		return transit.PositionReport{}, errors.New("missing position")
	}
	ts := vp.GetTimestamp()
	if ts == 0 {
		ts = headerTS
	}
	if ts == 0 {
		return transit.PositionReport{}, errors.New("missing timestamp")
	}
	var vid int64
	if id, err := strconv.ParseInt(desc.GetId(), 10, 64); err == nil {
		vid = id
	}
	return transit.PositionReport{
		License:    license,
		VehicleID:  vid,
		Coordinate: transit.NewCoordinate(float64(pos.GetLongitude()), float64(pos.GetLatitude())),
		Speed:      float64(pos.GetSpeed()) * 3.6,
		Heading:    float64(pos.GetBearing()),
		Timestamp:  time.Unix(int64(ts), 0).In(loc),
		DeviceNo:   desc.GetLabel(),
	}, nil
}
