package transit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusMeters = 6371000.0

// Coordinate is a WGS84 position. Values are held at float32 precision so a
// report taken exactly at a stop compares equal to the stop's own coordinate.
type Coordinate struct {
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`
}

// ParseCoordinate parses decimal degree strings as published by the stop
// sheet and the location feed.
func ParseCoordinate(lon, lat string) (Coordinate, error) {
	x, err := parseDegrees(lon)
	if err != nil {
		return Coordinate{}, fmt.Errorf("longitude: %w", err)
	}
	y, err := parseDegrees(lat)
	if err != nil {
		return Coordinate{}, fmt.Errorf("latitude: %w", err)
	}
	return Coordinate{Longitude: x, Latitude: y}, nil
}

// NewCoordinate rounds both axes to the precision used by parsed data.
func NewCoordinate(lon, lat float64) Coordinate {
	return Coordinate{Longitude: float64(float32(lon)), Latitude: float64(float32(lat))}
}

func parseDegrees(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid degrees %q", s)
	}
	return v, nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%g, %g)", c.Longitude, c.Latitude)
}

// DistanceTo returns the great-circle distance in meters.
func (c Coordinate) DistanceTo(o Coordinate) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(o.Latitude - c.Latitude)
	dLon := toRad(o.Longitude - c.Longitude)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(c.Latitude))*math.Cos(toRad(o.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingTo returns the initial bearing towards o in degrees [0, 360).
func (c Coordinate) BearingTo(o Coordinate) float64 {
	rad := math.Pi / 180.0
	y := math.Sin((o.Longitude-c.Longitude)*rad) * math.Cos(o.Latitude*rad)
	x := math.Cos(c.Latitude*rad)*math.Sin(o.Latitude*rad) -
		math.Sin(c.Latitude*rad)*math.Cos(o.Latitude*rad)*math.Cos((o.Longitude-c.Longitude)*rad)
	brng := math.Atan2(y, x) / rad
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Lerp interpolates linearly between c and o; frac is clamped to [0, 1].
func (c Coordinate) Lerp(o Coordinate, frac float64) Coordinate {
	frac = math.Max(0, math.Min(1, frac))
	return NewCoordinate(
		c.Longitude+(o.Longitude-c.Longitude)*frac,
		c.Latitude+(o.Latitude-c.Latitude)*frac,
	)
}
