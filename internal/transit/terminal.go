package transit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Terminal is a named end-point stop of a run.
type Terminal int

const (
	TerminalUnknown Terminal = iota
	Airport
	Rawai
	Kata
	Patong
)

var terminalStops = map[Terminal]string{
	Airport: "Phuket Airport",
	Rawai:   "Rawai Beach",
	Kata:    "Kata Palm",
	Patong:  "Bangla Patong",
}

// ErrUnknownTerminal is returned for a terminal name outside the route.
var ErrUnknownTerminal = errors.New("unknown terminal")

// ParseTerminal accepts the short names used by the schedule sheet
// ("Airport", "Rawai", ...) and the full stop names.
func ParseTerminal(s string) (Terminal, error) {
	s = strings.TrimSpace(s)
	for t, name := range terminalStops {
		if strings.EqualFold(s, t.String()) || strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return TerminalUnknown, fmt.Errorf("%w: %q", ErrUnknownTerminal, s)
}

func (t Terminal) String() string {
	switch t {
	case Airport:
		return "Airport"
	case Rawai:
		return "Rawai"
	case Kata:
		return "Kata"
	case Patong:
		return "Patong"
	default:
		return "Unknown"
	}
}

// StopName is the name of the stop the terminal corresponds to.
func (t Terminal) StopName() string { return terminalStops[t] }

// FindStop returns the first stop named after the terminal.
func (t Terminal) FindStop(stops []Stop) (Stop, bool) {
	name := t.StopName()
	if name == "" {
		return Stop{}, false
	}
	for _, s := range stops {
		if s.Name == name {
			return s, true
		}
	}
	return Stop{}, false
}

func (t Terminal) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// RouteDirection is one of the two traversal directions of the route.
type RouteDirection int

const (
	DirectionUnknown RouteDirection = iota
	// North runs towards the airport.
	North
	// South runs towards Rawai.
	South
)

// ErrUnmappedDirection is returned for terminal pairs that do not determine
// a direction, such as the Kata and Patong short turns.
var ErrUnmappedDirection = errors.New("terminal pair has no route direction")

// DirectionOf derives the traversal direction of a run from its terminals.
// A run leaving the airport or ending at Rawai is southbound; one leaving
// Rawai or ending at the airport is northbound.
func DirectionOf(start, destination Terminal) (RouteDirection, error) {
	switch {
	case start == Airport || destination == Rawai:
		return South, nil
	case start == Rawai || destination == Airport:
		return North, nil
	default:
		return DirectionUnknown, fmt.Errorf("%w: %s -> %s", ErrUnmappedDirection, start, destination)
	}
}

// DirectionTowards is the direction of travel heading for terminal t.
func DirectionTowards(t Terminal) (RouteDirection, error) {
	switch t {
	case Airport:
		return North, nil
	case Rawai:
		return South, nil
	default:
		return DirectionUnknown, fmt.Errorf("%w: towards %s", ErrUnmappedDirection, t)
	}
}

// ParseRouteDirection accepts "north"/"south" and the terminal a direction
// heads for.
func ParseRouteDirection(s string) (RouteDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "north", "n":
		return North, nil
	case "south", "s":
		return South, nil
	}
	t, err := ParseTerminal(s)
	if err != nil {
		return DirectionUnknown, fmt.Errorf("invalid direction %q", s)
	}
	return DirectionTowards(t)
}

func (d RouteDirection) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	default:
		return "unknown"
	}
}

func (d RouteDirection) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Terminus is the terminal a direction ends at.
func (d RouteDirection) Terminus() Terminal {
	switch d {
	case North:
		return Airport
	case South:
		return Rawai
	default:
		return TerminalUnknown
	}
}
