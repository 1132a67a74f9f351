package transit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Clock is a time of day in seconds since local midnight.
type Clock int32

const (
	// Midnight is the first second of a service day.
	Midnight Clock = 0
	// EndOfDay is the last second of a service day. The schedule sheet writes
	// a run ending at midnight as "12:00:00 AM"; it is read as EndOfDay so the
	// ride interval stays within the day.
	EndOfDay Clock = 23*3600 + 59*60 + 59
)

// NewClock builds a Clock from its components.
func NewClock(hour, minute, second int) Clock {
	return Clock(hour*3600 + minute*60 + second)
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	h, m, s := t.Clock()
	return NewClock(h, m, s)
}

// ParseClock parses "15:04:05" or "15:04".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockOf(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func (c Clock) Hour() int   { return int(c) / 3600 }
func (c Clock) Minute() int { return int(c) % 3600 / 60 }
func (c Clock) Second() int { return int(c) % 60 }

// On returns the instant of c on the calendar day of t.
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), c.Second(), 0, t.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour(), c.Minute(), c.Second())
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
