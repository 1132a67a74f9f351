package transit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sheet names used in row errors.
const (
	SheetBuses    = "buses"
	SheetSchedule = "schedule"
	SheetStops    = "stops"
)

// Minimum cell counts per row. Trailing empty cells may be omitted by the
// sheet export, so wider rows are accepted.
const (
	busColumns      = 17
	scheduleColumns = 8
	stopColumns     = 14
)

var errMissingCell = errors.New("missing cell")

// RowError locates a rejected reference row. Row is the 1-based sheet row,
// counting the header.
type RowError struct {
	Sheet  string
	Row    int
	Column int
	Err    error
}

func (e *RowError) Error() string {
	if e.Column < 0 {
		return fmt.Sprintf("%s row %d: %v", e.Sheet, e.Row, e.Err)
	}
	return fmt.Sprintf("%s row %d column %d: %v", e.Sheet, e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// rowReader converts cells one column at a time and keeps the first failure.
type rowReader struct {
	sheet string
	row   int
	cells []string
	err   error
}

func (r *rowReader) fail(col int, err error) {
	if r.err == nil {
		r.err = &RowError{Sheet: r.sheet, Row: r.row, Column: col, Err: err}
	}
}

func (r *rowReader) require(n int) bool {
	if len(r.cells) < n {
		r.fail(-1, fmt.Errorf("expected %d cells, got %d", n, len(r.cells)))
		return false
	}
	return true
}

func (r *rowReader) text(col int) string {
	if col >= len(r.cells) {
		r.fail(col, errMissingCell)
		return ""
	}
	return r.cells[col]
}

func (r *rowReader) integer(col int) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.text(col)))
	if err != nil {
		r.fail(col, err)
	}
	return v
}

func (r *rowReader) terminal(col int) Terminal {
	t, err := ParseTerminal(r.text(col))
	if err != nil {
		r.fail(col, err)
	}
	return t
}

func (r *rowReader) scheduleClock(col int) Clock {
	c, err := parseScheduleClock(r.text(col))
	if err != nil {
		r.fail(col, err)
	}
	return c
}

func (r *rowReader) parse(col int, fn func(string) error) {
	if err := fn(r.text(col)); err != nil {
		r.fail(col, err)
	}
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseRows converts data rows (header already removed). Bad rows are
// skipped and returned as *RowError; blank rows are ignored.
func parseRows[T any](sheet string, rows [][]string, convert func(*rowReader) T) ([]T, []error) {
	out := make([]T, 0, len(rows))
	var rejected []error
	for i, cells := range rows {
		if blank(cells) {
			continue
		}
		r := &rowReader{sheet: sheet, row: i + 2, cells: cells}
		v := convert(r)
		if r.err != nil {
			rejected = append(rejected, r.err)
			continue
		}
		out = append(out, v)
	}
	return out, rejected
}

// ParseBuses converts roster rows.
func ParseBuses(rows [][]string) ([]Bus, []error) {
	return parseRows(SheetBuses, rows, busFromRow)
}

// ParseSchedule converts schedule rows.
func ParseSchedule(rows [][]string) ([]Schedule, []error) {
	return parseRows(SheetSchedule, rows, scheduleFromRow)
}

// ParseStops converts stop rows.
func ParseStops(rows [][]string) ([]Stop, []error) {
	return parseRows(SheetStops, rows, stopFromRow)
}

func busFromRow(r *rowReader) Bus {
	var b Bus
	if !r.require(busColumns) {
		return b
	}
	b.No = r.integer(0)
	b.LicensePlate = strings.TrimSpace(r.text(1))
	b.BusID = strings.TrimSpace(r.text(2))
	b.Icon = r.text(3)
	b.ServiceStatus = strings.ToLower(strings.TrimSpace(r.text(4)))
	r.parse(5, func(s string) error {
		switch strings.TrimSpace(s) {
		case "0":
			b.Direction = BusDirectionA
		case "1":
			b.Direction = BusDirectionB
		default:
			return fmt.Errorf("unknown bus direction %q", s)
		}
		return nil
	})
	b.OperatePosition = strings.TrimSpace(r.text(6))
	r.parse(15, func(s string) (err error) {
		b.Date, err = time.Parse("02/01/2006", strings.TrimSpace(s))
		return err
	})
	r.parse(16, func(s string) error {
		t, err := time.Parse("03:04:05 PM", strings.TrimSpace(s))
		b.Time = ClockOf(t)
		return err
	})
	if b.LicensePlate == "" {
		r.fail(1, errors.New("empty license plate"))
	}
	return b
}

func scheduleFromRow(r *rowReader) Schedule {
	var s Schedule
	if !r.require(scheduleColumns) {
		return s
	}
	s.Position = strings.TrimSpace(r.text(0))
	s.Start = r.terminal(1)
	s.Departure = r.scheduleClock(2)
	s.ColorChanged = r.scheduleClock(3)
	s.Arrival = r.scheduleClock(4)
	s.Destination = r.terminal(5)
	r.parse(6, func(v string) error {
		// "To Rawai", "To Airport": the second word names the terminal.
		words := strings.Fields(v)
		if len(words) < 2 {
			return fmt.Errorf("expected terminal in %q", v)
		}
		t, err := ParseTerminal(words[1])
		s.Heading = t
		return err
	})
	s.Icon = r.text(7)
	if s.Position == "" {
		r.fail(0, errors.New("empty position"))
	}
	return s
}

// parseScheduleClock reads the leading "15:04:05" token of a schedule cell.
func parseScheduleClock(s string) (Clock, error) {
	if strings.Contains(s, "12:00:00 AM") {
		return EndOfDay, nil
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("missing time")
	}
	t, err := time.Parse("15:04:05", fields[0])
	if err != nil {
		return 0, err
	}
	return ClockOf(t), nil
}

func stopFromRow(r *rowReader) Stop {
	var s Stop
	if !r.require(stopColumns) {
		return s
	}
	s.Order = r.integer(0)
	s.NameTH = strings.TrimSpace(r.text(1))
	s.Name = strings.TrimSpace(r.text(2))
	if _, after, ok := strings.Cut(r.text(3), " Bus Stop "); ok {
		s.Description = strings.TrimSpace(after)
	}
	r.parse(4, func(v string) error {
		// "Rawai --> Airport"
		_, towards, ok := strings.Cut(v, " --> ")
		if !ok {
			return fmt.Errorf("missing route direction in %q", v)
		}
		t, err := ParseTerminal(towards)
		if err != nil {
			return err
		}
		if t != Airport && t != Rawai {
			return fmt.Errorf("unknown route direction %q", towards)
		}
		s.Towards = t
		return nil
	})
	r.parse(5, func(lon string) error {
		c, err := ParseCoordinate(lon, r.text(6))
		s.Coordinate = c
		return err
	})
	r.parse(7, func(v string) (err error) {
		s.Timetable, err = parseTimetable(v)
		return err
	})
	s.Icon = r.text(8)
	s.Color = r.text(9)
	if id, err := strconv.Atoi(strings.TrimSpace(r.text(10))); err == nil {
		s.UniqueID = id
	}
	s.Image = r.text(11)
	s.MapLink = r.text(12)
	r.parse(13, func(v string) error {
		switch strings.TrimSpace(v) {
		case "on":
			s.Display = true
		case "off":
			s.Display = false
		default:
			return fmt.Errorf("unknown display flag %q", v)
		}
		return nil
	})
	if s.Name == "" {
		r.fail(2, errors.New("empty stop name"))
	}
	return s
}

// parseTimetable reads the departure list of a stop, written either as
// "06:30, 07:45" or "6,30AM, 7,45AM".
func parseTimetable(s string) ([]Clock, error) {
	s = strings.NewReplacer("AM,", " ", "PM,", " ", "AM", "", "PM", "", ",", ":").Replace(s)
	var out []Clock
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ":")
		if tok == "" {
			continue
		}
		c, err := ParseClock(tok)
		if err != nil {
			t, perr := time.Parse("3:04", tok)
			if perr != nil {
				return nil, err
			}
			c = ClockOf(t)
		}
		out = append(out, c)
	}
	return out, nil
}
