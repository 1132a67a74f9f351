// Package roster maps vehicle license plates to their current assignment.
package roster

import (
	"slices"
	"strings"

	"smartbus-tracker/internal/transit"
)

// Table is immutable once built.
type Table struct {
	buses map[string]transit.Bus
}

// New indexes buses by license plate. A plate listed twice keeps its last
// row; the replaced plates are returned.
func New(buses []transit.Bus) (*Table, []string) {
	t := &Table{buses: make(map[string]transit.Bus, len(buses))}
	var dup []string
	for _, b := range buses {
		key := normalize(b.LicensePlate)
		if _, ok := t.buses[key]; ok {
			dup = append(dup, b.LicensePlate)
		}
		t.buses[key] = b
	}
	return t, dup
}

func normalize(plate string) string { return strings.TrimSpace(plate) }

// OperatePosition returns the position the vehicle is assigned to. Unknown
// plates and buses with no assignment report false.
func (t *Table) OperatePosition(license string) (string, bool) {
	b, ok := t.buses[normalize(license)]
	if !ok || b.OperatePosition == "" {
		return "", false
	}
	return b.OperatePosition, true
}

// Bus returns the roster row for a plate.
func (t *Table) Bus(license string) (transit.Bus, bool) {
	b, ok := t.buses[normalize(license)]
	return b, ok
}

// Plates lists all known plates in sorted order.
func (t *Table) Plates() []string {
	out := make([]string, 0, len(t.buses))
	for p := range t.buses {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (t *Table) Len() int { return len(t.buses) }
