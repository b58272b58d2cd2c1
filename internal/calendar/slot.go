// Package calendar holds the fixed daily slot partition shared by every doctor
// and the civil-date helpers used to address a slot on a given day.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrUnknownSlot = errors.New("unknown slot")

// Slot is one of the fixed bookable ranges of a working day. The numeric value
// is the ordinal and defines chronological order.
type Slot int

const (
	Slot1 Slot = iota + 1
	Slot2
	Slot3
	Slot4
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

type slotRange struct {
	start Clock
	end   Clock
}

// Same length, non-overlapping, in chronological order.
var slotTable = [...]slotRange{
	{Clock{7, 30}, Clock{9, 30}},
	{Clock{9, 45}, Clock{11, 45}},
	{Clock{13, 30}, Clock{15, 30}},
	{Clock{15, 40}, Clock{17, 40}},
}

var allSlots = []Slot{Slot1, Slot2, Slot3, Slot4}

// All returns every slot in ordinal order. The returned slice is a copy.
func All() []Slot {
	out := make([]Slot, len(allSlots))
	copy(out, allSlots)
	return out
}

// Count is the number of slots in a day.
func Count() int {
	return len(allSlots)
}

func (s Slot) Valid() bool {
	return s >= Slot1 && int(s) <= len(slotTable)
}

// Ordinal returns the 1-based position of the slot within the day.
func (s Slot) Ordinal() int {
	return int(s)
}

// RangeOf returns the wall-clock start and end of the slot.
func (s Slot) RangeOf() (start, end Clock) {
	if !s.Valid() {
		return Clock{}, Clock{}
	}
	r := slotTable[s-1]
	return r.start, r.end
}

// On returns the absolute start and end of the slot on the given civil date,
// interpreted in loc.
func (s Slot) On(date time.Time, loc *time.Location) (time.Time, time.Time) {
	start, end := s.RangeOf()
	y, m, d := date.Date()
	return time.Date(y, m, d, start.Hour, start.Minute, 0, 0, loc),
		time.Date(y, m, d, end.Hour, end.Minute, 0, 0, loc)
}

func (s Slot) String() string {
	if !s.Valid() {
		return "SLOT_" + strconv.Itoa(int(s)) + "?"
	}
	return "SLOT_" + strconv.Itoa(int(s))
}

// Parse accepts "SLOT_2", "slot_2" or "2".
func Parse(raw string) (Slot, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "SLOT_")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSlot, raw)
	}
	s := Slot(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSlot, raw)
	}
	return s, nil
}

func (s Slot) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Slot) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
