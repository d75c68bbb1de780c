// Package schedule models time-of-day/day-of-week periods and resolves which
// of several overlapping periods is active at a given instant.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid schedule period")

const day = 24 * time.Hour

// TimeOfDay is an offset from midnight in [0, 24h).
type TimeOfDay time.Duration

func At(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond()))
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: malformed time of day %q", ErrInvalidPeriod, s)
	}
	limits := []int{24, 60, 60}
	var fields [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v >= limits[i] {
			return 0, fmt.Errorf("%w: malformed time of day %q", ErrInvalidPeriod, s)
		}
		fields[i] = v
	}
	return TimeOfDay(time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second), nil
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// DayMask selects days of the week; bit 0 is Monday, bit 6 is Sunday.
type DayMask uint8

const (
	Monday DayMask = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday

	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekend  = Saturday | Sunday
	EveryDay = Weekdays | Weekend
)

// ParseDays accepts a seven character Monday-first string where any
// character other than '.', '_', '-' or '0' marks the day active
// ("MTWTF..", "1111100"), or one of "*", "all", "weekdays", "weekend".
func ParseDays(s string) (DayMask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "*", "all", "":
		return EveryDay, nil
	case "weekdays":
		return Weekdays, nil
	case "weekend":
		return Weekend, nil
	}
	if len(s) != 7 {
		return 0, fmt.Errorf("%w: day mask %q must have 7 characters", ErrInvalidPeriod, s)
	}
	var mask DayMask
	for i, c := range s {
		switch c {
		case '.', '_', '-', '0':
		default:
			mask |= 1 << i
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("%w: day mask %q selects no day", ErrInvalidPeriod, s)
	}
	return mask, nil
}

func (m DayMask) Valid() bool {
	return m != 0 && m&^EveryDay == 0
}

// Includes reports whether the weekday of t is selected.
func (m DayMask) Includes(t time.Time) bool {
	ordinal := (int(t.Weekday()) + 6) % 7
	return m&(1<<ordinal) != 0
}

func (m DayMask) String() string {
	const names = "MTWTFSS"
	var b strings.Builder
	for i := range 7 {
		if m&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// Period is an immutable, comparable schedule interval. Start == End is not
// allowed; Start > End spans midnight.
type Period struct {
	ID    string
	Name  string
	Start TimeOfDay
	End   TimeOfDay
	Days  DayMask
}

func NewPeriod(id, name string, start, end TimeOfDay, days DayMask) (Period, error) {
	p := Period{ID: id, Name: name, Start: start, End: end, Days: days}
	return p, p.Validate()
}

// ParsePeriod builds a period from text such as "07:00" "09:30" "MTWTF..".
func ParsePeriod(id, name, start, end, days string) (Period, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Period{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Period{}, err
	}
	m, err := ParseDays(days)
	if err != nil {
		return Period{}, err
	}
	return NewPeriod(id, name, s, e, m)
}

func (p Period) Validate() error {
	if p.Start < 0 || time.Duration(p.Start) >= day || p.End < 0 || time.Duration(p.End) >= day {
		return fmt.Errorf("%w: %s: time of day out of range", ErrInvalidPeriod, p)
	}
	if p.Start == p.End {
		return fmt.Errorf("%w: %s: start equals end", ErrInvalidPeriod, p)
	}
	if !p.Days.Valid() {
		return fmt.Errorf("%w: %s: invalid day mask %08b", ErrInvalidPeriod, p, uint8(p.Days))
	}
	return nil
}

func (p Period) AcrossMidnight() bool {
	return p.Start > p.End
}

// Includes reports whether t falls in [Start, End), wrapping at midnight.
func (p Period) Includes(t TimeOfDay) bool {
	if p.AcrossMidnight() {
		return t >= p.Start || t < p.End
	}
	return t >= p.Start && t < p.End
}

func (p Period) IncludesDay(t time.Time) bool {
	return p.Days.Includes(t)
}

// effectiveEnd places the end after the start on a continuous axis so that
// an interval ending after midnight compares as later.
func (p Period) effectiveEnd() TimeOfDay {
	if p.AcrossMidnight() {
		return p.End + TimeOfDay(day)
	}
	return p.End
}

// Less orders by start ascending; on equal start the period with the later
// end sorts first.
func (p Period) Less(o Period) bool {
	if p.Start != o.Start {
		return p.Start < o.Start
	}
	if pe, oe := p.effectiveEnd(), o.effectiveEnd(); pe != oe {
		return pe > oe
	}
	return p.ID < o.ID
}

func (p Period) String() string {
	label := p.Name
	if label == "" {
		label = p.ID
	}
	return fmt.Sprintf("%s(%s-%s %s)", label, p.Start, p.End, p.Days)
}
