package clock

import (
	"fmt"
	"time"
)

// Unit names a boundary granularity.
type Unit string

const (
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
	Week   Unit = "week"
	Month  Unit = "month"
)

// Now is the wall clock used when a component is not given one.
var Now = time.Now

// Boundaries computes unit starts in a single timezone.
// The location must stay fixed for the lifetime of the process: rollups written
// under one zone are keyed by that zone's civil days.
type Boundaries struct {
	loc *time.Location
}

// New returns Boundaries for loc. A nil location means UTC.
func New(loc *time.Location) Boundaries {
	if loc == nil {
		loc = time.UTC
	}
	return Boundaries{loc: loc}
}

// Location returns the configured timezone.
func (b Boundaries) Location() *time.Location {
	if b.loc == nil {
		return time.UTC
	}
	return b.loc
}

// MinuteStart floors ts (Unix seconds) to the start of its minute.
func (b Boundaries) MinuteStart(ts int64) int64 {
	return ts - mod(ts, 60)
}

// HourStart floors ts to the start of its hour in the configured zone.
// Zones with fractional-hour offsets get boundaries at the local :00.
func (b Boundaries) HourStart(ts int64) int64 {
	_, off := time.Unix(ts, 0).In(b.Location()).Zone()
	return ts - mod(ts+int64(off), 3600)
}

// NextHour returns the hour boundary after the one containing ts.
func (b Boundaries) NextHour(ts int64) int64 {
	return b.HourStart(b.HourStart(ts) + 3600)
}

// DayStart returns local midnight of the civil day containing ts.
func (b Boundaries) DayStart(ts int64) int64 {
	t := b.local(ts)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.Location()).Unix()
}

// NextDay returns local midnight of the following civil day. Across DST
// transitions the gap is 23 or 25 hours.
func (b Boundaries) NextDay(ts int64) int64 {
	t := b.local(b.DayStart(ts))
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, b.Location()).Unix()
}

// WeekStart returns Monday 00:00 of the week containing ts.
func (b Boundaries) WeekStart(ts int64) int64 {
	t := b.local(ts)
	back := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-back, 0, 0, 0, 0, b.Location()).Unix()
}

// NextWeek returns the Monday after the week containing ts.
func (b Boundaries) NextWeek(ts int64) int64 {
	t := b.local(b.WeekStart(ts))
	return time.Date(t.Year(), t.Month(), t.Day()+7, 0, 0, 0, 0, b.Location()).Unix()
}

// MonthStart returns the first day of the month containing ts at 00:00.
func (b Boundaries) MonthStart(ts int64) int64 {
	t := b.local(ts)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, b.Location()).Unix()
}

// NextMonth returns the first day of the following month at 00:00.
func (b Boundaries) NextMonth(ts int64) int64 {
	t := b.local(ts)
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, b.Location()).Unix()
}

// Floor returns the start of the unit containing ts.
func (b Boundaries) Floor(ts int64, u Unit) (int64, error) {
	switch u {
	case Minute:
		return b.MinuteStart(ts), nil
	case Hour:
		return b.HourStart(ts), nil
	case Day:
		return b.DayStart(ts), nil
	case Week:
		return b.WeekStart(ts), nil
	case Month:
		return b.MonthStart(ts), nil
	}
	return 0, fmt.Errorf("unknown unit %q", u)
}

// Next returns the start of the unit following the one containing ts.
func (b Boundaries) Next(ts int64, u Unit) (int64, error) {
	switch u {
	case Minute:
		return b.MinuteStart(ts) + 60, nil
	case Hour:
		return b.NextHour(ts), nil
	case Day:
		return b.NextDay(ts), nil
	case Week:
		return b.NextWeek(ts), nil
	case Month:
		return b.NextMonth(ts), nil
	}
	return 0, fmt.Errorf("unknown unit %q", u)
}

// IsWeekStart reports whether ts falls on a Monday.
func (b Boundaries) IsWeekStart(ts int64) bool {
	return b.local(ts).Weekday() == time.Monday
}

// IsMonthStart reports whether ts falls on the first day of a month.
func (b Boundaries) IsMonthStart(ts int64) bool {
	return b.local(ts).Day() == 1
}

// DateString formats the civil date of ts as YYYY-MM-DD.
func (b Boundaries) DateString(ts int64) string {
	return b.local(ts).Format("2006-01-02")
}

// ParseDate returns local midnight for a YYYY-MM-DD string.
func (b Boundaries) ParseDate(s string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02", s, b.Location())
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.Unix(), nil
}

// WeekString formats the ISO week of ts as YYYY-Www.
func (b Boundaries) WeekString(ts int64) string {
	year, week := b.local(ts).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// MonthString formats the month of ts as YYYY-MM.
func (b Boundaries) MonthString(ts int64) string {
	return b.local(ts).Format("2006-01")
}

// CivilDays counts the civil days touched by [from, to], both inclusive.
func (b Boundaries) CivilDays(from, to int64) int {
	if to < from {
		return 0
	}
	n := 1
	for d := b.NextDay(from); d <= to; d = b.NextDay(d) {
		n++
	}
	return n
}

func (b Boundaries) local(ts int64) time.Time {
	return time.Unix(ts, 0).In(b.Location())
}

func mod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
