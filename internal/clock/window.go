package clock

import (
	"fmt"
	"time"
)

// Window is the clinic's working-hours and slot-duration policy.
// Start and End are local hours; a slot may start at any hour h with Start <= h < End.
type Window struct {
	Start    int
	End      int
	Slot     time.Duration
	Location *time.Location
}

func DefaultWindow() Window {
	return Window{Start: 8, End: 18, Slot: time.Hour, Location: time.UTC}
}

func (w Window) Validate() error {
	if w.Start < 0 || w.End > 24 || w.Start >= w.End {
		return fmt.Errorf("working hours must satisfy 0 <= start < end <= 24 (got %d-%d)", w.Start, w.End)
	}
	if w.Slot <= 0 || w.Slot > time.Duration(w.End-w.Start)*time.Hour {
		return fmt.Errorf("slot duration %s does not fit working hours", w.Slot)
	}
	if time.Hour%w.Slot != 0 && w.Slot%time.Hour != 0 {
		return fmt.Errorf("slot duration %s must divide or be a multiple of an hour", w.Slot)
	}
	return nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Local converts t into the clinic's location.
func (w Window) Local(t time.Time) time.Time {
	return t.In(w.loc())
}

// SlotStarts lists every slot start on the calendar day of date (read in the clinic
// location), ascending.
func (w Window) SlotStarts(date time.Time) []time.Time {
	d := w.Local(date)
	open := time.Date(d.Year(), d.Month(), d.Day(), w.Start, 0, 0, 0, w.loc())
	closing := time.Date(d.Year(), d.Month(), d.Day(), w.End, 0, 0, 0, w.loc())

	var starts []time.Time
	for t := open; t.Before(closing); t = t.Add(w.Slot) {
		starts = append(starts, t)
	}
	return starts
}

// InWorkingHours reports whether t's local hour lies in [Start, End).
func (w Window) InWorkingHours(t time.Time) bool {
	h := w.Local(t).Hour()
	return h >= w.Start && h < w.End
}

// Aligned reports whether t is one of SlotStarts for its day, i.e. a whole number of
// slots after that day's opening hour.
func (w Window) Aligned(t time.Time) bool {
	l := w.Local(t)
	open := time.Date(l.Year(), l.Month(), l.Day(), w.Start, 0, 0, 0, w.loc())
	since := l.Sub(open)
	return since >= 0 && since%w.Slot == 0
}

func (w Window) EndOf(start time.Time) time.Time {
	return start.Add(w.Slot)
}

// DayBounds returns [00:00, next 00:00) of date's local calendar day.
func (w Window) DayBounds(date time.Time) (time.Time, time.Time) {
	d := w.Local(date)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, w.loc())
	return start, start.AddDate(0, 0, 1)
}

// WeekStart returns the Monday 00:00 of t's local week.
func (w Window) WeekStart(t time.Time) time.Time {
	day, _ := w.DayBounds(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// ParseDate reads a YYYY-MM-DD calendar date as local midnight.
func (w Window) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, w.loc())
}
