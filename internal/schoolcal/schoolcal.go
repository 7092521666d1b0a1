// Package schoolcal classifies calendar days as school days.
package schoolcal

import (
	"time"

	"schoolalarm/internal/model"
)

// maxSearchDays bounds NextSchoolDay to one year of candidates.
const maxSearchDays = 366

// Calendar is the set of feed events plus the school-year bounds. The zero
// value has no bounds and therefore no school days.
type Calendar struct {
	Events      []model.CalendarEvent `json:"events"`
	LastUpdated time.Time             `json:"last_updated"`

	// Start and End are day starts of the first and last school day, inclusive.
	Start time.Time `json:"-"`
	End   time.Time `json:"-"`

	loc      *time.Location
	holidays []span
}

type span struct {
	from, to time.Time
}

// New builds a Calendar. start and end are truncated to their day in loc.
func New(events []model.CalendarEvent, lastUpdated, start, end time.Time, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	c := &Calendar{
		Events:      events,
		LastUpdated: lastUpdated,
		loc:         loc,
	}
	if !start.IsZero() && !end.IsZero() {
		c.Start = model.DayStart(start, loc)
		c.End = model.DayStart(end, loc)
	}
	for _, ev := range events {
		if !ev.IsHoliday() {
			continue
		}
		end := ev.End
		if end.Before(ev.Start) {
			end = ev.Start
		}
		c.holidays = append(c.holidays, span{
			from: model.DayStart(ev.Start, loc),
			to:   model.DayStart(end, loc),
		})
	}
	return c
}

// Location returns the zone days are truncated in.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Holidays returns the events classified as days off.
func (c *Calendar) Holidays() []model.CalendarEvent {
	var out []model.CalendarEvent
	for _, ev := range c.Events {
		if ev.IsHoliday() {
			out = append(out, ev)
		}
	}
	return out
}

// IsSchoolDay reports whether d's calendar day is a weekday inside the school
// year that no holiday event covers. Holiday ranges include their end day.
func (c *Calendar) IsSchoolDay(d time.Time) bool {
	day := model.DayStart(d, c.loc)

	if !model.WeekdayOf(day).IsSchoolWeekday() {
		return false
	}
	if c.Start.IsZero() || c.End.IsZero() || day.Before(c.Start) || day.After(c.End) {
		return false
	}
	for _, h := range c.holidays {
		if !day.Before(h.from) && !day.After(h.to) {
			return false
		}
	}
	return true
}

// NextSchoolDay returns the first school day on or after after. When after is
// past its own midnight the search starts the following day. ok is false when
// nothing is found within a year.
func (c *Calendar) NextSchoolDay(after time.Time) (time.Time, bool) {
	day := model.DayStart(after, c.loc)
	if after.After(day) {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < maxSearchDays; i++ {
		if c.IsSchoolDay(day) {
			return day, true
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// SchoolDays walks forward from from's day and collects up to count school
// days, stopping early once past the school-year end.
func (c *Calendar) SchoolDays(from time.Time, count int) []time.Time {
	if count <= 0 || c.End.IsZero() {
		return nil
	}
	out := make([]time.Time, 0, count)
	for day := model.DayStart(from, c.loc); !day.After(c.End) && len(out) < count; day = day.AddDate(0, 0, 1) {
		if c.IsSchoolDay(day) {
			out = append(out, day)
		}
	}
	return out
}
