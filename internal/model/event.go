package model

import (
	"strings"
	"time"
)

// holidayKeywords classify an event as a day off. The match is a
// case-insensitive substring test on the summary.
var holidayKeywords = []string{"holiday", "recess", "break", "no school", "closed"}

// CalendarEvent is a school calendar entry as parsed from the feed.
type CalendarEvent struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	AllDay  bool      `json:"all_day"`

	// RRule and ExDates are carried from the feed for recurrence expansion.
	// Expanded occurrences have both cleared.
	RRule   string      `json:"rrule,omitempty"`
	ExDates []time.Time `json:"exdates,omitempty"`
}

// IsHoliday reports whether the event summary marks a day without school.
func (e CalendarEvent) IsHoliday() bool {
	s := strings.ToLower(e.Summary)
	for _, kw := range holidayKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
