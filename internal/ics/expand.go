package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone occurrences are converted to. If nil, time.Local.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrences of
	// recurring events. Non-recurring events are passed through untouched.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. Zero means the default.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded events and the IDs of recurring events
// that hit the cap.
type ExpandResult struct {
	Events          []model.CalendarEvent
	TruncatedEvents []string
}

// Expand replaces every event carrying an RRULE by its concrete occurrences
// inside the range, honoring EXDATE and keeping the original duration.
// Occurrence IDs are the event ID plus the local start date.
func Expand(events []model.CalendarEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" {
			out = append(out, ev)
			continue
		}

		occ, hitCap := expandRecurringEvent(ev, cfg)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Error("expand: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	result.Events = out
	return result, nil
}

func expandRecurringEvent(ev model.CalendarEvent, cfg ExpandConfig) ([]model.CalendarEvent, bool) {
	out := make([]model.CalendarEvent, 0)

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE; keeping first occurrence", err, "uid", ev.ID, "rrule", ev.RRule)
		ev.RRule = ""
		ev.ExDates = nil
		return append(out, ev), false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	for _, occStart := range occTimes {
		if ev.AllDay {
			occStart = model.DayStart(occStart, cfg.Location)
		} else {
			occStart = occStart.In(cfg.Location)
		}
		occ := model.CalendarEvent{
			ID:      ev.ID + "/" + occStart.Format(layoutDate),
			Summary: ev.Summary,
			Start:   occStart,
			End:     occStart.Add(dur),
			AllDay:  ev.AllDay,
		}
		out = append(out, occ)
	}

	return out, hitCap
}
