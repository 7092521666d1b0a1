package ics

import (
	"io"
	"time"

	goical "github.com/emersion/go-ical"
)

const productID = "-//schoolalarm//Wake-up schedule//EN"

// ScheduleEntry is one resolved wake-up instant to publish.
type ScheduleEntry struct {
	UID         string
	Start       time.Time
	Summary     string
	Description string
}

// EncodeSchedule writes entries as a VCALENDAR with one VEVENT (plus a
// display VALARM at the start instant) per entry. Times are written in UTC.
func EncodeSchedule(w io.Writer, entries []ScheduleEntry, stamp time.Time) error {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, productID)

	for _, e := range entries {
		event := goical.NewEvent()
		event.Props.SetText(goical.PropUID, e.UID)
		event.Props.SetDateTime(goical.PropDateTimeStamp, stamp.UTC())
		event.Props.SetDateTime(goical.PropDateTimeStart, e.Start.UTC())
		event.Props.SetDateTime(goical.PropDateTimeEnd, e.Start.Add(time.Minute).UTC())
		event.Props.SetText(goical.PropSummary, e.Summary)
		if e.Description != "" {
			event.Props.SetText(goical.PropDescription, e.Description)
		}

		alarm := goical.NewComponent(goical.CompAlarm)
		alarm.Props.SetText(goical.PropAction, "DISPLAY")
		alarm.Props.SetText(goical.PropDescription, e.Summary)
		trigger := goical.NewProp(goical.PropTrigger)
		trigger.Value = "PT0S"
		alarm.Props.Set(trigger)
		event.Children = append(event.Children, alarm)

		cal.Children = append(cal.Children, event.Component)
	}

	return goical.NewEncoder(w).Encode(cal)
}
