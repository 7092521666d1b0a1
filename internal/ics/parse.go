package ics

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
)

const (
	layoutDate     = "20060102"
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
)

// DefaultLocation is the zone used for all-day and floating values when the
// caller does not supply one.
const DefaultLocation = "America/Los_Angeles"

var summaryUnescaper = strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n")

// rawProp is one property line: base key stripped of parameters.
type rawProp struct {
	value  string
	params map[string][]string
}

// rawEvent collects the properties of one VEVENT keyed by base key.
type rawEvent map[string][]rawProp

func (r rawEvent) first(key string) (rawProp, bool) {
	ps := r[key]
	if len(ps) == 0 {
		return rawProp{}, false
	}
	return ps[0], true
}

// ParseICS turns a calendar feed into events. It never fails as a whole:
// events missing SUMMARY or DTSTART, or with unreadable dates, are dropped.
//
//   - The document is decoded with golang-ical. If the library rejects it,
//     a tolerant line scanner over BEGIN:VEVENT/END:VEVENT blocks is used.
//   - Date values are read by shape: 8 digits (all-day), a trailing Z (UTC)
//     or a bare date-time (floating). All-day and floating values are placed
//     in loc; TZID parameters are ignored.
//   - RRULE and EXDATE are recorded raw for Expand.
func ParseICS(body []byte, loc *time.Location) []model.CalendarEvent {
	if loc == nil {
		loc = defaultLocation()
	}

	raws, err := decodeWithLibrary(body)
	if err != nil {
		appLog.Debug("ics library decode failed; using line scanner", "err", err)
		raws = scanEvents(body)
	}

	events := make([]model.CalendarEvent, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		ev, ok := buildEvent(raw, loc)
		if !ok {
			dropped++
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(events), "dropped", dropped)
	return events
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultLocation)
	if err != nil {
		return time.Local
	}
	return loc
}

var wantedProps = []ical.ComponentProperty{
	ical.ComponentPropertyUniqueId,
	ical.ComponentPropertySummary,
	ical.ComponentPropertyDtStart,
	ical.ComponentPropertyDtEnd,
	ical.ComponentPropertyRrule,
	ical.ComponentPropertyExdate,
}

func decodeWithLibrary(body []byte) ([]rawEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make([]rawEvent, 0)
	for _, ve := range cal.Events() {
		raw := rawEvent{}
		for _, key := range wantedProps {
			for _, p := range ve.GetProperties(key) {
				raw[string(key)] = append(raw[string(key)], rawProp{
					value:  p.Value,
					params: p.ICalParameters,
				})
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

// scanEvents is the line-oriented fallback. Folded lines (leading space or
// tab) are joined before splitting KEY[;PARAMS]:VALUE.
func scanEvents(body []byte) []rawEvent {
	lines := unfold(body)

	var (
		out     []rawEvent
		current rawEvent
	)
	for _, line := range lines {
		switch {
		case strings.EqualFold(line, "BEGIN:VEVENT"):
			current = rawEvent{}
			continue
		case strings.EqualFold(line, "END:VEVENT"):
			if current != nil {
				out = append(out, current)
			}
			current = nil
			continue
		}
		if current == nil {
			continue
		}

		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		head, value := line[:colon], line[colon+1:]

		parts := strings.Split(head, ";")
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		params := map[string][]string{}
		for _, p := range parts[1:] {
			name, val, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			name = strings.ToUpper(strings.TrimSpace(name))
			params[name] = append(params[name], strings.Trim(val, `"`))
		}
		current[key] = append(current[key], rawProp{value: value, params: params})
	}
	return out
}

func unfold(body []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func buildEvent(raw rawEvent, loc *time.Location) (model.CalendarEvent, bool) {
	summary, ok := raw.first(string(ical.ComponentPropertySummary))
	if !ok {
		return model.CalendarEvent{}, false
	}
	dtStart, ok := raw.first(string(ical.ComponentPropertyDtStart))
	if !ok {
		return model.CalendarEvent{}, false
	}

	start, allDay, err := parseICSTime(dtStart.value, dtStart.params, loc)
	if err != nil {
		return model.CalendarEvent{}, false
	}

	end := start
	if dtEnd, ok := raw.first(string(ical.ComponentPropertyDtEnd)); ok {
		t, _, err := parseICSTime(dtEnd.value, dtEnd.params, loc)
		if err != nil {
			return model.CalendarEvent{}, false
		}
		end = t
	}

	id := ""
	if uid, ok := raw.first(string(ical.ComponentPropertyUniqueId)); ok {
		id = strings.TrimSpace(uid.value)
	}
	if id == "" {
		id = uuid.NewString()
	}

	ev := model.CalendarEvent{
		ID:      id,
		Summary: summaryUnescaper.Replace(summary.value),
		Start:   start,
		End:     end,
		AllDay:  allDay,
	}

	if rr, ok := raw.first(string(ical.ComponentPropertyRrule)); ok {
		ev.RRule = strings.TrimSpace(rr.value)
	}
	for _, p := range raw[string(ical.ComponentPropertyExdate)] {
		for _, part := range strings.Split(p.value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, p.params, loc); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	return ev, true
}

// parseICSTime reads a DATE or DATE-TIME value by its shape. VALUE=DATE in
// params also marks the value as all-day.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if isDateOnly(v) || (hasDateParam(params) && len(v) >= len(layoutDate)) {
		t, err := time.ParseInLocation(layoutDate, v[:len(layoutDate)], loc)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		return t, false, err
	}

	t, err := time.ParseInLocation(layoutFloating, v, loc)
	return t, false, err
}

func isDateOnly(v string) bool {
	if len(v) != len(layoutDate) {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasDateParam(params map[string][]string) bool {
	for _, v := range params["VALUE"] {
		if strings.EqualFold(v, "DATE") {
			return true
		}
	}
	return false
}
