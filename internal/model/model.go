package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClockTime is a time of day with minute precision.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Valid reports whether the hour and minute are in range.
func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

// On combines the calendar day of d (in d's location) with c.
func (c ClockTime) On(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, d.Location())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Alarm is the base alarm, the lowest-priority layer.
type Alarm struct {
	ID            string    `json:"id"`
	Time          ClockTime `json:"time"`
	Label         string    `json:"label"`
	Enabled       bool      `json:"enabled"`
	SnoozeEnabled bool      `json:"snooze_enabled"`
	Sound         string    `json:"sound"`
}

// DefaultSound is used when an alarm has no sound selected.
const DefaultSound = "default"

// SoundOrDefault returns the alarm sound, falling back to DefaultSound.
func (a *Alarm) SoundOrDefault() string {
	if a == nil || a.Sound == "" {
		return DefaultSound
	}
	return a.Sound
}

// ActionKind discriminates OverrideAction.
type ActionKind string

const (
	ActionDisable    ActionKind = "disable"
	ActionCustomTime ActionKind = "custom_time"
)

// OverrideAction is either "disable" or "custom time" carrying a ClockTime.
// Construct it with Disable() or CustomTime().
type OverrideAction struct {
	kind ActionKind
	time ClockTime
}

func Disable() OverrideAction {
	return OverrideAction{kind: ActionDisable}
}

func CustomTime(t ClockTime) OverrideAction {
	return OverrideAction{kind: ActionCustomTime, time: t}
}

func (a OverrideAction) Kind() ActionKind { return a.kind }

// IsDisable reports whether the action suppresses the alarm.
func (a OverrideAction) IsDisable() bool { return a.kind == ActionDisable }

// Time returns the custom time; ok is false for a disable action.
func (a OverrideAction) Time() (ClockTime, bool) {
	if a.kind != ActionCustomTime {
		return ClockTime{}, false
	}
	return a.time, true
}

// Valid reports whether the action is one of the two variants with valid payload.
func (a OverrideAction) Valid() bool {
	switch a.kind {
	case ActionDisable:
		return true
	case ActionCustomTime:
		return a.time.Valid()
	default:
		return false
	}
}

func (a OverrideAction) String() string {
	if t, ok := a.Time(); ok {
		return "custom " + t.String()
	}
	return string(a.kind)
}

type actionJSON struct {
	Kind ActionKind `json:"kind"`
	Time *ClockTime `json:"time,omitempty"`
}

func (a OverrideAction) MarshalJSON() ([]byte, error) {
	out := actionJSON{Kind: a.kind}
	if a.kind == ActionCustomTime {
		t := a.time
		out.Time = &t
	}
	return json.Marshal(out)
}

func (a *OverrideAction) UnmarshalJSON(data []byte) error {
	var in actionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case ActionDisable:
		*a = Disable()
	case ActionCustomTime:
		if in.Time == nil {
			return errors.New("custom_time action without time")
		}
		*a = CustomTime(*in.Time)
	default:
		return fmt.Errorf("unknown override action %q", in.Kind)
	}
	return nil
}

// Weekday is an ISO 8601 weekday, Monday=1 .. Sunday=7.
type Weekday int

const (
	Monday    Weekday = 1
	Tuesday   Weekday = 2
	Wednesday Weekday = 3
	Thursday  Weekday = 4
	Friday    Weekday = 5
	Saturday  Weekday = 6
	Sunday    Weekday = 7
)

var weekdayNames = map[Weekday]string{
	Monday:    "Monday",
	Tuesday:   "Tuesday",
	Wednesday: "Wednesday",
	Thursday:  "Thursday",
	Friday:    "Friday",
	Saturday:  "Saturday",
	Sunday:    "Sunday",
}

// WeekdayOf returns the ISO weekday of t.
func WeekdayOf(t time.Time) Weekday {
	wd := t.Weekday()
	if wd == time.Sunday {
		return Sunday
	}
	return Weekday(wd)
}

// IsSchoolWeekday reports whether a weekly rule may use this weekday.
func (w Weekday) IsSchoolWeekday() bool {
	return w >= Monday && w <= Friday
}

func (w Weekday) String() string {
	if n, ok := weekdayNames[w]; ok {
		return n
	}
	return fmt.Sprintf("Weekday(%d)", int(w))
}

// WeeklyRule is a recurring override keyed by weekday.
type WeeklyRule struct {
	ID      string         `json:"id"`
	Weekday Weekday        `json:"weekday"`
	Action  OverrideAction `json:"action"`
}

// DateOverride is a one-time override for a single calendar day.
type DateOverride struct {
	ID     string         `json:"id"`
	Date   time.Time      `json:"date"`
	Action OverrideAction `json:"action"`
}

// AlarmLayer names the layer governing a date. Never persisted.
type AlarmLayer string

const (
	LayerBase    AlarmLayer = "base"
	LayerWeekly  AlarmLayer = "weekly"
	LayerOneTime AlarmLayer = "one_time"
)

// DayStart truncates t to midnight of its calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return DayStart(a, loc).Equal(DayStart(b, loc))
}
