package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
)

// OverrideStore holds the weekly rules, one-time date overrides and the
// master switch, and resolves the alarm that governs a given day.
//
// Resolution order for a day: a date override for that exact day, else the
// weekly rule for its weekday, else the base alarm. The master switch, when
// off, suppresses every layer.
type OverrideStore struct {
	kv  kv.Store
	loc *time.Location
	now func() time.Time

	mu        sync.RWMutex
	weekly    []model.WeeklyRule
	overrides []model.DateOverride
	enabled   bool

	subs listeners
}

// Option configures an OverrideStore.
type Option func(*OverrideStore)

// WithClock replaces time.Now, which decides what "today" is when expired
// overrides are purged.
func WithClock(now func() time.Time) Option {
	return func(s *OverrideStore) { s.now = now }
}

// NewOverrideStore returns an empty, enabled store. Call Load to restore
// persisted state.
func NewOverrideStore(s kv.Store, loc *time.Location, opts ...Option) *OverrideStore {
	if loc == nil {
		loc = time.Local
	}
	o := &OverrideStore{
		kv:      s,
		loc:     loc,
		now:     time.Now,
		enabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load restores state and drops date overrides dated strictly before today.
// The purge is persisted when it removed anything.
func (o *OverrideStore) Load(ctx context.Context) error {
	var (
		weekly    []model.WeeklyRule
		overrides []model.DateOverride
		enabled   = true
	)
	load(ctx, o.kv, KeyWeeklyRules, &weekly)
	load(ctx, o.kv, KeyDateOverrides, &overrides)
	load(ctx, o.kv, KeyAllEnabled, &enabled)

	today := model.DayStart(o.now(), o.loc)
	kept := overrides[:0]
	for _, ov := range overrides {
		ov.Date = model.DayStart(ov.Date, o.loc)
		if ov.Date.Before(today) {
			continue
		}
		kept = append(kept, ov)
	}
	purged := len(overrides) - len(kept)

	o.mu.Lock()
	o.weekly = weekly
	o.overrides = kept
	o.enabled = enabled
	o.sortLocked()
	snapshot := append([]model.DateOverride(nil), o.overrides...)
	o.mu.Unlock()

	appLog.Info("override store loaded",
		"weekly_rules", len(weekly),
		"date_overrides", len(kept),
		"purged", purged,
		"enabled", enabled,
	)

	if purged > 0 {
		return save(ctx, o.kv, KeyDateOverrides, snapshot)
	}
	return nil
}

// Subscribe registers fn to run after every successful mutation.
func (o *OverrideStore) Subscribe(fn func()) {
	o.subs.add(fn)
}

// Location is the zone days are resolved in.
func (o *OverrideStore) Location() *time.Location {
	return o.loc
}

// Enabled reports the master switch.
func (o *OverrideStore) Enabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

// SetEnabled flips the master switch.
func (o *OverrideStore) SetEnabled(ctx context.Context, enabled bool) error {
	o.mu.Lock()
	o.enabled = enabled
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyAllEnabled, enabled)
	o.subs.notify()
	return err
}

// WeeklyRules returns the rules ordered by weekday.
func (o *OverrideStore) WeeklyRules() []model.WeeklyRule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.WeeklyRule(nil), o.weekly...)
}

// DateOverrides returns the overrides ordered by date.
func (o *OverrideStore) DateOverrides() []model.DateOverride {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.DateOverride(nil), o.overrides...)
}

// RuleForWeekday returns the rule configured for wd, if any.
func (o *OverrideStore) RuleForWeekday(wd model.Weekday) (model.WeeklyRule, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ruleForLocked(wd)
}

// OverrideForDate returns the override on d's calendar day, if any.
func (o *OverrideStore) OverrideForDate(d time.Time) (model.DateOverride, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.overrideForLocked(model.DayStart(d, o.loc))
}

// EffectiveAction returns the override governing date, or false when the day
// falls through to the base alarm.
func (o *OverrideStore) EffectiveAction(date time.Time) (model.OverrideAction, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.effectiveActionLocked(date)
}

// EffectiveAlarmTime resolves the wake-up instant for date's day. base may
// be nil. The result depends only on the arguments and the store state.
func (o *OverrideStore) EffectiveAlarmTime(date time.Time, base *model.Alarm) (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.enabled {
		return time.Time{}, false
	}

	day := model.DayStart(date, o.loc)
	if action, ok := o.effectiveActionLocked(day); ok {
		t, custom := action.Time()
		if !custom {
			return time.Time{}, false
		}
		return t.On(day), true
	}

	if base == nil || !base.Enabled {
		return time.Time{}, false
	}
	return base.Time.On(day), true
}

// ActiveLayer names the layer governing date, whether or not that layer
// disables the alarm.
func (o *OverrideStore) ActiveLayer(date time.Time) model.AlarmLayer {
	o.mu.RLock()
	defer o.mu.RUnlock()

	day := model.DayStart(date, o.loc)
	if _, ok := o.overrideForLocked(day); ok {
		return model.LayerOneTime
	}
	if _, ok := o.ruleForLocked(model.WeekdayOf(day)); ok {
		return model.LayerWeekly
	}
	return model.LayerBase
}

// AddWeeklyRule stores rule unless its weekday already has one. A missing
// ID is generated. The stored rule is returned.
func (o *OverrideStore) AddWeeklyRule(ctx context.Context, rule model.WeeklyRule) (model.WeeklyRule, bool, error) {
	if err := validateRule(rule); err != nil {
		return model.WeeklyRule{}, false, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	o.mu.Lock()
	if _, exists := o.ruleForLocked(rule.Weekday); exists {
		o.mu.Unlock()
		return model.WeeklyRule{}, false, nil
	}
	o.weekly = append(o.weekly, rule)
	o.sortLocked()
	snapshot := append([]model.WeeklyRule(nil), o.weekly...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyWeeklyRules, snapshot)
	o.subs.notify()
	return rule, true, err
}

// UpdateWeeklyRule replaces the rule with rule.ID. Unknown IDs and moves
// onto a weekday held by another rule are no-ops.
func (o *OverrideStore) UpdateWeeklyRule(ctx context.Context, rule model.WeeklyRule) (bool, error) {
	if err := validateRule(rule); err != nil {
		return false, err
	}

	o.mu.Lock()
	idx := -1
	for i, r := range o.weekly {
		if r.ID == rule.ID {
			idx = i
		} else if r.Weekday == rule.Weekday {
			o.mu.Unlock()
			return false, nil
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false, nil
	}
	o.weekly[idx] = rule
	o.sortLocked()
	snapshot := append([]model.WeeklyRule(nil), o.weekly...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyWeeklyRules, snapshot)
	o.subs.notify()
	return true, err
}

// DeleteWeeklyRule removes the rule with id.
func (o *OverrideStore) DeleteWeeklyRule(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	idx := -1
	for i, r := range o.weekly {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false, nil
	}
	o.weekly = append(o.weekly[:idx], o.weekly[idx+1:]...)
	snapshot := append([]model.WeeklyRule(nil), o.weekly...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyWeeklyRules, snapshot)
	o.subs.notify()
	return true, err
}

// AddDateOverride stores ov with its date truncated to the day, unless that
// day already has an override. A missing ID is generated.
func (o *OverrideStore) AddDateOverride(ctx context.Context, ov model.DateOverride) (model.DateOverride, bool, error) {
	if !ov.Action.Valid() {
		return model.DateOverride{}, false, ErrInvalidAction
	}
	if ov.ID == "" {
		ov.ID = uuid.NewString()
	}
	ov.Date = model.DayStart(ov.Date, o.loc)

	o.mu.Lock()
	if _, exists := o.overrideForLocked(ov.Date); exists {
		o.mu.Unlock()
		return model.DateOverride{}, false, nil
	}
	o.overrides = append(o.overrides, ov)
	o.sortLocked()
	snapshot := append([]model.DateOverride(nil), o.overrides...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyDateOverrides, snapshot)
	o.subs.notify()
	return ov, true, err
}

// UpdateDateOverride replaces the override with ov.ID. Unknown IDs and moves
// onto a day held by another override are no-ops.
func (o *OverrideStore) UpdateDateOverride(ctx context.Context, ov model.DateOverride) (bool, error) {
	if !ov.Action.Valid() {
		return false, ErrInvalidAction
	}
	ov.Date = model.DayStart(ov.Date, o.loc)

	o.mu.Lock()
	idx := -1
	for i, existing := range o.overrides {
		if existing.ID == ov.ID {
			idx = i
		} else if existing.Date.Equal(ov.Date) {
			o.mu.Unlock()
			return false, nil
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false, nil
	}
	o.overrides[idx] = ov
	o.sortLocked()
	snapshot := append([]model.DateOverride(nil), o.overrides...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyDateOverrides, snapshot)
	o.subs.notify()
	return true, err
}

// DeleteDateOverride removes the override with id.
func (o *OverrideStore) DeleteDateOverride(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	idx := -1
	for i, ov := range o.overrides {
		if ov.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false, nil
	}
	o.overrides = append(o.overrides[:idx], o.overrides[idx+1:]...)
	snapshot := append([]model.DateOverride(nil), o.overrides...)
	o.mu.Unlock()

	err := save(ctx, o.kv, KeyDateOverrides, snapshot)
	o.subs.notify()
	return true, err
}

func (o *OverrideStore) effectiveActionLocked(date time.Time) (model.OverrideAction, bool) {
	day := model.DayStart(date, o.loc)
	if ov, ok := o.overrideForLocked(day); ok {
		return ov.Action, true
	}
	if r, ok := o.ruleForLocked(model.WeekdayOf(day)); ok {
		return r.Action, true
	}
	return model.OverrideAction{}, false
}

func (o *OverrideStore) ruleForLocked(wd model.Weekday) (model.WeeklyRule, bool) {
	for _, r := range o.weekly {
		if r.Weekday == wd {
			return r, true
		}
	}
	return model.WeeklyRule{}, false
}

func (o *OverrideStore) overrideForLocked(day time.Time) (model.DateOverride, bool) {
	for _, ov := range o.overrides {
		if ov.Date.Equal(day) {
			return ov, true
		}
	}
	return model.DateOverride{}, false
}

func (o *OverrideStore) sortLocked() {
	sort.SliceStable(o.weekly, func(i, j int) bool { return o.weekly[i].Weekday < o.weekly[j].Weekday })
	sort.SliceStable(o.overrides, func(i, j int) bool { return o.overrides[i].Date.Before(o.overrides[j].Date) })
}

func validateRule(rule model.WeeklyRule) error {
	if !rule.Weekday.IsSchoolWeekday() {
		return ErrInvalidWeekday
	}
	if !rule.Action.Valid() {
		return ErrInvalidAction
	}
	return nil
}
