package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
)

// AlarmStore owns the optional base alarm. It is persisted as a list of at
// most one alarm.
type AlarmStore struct {
	kv kv.Store

	mu   sync.RWMutex
	base *model.Alarm

	subs listeners
}

func NewAlarmStore(s kv.Store) *AlarmStore {
	return &AlarmStore{kv: s}
}

// Load restores the base alarm. Extra list entries are ignored.
func (a *AlarmStore) Load(ctx context.Context) error {
	var alarms []model.Alarm
	load(ctx, a.kv, KeyAlarms, &alarms)

	a.mu.Lock()
	a.base = nil
	if len(alarms) > 0 {
		base := alarms[0]
		a.base = &base
	}
	a.mu.Unlock()

	appLog.Info("alarm store loaded", "has_base", len(alarms) > 0)
	return nil
}

// Subscribe registers fn to run after every successful mutation.
func (a *AlarmStore) Subscribe(fn func()) {
	a.subs.add(fn)
}

// Base returns a copy of the base alarm, or nil when none is configured.
func (a *AlarmStore) Base() *model.Alarm {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.base == nil {
		return nil
	}
	cp := *a.base
	return &cp
}

// SetBase creates or replaces the base alarm. A missing ID is generated.
func (a *AlarmStore) SetBase(ctx context.Context, alarm model.Alarm) (model.Alarm, error) {
	if !alarm.Time.Valid() {
		return model.Alarm{}, ErrInvalidTime
	}
	if alarm.ID == "" {
		alarm.ID = uuid.NewString()
	}
	if alarm.Sound == "" {
		alarm.Sound = model.DefaultSound
	}

	a.mu.Lock()
	a.base = &alarm
	a.mu.Unlock()

	err := a.persist(ctx)
	a.subs.notify()
	return alarm, err
}

// UpdateBase applies fn to the base alarm. It reports false when there is
// no base alarm. The ID is preserved.
func (a *AlarmStore) UpdateBase(ctx context.Context, fn func(*model.Alarm)) (model.Alarm, bool, error) {
	a.mu.Lock()
	if a.base == nil {
		a.mu.Unlock()
		return model.Alarm{}, false, nil
	}
	next := *a.base
	fn(&next)
	next.ID = a.base.ID
	if !next.Time.Valid() {
		a.mu.Unlock()
		return model.Alarm{}, false, ErrInvalidTime
	}
	a.base = &next
	a.mu.Unlock()

	err := a.persist(ctx)
	a.subs.notify()
	return next, true, err
}

// SetEnabled toggles the base alarm. It reports false when there is none.
func (a *AlarmStore) SetEnabled(ctx context.Context, enabled bool) (bool, error) {
	_, ok, err := a.UpdateBase(ctx, func(al *model.Alarm) { al.Enabled = enabled })
	return ok, err
}

// DeleteBase removes the base alarm.
func (a *AlarmStore) DeleteBase(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if a.base == nil {
		a.mu.Unlock()
		return false, nil
	}
	a.base = nil
	a.mu.Unlock()

	err := a.persist(ctx)
	a.subs.notify()
	return true, err
}

func (a *AlarmStore) persist(ctx context.Context) error {
	a.mu.RLock()
	alarms := []model.Alarm{}
	if a.base != nil {
		alarms = append(alarms, *a.base)
	}
	a.mu.RUnlock()
	return save(ctx, a.kv, KeyAlarms, alarms)
}
