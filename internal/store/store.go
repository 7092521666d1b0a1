// Package store owns the persisted alarm configuration: the base alarm and
// the weekly and one-time overrides layered on top of it.
package store

import (
	"context"
	"errors"
	"sync"

	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
)

// Persisted keys.
const (
	KeyWeeklyRules   = "weeklyRules"
	KeyDateOverrides = "dateOverrides"
	KeyAllEnabled    = "allAlarmsEnabled"
	KeyAlarms        = "alarms"
)

var (
	ErrInvalidWeekday = errors.New("store: weekly rules are limited to Monday through Friday")
	ErrInvalidAction  = errors.New("store: invalid override action")
	ErrInvalidTime    = errors.New("store: invalid time of day")
)

// load decodes key into v. Missing and undecodable values both report false
// so the caller falls back to defaults.
func load(ctx context.Context, s kv.Store, key string, v any) bool {
	err := kv.GetJSON(ctx, s, key, v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, kv.ErrNotFound):
		return false
	default:
		appLog.Warn("store: stored value unreadable; using defaults", "key", key, "err", err)
		return false
	}
}

// save encodes v under key. Failures are logged and returned; in-memory
// state is kept either way.
func save(ctx context.Context, s kv.Store, key string, v any) error {
	if err := kv.SetJSON(ctx, s, key, v); err != nil {
		appLog.Error("store: persist failed", err, "key", key)
		return err
	}
	return nil
}

// listeners is an observer list shared by the stores. Callbacks run on the
// mutating goroutine after the store lock is released.
type listeners struct {
	mu  sync.Mutex
	fns []func()
}

func (l *listeners) add(fn func()) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners) notify() {
	l.mu.Lock()
	fns := append([]func(){}, l.fns...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
