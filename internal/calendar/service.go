// Package calendar keeps the school calendar current: it fetches the remote
// feed, caches the parsed result and exposes school-day queries.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"schoolalarm/internal/ics"
	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
	"schoolalarm/internal/schoolcal"
)

// Persisted keys.
const (
	KeySchoolCalendar = "schoolCalendar"
	KeyLastRefresh    = "lastCalendarRefresh"
)

const defaultMaxAge = 24 * time.Hour

var (
	ErrRefreshInProgress = errors.New("calendar: refresh already in progress")
	ErrNoFeedURL         = errors.New("calendar: no feed URL configured")
)

// Fetcher downloads the raw feed. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (ics.FetchResult, error)
}

// Options configures a Service.
type Options struct {
	URL string

	// SchoolYearStart and SchoolYearEnd bound school days, inclusive.
	SchoolYearStart time.Time
	SchoolYearEnd   time.Time

	Location *time.Location
	MaxAge   time.Duration

	// Now replaces time.Now.
	Now func() time.Time
}

// cached is the persisted form of the calendar.
type cached struct {
	Events      []model.CalendarEvent `json:"events"`
	LastUpdated time.Time             `json:"last_updated"`
}

// Service owns the school calendar. Refreshes never overlap: a second call
// while one runs fails with ErrRefreshInProgress. A failed refresh leaves
// the previous calendar in place.
type Service struct {
	kv      kv.Store
	fetcher Fetcher
	opts    Options

	refreshing atomic.Bool

	mu          sync.RWMutex
	cal         *schoolcal.Calendar
	lastRefresh time.Time
	lastErr     error
	subs        []func()
}

func NewService(s kv.Store, f Fetcher, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	svc := &Service{kv: s, fetcher: f, opts: opts}
	svc.cal = svc.build(nil, time.Time{})
	return svc
}

// Load restores the cached calendar and the last refresh time. Missing or
// unreadable state leaves an empty calendar.
func (s *Service) Load(ctx context.Context) error {
	var (
		c    cached
		last time.Time
	)
	if err := kv.GetJSON(ctx, s.kv, KeySchoolCalendar, &c); err != nil && !errors.Is(err, kv.ErrNotFound) {
		appLog.Warn("calendar: cached calendar unreadable; starting empty", "err", err)
		c = cached{}
	}
	if err := kv.GetJSON(ctx, s.kv, KeyLastRefresh, &last); err != nil && !errors.Is(err, kv.ErrNotFound) {
		appLog.Warn("calendar: last refresh time unreadable", "err", err)
		last = time.Time{}
	}

	s.mu.Lock()
	s.cal = s.build(c.Events, c.LastUpdated)
	s.lastRefresh = last
	s.mu.Unlock()

	appLog.Info("calendar loaded", "events", len(c.Events), "last_refresh", last)
	return nil
}

// Subscribe registers fn to run after each successful refresh.
func (s *Service) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Calendar returns the current calendar. It is never nil.
func (s *Service) Calendar() *schoolcal.Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cal
}

// LastRefresh is the time of the last successful refresh.
func (s *Service) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// LastError is the error of the most recent refresh, nil after a success.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IsRefreshing reports whether a refresh is running.
func (s *Service) IsRefreshing() bool {
	return s.refreshing.Load()
}

// IsStale reports whether the calendar is older than the max age.
func (s *Service) IsStale() bool {
	last := s.LastRefresh()
	return last.IsZero() || s.opts.Now().Sub(last) >= s.opts.MaxAge
}

// UpcomingSchoolDays returns up to n school days starting today.
func (s *Service) UpcomingSchoolDays(n int) []time.Time {
	return s.Calendar().SchoolDays(s.opts.Now(), n)
}

// RefreshIfStale refreshes when the calendar is older than the max age. It
// reports whether a refresh ran.
func (s *Service) RefreshIfStale(ctx context.Context) (bool, error) {
	if !s.IsStale() {
		return false, nil
	}
	return true, s.Refresh(ctx)
}

// Refresh fetches, parses and stores the feed, then notifies subscribers.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer s.refreshing.Store(false)

	err := s.refresh(ctx)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		appLog.Error("calendar refresh failed; keeping previous calendar", err)
		return err
	}

	s.mu.RLock()
	subs := append([]func(){}, s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

func (s *Service) refresh(ctx context.Context) error {
	if s.opts.URL == "" {
		return ErrNoFeedURL
	}

	res, err := s.fetcher.Fetch(ctx, s.opts.URL)
	if err != nil {
		return err
	}

	events := ics.ParseICS(res.Body, s.opts.Location)
	if !s.opts.SchoolYearStart.IsZero() && !s.opts.SchoolYearEnd.IsZero() {
		expanded, err := ics.Expand(events, ics.ExpandConfig{
			Location:   s.opts.Location,
			RangeStart: s.opts.SchoolYearStart,
			RangeEnd:   s.opts.SchoolYearEnd.AddDate(0, 0, 1),
		})
		if err != nil {
			return fmt.Errorf("expand calendar: %w", err)
		}
		events = expanded.Events
	}

	now := s.opts.Now()
	if err := kv.SetJSON(ctx, s.kv, KeySchoolCalendar, cached{Events: events, LastUpdated: now}); err != nil {
		appLog.Error("calendar: persist failed", err)
	}
	if err := kv.SetJSON(ctx, s.kv, KeyLastRefresh, now); err != nil {
		appLog.Error("calendar: persist last refresh failed", err)
	}

	s.mu.Lock()
	s.cal = s.build(events, now)
	s.lastRefresh = now
	s.mu.Unlock()

	appLog.Info("calendar refreshed",
		"events", len(events),
		"from_cache", res.FromCache,
	)
	return nil
}

func (s *Service) build(events []model.CalendarEvent, updated time.Time) *schoolcal.Calendar {
	return schoolcal.New(events, updated, s.opts.SchoolYearStart, s.opts.SchoolYearEnd, s.opts.Location)
}
