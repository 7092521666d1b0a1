package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolalarm/internal/app"
	"schoolalarm/internal/auth"
	"schoolalarm/internal/calendar"
	"schoolalarm/internal/config"
	"schoolalarm/internal/ics"
	"schoolalarm/internal/kv"
	"schoolalarm/internal/model"
	"schoolalarm/internal/notify"
	"schoolalarm/internal/scheduler"
	"schoolalarm/internal/store"
)

const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//district//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:pd\r\nSUMMARY:No School\r\nDTSTART;VALUE=DATE:20261023\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, url string) (ics.FetchResult, error) {
	return ics.FetchResult{Body: []byte(feed)}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type nopTasks struct{ at time.Time }

func (n *nopTasks) Arm(at time.Time)   { n.at = at }
func (n *nopTasks) Cancel()            { n.at = time.Time{} }
func (n *nopTasks) ArmedAt() time.Time { return n.at }

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *app.App) {
	s, a, _ := newTestServerWithClock(t, cfg)
	return s, a
}

func newTestServerWithClock(t *testing.T, cfg *config.Config) (*Server, *app.App, *testClock) {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// Monday morning before any alarm.
	tc := &testClock{now: time.Date(2026, 10, 19, 5, 0, 0, 0, loc)}
	clk := tc.Now
	mem := kv.NewMemory()

	overrides := store.NewOverrideStore(mem, loc, store.WithClock(clk))
	center := notify.NewLocalCenter(mem, notify.LogDeliverer{}, notify.WithClock(clk))
	cal := calendar.NewService(mem, staticFetcher{}, calendar.Options{
		URL:             "https://district.example/cal.ics",
		SchoolYearStart: time.Date(2026, 8, 19, 0, 0, 0, 0, loc),
		SchoolYearEnd:   time.Date(2027, 6, 10, 0, 0, 0, 0, loc),
		Location:        loc,
		Now:             clk,
	})

	a := app.New(app.Deps{
		Alarms:    store.NewAlarmStore(mem),
		Overrides: overrides,
		Calendar:  cal,
		Center:    center,
		Scheduler: scheduler.New(center, overrides, config.DefaultConfig().Notifications, loc, scheduler.WithClock(clk)),
		Cron:      cron.New(cron.WithLocation(loc)),
		Tasks:     &nopTasks{},
		Lookahead: 5,
		Location:  loc,
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, a), a, tc
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestBasicAuth(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "parent", PasswordHash: hash}
	s, _ := newTestServer(t, cfg)

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/enabled", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{"parent", "hunter2", http.StatusOK},
		{"parent", "wrong", http.StatusUnauthorized},
		{"child", "hunter2", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/enabled", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s/%s", tc.user, tc.pass)
	}
}

func TestAlarmEndpoints(t *testing.T) {
	s, a := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/alarm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPut, "/api/alarm", obj{"time": "25:00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, "/api/alarm", obj{"time": "07:00", "label": "School", "snooze_enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[model.Alarm](t, w)
	assert.NotEmpty(t, saved.ID)
	assert.True(t, saved.Enabled)
	assert.Equal(t, model.ClockTime{Hour: 7}, saved.Time)

	// A second PUT keeps the ID.
	w = do(t, s, http.MethodPut, "/api/alarm", obj{"time": "06:45"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, saved.ID, decode[model.Alarm](t, w).ID)

	w = do(t, s, http.MethodPut, "/api/alarm/enabled", obj{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, a.Alarms.Base().Enabled)

	w = do(t, s, http.MethodDelete, "/api/alarm", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodDelete, "/api/alarm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodPut, "/api/alarm/enabled", obj{"enabled": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/rules", obj{"weekday": 2, "action": obj{"kind": "disable"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decode[model.WeeklyRule](t, w)
	assert.Equal(t, model.Tuesday, rule.Weekday)

	w = do(t, s, http.MethodPost, "/api/rules", obj{"weekday": 2, "action": obj{"kind": "custom_time", "time": "08:00"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/api/rules", obj{"weekday": 6, "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/rules", obj{"weekday": 3, "action": obj{"kind": "snooze"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/rules", obj{"weekday": 3, "action": obj{"kind": "custom_time", "time": "07:30"}})
	require.Equal(t, http.StatusCreated, w.Code)
	wed := decode[model.WeeklyRule](t, w)

	// Moving Wednesday's rule onto Tuesday collides.
	w = do(t, s, http.MethodPut, "/api/rules/"+wed.ID, obj{"weekday": 2, "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPut, "/api/rules/"+wed.ID, obj{"weekday": 4, "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPut, "/api/rules/missing", obj{"weekday": 5, "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decode[[]model.WeeklyRule](t, w)
	require.Len(t, rules, 2)
	assert.Equal(t, model.Tuesday, rules[0].Weekday)
	assert.Equal(t, model.Thursday, rules[1].Weekday)

	w = do(t, s, http.MethodDelete, "/api/rules/"+rule.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodDelete, "/api/rules/"+rule.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverrideEndpoints(t *testing.T) {
	s, a := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/overrides", obj{"date": "10/21/2026", "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/overrides", obj{"date": "2026-10-21", "action": obj{"kind": "custom_time", "time": "09:15"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ov := decode[model.DateOverride](t, w)

	w = do(t, s, http.MethodPost, "/api/overrides", obj{"date": "2026-10-21", "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPut, "/api/overrides/"+ov.ID, obj{"date": "2026-10-22", "action": obj{"kind": "disable"}})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := a.Overrides.OverrideForDate(time.Date(2026, 10, 22, 12, 0, 0, 0, a.Location))
	assert.True(t, ok)

	w = do(t, s, http.MethodPut, "/api/overrides/nope", obj{"date": "2026-10-22", "action": obj{"kind": "disable"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/overrides", nil)
	assert.Len(t, decode[[]model.DateOverride](t, w), 1)

	w = do(t, s, http.MethodDelete, "/api/overrides/"+ov.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, a.Overrides.DateOverrides())
}

func TestMasterSwitchAndSchedule(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPut, "/api/alarm", obj{"time": "07:00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/schedule?days=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sched struct {
		Enabled bool          `json:"enabled"`
		Days    []app.DayPlan `json:"days"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sched))
	assert.True(t, sched.Enabled)
	require.Len(t, sched.Days, 3)
	require.NotNil(t, sched.Days[0].Alarm)

	w = do(t, s, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue struct {
		Pending []notify.Request `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Len(t, queue.Pending, 15)

	w = do(t, s, http.MethodPut, "/api/enabled", obj{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":false}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/notifications", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Empty(t, queue.Pending)

	w = do(t, s, http.MethodPut, "/api/enabled", obj{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleICS(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(t, s, http.MethodPut, "/api/alarm", obj{"time": "07:00"})

	w := do(t, s, http.MethodGet, "/api/schedule.ics?days=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/calendar"))
	assert.Equal(t, 2, strings.Count(w.Body.String(), "BEGIN:VEVENT"))
}

func TestNotificationResponses(t *testing.T) {
	s, a, clk := newTestServerWithClock(t, nil)
	do(t, s, http.MethodPut, "/api/alarm", obj{"time": "07:00", "snooze_enabled": true})

	pending, err := a.Center.Pending(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	id := pending[0].ID
	require.Equal(t, "alarm-2026-10-19-0", id)

	// Not delivered yet.
	w := do(t, s, http.MethodPost, "/api/notifications/"+id+"/"+notify.ActionDismiss, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	clk.Set(time.Date(2026, 10, 19, 7, 0, 5, 0, a.Location))
	require.Equal(t, 1, a.Center.DeliverDue(context.Background()))

	w = do(t, s, http.MethodPost, "/api/notifications/"+id+"/explode", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/notifications/unknown/"+notify.ActionDismiss, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/api/notifications/"+id+"/"+notify.ActionSnooze, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	after, err := a.Center.Pending(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, r := range after {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "snooze-2026-10-19")
	assert.NotContains(t, ids, "alarm-2026-10-19-1")
}

func TestCalendarAndLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/calendar/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary calendarResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Len(t, summary.Holidays, 1)
	assert.Equal(t, "No School", summary.Holidays[0].Summary)
	assert.False(t, summary.LastRefresh.IsZero())

	w = do(t, s, http.MethodGet, "/api/calendar", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/lifecycle/foreground", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPost, "/api/lifecycle/background", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPost, "/api/lifecycle/suspend", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type obj = map[string]any
