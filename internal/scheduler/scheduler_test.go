package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolalarm/internal/config"
	"schoolalarm/internal/kv"
	"schoolalarm/internal/model"
	"schoolalarm/internal/notify"
	"schoolalarm/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	ctx       context.Context
	loc       *time.Location
	clock     *clock
	center    *notify.LocalCenter
	overrides *store.OverrideStore
	sched     *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// Monday 2026-10-19, 09:00: today's 07:00 alarm has already passed.
	clk := &clock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, loc)}
	ctx := context.Background()
	mem := kv.NewMemory()

	center := notify.NewLocalCenter(mem, &notify.LogDeliverer{}, notify.WithClock(clk.Now))
	overrides := store.NewOverrideStore(mem, loc, store.WithClock(clk.Now))
	require.NoError(t, overrides.Load(ctx))

	cfg := config.DefaultConfig().Notifications
	sched := New(center, overrides, cfg, loc, WithClock(clk.Now))

	return &fixture{ctx: ctx, loc: loc, clock: clk, center: center, overrides: overrides, sched: sched}
}

// weekdays returns n consecutive weekdays starting at from.
func weekdays(from time.Time, n int) []time.Time {
	var out []time.Time
	for d := from; len(out) < n; d = d.AddDate(0, 0, 1) {
		if model.WeekdayOf(d).IsSchoolWeekday() {
			out = append(out, d)
		}
	}
	return out
}

func base() *model.Alarm {
	return &model.Alarm{ID: "base-1", Time: model.ClockTime{Hour: 7}, Label: "School", Enabled: true, SnoozeEnabled: true, Sound: "chimes"}
}

func (f *fixture) day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, f.loc)
}

func TestReschedule_Chains(t *testing.T) {
	f := newFixture(t)
	days := []time.Time{f.day(10, 20), f.day(10, 19), f.day(10, 21)}

	res, err := f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)

	// 10-19 07:00 is in the past.
	assert.Equal(t, []time.Time{f.day(10, 20), f.day(10, 21)}, res.ScheduledDays)
	assert.Equal(t, 6, res.Requests)
	assert.Equal(t, 6, res.Pending)
	assert.Equal(t, 20, res.MaxDays)

	pending, _ := f.center.Pending(f.ctx)
	first := pending[0]
	assert.Equal(t, "alarm-2026-10-20-0", first.ID)
	assert.Equal(t, time.Date(2026, 10, 20, 7, 0, 0, 0, f.loc), first.FireAt)
	assert.Equal(t, "chimes", first.Sound)
	assert.Equal(t, map[string]string{
		PayloadDay:        "2026-10-20",
		PayloadChainIndex: "0",
		PayloadSound:      "chimes",
		PayloadSnooze:     "true",
		PayloadAlarmID:    "base-1",
		PayloadLayer:      "base",
	}, first.Payload)

	assert.Equal(t, first.FireAt.Add(30*time.Second), pending[1].FireAt)
	assert.Equal(t, first.FireAt.Add(time.Minute), pending[2].FireAt)
	assert.Equal(t, "2", pending[2].Payload[PayloadChainIndex])
}

func TestReschedule_SkipsDaysWithoutAlarm(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.overrides.AddDateOverride(f.ctx, model.DateOverride{Date: f.day(10, 21), Action: model.Disable()})
	require.NoError(t, err)
	_, _, err = f.overrides.AddWeeklyRule(f.ctx, model.WeeklyRule{Weekday: model.Thursday, Action: model.CustomTime(model.ClockTime{Hour: 6, Minute: 15})})
	require.NoError(t, err)

	res, err := f.sched.Reschedule(f.ctx, base(), []time.Time{f.day(10, 20), f.day(10, 21), f.day(10, 22)})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{f.day(10, 20), f.day(10, 22)}, res.ScheduledDays)

	pending, _ := f.center.Pending(f.ctx)
	require.Len(t, pending, 6)
	thursday := pending[3]
	assert.Equal(t, time.Date(2026, 10, 22, 6, 15, 0, 0, f.loc), thursday.FireAt)
	assert.Equal(t, "weekly", thursday.Payload[PayloadLayer])
	assert.Equal(t, "override", thursday.Payload[PayloadAlarmID])
}

func TestReschedule_NoBaseAlarm(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.overrides.AddWeeklyRule(f.ctx, model.WeeklyRule{Weekday: model.Monday, Action: model.CustomTime(model.ClockTime{Hour: 6, Minute: 30})})
	require.NoError(t, err)

	res, err := f.sched.Reschedule(f.ctx, nil, weekdays(f.day(10, 20), 10))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{f.day(10, 26), f.day(11, 2)}, res.ScheduledDays)

	pending, _ := f.center.Pending(f.ctx)
	assert.Equal(t, model.DefaultSound, pending[0].Sound)
	assert.Equal(t, "false", pending[0].Payload[PayloadSnooze])
}

func TestReschedule_Capacity(t *testing.T) {
	f := newFixture(t)
	days := weekdays(f.day(10, 20), 30)

	res, err := f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)

	// (64 - 4) / 3 = 20 days.
	assert.Equal(t, 20, res.MaxDays)
	assert.Equal(t, days[:20], res.ScheduledDays)
	assert.Equal(t, 60, res.Pending)

	pending, _ := f.center.Pending(f.ctx)
	last := pending[len(pending)-1]
	assert.Equal(t, days[19].Format("2006-01-02"), last.Payload[PayloadDay])
	assert.Equal(t, days[10], res.RefreshAt)

	// Once the first week has passed, the next pass picks up later days.
	f.clock.now = days[5].Add(12 * time.Hour)
	res, err = f.sched.Reschedule(f.ctx, base(), days[5:])
	require.NoError(t, err)
	assert.Equal(t, days[6:26], res.ScheduledDays)
	assert.Equal(t, 60, res.Pending)
}

func TestReschedule_MasterSwitchOff(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Reschedule(f.ctx, base(), weekdays(f.day(10, 20), 5))
	require.NoError(t, err)

	require.NoError(t, f.overrides.SetEnabled(f.ctx, false))
	res, err := f.sched.Reschedule(f.ctx, base(), weekdays(f.day(10, 20), 5))
	require.NoError(t, err)
	assert.Empty(t, res.ScheduledDays)
	assert.Equal(t, 0, res.Pending)
	assert.False(t, res.RefreshAt.IsZero(), "school days remain so refresh is still armed")
}

func TestReschedule_LeavesOtherCategories(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.center.Add(f.ctx, notify.Request{ID: "reminder", Category: "REMINDER", FireAt: f.day(10, 30)}))

	res, err := f.sched.Reschedule(f.ctx, base(), []time.Time{f.day(10, 20)})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pending)
}

func TestReschedule_NoSchoolDays(t *testing.T) {
	f := newFixture(t)
	res, err := f.sched.Reschedule(f.ctx, base(), nil)
	require.NoError(t, err)
	assert.True(t, res.RefreshAt.IsZero())
	assert.Equal(t, res, f.sched.LastResult())
}

func TestHandleResponse_DismissCancelsChain(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Reschedule(f.ctx, base(), []time.Time{f.day(10, 20), f.day(10, 21)})
	require.NoError(t, err)

	f.clock.now = time.Date(2026, 10, 20, 7, 0, 5, 0, f.loc)
	require.Equal(t, 1, f.center.DeliverDue(f.ctx))
	delivered, _ := f.center.Delivered(f.ctx)

	require.NoError(t, f.sched.HandleResponse(f.ctx, notify.Response{Request: delivered[0], Action: notify.ActionDismiss, At: f.clock.now}))

	pending, _ := f.center.Pending(f.ctx)
	require.Len(t, pending, 3)
	for _, r := range pending {
		assert.Equal(t, "2026-10-21", r.Payload[PayloadDay])
	}
	delivered, _ = f.center.Delivered(f.ctx)
	assert.Empty(t, delivered)
}

func TestReschedule_KeepsRingingChain(t *testing.T) {
	f := newFixture(t)
	days := []time.Time{f.day(10, 20), f.day(10, 21)}
	_, err := f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)

	f.clock.now = time.Date(2026, 10, 20, 7, 0, 10, 0, f.loc)
	require.Equal(t, 1, f.center.DeliverDue(f.ctx))

	// A pass while the first link rings keeps the rest of the chain.
	res, err := f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RingingLinks)
	assert.Equal(t, 19, res.MaxDays)
	assert.Equal(t, []time.Time{f.day(10, 21)}, res.ScheduledDays)

	pending, _ := f.center.Pending(f.ctx)
	require.Len(t, pending, 5)
	assert.Equal(t, "alarm-2026-10-20-1", pending[0].ID)
	assert.Equal(t, "alarm-2026-10-20-2", pending[1].ID)

	// Once dismissed, later passes do not bring the day back.
	delivered, _ := f.center.Delivered(f.ctx)
	require.NoError(t, f.sched.HandleResponse(f.ctx, notify.Response{Request: delivered[0], Action: notify.ActionDismiss, At: f.clock.now}))
	res, err = f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)
	assert.Zero(t, res.RingingLinks)

	pending, _ = f.center.Pending(f.ctx)
	require.Len(t, pending, 3)
	for _, r := range pending {
		assert.Equal(t, "2026-10-21", r.Payload[PayloadDay])
	}
}

func TestHandleResponse_SnoozeSurvivesReschedule(t *testing.T) {
	f := newFixture(t)
	days := weekdays(f.day(10, 20), 30)
	_, err := f.sched.Reschedule(f.ctx, base(), days)
	require.NoError(t, err)

	tapped := time.Date(2026, 10, 20, 7, 0, 40, 0, f.loc)
	f.clock.now = tapped
	require.Equal(t, 2, f.center.DeliverDue(f.ctx))
	delivered, _ := f.center.Delivered(f.ctx)

	require.NoError(t, f.sched.HandleResponse(f.ctx, notify.Response{Request: delivered[1], Action: notify.ActionSnooze, At: tapped}))

	pending, _ := f.center.Pending(f.ctx)
	snooze := pending[0]
	assert.Equal(t, "snooze-2026-10-20", snooze.ID)
	assert.Equal(t, tapped.Add(9*time.Minute), snooze.FireAt)
	assert.Equal(t, "true", snooze.Payload[PayloadSnoozed])
	assert.Equal(t, "true", snooze.Payload[PayloadSnooze])
	assert.Equal(t, "base-1", snooze.Payload[PayloadAlarmID])

	// An unrelated edit triggers a full pass; the snooze is kept and takes
	// one slot from the queue.
	_, _, err = f.overrides.AddWeeklyRule(f.ctx, model.WeeklyRule{Weekday: model.Friday, Action: model.Disable()})
	require.NoError(t, err)
	res, err := f.sched.Reschedule(f.ctx, base(), days[1:])
	require.NoError(t, err)
	assert.Equal(t, 1, res.ArmedSnoozes)
	assert.Equal(t, 19, res.MaxDays)

	pending, _ = f.center.Pending(f.ctx)
	assert.Equal(t, "snooze-2026-10-20", pending[0].ID)
	assert.LessOrEqual(t, len(pending), 60)

	// Snoozing the snooze re-arms it from the new interaction.
	f.clock.now = snooze.FireAt.Add(time.Second)
	require.Equal(t, 1, f.center.DeliverDue(f.ctx))
	require.NoError(t, f.sched.HandleResponse(f.ctx, notify.Response{Request: snooze, Action: notify.ActionSnooze, At: f.clock.now}))
	pending, _ = f.center.Pending(f.ctx)
	assert.Equal(t, f.clock.now.Add(9*time.Minute), pending[0].FireAt)
}

func TestHandleResponse_SnoozeNotPermitted(t *testing.T) {
	f := newFixture(t)
	b := base()
	b.SnoozeEnabled = false
	_, err := f.sched.Reschedule(f.ctx, b, []time.Time{f.day(10, 20)})
	require.NoError(t, err)

	f.clock.now = time.Date(2026, 10, 20, 7, 0, 0, 0, f.loc)
	f.center.DeliverDue(f.ctx)
	delivered, _ := f.center.Delivered(f.ctx)
	require.Len(t, delivered, 1)

	require.NoError(t, f.sched.HandleResponse(f.ctx, notify.Response{Request: delivered[0], Action: notify.ActionSnooze, At: f.clock.now}))
	pending, _ := f.center.Pending(f.ctx)
	assert.Empty(t, pending)
}

func TestMaxDays(t *testing.T) {
	s := New(nil, nil, config.NotificationsConfig{Ceiling: 64, SafetyMargin: 4, ChainSize: 3}, time.UTC)
	assert.Equal(t, 20, s.MaxDays(0))
	assert.Equal(t, 19, s.MaxDays(1))
	assert.Equal(t, 19, s.MaxDays(3))
	assert.Equal(t, 0, s.MaxDays(100))
}
