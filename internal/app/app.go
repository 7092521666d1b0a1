// Package app wires the stores, the calendar and the notification scheduler
// together and reschedules on every trigger: configuration edits, calendar
// refreshes, lifecycle transitions, notification responses and the
// background refresh task.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"

	"schoolalarm/internal/calendar"
	"schoolalarm/internal/ics"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
	"schoolalarm/internal/notify"
	"schoolalarm/internal/scheduler"
	"schoolalarm/internal/store"
)

const defaultLookahead = 60

// Deps are the collaborators of an App.
type Deps struct {
	Alarms    *store.AlarmStore
	Overrides *store.OverrideStore
	Calendar  *calendar.Service
	Center    *notify.LocalCenter
	Scheduler *scheduler.Scheduler

	// Cron runs the calendar staleness job and the background task.
	Cron *cron.Cron
	// Tasks defaults to a scheduler.CronTasks on Cron.
	Tasks scheduler.Tasks

	// RefreshSpec is the cron spec of the staleness job. Empty disables it.
	RefreshSpec string
	// Lookahead is how many upcoming school days a pass considers.
	Lookahead int
	Location  *time.Location
}

type App struct {
	Deps
}

// DayPlan is the resolved alarm of one upcoming school day.
type DayPlan struct {
	Date   time.Time        `json:"date"`
	Alarm  *time.Time       `json:"alarm,omitempty"`
	Layer  model.AlarmLayer `json:"layer"`
	Action string           `json:"action,omitempty"`
}

func New(d Deps) *App {
	if d.Lookahead <= 0 {
		d.Lookahead = defaultLookahead
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Cron == nil {
		d.Cron = cron.New(cron.WithLocation(d.Location))
	}
	a := &App{Deps: d}
	if a.Tasks == nil {
		a.Tasks = scheduler.NewCronTasks(a.Cron, a.onBackgroundTask)
	}

	a.Alarms.Subscribe(func() { a.trigger("alarm changed") })
	a.Overrides.Subscribe(func() { a.trigger("overrides changed") })
	a.Calendar.Subscribe(func() { a.trigger("calendar refreshed") })
	a.Center.SetResponseHandler(a.onResponse)
	return a
}

// Start loads persisted state, starts the cron, refreshes a stale calendar
// and runs a background pass. The daemon has no foreground UI, so startup
// counts as entering the background and arms the refresh task.
func (a *App) Start(ctx context.Context) error {
	if err := a.Load(ctx); err != nil {
		return err
	}

	if a.RefreshSpec != "" {
		if _, err := a.Cron.AddFunc(a.RefreshSpec, a.onStalenessCheck); err != nil {
			return fmt.Errorf("schedule calendar refresh %q: %w", a.RefreshSpec, err)
		}
	}
	a.Cron.Start()

	if _, err := a.Calendar.RefreshIfStale(ctx); err != nil {
		appLog.Warn("startup calendar refresh failed", "err", err)
	}
	_, err := a.Background(ctx)
	return err
}

// Load reads the persisted stores and the notification queue.
func (a *App) Load(ctx context.Context) error {
	if err := a.Alarms.Load(ctx); err != nil {
		return fmt.Errorf("load alarms: %w", err)
	}
	if err := a.Overrides.Load(ctx); err != nil {
		// The purge failed to persist; state in memory is still correct.
		appLog.Error("persist override purge failed", err)
	}
	if err := a.Calendar.Load(ctx); err != nil {
		return fmt.Errorf("load calendar: %w", err)
	}
	if err := a.Center.Load(ctx); err != nil {
		return fmt.Errorf("load notification queue: %w", err)
	}
	return nil
}

// Stop halts the cron and waits for running jobs.
func (a *App) Stop() {
	<-a.Cron.Stop().Done()
}

// Reschedule runs a full pass over the upcoming school days.
func (a *App) Reschedule(ctx context.Context) (scheduler.Result, error) {
	days := a.Calendar.UpcomingSchoolDays(a.Lookahead)
	return a.Scheduler.Reschedule(ctx, a.Alarms.Base(), days)
}

// Foreground refreshes a stale calendar and reschedules. A failed refresh
// is logged and the cached calendar is used.
func (a *App) Foreground(ctx context.Context) (scheduler.Result, error) {
	if _, err := a.Calendar.RefreshIfStale(ctx); err != nil {
		appLog.Warn("foreground calendar refresh failed", "err", err)
	}
	return a.Reschedule(ctx)
}

// Background reschedules and arms the background refresh task at the
// midpoint of the scheduled days.
func (a *App) Background(ctx context.Context) (scheduler.Result, error) {
	res, err := a.Reschedule(ctx)
	if err != nil {
		return res, err
	}
	scheduler.ArmBackgroundRefresh(a.Tasks, res)
	return res, nil
}

func (a *App) trigger(reason string) {
	appLog.Debug("reschedule triggered", "reason", reason)
	if _, err := a.Reschedule(context.Background()); err != nil {
		appLog.Error("reschedule failed", err, "reason", reason)
	}
}

func (a *App) onResponse(ctx context.Context, resp notify.Response) {
	if err := a.Scheduler.HandleResponse(ctx, resp); err != nil {
		appLog.Error("handle notification response failed", err, "id", resp.Request.ID)
	}
	a.trigger("notification " + resp.Action)
}

func (a *App) onBackgroundTask() {
	ctx := context.Background()
	appLog.Info("background refresh task fired")
	if _, err := a.Calendar.RefreshIfStale(ctx); err != nil {
		appLog.Warn("background calendar refresh failed", "err", err)
	}
	if _, err := a.Background(ctx); err != nil {
		appLog.Error("background reschedule failed", err)
	}
}

// onStalenessCheck reschedules and re-arms the refresh task whether or not
// the feed could be fetched.
func (a *App) onStalenessCheck() {
	ctx := context.Background()
	refreshed, err := a.Calendar.RefreshIfStale(ctx)
	switch {
	case err != nil:
		appLog.Warn("scheduled calendar refresh failed", "err", err)
	case refreshed:
		appLog.Info("scheduled calendar refresh complete")
	}
	if _, err := a.Background(ctx); err != nil {
		appLog.Error("scheduled reschedule failed", err)
	}
}

// Preview resolves the alarm of each of the next n school days.
func (a *App) Preview(n int) []DayPlan {
	base := a.Alarms.Base()
	days := a.Calendar.UpcomingSchoolDays(n)

	plans := make([]DayPlan, 0, len(days))
	for _, d := range days {
		p := DayPlan{Date: d, Layer: a.Overrides.ActiveLayer(d)}
		if action, ok := a.Overrides.EffectiveAction(d); ok {
			p.Action = action.String()
		}
		if t, ok := a.Overrides.EffectiveAlarmTime(d, base); ok {
			p.Alarm = &t
		}
		plans = append(plans, p)
	}
	return plans
}

// ExportICS writes the next n resolved alarms as an iCalendar document.
func (a *App) ExportICS(w io.Writer, n int) error {
	var entries []ics.ScheduleEntry
	for _, p := range a.Preview(n) {
		if p.Alarm == nil {
			continue
		}
		entries = append(entries, ics.ScheduleEntry{
			UID:         "schoolalarm-" + p.Date.Format("20060102"),
			Start:       *p.Alarm,
			Summary:     "Wake up",
			Description: fmt.Sprintf("Alarm at %s (%s)", p.Alarm.In(a.Location).Format("15:04"), p.Layer),
		})
	}
	return ics.EncodeSchedule(w, entries, time.Now())
}
