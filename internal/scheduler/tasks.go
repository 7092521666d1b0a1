package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "schoolalarm/internal/log"
)

// Tasks arms the single background refresh task.
type Tasks interface {
	// Arm schedules the task no earlier than at, replacing any armed one.
	Arm(at time.Time)
	Cancel()
	// ArmedAt is zero when nothing is armed.
	ArmedAt() time.Time
}

// once is a cron.Schedule that fires a single time.
type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// CronTasks runs the background task as a one-shot entry on a shared cron.
type CronTasks struct {
	cron *cron.Cron
	job  func()
	now  func() time.Time

	mu    sync.Mutex
	entry cron.EntryID
	at    time.Time
}

func NewCronTasks(c *cron.Cron, job func()) *CronTasks {
	return &CronTasks{cron: c, job: job, now: time.Now}
}

func (t *CronTasks) Arm(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entry != 0 {
		t.cron.Remove(t.entry)
	}
	if earliest := t.now().Add(time.Second); at.Before(earliest) {
		at = earliest
	}
	t.at = at
	t.entry = t.cron.Schedule(once{at: at}, cron.FuncJob(t.fire))
	appLog.Info("background refresh armed", "at", at)
}

func (t *CronTasks) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entry != 0 {
		t.cron.Remove(t.entry)
		appLog.Info("background refresh cancelled")
	}
	t.entry = 0
	t.at = time.Time{}
}

func (t *CronTasks) ArmedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at
}

func (t *CronTasks) fire() {
	t.mu.Lock()
	if t.entry != 0 {
		t.cron.Remove(t.entry)
	}
	t.entry = 0
	t.at = time.Time{}
	t.mu.Unlock()
	t.job()
}

// ArmBackgroundRefresh arms tasks at res.RefreshAt, or cancels when there
// are no upcoming school days. It reports whether a task is armed.
func ArmBackgroundRefresh(tasks Tasks, res Result) bool {
	if res.RefreshAt.IsZero() {
		tasks.Cancel()
		appLog.Info("no upcoming school days; background refresh not armed")
		return false
	}
	tasks.Arm(res.RefreshAt)
	return true
}
