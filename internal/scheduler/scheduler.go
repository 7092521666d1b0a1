// Package scheduler turns the resolved alarm configuration into notification
// requests. Every pass cancels and rebuilds the alarm queue, bounded by the
// notification center's slot capacity.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"schoolalarm/internal/config"
	appLog "schoolalarm/internal/log"
	"schoolalarm/internal/model"
	"schoolalarm/internal/notify"
)

// Payload keys carried by every alarm request.
const (
	PayloadDay        = "day"
	PayloadChainIndex = "chain_index"
	PayloadSound      = "sound"
	PayloadSnooze     = "snooze_enabled"
	PayloadAlarmID    = "alarm_id"
	PayloadLayer      = "layer"
	PayloadSnoozed    = "snoozed"
)

const (
	dayLayout    = "2006-01-02"
	defaultTitle = "Wake up"

	// overrideAlarmID tags requests whose time came from a weekly rule or
	// date override rather than the base alarm.
	overrideAlarmID = "override"
)

// Resolver answers which alarm governs a day. *store.OverrideStore
// implements it.
type Resolver interface {
	Enabled() bool
	EffectiveAlarmTime(date time.Time, base *model.Alarm) (time.Time, bool)
	ActiveLayer(date time.Time) model.AlarmLayer
}

// Result describes one reschedule pass.
type Result struct {
	// Days that received a chain, ascending.
	ScheduledDays []time.Time `json:"scheduled_days"`
	Requests      int         `json:"requests"`
	ArmedSnoozes  int         `json:"armed_snoozes"`
	// RingingLinks are un-fired links of a chain that already started.
	RingingLinks int `json:"ringing_links"`
	MaxDays       int         `json:"max_days"`
	Pending       int         `json:"pending"`

	// RefreshAt is the midpoint school day; zero when there are no
	// upcoming school days.
	RefreshAt time.Time `json:"refresh_at"`
}

// Scheduler owns the alarm-category requests of a notify.Center.
type Scheduler struct {
	center   notify.Center
	resolver Resolver
	cfg      config.NotificationsConfig
	loc      *time.Location
	now      func() time.Time

	// passes run one at a time
	mu   sync.Mutex
	last Result
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(center notify.Center, resolver Resolver, cfg config.NotificationsConfig, loc *time.Location, opts ...Option) *Scheduler {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = notify.DefaultCeiling
	}
	if cfg.ChainSize <= 0 {
		cfg.ChainSize = 1
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		center:   center,
		resolver: resolver,
		cfg:      cfg,
		loc:      loc,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastResult returns the outcome of the most recent pass.
func (s *Scheduler) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// MaxDays is how many days fit in the queue when kept slots are already
// taken by armed snoozes or ringing chains.
func (s *Scheduler) MaxDays(kept int) int {
	free := s.cfg.Ceiling - s.cfg.SafetyMargin - kept
	if free <= 0 {
		return 0
	}
	return free / s.cfg.ChainSize
}

// Reschedule replaces every alarm request with chains for the given school
// days. Armed snoozes and the rest of a chain that already started ringing
// survive. Days resolving to no alarm, or to an instant already past, are
// skipped. Days beyond the capacity are left for a later pass.
func (s *Scheduler) Reschedule(ctx context.Context, base *model.Alarm, schoolDays []time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	days := append([]time.Time(nil), schoolDays...)
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	snoozes, ringing, err := s.cancelAlarms(ctx, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ArmedSnoozes: snoozes,
		RingingLinks: ringing,
		MaxDays:      s.MaxDays(snoozes + ringing),
	}

	if s.resolver.Enabled() {
	schedule:
		for _, day := range days {
			if len(res.ScheduledDays) >= res.MaxDays {
				break
			}
			at, ok := s.resolver.EffectiveAlarmTime(day, base)
			if !ok || !at.After(now) {
				continue
			}
			for _, req := range s.chain(day, at, base) {
				if err := s.center.Add(ctx, req); err != nil {
					appLog.Warn("scheduler: request rejected; stopping pass", "id", req.ID, "err", err)
					break schedule
				}
				res.Requests++
			}
			res.ScheduledDays = append(res.ScheduledDays, model.DayStart(day, s.loc))
		}
	}

	res.RefreshAt = midpoint(res.ScheduledDays, days, s.loc)

	pending, err := s.center.Pending(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending: %w", err)
	}
	res.Pending = len(pending)
	s.last = res

	appLog.Info("reschedule complete",
		"enabled", s.resolver.Enabled(),
		"school_days", len(days),
		"scheduled_days", len(res.ScheduledDays),
		"requests", res.Requests,
		"armed_snoozes", res.ArmedSnoozes,
		"ringing_links", res.RingingLinks,
		"pending", res.Pending,
	)
	return res, nil
}

// cancelAlarms removes alarm requests except snoozes still in the future
// and the remaining links of a chain that is ringing. It returns how many of
// each were kept.
func (s *Scheduler) cancelAlarms(ctx context.Context, now time.Time) (snoozes, ringing int, err error) {
	pending, err := s.center.Pending(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending: %w", err)
	}

	var remove []string
	for _, r := range pending {
		if r.Category != notify.CategoryAlarm {
			continue
		}
		switch {
		case isSnooze(r):
			if r.FireAt.After(now) {
				snoozes++
				continue
			}
		case s.ringing(r, now):
			ringing++
			continue
		}
		remove = append(remove, r.ID)
	}
	if err := s.center.Remove(ctx, remove...); err != nil {
		return 0, 0, fmt.Errorf("cancel alarms: %w", err)
	}
	return snoozes, ringing, nil
}

// ringing reports whether r belongs to a chain whose first link is due and
// whose last link is still ahead.
func (s *Scheduler) ringing(r notify.Request, now time.Time) bool {
	idx, err := strconv.Atoi(r.Payload[PayloadChainIndex])
	if err != nil || idx < 0 {
		return false
	}
	start := r.FireAt.Add(-time.Duration(idx) * s.cfg.ChainInterval)
	last := start.Add(time.Duration(s.cfg.ChainSize-1) * s.cfg.ChainInterval)
	return !start.After(now) && last.After(now)
}

func (s *Scheduler) chain(day, at time.Time, base *model.Alarm) []notify.Request {
	dayKey := model.DayStart(day, s.loc).Format(dayLayout)
	layer := s.resolver.ActiveLayer(day)

	alarmID := overrideAlarmID
	if layer == model.LayerBase && base != nil {
		alarmID = base.ID
	}
	snooze := base != nil && base.SnoozeEnabled

	title := defaultTitle
	if base != nil && base.Label != "" {
		title = base.Label
	}

	reqs := make([]notify.Request, 0, s.cfg.ChainSize)
	for i := 0; i < s.cfg.ChainSize; i++ {
		reqs = append(reqs, notify.Request{
			ID:       chainRequestID(dayKey, i),
			Category: notify.CategoryAlarm,
			Title:    title,
			Body:     fmt.Sprintf("%s alarm (%s)", at.In(s.loc).Format("15:04"), layer),
			Sound:    base.SoundOrDefault(),
			FireAt:   at.Add(time.Duration(i) * s.cfg.ChainInterval),
			Payload: map[string]string{
				PayloadDay:        dayKey,
				PayloadChainIndex: strconv.Itoa(i),
				PayloadSound:      base.SoundOrDefault(),
				PayloadSnooze:     strconv.FormatBool(snooze),
				PayloadAlarmID:    alarmID,
				PayloadLayer:      string(layer),
			},
		})
	}
	return reqs
}

// HandleResponse reacts to an interaction with a delivered alarm: the rest
// of its chain is cancelled, and a snooze (when permitted) arms a single
// request after the snooze delay carrying the payload forward.
func (s *Scheduler) HandleResponse(ctx context.Context, resp notify.Response) error {
	req := resp.Request
	if req.Category != notify.CategoryAlarm {
		return nil
	}
	day := req.Payload[PayloadDay]

	if err := s.cancelChain(ctx, day); err != nil {
		return err
	}

	if resp.Action != notify.ActionSnooze {
		return nil
	}
	if req.Payload[PayloadSnooze] != "true" {
		appLog.Info("snooze ignored; not permitted for this alarm", "day", day)
		return nil
	}

	at := resp.At
	if at.IsZero() {
		at = s.now()
	}
	payload := make(map[string]string, len(req.Payload)+1)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload[PayloadSnoozed] = "true"
	payload[PayloadChainIndex] = "0"

	snooze := notify.Request{
		ID:       snoozeRequestID(day),
		Category: notify.CategoryAlarm,
		Title:    req.Title,
		Body:     "Snoozed",
		Sound:    req.Sound,
		FireAt:   at.Add(s.cfg.SnoozeDelay),
		Payload:  payload,
	}
	if err := s.center.Add(ctx, snooze); err != nil {
		return fmt.Errorf("arm snooze: %w", err)
	}
	appLog.Info("snooze armed", "day", day, "fire_at", snooze.FireAt)
	return nil
}

// cancelChain drops the pending and delivered requests of day's chain.
// A pending snooze for the day is dropped too.
func (s *Scheduler) cancelChain(ctx context.Context, day string) error {
	if day == "" {
		return nil
	}

	pending, err := s.center.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	delivered, err := s.center.Delivered(ctx)
	if err != nil {
		return fmt.Errorf("list delivered: %w", err)
	}

	if err := s.center.Remove(ctx, chainIDs(pending, day)...); err != nil {
		return fmt.Errorf("cancel chain: %w", err)
	}
	if err := s.center.RemoveDelivered(ctx, chainIDs(delivered, day)...); err != nil {
		return fmt.Errorf("clear delivered chain: %w", err)
	}
	return nil
}

func chainIDs(reqs []notify.Request, day string) []string {
	var ids []string
	for _, r := range reqs {
		if r.Category == notify.CategoryAlarm && r.Payload[PayloadDay] == day {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func isSnooze(r notify.Request) bool {
	return r.Payload[PayloadSnoozed] == "true"
}

func chainRequestID(day string, index int) string {
	return fmt.Sprintf("alarm-%s-%d", day, index)
}

func snoozeRequestID(day string) string {
	return "snooze-" + day
}

// midpoint picks the middle scheduled day, or the middle school day when
// nothing was scheduled. It is zero when there are no school days.
func midpoint(scheduled, schoolDays []time.Time, loc *time.Location) time.Time {
	days := scheduled
	if len(days) == 0 {
		days = schoolDays
	}
	if len(days) == 0 {
		return time.Time{}
	}
	return model.DayStart(days[len(days)/2], loc)
}
