package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"schoolalarm/internal/kv"
	appLog "schoolalarm/internal/log"
)

// KeyQueue is the persisted key of the pending and delivered queues.
const KeyQueue = "notificationQueue"

const (
	defaultHistory = 64
	idleWait       = time.Hour
)

type queueState struct {
	Pending   []Request `json:"pending"`
	Delivered []Request `json:"delivered"`
}

// LocalCenter is an in-process Center backed by a kv.Store. Run fires due
// requests through a Deliverer.
type LocalCenter struct {
	kv        kv.Store
	deliverer Deliverer
	ceiling   int
	history   int
	now       func() time.Time

	mu        sync.Mutex
	pending   map[string]Request
	delivered []Request
	handler   ResponseHandler

	changed chan struct{}
}

// CenterOption configures a LocalCenter.
type CenterOption func(*LocalCenter)

// WithCeiling sets the pending-request limit.
func WithCeiling(n int) CenterOption {
	return func(c *LocalCenter) {
		if n > 0 {
			c.ceiling = n
		}
	}
}

// WithHistory caps the delivered list.
func WithHistory(n int) CenterOption {
	return func(c *LocalCenter) {
		if n > 0 {
			c.history = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CenterOption {
	return func(c *LocalCenter) { c.now = now }
}

func NewLocalCenter(s kv.Store, d Deliverer, opts ...CenterOption) *LocalCenter {
	if d == nil {
		d = LogDeliverer{}
	}
	c := &LocalCenter{
		kv:        s,
		deliverer: d,
		ceiling:   DefaultCeiling,
		history:   defaultHistory,
		now:       time.Now,
		pending:   map[string]Request{},
		changed:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores the queues. Unreadable state starts empty.
func (c *LocalCenter) Load(ctx context.Context) error {
	var st queueState
	if err := kv.GetJSON(ctx, c.kv, KeyQueue, &st); err != nil && !errors.Is(err, kv.ErrNotFound) {
		appLog.Warn("notify: stored queue unreadable; starting empty", "err", err)
		st = queueState{}
	}

	c.mu.Lock()
	c.pending = make(map[string]Request, len(st.Pending))
	for _, r := range st.Pending {
		c.pending[r.ID] = r
	}
	c.delivered = st.Delivered
	c.mu.Unlock()

	appLog.Info("notification queue loaded", "pending", len(st.Pending), "delivered", len(st.Delivered))
	c.signal()
	return nil
}

// SetResponseHandler installs the callback used by Respond.
func (c *LocalCenter) SetResponseHandler(h ResponseHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *LocalCenter) Add(ctx context.Context, req Request) error {
	if req.ID == "" {
		return errors.New("notify: request without id")
	}

	c.mu.Lock()
	if _, replace := c.pending[req.ID]; !replace && len(c.pending) >= c.ceiling {
		c.mu.Unlock()
		return ErrCapacity
	}
	c.pending[req.ID] = req
	st := c.stateLocked()
	c.mu.Unlock()

	c.persist(ctx, st)
	c.signal()
	return nil
}

// Pending returns the pending requests ordered by fire time.
func (c *LocalCenter) Pending(ctx context.Context) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked(), nil
}

func (c *LocalCenter) Remove(ctx context.Context, ids ...string) error {
	c.mu.Lock()
	removed := 0
	for _, id := range ids {
		if _, ok := c.pending[id]; ok {
			delete(c.pending, id)
			removed++
		}
	}
	if removed == 0 {
		c.mu.Unlock()
		return nil
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.persist(ctx, st)
	c.signal()
	return nil
}

// Delivered returns delivered requests, oldest first.
func (c *LocalCenter) Delivered(ctx context.Context) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.delivered...), nil
}

func (c *LocalCenter) RemoveDelivered(ctx context.Context, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	c.mu.Lock()
	kept := c.delivered[:0]
	for _, r := range c.delivered {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	changed := len(kept) != len(c.delivered)
	c.delivered = kept
	st := c.stateLocked()
	c.mu.Unlock()

	if changed {
		c.persist(ctx, st)
	}
	return nil
}

// Respond records a user action on a delivered request and hands it to the
// response handler. Requests that have not fired yet are ErrNotFound.
func (c *LocalCenter) Respond(ctx context.Context, id, action string) error {
	if !validAction(action) {
		return ErrAction
	}

	c.mu.Lock()
	req, ok := c.deliveredLocked(id)
	h := c.handler
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	appLog.Info("notification response", "id", id, "action", action)
	if h != nil {
		h(ctx, Response{Request: req, Action: action, At: c.now()})
	}
	return nil
}

// Run delivers requests as they come due until ctx is done. The loop sleeps
// until the earliest fire time and wakes early when the queue changes.
func (c *LocalCenter) Run(ctx context.Context) error {
	appLog.Info("notification center starting", "ceiling", c.ceiling)
	for {
		c.DeliverDue(ctx)

		wait := idleWait
		if next, ok := c.nextFireAt(); ok {
			wait = next.Sub(c.now())
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			appLog.Info("notification center stopped")
			return ctx.Err()
		}
	}
}

// DeliverDue moves every pending request whose fire time has passed to the
// delivered list and presents it. It returns the number delivered.
func (c *LocalCenter) DeliverDue(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var due []Request
	for _, r := range c.pendingLocked() {
		if r.FireAt.After(now) {
			break
		}
		due = append(due, r)
		delete(c.pending, r.ID)
	}
	if len(due) == 0 {
		c.mu.Unlock()
		return 0
	}
	c.delivered = append(c.delivered, due...)
	if over := len(c.delivered) - c.history; over > 0 {
		c.delivered = append([]Request(nil), c.delivered[over:]...)
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.persist(ctx, st)

	for _, r := range due {
		if err := c.deliverer.Deliver(ctx, r); err != nil {
			appLog.Error("notification delivery failed", err, "id", r.ID)
		}
	}
	return len(due)
}

func (c *LocalCenter) nextFireAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pendingLocked()
	if len(p) == 0 {
		return time.Time{}, false
	}
	return p[0].FireAt, true
}

func (c *LocalCenter) deliveredLocked(id string) (Request, bool) {
	for i := len(c.delivered) - 1; i >= 0; i-- {
		if c.delivered[i].ID == id {
			return c.delivered[i], true
		}
	}
	return Request{}, false
}

func (c *LocalCenter) pendingLocked() []Request {
	out := make([]Request, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (c *LocalCenter) stateLocked() queueState {
	return queueState{
		Pending:   c.pendingLocked(),
		Delivered: append([]Request(nil), c.delivered...),
	}
}

func (c *LocalCenter) persist(ctx context.Context, st queueState) {
	if err := kv.SetJSON(ctx, c.kv, KeyQueue, st); err != nil {
		appLog.Error("notify: persist queue failed", err)
	}
}

// signal wakes Run without blocking.
func (c *LocalCenter) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
