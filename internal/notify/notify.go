// Package notify is the notification center the scheduler talks to: a
// bounded queue of pending requests that fire at a wall-clock instant, a
// history of delivered ones, and user responses to them.
package notify

import (
	"context"
	"errors"
	"time"
)

// DefaultCeiling is the maximum number of pending requests.
const DefaultCeiling = 64

// CategoryAlarm marks wake-up requests.
const CategoryAlarm = "ALARM"

// Actions a user can take on a delivered request.
const (
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
	ActionOpen    = "open"
)

var (
	ErrCapacity = errors.New("notify: pending queue is full")
	ErrNotFound = errors.New("notify: request not found")
	ErrAction   = errors.New("notify: unknown action")
)

// Request is one scheduled notification.
type Request struct {
	ID       string            `json:"id"`
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Sound    string            `json:"sound"`
	FireAt   time.Time         `json:"fire_at"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// Response is a user interaction with a delivered request.
type Response struct {
	Request Request   `json:"request"`
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
}

// Center schedules and tracks notification requests. Adding a request with
// an existing ID replaces it.
type Center interface {
	Add(ctx context.Context, req Request) error
	Pending(ctx context.Context) ([]Request, error)
	Remove(ctx context.Context, ids ...string) error
	Delivered(ctx context.Context) ([]Request, error)
	RemoveDelivered(ctx context.Context, ids ...string) error
}

// Deliverer presents a fired request to the user.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) error
}

// ResponseHandler reacts to a user response.
type ResponseHandler func(ctx context.Context, resp Response)

func validAction(action string) bool {
	switch action {
	case ActionSnooze, ActionDismiss, ActionOpen:
		return true
	}
	return false
}
