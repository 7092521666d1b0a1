package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	appLog "schoolalarm/internal/log"
)

// LogDeliverer writes fired requests to the log.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(ctx context.Context, req Request) error {
	appLog.Info("ALARM",
		"id", req.ID,
		"title", req.Title,
		"body", req.Body,
		"sound", req.Sound,
		"fire_at", req.FireAt,
	)
	return nil
}

// SlackClient is the part of *slack.Client the Slack deliverer needs.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackDeliverer posts fired requests to a channel.
type SlackDeliverer struct {
	client  SlackClient
	channel string
}

func NewSlackDeliverer(client SlackClient, channel string) *SlackDeliverer {
	return &SlackDeliverer{client: client, channel: channel}
}

func (s *SlackDeliverer) Deliver(ctx context.Context, req Request) error {
	_, _, err := s.client.PostMessageContext(
		ctx,
		s.channel,
		slack.MsgOptionText(formatMessage(req), false),
		slack.MsgOptionAsUser(false),
	)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	return nil
}

func formatMessage(req Request) string {
	msg := fmt.Sprintf(":alarm_clock: *%s*", req.Title)
	if req.Body != "" {
		msg += "\n" + req.Body
	}
	return msg
}

// MultiDeliverer presents a request through every deliverer and joins
// their errors.
type MultiDeliverer []Deliverer

func (m MultiDeliverer) Deliver(ctx context.Context, req Request) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
