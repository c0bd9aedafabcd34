// Package notify mirrors StatusEvent broadcasts to a Slack channel so
// an operator can follow task lifecycle events without polling the
// status API.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"opensprint/internal/runner"
)

// Events controls which StatusEvent statuses get posted. The zero value
// posts nothing; "in_progress" and any other status not listed here are
// never posted.
type Events struct {
	Admitted  bool
	Blocked   bool
	Closed    bool
	Requeued  bool
	Reattached bool
}

// DefaultEvents posts blocks, closes, requeues and reattaches but skips
// the high-volume "admitted"/"in_progress" chatter.
func DefaultEvents() Events {
	return Events{Blocked: true, Closed: true, Requeued: true, Reattached: true}
}

// SlackNotifier implements runner.StatusNotifier over a bot-token Slack
// client, posting one message per interesting StatusEvent into a fixed
// channel. Construction failures (missing token) are not fatal: Notify
// is a no-op when client is nil, so missing credentials disable the
// integration rather than failing startup.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	events    Events
	onError   func(error)
}

// NewSlackNotifier builds a SlackNotifier posting to channelID using
// botToken. Pass an empty botToken to get a disabled (no-op) notifier,
// e.g. when Slack integration isn't configured for a project.
func NewSlackNotifier(botToken, channelID string, events Events) *SlackNotifier {
	if botToken == "" || channelID == "" {
		return &SlackNotifier{events: events}
	}
	return &SlackNotifier{
		client:    slack.New(botToken),
		channelID: channelID,
		events:    events,
	}
}

// OnError registers a callback invoked with the post error whenever a
// Slack API call fails; NotifyStatus itself never returns an error
// since runner.StatusNotifier is fire-and-forget.
func (s *SlackNotifier) OnError(fn func(error)) {
	s.onError = fn
}

// NotifyStatus implements runner.StatusNotifier.
func (s *SlackNotifier) NotifyStatus(ev runner.StatusEvent) {
	if s.client == nil || !s.wants(ev) {
		return
	}
	text := format(ev)
	_, _, err := s.client.PostMessageContext(context.Background(), s.channelID, slack.MsgOptionText(text, false))
	if err != nil && s.onError != nil {
		s.onError(fmt.Errorf("notify: slack post failed: %w", err))
	}
}

func (s *SlackNotifier) wants(ev runner.StatusEvent) bool {
	switch ev.Status {
	case "admitted":
		return s.events.Admitted
	case "blocked":
		return s.events.Blocked
	case "closed":
		return s.events.Closed
	case "requeued":
		return s.events.Requeued
	case "reattached":
		return s.events.Reattached
	default:
		return false
	}
}

func format(ev runner.StatusEvent) string {
	switch ev.Status {
	case "blocked":
		return fmt.Sprintf(":warning: task `%s` blocked in %s: %s", ev.TaskID, ev.Phase, ev.Detail)
	case "closed":
		return fmt.Sprintf(":white_check_mark: task `%s` merged to main", ev.TaskID)
	case "requeued":
		return fmt.Sprintf(":recycle: task `%s` requeued by recovery: %s", ev.TaskID, ev.Detail)
	case "reattached":
		return fmt.Sprintf(":link: task `%s` reattached to its still-running agent after a restart", ev.TaskID)
	case "admitted":
		return fmt.Sprintf(":rocket: task `%s` admitted into %s", ev.TaskID, ev.Phase)
	default:
		return fmt.Sprintf("task `%s`: %s", ev.TaskID, ev.Status)
	}
}

var _ runner.StatusNotifier = (*SlackNotifier)(nil)
