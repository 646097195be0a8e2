package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Alert is a triggered monitoring condition.
type Alert struct {
	Repository string    `json:"repository"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Alert kinds.
const (
	AlertHealthCritical     = "health-critical"
	AlertHealthWarning      = "health-warning"
	AlertDegradation        = "degradation"
	AlertFailureProbability = "failure-probability"
)

// NotificationSink delivers alerts out of process.
type NotificationSink interface {
	Notify(ctx context.Context, a Alert) error
}

// SlackSink posts alerts to a Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
	log     zerolog.Logger
}

// NewSlackSink creates a sink posting to the given channel.
func NewSlackSink(token, channel string, log zerolog.Logger) *SlackSink {
	return &SlackSink{
		client:  slack.New(token),
		channel: channel,
		log:     log.With().Str("component", "slack_sink").Logger(),
	}
}

func (s *SlackSink) Notify(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: *%s* `%s` — %s", a.Kind, a.Repository, a.Message)
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	s.log.Debug().Str("repository", a.Repository).Str("kind", a.Kind).Msg("alert posted")
	return nil
}

// LogSink is the fallback when no notifier is configured; alerts go to
// the process log at warn level.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates the log-only sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Notify(_ context.Context, a Alert) error {
	s.log.Warn().
		Str("repository", a.Repository).
		Str("kind", a.Kind).
		Str("severity", a.Severity).
		Float64("value", a.Value).
		Msg(a.Message)
	return nil
}
