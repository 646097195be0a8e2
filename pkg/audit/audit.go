// Package audit records the append-only trail of security-relevant and
// lifecycle events. Entries are immutable once written; detail fields
// carrying secrets are redacted before they reach storage.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actions recorded by the control plane. The set may grow; removing or
// renaming an action breaks historical queries.
const (
	ActionWebhookAccepted         = "webhook_accepted"
	ActionWebhookRejected         = "webhook_rejected"
	ActionWebhookSignatureInvalid = "webhook_signature_invalid"
	ActionDeploymentStarted       = "deployment_started"
	ActionDeploymentStateChanged  = "deployment_state_changed"
	ActionDeploymentCompleted     = "deployment_completed"
	ActionDeploymentFailed        = "deployment_failed"
	ActionRollbackInitiated       = "rollback_initiated"
	ActionRollbackCompleted       = "rollback_completed"
	ActionManualTrigger           = "manual_trigger"
	ActionConfigReadSensitive     = "config_read_sensitive"
)

// Event is one audit entry.
type Event struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Actor     string         `json:"actor" db:"actor"`
	Action    string         `json:"action" db:"action"`
	Resource  string         `json:"resource" db:"resource"`
	Result    string         `json:"result" db:"result"`
	Details   map[string]any `json:"details,omitempty" db:"-"`
}

// Filter narrows an audit query. Zero values match everything.
type Filter struct {
	Actor        string
	Action       string
	ResourceKind string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Matches reports whether the event passes the filter (time bounds are
// half-open: From inclusive, To exclusive).
func (f Filter) Matches(ev Event) bool {
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.ResourceKind != "" && !strings.HasPrefix(ev.Resource, f.ResourceKind) {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Sink is the persistence capability the logger writes through.
type Sink interface {
	AppendAudit(ctx context.Context, ev Event) error
	QueryAudit(ctx context.Context, f Filter) ([]Event, error)
}

// Logger assigns identity to events, redacts secrets, and appends them
// durably through the sink.
type Logger struct {
	sink Sink
	log  zerolog.Logger
}

// NewLogger creates an audit logger over the given sink.
func NewLogger(sink Sink, log zerolog.Logger) *Logger {
	return &Logger{
		sink: sink,
		log:  log.With().Str("component", "audit").Logger(),
	}
}

// Record assigns an id and timestamp, redacts the details, and appends
// the event. Append failures are logged and returned; they never panic.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Details = Redact(ev.Details)

	if err := l.sink.AppendAudit(ctx, ev); err != nil {
		l.log.Error().Err(err).Str("action", ev.Action).Msg("audit append failed")
		return err
	}
	l.log.Info().
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("resource", ev.Resource).
		Str("result", ev.Result).
		Msg("audit")
	return nil
}

// Query returns matching events, newest last, honoring limit/offset.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Event, error) {
	return l.sink.QueryAudit(ctx, f)
}

var secretKeywords = []string{"password", "secret", "token", "key"}

// Redact returns a copy of details with values of secret-named fields
// replaced. Matching is case-insensitive on key substrings. Nested maps
// are redacted recursively.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range secretKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
