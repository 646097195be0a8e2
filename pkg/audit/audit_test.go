package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitops-sentinel/pkg/logger"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *memorySink) AppendAudit(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) QueryAudit(_ context.Context, f Filter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func TestRecordAssignsIdentityAndRedacts(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink, logger.Nop())

	err := l.Record(context.Background(), Event{
		Actor:    "octocat",
		Action:   ActionWebhookAccepted,
		Resource: "deployment/abc",
		Result:   "success",
		Details: map[string]any{
			"branch":        "main",
			"webhook_token": "tok_12345",
			"ApiKey":        "k",
			"nested":        map[string]any{"password": "hunter2", "user": "bob"},
		},
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "main", got.Details["branch"])
	assert.Equal(t, "[REDACTED]", got.Details["webhook_token"])
	assert.Equal(t, "[REDACTED]", got.Details["ApiKey"])
	nested := got.Details["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["password"])
	assert.Equal(t, "bob", nested["user"])
}

func TestFilterMatches(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Timestamp: base,
		Actor:     "octocat",
		Action:    ActionDeploymentFailed,
		Resource:  "deployment/d1",
	}

	assert.True(t, Filter{}.Matches(ev))
	assert.True(t, Filter{Actor: "octocat"}.Matches(ev))
	assert.False(t, Filter{Actor: "other"}.Matches(ev))
	assert.True(t, Filter{Action: ActionDeploymentFailed}.Matches(ev))
	assert.True(t, Filter{ResourceKind: "deployment"}.Matches(ev))
	assert.False(t, Filter{ResourceKind: "webhook"}.Matches(ev))
	assert.True(t, Filter{From: base}.Matches(ev), "from is inclusive")
	assert.False(t, Filter{To: base}.Matches(ev), "to is exclusive")
	assert.True(t, Filter{From: base.Add(-time.Hour), To: base.Add(time.Hour)}.Matches(ev))
}

func TestQueryPagination(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink, logger.Nop())
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(context.Background(), Event{
			Actor:  "system",
			Action: ActionDeploymentStateChanged,
		}))
	}

	page, err := l.Query(context.Background(), Filter{Limit: 4, Offset: 8})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestRedactNil(t *testing.T) {
	assert.Nil(t, Redact(nil))
}
