package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/events"
	"gitops-sentinel/pkg/orchestrator"
	"gitops-sentinel/pkg/security"
	"gitops-sentinel/pkg/store"
)

const testSecret = "test-webhook-secret"

type serverRig struct {
	server   *Server
	handler  http.Handler
	store    *store.Memory
	recorder *recordingRecorder
}

type recordingRecorder struct {
	runs []pipeline.Run
}

func (r *recordingRecorder) RecordRun(run pipeline.Run) {
	r.runs = append(r.runs, run)
}

func newServerRig(t *testing.T, mutateCfg func(*config.Config)) *serverRig {
	t.Helper()

	cfg := config.Default()
	cfg.Server.WebhookSecret = testSecret
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Deployment.ConfigPath = ""
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	st := store.NewMemory()
	bus := events.New(zerolog.Nop(), 256)
	auditLog := audit.NewLogger(st, zerolog.Nop())
	backup := orchestrator.NewLocalBackup()

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:   st,
		Bus:     bus,
		Audit:   auditLog,
		Backup:  backup,
		Applier: orchestrator.NewLocalApplier(backup),
	}, zerolog.Nop())
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	t.Cleanup(bus.Close)

	recorder := &recordingRecorder{}
	s := NewServer(cfg.Server, orch, st, auditLog, recorder, nil, zerolog.Nop())
	return &serverRig{server: s, handler: s.Router(), store: st, recorder: recorder}
}

func (rig *serverRig) signedPost(t *testing.T, path, eventType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", signFor(body))
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func signFor(body []byte) string {
	return security.Sign([]byte(testSecret), body)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func pushBody(repo, commit string) []byte {
	return []byte(fmt.Sprintf(`{"ref":"refs/heads/main","after":%q,"repository":{"full_name":%q},"sender":{"login":"octocat"}}`, commit, repo))
}

func (rig *serverRig) waitTerminal(t *testing.T, id string) *deployment.Deployment {
	t.Helper()
	var d *deployment.Deployment
	require.Eventually(t, func() bool {
		got, err := rig.store.GetDeployment(context.Background(), id)
		if err != nil {
			return false
		}
		d = got
		return deployment.IsTerminal(d.State)
	}, 5*time.Second, 5*time.Millisecond)
	return d
}

func TestWebhookPushAccepted(t *testing.T) {
	rig := newServerRig(t, nil)

	rec := rig.signedPost(t, "/webhook", "push", pushBody("owner/r", "abc123"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	id, ok := decodeBody(t, rec)["deployment_id"].(string)
	require.True(t, ok)

	d := rig.waitTerminal(t, id)
	assert.Equal(t, deployment.StateCompleted, d.State)
	assert.Equal(t, "owner/r", d.Repository)
	assert.Equal(t, "abc123", d.Commit)
	assert.Equal(t, "main", d.Branch)
	assert.Equal(t, "octocat", d.Initiator)
	assert.Equal(t, deployment.TriggerWebhook, d.Trigger)
	assert.Equal(t, "automated", d.Reason)

	entries, err := rig.store.QueryAudit(context.Background(), audit.Filter{Action: audit.ActionWebhookAccepted})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "octocat", entries[0].Actor)
}

func TestWebhookRepositoryAsString(t *testing.T) {
	rig := newServerRig(t, nil)
	body := []byte(`{"ref":"refs/heads/main","after":"def456","repository":"owner/r"}`)
	rec := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestWebhookInvalidSignature(t *testing.T) {
	rig := newServerRig(t, nil)
	body := pushBody("owner/r", "abc123")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_invalid", decodeBody(t, rec)["error"])

	list, err := rig.store.ListDeployments(context.Background(), store.DeploymentFilter{Repository: "owner/r"})
	require.NoError(t, err)
	assert.Empty(t, list, "a rejected delivery must not create deployments")

	entries, err := rig.store.QueryAudit(context.Background(), audit.Filter{Action: audit.ActionWebhookSignatureInvalid})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWebhookMissingSignature(t *testing.T) {
	rig := newServerRig(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(pushBody("owner/r", "abc123")))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_missing", decodeBody(t, rec)["error"])
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	rig := newServerRig(t, nil)
	body := pushBody("owner/r", "abc123")

	first := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusCreated, first.Code)
	id := decodeBody(t, first)["deployment_id"]

	second := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusOK, second.Code, "duplicate returns the existing deployment")
	assert.Equal(t, id, decodeBody(t, second)["deployment_id"])
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	rig := newServerRig(t, func(cfg *config.Config) {
		cfg.Server.MaxPayloadBytes = 64
	})
	body := bytes.Repeat([]byte("x"), 256)
	rec := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeBody(t, rec)["error"])
}

func TestWebhookRateLimited(t *testing.T) {
	rig := newServerRig(t, func(cfg *config.Config) {
		cfg.Server.RateLimitPerSec = 1
		cfg.Server.RateLimitBurst = 1
	})
	body := pushBody("owner/r", "abc123")

	first := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := rig.signedPost(t, "/webhook", "push", body)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, second)["error"])
}

func TestWebhookMalformedPush(t *testing.T) {
	rig := newServerRig(t, nil)
	rec := rig.signedPost(t, "/webhook", "push", []byte(`{"after":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed", decodeBody(t, rec)["error"])

	rec = rig.signedPost(t, "/webhook", "push", []byte(`{"ref":"refs/heads/main"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing repository and commit")
}

func TestWebhookPingAndUnknownEvent(t *testing.T) {
	rig := newServerRig(t, nil)

	rec := rig.signedPost(t, "/webhook", "ping", []byte(`{"zen":"keep it simple"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.signedPost(t, "/webhook", "issues", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
}

func TestWebhookWorkflowRunRecorded(t *testing.T) {
	rig := newServerRig(t, nil)
	body := []byte(`{
		"action": "completed",
		"repository": {"full_name": "owner/r"},
		"workflow_run": {
			"id": 42,
			"name": "ci",
			"head_branch": "main",
			"conclusion": "failure",
			"created_at": "2026-08-24T10:00:00Z",
			"run_started_at": "2026-08-24T10:01:00Z",
			"updated_at": "2026-08-24T10:06:00Z",
			"actor": {"login": "octocat"}
		}
	}`)

	rec := rig.signedPost(t, "/webhook", "workflow_run", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, rig.recorder.runs, 1)
	run := rig.recorder.runs[0]
	assert.Equal(t, "owner/r", run.Repository)
	assert.Equal(t, "42", run.RunID)
	assert.Equal(t, pipeline.ConclusionFailure, run.Conclusion)
	assert.Equal(t, float64(300), run.DurationS)
	assert.Equal(t, float64(60), run.QueueTimeS)
}

func TestManualDeploymentAPI(t *testing.T) {
	rig := newServerRig(t, nil)

	body := []byte(`{"repository":"owner/r","commit":"abc123","branch":"main","reason":"hotfix for the login outage","triggered_by":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	id := decodeBody(t, rec)["deployment_id"].(string)
	d := rig.waitTerminal(t, id)
	assert.Equal(t, deployment.TriggerManual, d.Trigger)
	assert.Equal(t, "alice", d.Initiator)

	// A too-short reason is rejected.
	short := []byte(`{"repository":"owner/r","commit":"abc123","reason":"oops"}`)
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(short)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["error"])
}

func TestRollbackAPI(t *testing.T) {
	rig := newServerRig(t, nil)

	rec := rig.signedPost(t, "/webhook", "push", pushBody("owner/r", "abc123"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["deployment_id"].(string)
	rig.waitTerminal(t, id)

	body := []byte(fmt.Sprintf(`{"deployment_id":%q,"reason":"bad release","triggered_by":"alice"}`, id))
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rollbacks", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rid := decodeBody(t, rec)["rollback_deployment_id"].(string)
	r := rig.waitTerminal(t, rid)
	assert.Equal(t, deployment.TriggerRollback, r.Trigger)

	// Missing reason is rejected before touching the orchestrator.
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rollbacks",
		bytes.NewReader([]byte(fmt.Sprintf(`{"deployment_id":%q}`, id)))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentReadAPI(t *testing.T) {
	rig := newServerRig(t, nil)

	rec := rig.signedPost(t, "/webhook", "push", pushBody("owner/r", "abc123"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["deployment_id"].(string)
	rig.waitTerminal(t, id)

	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deployments/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deployments/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deployments?repository=owner/r", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)["deployments"].([]any)
	assert.Len(t, list, 1)
}

func TestHealthz(t *testing.T) {
	rig := newServerRig(t, nil)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestManualDeploymentOptions(t *testing.T) {
	// create_backup=false and skip_health_check=true are honored per
	// request; a request without them keeps the defaults.
	rig := newServerRig(t, nil)

	body := []byte(`{"repository":"owner/r","commit":"abc123","reason":"redeploy without backup step","create_backup":false,"skip_health_check":true}`)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d := rig.waitTerminal(t, decodeBody(t, rec)["deployment_id"].(string))
	assert.Equal(t, deployment.StateCompleted, d.State)
	assert.False(t, d.CreateBackup)
	assert.True(t, d.SkipHealthCheck)
	assert.Empty(t, d.BackupRef)

	next := []byte(`{"repository":"owner/r","commit":"def456","reason":"regular manual deployment"}`)
	rec = httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(next)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d = rig.waitTerminal(t, decodeBody(t, rec)["deployment_id"].(string))
	assert.Equal(t, deployment.StateCompleted, d.State)
	assert.True(t, d.CreateBackup)
	assert.False(t, d.SkipHealthCheck)
	assert.NotEmpty(t, d.BackupRef)
}

func TestWebhookSecretReadAudited(t *testing.T) {
	rig := newServerRig(t, nil)

	entries, err := rig.store.QueryAudit(context.Background(), audit.Filter{Action: audit.ActionConfigReadSensitive})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].Actor)
	assert.Equal(t, "config/server.webhook_secret", entries[0].Resource)
	assert.Equal(t, "read", entries[0].Result)
}
