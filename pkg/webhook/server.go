// Package webhook is the HTTP intake: the signed webhook endpoint plus
// the small operator API for manual deployments, rollbacks and reads.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/deployment"
	domainerrors "gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/monitoring"
	"gitops-sentinel/pkg/orchestrator"
	"gitops-sentinel/pkg/security"
	"gitops-sentinel/pkg/store"
)

// RunRecorder ingests pipeline runs carried by workflow telemetry
// deliveries. Nil disables ingestion.
type RunRecorder interface {
	RecordRun(run pipeline.Run)
}

// Server owns the HTTP surface.
type Server struct {
	cfg      config.Server
	orch     *orchestrator.Orchestrator
	store    store.Store
	audit    *audit.Logger
	recorder RunRecorder
	metrics  *monitoring.Metrics
	limiter  *ipLimiter
	log      zerolog.Logger
}

// NewServer wires the HTTP surface. recorder and metrics may be nil.
// The intake is the sole consumer of the webhook secret; resolving it
// here is noted in the audit trail.
func NewServer(cfg config.Server, orch *orchestrator.Orchestrator, st store.Store, auditLog *audit.Logger, recorder RunRecorder, metrics *monitoring.Metrics, log zerolog.Logger) *Server {
	if cfg.WebhookSecret != "" && auditLog != nil {
		_ = auditLog.Record(context.Background(), audit.Event{
			Actor:    "system",
			Action:   audit.ActionConfigReadSensitive,
			Resource: "config/server.webhook_secret",
			Result:   "read",
		})
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		store:    st,
		audit:    auditLog,
		recorder: recorder,
		metrics:  metrics,
		limiter:  newIPLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Post("/webhook", s.handleWebhook)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/deployments", s.handleManualDeploy)
		r.Post("/rollbacks", s.handleRollback)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{id}", s.handleGetDeployment)
	})
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		s.countVerdict("rate_limited")
		s.recordAudit(r, audit.Event{
			Actor:    ip,
			Action:   audit.ActionWebhookRejected,
			Resource: "webhook",
			Result:   "rate_limited",
		})
		s.writeError(w, domainerrors.New(domainerrors.KindRateLimited, "webhook", "too many requests from this source"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.countVerdict("too_large")
			s.recordAudit(r, audit.Event{
				Actor:    ip,
				Action:   audit.ActionWebhookRejected,
				Resource: "webhook",
				Result:   "payload_too_large",
			})
			s.writeError(w, domainerrors.Newf(domainerrors.KindPayloadTooLarge, "webhook", "payload exceeds %d bytes", s.cfg.MaxPayloadBytes))
			return
		}
		s.writeError(w, domainerrors.Wrap(err, domainerrors.KindMalformed, "webhook", "read request body"))
		return
	}

	if err := security.VerifySignature([]byte(s.cfg.WebhookSecret), body, r.Header.Get(security.SignatureHeader)); err != nil {
		s.countVerdict("signature_invalid")
		s.recordAudit(r, audit.Event{
			Actor:    ip,
			Action:   audit.ActionWebhookSignatureInvalid,
			Resource: "webhook",
			Result:   string(domainerrors.KindOf(err)),
		})
		s.writeError(w, err)
		return
	}

	switch eventType := r.Header.Get("X-GitHub-Event"); eventType {
	case "ping":
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case "push":
		s.handlePush(w, r, body, ip)
	case "workflow_run":
		s.handleWorkflowRun(w, r, body, ip)
	default:
		s.log.Debug().Str("event", eventType).Msg("ignoring webhook event type")
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, body []byte, ip string) {
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectMalformed(w, r, ip, "push payload is not valid JSON")
		return
	}
	if ev.Repository.FullName == "" || ev.After == "" {
		s.rejectMalformed(w, r, ip, "push payload is missing repository or commit")
		return
	}

	res, err := s.orch.Submit(r.Context(), orchestrator.Request{
		Repository: ev.Repository.FullName,
		Commit:     ev.After,
		Branch:     ev.branch(),
		Initiator:  ev.actor(),
		Reason:     "automated",
		Trigger:    deployment.TriggerWebhook,
	})
	if err != nil {
		s.countVerdict("rejected")
		s.recordAudit(r, audit.Event{
			Actor:    ev.actor(),
			Action:   audit.ActionWebhookRejected,
			Resource: "repository/" + ev.Repository.FullName,
			Result:   string(domainerrors.KindOf(err)),
		})
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	verdict := "accepted"
	if res.Deduplicated {
		status = http.StatusOK
		verdict = "deduplicated"
	}
	s.countVerdict(verdict)
	s.recordAudit(r, audit.Event{
		Actor:    ev.actor(),
		Action:   audit.ActionWebhookAccepted,
		Resource: "deployment/" + res.DeploymentID,
		Result:   verdict,
		Details:  map[string]any{"repository": ev.Repository.FullName, "commit": ev.After, "source_ip": ip},
	})
	s.writeJSON(w, status, map[string]any{"deployment_id": res.DeploymentID})
}

func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request, body []byte, ip string) {
	var ev workflowRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectMalformed(w, r, ip, "workflow_run payload is not valid JSON")
		return
	}
	if ev.Action != "completed" || s.recorder == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	if ev.Repository.FullName == "" {
		s.rejectMalformed(w, r, ip, "workflow_run payload is missing repository")
		return
	}
	s.recorder.RecordRun(ev.toRun())
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}

// manualDeployRequest is the manual-deployment wire format.
// create_backup defaults to true and skip_health_check to false when
// omitted.
type manualDeployRequest struct {
	Repository      string `json:"repository"`
	Commit          string `json:"commit"`
	Branch          string `json:"branch"`
	Reason          string `json:"reason"`
	TriggeredBy     string `json:"triggered_by"`
	CreateBackup    *bool  `json:"create_backup"`
	SkipHealthCheck bool   `json:"skip_health_check"`
}

func (s *Server) handleManualDeploy(w http.ResponseWriter, r *http.Request) {
	var req manualDeployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)).Decode(&req); err != nil {
		s.writeError(w, domainerrors.Wrap(err, domainerrors.KindMalformed, "webhook", "decode deployment request"))
		return
	}
	initiator := req.TriggeredBy
	if initiator == "" {
		initiator = "api"
	}

	res, err := s.orch.Submit(r.Context(), orchestrator.Request{
		Repository:      req.Repository,
		Commit:          req.Commit,
		Branch:          req.Branch,
		Initiator:       initiator,
		Reason:          req.Reason,
		Trigger:         deployment.TriggerManual,
		CreateBackup:    req.CreateBackup,
		SkipHealthCheck: req.SkipHealthCheck,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"deployment_id": res.DeploymentID})
}

type rollbackRequest struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason"`
	TriggeredBy  string `json:"triggered_by"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)).Decode(&req); err != nil {
		s.writeError(w, domainerrors.Wrap(err, domainerrors.KindMalformed, "webhook", "decode rollback request"))
		return
	}
	if req.DeploymentID == "" || req.Reason == "" {
		s.writeError(w, domainerrors.New(domainerrors.KindValidation, "webhook", "deployment_id and reason are required"))
		return
	}
	initiator := req.TriggeredBy
	if initiator == "" {
		initiator = "api"
	}

	rid, err := s.orch.Rollback(r.Context(), req.DeploymentID, initiator, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rollback_deployment_id": rid})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	f := store.DeploymentFilter{
		Repository: r.URL.Query().Get("repository"),
		State:      deployment.State(r.URL.Query().Get("state")),
		Limit:      50,
	}
	list, err := s.store.ListDeployments(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployments": list})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) rejectMalformed(w http.ResponseWriter, r *http.Request, ip, msg string) {
	s.countVerdict("malformed")
	s.recordAudit(r, audit.Event{
		Actor:    ip,
		Action:   audit.ActionWebhookRejected,
		Resource: "webhook",
		Result:   "malformed",
	})
	s.writeError(w, domainerrors.New(domainerrors.KindMalformed, "webhook", msg))
}

func (s *Server) countVerdict(verdict string) {
	if s.metrics != nil {
		s.metrics.CountWebhook(verdict)
	}
}

func (s *Server) recordAudit(r *http.Request, ev audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(r.Context(), ev); err != nil {
		s.log.Error().Err(err).Str("action", ev.Action).Msg("audit record failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

// writeError maps error kinds to stable status codes with a redacted
// message body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := domainerrors.HTTPStatus(err)
	kind := domainerrors.KindOf(err)
	msg := "internal error"
	if status < http.StatusInternalServerError {
		msg = err.Error()
	} else {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]any{"error": string(kind), "message": msg})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
