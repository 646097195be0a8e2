// Package orchestrator drives deployments through their state machine:
// claim, validate, backup, apply, verify, and the rollback path on
// verification failure. At most one deployment is active per
// repository; one more may wait in the queue behind it.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/events"
	"gitops-sentinel/pkg/health"
	"gitops-sentinel/pkg/store"
)

// Request asks for a new deployment. CreateBackup overrides the
// configured default when non-nil; SkipHealthCheck bypasses the verify
// stage's health evaluation.
type Request struct {
	Repository      string
	Commit          string
	Branch          string
	Initiator       string
	Reason          string
	Trigger         deployment.Trigger
	CreateBackup    *bool
	SkipHealthCheck bool
}

// SubmitResult is the synchronous answer to a Request. Deduplicated is
// set when an equivalent webhook deployment already existed.
type SubmitResult struct {
	DeploymentID string
	Deduplicated bool
}

// Deps are the orchestrator's collaborators. Target and Validator may
// be nil; their checks are then skipped.
type Deps struct {
	Store     store.Store
	Bus       *events.Bus
	Audit     *audit.Logger
	Checker   *health.Checker
	Backup    BackupProvider
	Applier   Applier
	Target    TargetHealth
	Validator Validator
}

// Orchestrator executes deployments.
type Orchestrator struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger

	mu             sync.Mutex
	queued         map[string]string // repository -> queued deployment id
	deferredCancel map[string]bool   // deployment id -> cancel pending

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. Call Start before submitting work.
func New(cfg config.Config, deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		deps:           deps,
		log:            log.With().Str("component", "orchestrator").Logger(),
		queued:         make(map[string]string),
		deferredCancel: make(map[string]bool),
	}
}

// Start sets the lifetime context for deployment workers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels the worker context and waits for in-flight deployments.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit validates and registers a deployment request and begins
// executing it asynchronously. Webhook requests for a (repository,
// commit) pair already in flight or completed within the dedup window
// return the existing deployment id.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	if req.Repository == "" || req.Commit == "" {
		return nil, errors.New(errors.KindValidation, "orchestrator", "repository and commit are required")
	}
	switch req.Trigger {
	case deployment.TriggerWebhook, deployment.TriggerManual:
	default:
		return nil, errors.Newf(errors.KindValidation, "orchestrator", "unsupported trigger %q", req.Trigger)
	}
	if req.Trigger == deployment.TriggerManual {
		if n := len(req.Reason); n < 10 || n > 500 {
			return nil, errors.New(errors.KindValidation, "orchestrator", "manual deployments require a reason between 10 and 500 characters")
		}
	}

	if req.Trigger == deployment.TriggerWebhook {
		existing, err := o.deps.Store.FindRecentWebhookDeployment(ctx, req.Repository, req.Commit, o.cfg.Deployment.WebhookDedupWindow)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			o.log.Debug().
				Str("repository", req.Repository).
				Str("commit", req.Commit).
				Str("deployment_id", existing.ID).
				Msg("duplicate webhook, returning existing deployment")
			return &SubmitResult{DeploymentID: existing.ID, Deduplicated: true}, nil
		}
	}

	createBackup := o.cfg.Deployment.CreateBackup
	if req.CreateBackup != nil {
		createBackup = *req.CreateBackup
	}
	d := &deployment.Deployment{
		ID:              uuid.NewString(),
		Repository:      req.Repository,
		Commit:          req.Commit,
		Branch:          req.Branch,
		Trigger:         req.Trigger,
		Initiator:       req.Initiator,
		Reason:          req.Reason,
		CreateBackup:    createBackup,
		SkipHealthCheck: req.SkipHealthCheck,
		CreatedAt:       time.Now().UTC(),
		State:           deployment.StatePending,
	}
	if err := o.deps.Store.PutDeployment(ctx, d); err != nil {
		return nil, err
	}
	if req.Trigger == deployment.TriggerManual {
		o.recordAudit(ctx, audit.Event{
			Actor:    req.Initiator,
			Action:   audit.ActionManualTrigger,
			Resource: "deployment/" + d.ID,
			Result:   "accepted",
			Details:  map[string]any{"repository": req.Repository, "commit": req.Commit, "reason": req.Reason},
		})
	}

	if err := o.dispatch(ctx, d); err != nil {
		return nil, err
	}
	return &SubmitResult{DeploymentID: d.ID}, nil
}

// Rollback creates and executes a rollback deployment for a terminal
// target deployment.
func (o *Orchestrator) Rollback(ctx context.Context, targetID, initiator, reason string) (string, error) {
	target, err := o.deps.Store.GetDeployment(ctx, targetID)
	if err != nil {
		return "", err
	}
	if !deployment.IsTerminal(target.State) {
		return "", errors.Newf(errors.KindConflict, "orchestrator", "deployment %s is still %s; only terminal deployments can be rolled back", targetID, target.State)
	}
	if target.BackupRef == "" {
		return "", errors.Newf(errors.KindValidation, "orchestrator", "deployment %s has no backup to restore", targetID)
	}

	r := o.newRollbackDeployment(target, initiator, reason)
	if err := o.deps.Store.PutDeployment(ctx, r); err != nil {
		return "", err
	}
	o.publishRollbackInitiated(target, r)

	if err := o.dispatch(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// Cancel requests cancellation of a deployment. Honored immediately in
// pending and verifying, deferred in applying, refused elsewhere.
func (o *Orchestrator) Cancel(ctx context.Context, id, actor string) error {
	d, err := o.deps.Store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}

	switch d.State {
	case deployment.StatePending, deployment.StateVerifying:
		if err := o.cancelNow(ctx, d, actor); err != nil {
			return err
		}
		o.mu.Lock()
		if o.queued[d.Repository] == id {
			delete(o.queued, d.Repository)
		}
		o.mu.Unlock()
		return nil
	case deployment.StateApplying:
		o.mu.Lock()
		o.deferredCancel[id] = true
		o.mu.Unlock()
		o.log.Info().Str("deployment_id", id).Msg("cancel deferred until apply reaches a safe point")
		return nil
	case deployment.StateRollingBack:
		return errors.New(errors.KindConflict, "orchestrator", "cancel refused while rolling back")
	case deployment.StateCompleted, deployment.StateFailed, deployment.StateCancelled:
		return errors.Newf(errors.KindConflict, "orchestrator", "deployment %s is already %s", id, d.State)
	default:
		return errors.Newf(errors.KindConflict, "orchestrator", "cancel not honored in state %s", d.State)
	}
}

// cancelNow transitions a deployment to cancelled with CAS, tolerating
// a concurrent worker transition by reloading once.
func (o *Orchestrator) cancelNow(ctx context.Context, d *deployment.Deployment, actor string) error {
	for {
		if deployment.IsTerminal(d.State) {
			return errors.Newf(errors.KindConflict, "orchestrator", "deployment %s is already %s", d.ID, d.State)
		}
		if !deployment.CanTransition(d.State, deployment.StateCancelled) {
			return errors.Newf(errors.KindConflict, "orchestrator", "cancel not honored in state %s", d.State)
		}
		d.State = deployment.StateCancelled
		d.EndedAt = time.Now().UTC()
		d.Error = &deployment.DeploymentError{
			Kind:    string(errors.KindCancelled),
			Message: "cancelled by " + actor,
		}
		err := o.deps.Store.UpdateDeployment(ctx, d)
		if err == nil {
			o.recordAudit(ctx, audit.Event{
				Actor:    actor,
				Action:   audit.ActionDeploymentStateChanged,
				Resource: "deployment/" + d.ID,
				Result:   string(deployment.StateCancelled),
			})
			return nil
		}
		if !errors.IsKind(err, errors.KindConflict) {
			return err
		}
		fresh, gerr := o.deps.Store.GetDeployment(ctx, d.ID)
		if gerr != nil {
			return gerr
		}
		*d = *fresh
	}
}

// dispatch claims the repository's active slot and starts the worker,
// or parks the deployment in the single queue slot behind the active
// one.
func (o *Orchestrator) dispatch(ctx context.Context, d *deployment.Deployment) error {
	release, ok, err := o.deps.Store.ClaimActive(ctx, d.Repository)
	if err != nil {
		return err
	}
	if ok {
		o.runAsync(d.ID, d.Repository, release)
		return nil
	}

	o.mu.Lock()
	if cur, busy := o.queued[d.Repository]; busy && cur != d.ID {
		o.mu.Unlock()
		o.markQueueRejected(ctx, d)
		return errors.Newf(errors.KindConflict, "orchestrator", "a deployment is already queued for %s", d.Repository)
	}
	o.queued[d.Repository] = d.ID
	o.mu.Unlock()

	// The active slot may have been released while we queued; promote
	// immediately if so.
	release, ok, err = o.deps.Store.ClaimActive(ctx, d.Repository)
	if err != nil || !ok {
		return nil
	}
	o.mu.Lock()
	if o.queued[d.Repository] == d.ID {
		delete(o.queued, d.Repository)
		o.mu.Unlock()
		o.runAsync(d.ID, d.Repository, release)
		return nil
	}
	o.mu.Unlock()
	release()
	return nil
}

// markQueueRejected cancels a deployment that found the queue full.
func (o *Orchestrator) markQueueRejected(ctx context.Context, d *deployment.Deployment) {
	d.State = deployment.StateCancelled
	d.EndedAt = time.Now().UTC()
	d.Error = &deployment.DeploymentError{
		Kind:    string(errors.KindConflict),
		Message: "deployment queue for repository is full",
	}
	if err := o.deps.Store.UpdateDeployment(ctx, d); err != nil {
		o.log.Error().Err(err).Str("deployment_id", d.ID).Msg("mark queue-rejected deployment")
	}
}

func (o *Orchestrator) runAsync(id, repository string, release store.ReleaseFunc) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.finishAndPromote(repository, release)
		defer o.clearDeferredCancel(id)
		ctx := o.baseCtx
		if ctx == nil {
			ctx = context.Background()
		}
		o.execute(ctx, id)
	}()
}

// finishAndPromote releases the active slot and starts the queued
// deployment, if any.
func (o *Orchestrator) finishAndPromote(repository string, release store.ReleaseFunc) {
	release()

	o.mu.Lock()
	next := o.queued[repository]
	o.mu.Unlock()
	if next == "" {
		return
	}

	ctx := o.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	rel, ok, err := o.deps.Store.ClaimActive(ctx, repository)
	if err != nil || !ok {
		// Whoever holds the claim will promote on its own release.
		return
	}
	o.mu.Lock()
	next = o.queued[repository]
	delete(o.queued, repository)
	o.mu.Unlock()
	if next == "" {
		rel()
		return
	}
	o.runAsync(next, repository, rel)
}

func (o *Orchestrator) newRollbackDeployment(target *deployment.Deployment, initiator, reason string) *deployment.Deployment {
	if reason == "" {
		reason = fmt.Sprintf("rollback of %s", target.ID)
	}
	return &deployment.Deployment{
		ID:                 uuid.NewString(),
		Repository:         target.Repository,
		Commit:             target.Commit,
		Branch:             target.Branch,
		Trigger:            deployment.TriggerRollback,
		ParentDeploymentID: target.ID,
		RollbackOf:         target.ID,
		Initiator:          initiator,
		Reason:             reason,
		CreatedAt:          time.Now().UTC(),
		State:              deployment.StatePending,
		BackupRef:          target.BackupRef,
	}
}

func (o *Orchestrator) publishRollbackInitiated(target, r *deployment.Deployment) {
	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeRollbackInitiated, target.Repository, map[string]any{
		"deployment_id":          target.ID,
		"rollback_deployment_id": r.ID,
	})
	o.recordAudit(context.Background(), audit.Event{
		Actor:    r.Initiator,
		Action:   audit.ActionRollbackInitiated,
		Resource: "deployment/" + target.ID,
		Result:   "initiated",
		Details:  map[string]any{"rollback_deployment_id": r.ID, "backup_ref": r.BackupRef},
	})
}

func (o *Orchestrator) recordAudit(ctx context.Context, ev audit.Event) {
	if o.deps.Audit == nil {
		return
	}
	if err := o.deps.Audit.Record(ctx, ev); err != nil {
		o.log.Error().Err(err).Str("action", ev.Action).Msg("audit record failed")
	}
}

func (o *Orchestrator) clearDeferredCancel(id string) {
	o.mu.Lock()
	delete(o.deferredCancel, id)
	o.mu.Unlock()
}

func (o *Orchestrator) takeDeferredCancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deferredCancel[id] {
		delete(o.deferredCancel, id)
		return true
	}
	return false
}
