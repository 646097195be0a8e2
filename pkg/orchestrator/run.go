package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/events"
)

// errHalted signals that an external transition (cancel) took the
// deployment to a terminal state; the worker stops quietly.
var errHalted = errors.New(errors.KindCancelled, "orchestrator", "deployment reached a terminal state externally")

// execute drives one deployment to a terminal state. The caller holds
// the repository's active claim for the whole call.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	d, err := o.deps.Store.GetDeployment(ctx, id)
	if err != nil {
		o.log.Error().Err(err).Str("deployment_id", id).Msg("load deployment")
		return
	}
	if deployment.IsTerminal(d.State) {
		// Cancelled while queued.
		return
	}

	if d.Trigger == deployment.TriggerRollback {
		o.executeRollback(ctx, d)
		return
	}

	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeStarted, d.Repository, map[string]any{
		"deployment_id": d.ID,
		"commit":        d.Commit,
		"trigger":       string(d.Trigger),
	})
	o.recordAudit(ctx, audit.Event{
		Actor:    d.Initiator,
		Action:   audit.ActionDeploymentStarted,
		Resource: "deployment/" + d.ID,
		Result:   "started",
		Details:  map[string]any{"repository": d.Repository, "commit": d.Commit},
	})

	for _, stage := range deployment.StageOrder {
		if err := o.transition(ctx, d, deployment.StateForStage(stage), stage); err != nil {
			if err != errHalted {
				o.log.Error().Err(err).Str("deployment_id", d.ID).Str("stage", stage).Msg("stage transition failed")
			}
			return
		}
		if stage == deployment.StageVerify && o.takeDeferredCancel(d.ID) {
			if err := o.cancelNow(ctx, d, "deferred-cancel"); err != nil {
				o.log.Error().Err(err).Str("deployment_id", d.ID).Msg("deferred cancel failed")
			}
			return
		}
		if err := o.runStage(ctx, d, stage); err != nil {
			o.fail(ctx, d, stage, err)
			return
		}
	}

	d.CurrentStage = ""
	if err := o.transition(ctx, d, deployment.StateCompleted, ""); err != nil {
		return
	}
	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeCompleted, d.Repository, map[string]any{
		"deployment_id":     d.ID,
		"config_hash_after": d.ConfigHashAfter,
	})
	o.recordAudit(ctx, audit.Event{
		Actor:    d.Initiator,
		Action:   audit.ActionDeploymentCompleted,
		Resource: "deployment/" + d.ID,
		Result:   "completed",
	})
	o.log.Info().
		Str("deployment_id", d.ID).
		Str("repository", d.Repository).
		Str("commit", d.Commit).
		Msg("deployment completed")
}

// transition moves the deployment to the target state with CAS. On a
// version conflict the deployment is reloaded; if it was driven to a
// terminal state externally, errHalted is returned.
func (o *Orchestrator) transition(ctx context.Context, d *deployment.Deployment, to deployment.State, stage string) error {
	for {
		if !deployment.CanTransition(d.State, to) {
			return errors.Newf(errors.KindConflict, "orchestrator", "illegal transition %s -> %s", d.State, to)
		}
		d.State = to
		d.CurrentStage = stage
		if d.StartedAt.IsZero() && deployment.IsActive(to) {
			d.StartedAt = time.Now().UTC()
		}
		if deployment.IsTerminal(to) {
			d.EndedAt = time.Now().UTC()
		}

		err := o.deps.Store.UpdateDeployment(ctx, d)
		if err == nil {
			o.recordAudit(ctx, audit.Event{
				Actor:    d.Initiator,
				Action:   audit.ActionDeploymentStateChanged,
				Resource: "deployment/" + d.ID,
				Result:   string(to),
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
		if deployment.IsTerminal(d.State) {
			return errHalted
		}
	}
}

// runStage executes one stage with its timeout and retry budget,
// records the stage result and publishes the stage-update event.
func (o *Orchestrator) runStage(ctx context.Context, d *deployment.Deployment, stage string) error {
	policy := o.cfg.StageRetry(stage)
	timeout := o.cfg.StageTimeout(stage)

	result := deployment.StageResult{
		Name:      stage,
		State:     deployment.StageRunning,
		StartedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts+1; attempt++ {
		result.Attempts = attempt
		sctx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = o.runStageOnce(sctx, d, stage, &result)
		if lastErr != nil && sctx.Err() == context.DeadlineExceeded {
			lastErr = errors.Wrapf(lastErr, errors.KindTimeout, "orchestrator", "stage %s exceeded its %s budget", stage, timeout).WithStage(stage)
		}
		cancel()

		if lastErr == nil {
			break
		}
		if attempt > policy.Attempts || !errors.IsRetriable(lastErr) {
			break
		}
		delay := backoffDelay(policy, attempt)
		result.AppendLog(fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, lastErr, delay))
		o.log.Warn().
			Str("deployment_id", d.ID).
			Str("stage", stage).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(lastErr).
			Msg("stage attempt failed, retrying")
		select {
		case <-ctx.Done():
			lastErr = errors.Wrap(ctx.Err(), errors.KindCancelled, "orchestrator", "deployment context cancelled").WithStage(stage)
			attempt = policy.Attempts + 1
		case <-time.After(delay):
		}
		if lastErr != nil && errors.IsKind(lastErr, errors.KindCancelled) {
			break
		}
	}

	result.EndedAt = time.Now().UTC()
	if lastErr != nil {
		result.State = deployment.StageFailed
		result.Error = &deployment.StageError{
			Kind:      string(errors.KindOf(lastErr)),
			Message:   lastErr.Error(),
			Retriable: errors.IsRetriable(lastErr),
		}
	} else {
		result.State = deployment.StageCompleted
	}
	if err := o.deps.Store.AppendStageResult(ctx, d.ID, result); err != nil {
		o.log.Error().Err(err).Str("deployment_id", d.ID).Str("stage", stage).Msg("append stage result")
	}
	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeStageUpdate, d.Repository, map[string]any{
		"deployment_id": d.ID,
		"stage":         stage,
		"state":         string(result.State),
		"attempts":      result.Attempts,
		"duration_s":    result.EndedAt.Sub(result.StartedAt).Seconds(),
	})
	return lastErr
}

func (o *Orchestrator) runStageOnce(ctx context.Context, d *deployment.Deployment, stage string, result *deployment.StageResult) error {
	switch stage {
	case deployment.StageValidate:
		return o.stageValidate(ctx, d, result)
	case deployment.StageBackup:
		return o.stageBackup(ctx, d, result)
	case deployment.StageApply:
		return o.stageApply(ctx, d, result)
	case deployment.StageVerify:
		return o.stageVerify(ctx, d, result)
	}
	return errors.Newf(errors.KindInternal, "orchestrator", "unknown stage %s", stage)
}

func (o *Orchestrator) stageValidate(ctx context.Context, d *deployment.Deployment, result *deployment.StageResult) error {
	if err := ValidateConfigDir(o.cfg.Deployment.ConfigPath); err != nil {
		return err
	}
	result.AppendLog("configuration syntax and content checks passed")
	if o.deps.Validator != nil {
		if err := o.deps.Validator.Validate(ctx, d.Repository, d.Commit); err != nil {
			return errors.Wrap(err, errors.KindValidation, "orchestrator", "external validation failed").WithStage(deployment.StageValidate)
		}
		result.AppendLog("external validator passed")
	}
	return nil
}

func (o *Orchestrator) stageBackup(ctx context.Context, d *deployment.Deployment, result *deployment.StageResult) error {
	if !d.CreateBackup {
		result.AppendLog("backup disabled for this deployment, skipping")
		return nil
	}
	if o.deps.Backup == nil {
		return errors.New(errors.KindBackupFailed, "orchestrator", "no backup provider configured").WithStage(deployment.StageBackup)
	}
	ref, hash, err := o.deps.Backup.Create(ctx, d.Repository)
	if err != nil {
		return errors.Wrap(err, errors.KindBackupFailed, "orchestrator", "create backup").WithStage(deployment.StageBackup)
	}
	d.BackupRef = ref
	d.ConfigHashBefore = hash
	result.Artifacts = map[string]string{"backup_ref": ref, "config_hash_before": hash}
	result.AppendLog("backup created: " + ref)
	return nil
}

func (o *Orchestrator) stageApply(ctx context.Context, d *deployment.Deployment, result *deployment.StageResult) error {
	if o.deps.Applier == nil {
		return errors.New(errors.KindApplyFailed, "orchestrator", "no applier configured").WithStage(deployment.StageApply)
	}
	hash, err := o.deps.Applier.Apply(ctx, d.Repository, d.Commit)
	if err != nil {
		if _, ok := err.(*errors.Error); !ok {
			// Opaque applier failures are assumed transient.
			err = errors.MarkRetriable(errors.Wrap(err, errors.KindApplyFailed, "orchestrator", "apply configuration").WithStage(deployment.StageApply), true)
		}
		return err
	}
	d.ConfigHashAfter = hash
	result.Artifacts = map[string]string{"config_hash_after": hash}
	result.AppendLog("configuration applied: " + hash)
	return nil
}

func (o *Orchestrator) stageVerify(ctx context.Context, d *deployment.Deployment, result *deployment.StageResult) error {
	if d.SkipHealthCheck {
		result.AppendLog("health verification skipped by request")
		return nil
	}
	if o.deps.Target != nil {
		if err := o.deps.Target.Check(ctx, d.Repository); err != nil {
			return errors.Wrap(err, errors.KindHealthCheckFailed, "orchestrator", "target availability check").WithStage(deployment.StageVerify)
		}
		result.AppendLog("target availability check passed")
	}
	if o.deps.Checker == nil {
		return nil
	}
	report, err := o.deps.Checker.Evaluate(ctx, d.Repository)
	if err != nil {
		return errors.Wrap(err, errors.KindHealthCheckFailed, "orchestrator", "post-deployment health evaluation").WithStage(deployment.StageVerify)
	}
	result.AppendLog(fmt.Sprintf("health score %.1f (%s)", report.Score, report.Status))
	if report.Status == pipeline.StatusCritical {
		return errors.Newf(errors.KindHealthCheckFailed, "orchestrator", "post-deployment health is critical (score %.1f)", report.Score).WithStage(deployment.StageVerify)
	}
	return nil
}

// fail drives the deployment to failed and, for verify failures with a
// backup and rollback enabled, starts the rollback deployment under
// the same active claim.
func (o *Orchestrator) fail(ctx context.Context, d *deployment.Deployment, stage string, stageErr error) {
	rollback := stage == deployment.StageVerify &&
		o.cfg.Deployment.RollbackEnabled &&
		d.BackupRef != "" &&
		!errors.IsKind(stageErr, errors.KindCancelled)

	d.Error = deploymentError(stage, stageErr)
	d.RollbackTriggered = rollback
	if err := o.transition(ctx, d, deployment.StateFailed, stage); err != nil {
		return
	}
	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeFailed, d.Repository, map[string]any{
		"deployment_id": d.ID,
		"stage":         stage,
		"kind":          d.Error.Kind,
		"message":       d.Error.Message,
	})
	o.recordAudit(ctx, audit.Event{
		Actor:    d.Initiator,
		Action:   audit.ActionDeploymentFailed,
		Resource: "deployment/" + d.ID,
		Result:   "failed",
		Details:  map[string]any{"stage": stage, "kind": d.Error.Kind},
	})
	if !rollback {
		return
	}

	r := o.newRollbackDeployment(d, "system", fmt.Sprintf("automatic rollback after %s failure", stage))
	if err := o.deps.Store.PutDeployment(ctx, r); err != nil {
		o.log.Error().Err(err).Str("deployment_id", d.ID).Msg("create rollback deployment")
		return
	}
	o.publishRollbackInitiated(d, r)
	// The claim is still held by this worker; the rollback runs inside
	// it so no other deployment can interleave.
	o.executeRollback(ctx, r)
}

// executeRollback restores the backup and re-verifies, bounded by the
// rollback budget.
func (o *Orchestrator) executeRollback(ctx context.Context, r *deployment.Deployment) {
	if err := o.transition(ctx, r, deployment.StateRollingBack, deployment.StageRollback); err != nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.Deployment.RollbackBudget)
	defer cancel()

	result := deployment.StageResult{
		Name:      deployment.StageRollback,
		State:     deployment.StageRunning,
		StartedAt: time.Now().UTC(),
		Attempts:  1,
	}
	err := o.restoreAndVerify(rctx, r, &result)
	if err != nil && rctx.Err() == context.DeadlineExceeded {
		err = errors.Wrapf(err, errors.KindRollbackFailed, "orchestrator", "rollback exceeded its %s budget", o.cfg.Deployment.RollbackBudget).WithStage(deployment.StageRollback)
	}

	result.EndedAt = time.Now().UTC()
	if err != nil {
		result.State = deployment.StageFailed
		result.Error = &deployment.StageError{Kind: string(errors.KindRollbackFailed), Message: err.Error()}
	} else {
		result.State = deployment.StageCompleted
	}
	if aerr := o.deps.Store.AppendStageResult(ctx, r.ID, result); aerr != nil {
		o.log.Error().Err(aerr).Str("deployment_id", r.ID).Msg("append rollback stage result")
	}

	if err != nil {
		r.Error = &deployment.DeploymentError{
			Kind:      string(errors.KindRollbackFailed),
			Stage:     deployment.StageRollback,
			Message:   err.Error(),
			Retriable: false,
		}
		if terr := o.transition(ctx, r, deployment.StateFailed, deployment.StageRollback); terr != nil {
			return
		}
		o.deps.Bus.Publish(events.ChannelDeployments, events.TypeFailed, r.Repository, map[string]any{
			"deployment_id": r.ID,
			"stage":         deployment.StageRollback,
			"kind":          string(errors.KindRollbackFailed),
			"message":       err.Error(),
		})
		o.recordAudit(ctx, audit.Event{
			Actor:    r.Initiator,
			Action:   audit.ActionDeploymentFailed,
			Resource: "deployment/" + r.ID,
			Result:   "failed",
			Details:  map[string]any{"stage": deployment.StageRollback, "kind": string(errors.KindRollbackFailed)},
		})
		return
	}

	r.CurrentStage = ""
	if terr := o.transition(ctx, r, deployment.StateCompleted, ""); terr != nil {
		return
	}
	o.deps.Bus.Publish(events.ChannelDeployments, events.TypeRollbackCompleted, r.Repository, map[string]any{
		"deployment_id":          r.RollbackOf,
		"rollback_deployment_id": r.ID,
		"config_hash_after":      r.ConfigHashAfter,
	})
	o.recordAudit(ctx, audit.Event{
		Actor:    r.Initiator,
		Action:   audit.ActionRollbackCompleted,
		Resource: "deployment/" + r.RollbackOf,
		Result:   "completed",
		Details:  map[string]any{"rollback_deployment_id": r.ID},
	})
	o.log.Info().
		Str("deployment_id", r.ID).
		Str("rollback_of", r.RollbackOf).
		Msg("rollback completed")
}

func (o *Orchestrator) restoreAndVerify(ctx context.Context, r *deployment.Deployment, result *deployment.StageResult) error {
	if o.deps.Backup == nil {
		return errors.New(errors.KindRollbackFailed, "orchestrator", "no backup provider configured").WithStage(deployment.StageRollback)
	}
	if err := o.deps.Backup.Restore(ctx, r.Repository, r.BackupRef); err != nil {
		return errors.Wrap(err, errors.KindRollbackFailed, "orchestrator", "restore backup").WithStage(deployment.StageRollback)
	}
	result.AppendLog("backup restored: " + r.BackupRef)

	if parent, err := o.deps.Store.GetDeployment(ctx, r.RollbackOf); err == nil {
		r.ConfigHashAfter = parent.ConfigHashBefore
	}

	if o.deps.Target != nil {
		if err := o.deps.Target.Check(ctx, r.Repository); err != nil {
			return errors.Wrap(err, errors.KindRollbackFailed, "orchestrator", "target check after restore").WithStage(deployment.StageRollback)
		}
		result.AppendLog("target availability check passed after restore")
	}
	return nil
}

func deploymentError(stage string, err error) *deployment.DeploymentError {
	kind := errors.KindOf(err)
	if kind == "" || kind == errors.KindInternal {
		switch stage {
		case deployment.StageValidate:
			kind = errors.KindValidation
		case deployment.StageBackup:
			kind = errors.KindBackupFailed
		case deployment.StageApply:
			kind = errors.KindApplyFailed
		case deployment.StageVerify:
			kind = errors.KindHealthCheckFailed
		}
	}
	return &deployment.DeploymentError{
		Kind:      string(kind),
		Stage:     stage,
		Message:   err.Error(),
		Retriable: errors.IsRetriable(err),
	}
}

// backoffDelay is exponential with a cap and optional +-50% jitter.
func backoffDelay(p config.RetryPolicy, attempt int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}
