package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitops-sentinel/pkg/analysis/trend"
	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/events"
	"gitops-sentinel/pkg/health"
	"gitops-sentinel/pkg/metrics"
	"gitops-sentinel/pkg/store"
)

type testRig struct {
	orch   *Orchestrator
	store  *store.Memory
	bus    *events.Bus
	backup *LocalBackup
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Deployment.StageTimeouts = map[string]time.Duration{
		"validate": time.Second,
		"backup":   time.Second,
		"apply":    5 * time.Second,
		"verify":   time.Second,
	}
	cfg.Deployment.RetryPolicies = map[string]config.RetryPolicy{
		"validate": {Attempts: 0},
		"backup":   {Attempts: 0},
		"apply":    {Attempts: 2, BaseBackoff: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
		"verify":   {Attempts: 0},
	}
	cfg.Deployment.RollbackBudget = 2 * time.Second
	return cfg
}

func newTestRig(t *testing.T, mutate func(*Deps)) *testRig {
	t.Helper()

	cfg := testConfig()
	st := store.NewMemory()
	bus := events.New(zerolog.Nop(), 256)
	backup := NewLocalBackup()

	deps := Deps{
		Store:   st,
		Bus:     bus,
		Audit:   audit.NewLogger(st, zerolog.Nop()),
		Backup:  backup,
		Applier: NewLocalApplier(backup),
	}
	if mutate != nil {
		mutate(&deps)
	}

	o := New(cfg, deps, zerolog.Nop())
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	t.Cleanup(bus.Close)

	return &testRig{orch: o, store: st, bus: bus, backup: backup}
}

func (r *testRig) waitTerminal(t *testing.T, id string) *deployment.Deployment {
	t.Helper()
	var got *deployment.Deployment
	require.Eventually(t, func() bool {
		d, err := r.store.GetDeployment(context.Background(), id)
		if err != nil {
			return false
		}
		got = d
		return deployment.IsTerminal(d.State)
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func (r *testRig) waitState(t *testing.T, id string, state deployment.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := r.store.GetDeployment(context.Background(), id)
		return err == nil && d.State == state
	}, 5*time.Second, 5*time.Millisecond)
}

// drainUntil reads deployment events until one of the given type for the
// given deployment id arrives.
func drainUntil(t *testing.T, sub *events.Subscription, eventType string) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			got = append(got, ev)
			if ev.Type == eventType {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q event, saw %d events", eventType, len(got))
		}
	}
}

// gatedApplier blocks Apply until the gate closes, then delegates.
type gatedApplier struct {
	gate  chan struct{}
	once  sync.Once
	inner Applier
}

func newGatedApplier(inner Applier) *gatedApplier {
	return &gatedApplier{gate: make(chan struct{}), inner: inner}
}

func (a *gatedApplier) open() {
	a.once.Do(func() { close(a.gate) })
}

func (a *gatedApplier) Apply(ctx context.Context, repository, commit string) (string, error) {
	select {
	case <-a.gate:
		return a.inner.Apply(ctx, repository, commit)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// flakyApplier fails with a retriable error a fixed number of times.
type flakyApplier struct {
	failures int32
	inner    Applier
	calls    int32
}

func (a *flakyApplier) Apply(ctx context.Context, repository, commit string) (string, error) {
	n := atomic.AddInt32(&a.calls, 1)
	if n <= atomic.LoadInt32(&a.failures) {
		return "", errors.MarkRetriable(
			errors.Newf(errors.KindApplyFailed, "test", "transient apply failure %d", n), true)
	}
	return a.inner.Apply(ctx, repository, commit)
}

// countdownTarget fails its first n checks, then passes.
type countdownTarget struct {
	remaining int32
}

func (c *countdownTarget) Check(context.Context, string) error {
	if atomic.AddInt32(&c.remaining, -1) >= 0 {
		return fmt.Errorf("service endpoint unreachable")
	}
	return nil
}

func seedHealthyRuns(source *metrics.MemorySource, repo string, n int) {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		source.RecordRun(pipeline.Run{
			Repository:  repo,
			RunID:       fmt.Sprintf("run-%d", i),
			Workflow:    "ci",
			CreatedAt:   now.Add(-time.Duration(n-i) * time.Hour),
			CompletedAt: now.Add(-time.Duration(n-i) * time.Hour).Add(2 * time.Minute),
			Conclusion:  pipeline.ConclusionSuccess,
			DurationS:   120,
			QueueTimeS:  10,
		})
	}
}

func TestSubmitHappyPath(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		// Real post-deployment health evaluation over a healthy history.
		source := metrics.NewMemorySource()
		seedHealthyRuns(source, "org/app", 10)
		cfg := testConfig()
		trends := trend.NewAnalyzer(source, cfg.Anomaly.ZThreshold, cfg.Anomaly.OutlierSignificance, cfg.Intervals.TrendCacheTTL, zerolog.Nop())
		d.Checker = health.NewChecker(source, trends, cfg.Thresholds, time.Second, zerolog.Nop())
	})

	sub := rig.bus.Subscribe(events.ChannelDeployments)
	defer sub.Close()

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app",
		Commit:     "abc123",
		Branch:     "main",
		Initiator:  "github",
		Trigger:    deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	require.False(t, res.Deduplicated)

	d := rig.waitTerminal(t, res.DeploymentID)
	assert.Equal(t, deployment.StateCompleted, d.State)
	assert.Equal(t, "abc123", d.ConfigHashAfter)
	assert.NotEmpty(t, d.BackupRef)
	assert.NotEmpty(t, d.ConfigHashBefore)
	assert.False(t, d.StartedAt.IsZero())
	assert.False(t, d.EndedAt.IsZero())
	require.Len(t, d.StageResults, 4)
	for i, stage := range deployment.StageOrder {
		assert.Equal(t, stage, d.StageResults[i].Name)
		assert.Equal(t, deployment.StageCompleted, d.StageResults[i].State)
	}

	got := drainUntil(t, sub, events.TypeCompleted)
	var types []string
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.TypeStarted,
		events.TypeStageUpdate, events.TypeStageUpdate, events.TypeStageUpdate, events.TypeStageUpdate,
		events.TypeCompleted,
	}, types)
	assert.Equal(t, "abc123", got[len(got)-1].Payload["config_hash_after"])
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.orch.Submit(ctx, Request{Commit: "abc", Trigger: deployment.TriggerWebhook})
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = rig.orch.Submit(ctx, Request{Repository: "org/app", Commit: "abc", Trigger: deployment.TriggerRollback})
	assert.True(t, errors.IsKind(err, errors.KindValidation), "rollback is not a submittable trigger")

	_, err = rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "abc",
		Trigger: deployment.TriggerManual, Reason: "too short",
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestWebhookDedup(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	req := Request{
		Repository: "org/app",
		Commit:     "abc123",
		Initiator:  "github",
		Trigger:    deployment.TriggerWebhook,
	}

	first, err := rig.orch.Submit(ctx, req)
	require.NoError(t, err)
	rig.waitTerminal(t, first.DeploymentID)

	second, err := rig.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.DeploymentID, second.DeploymentID)

	// Manual submissions are never deduplicated.
	manual, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "abc123", Initiator: "alice",
		Trigger: deployment.TriggerManual, Reason: "redeploy after infra maintenance",
	})
	require.NoError(t, err)
	assert.False(t, manual.Deduplicated)
	assert.NotEqual(t, first.DeploymentID, manual.DeploymentID)
	rig.waitTerminal(t, manual.DeploymentID)
}

func TestVerifyFailureTriggersRollback(t *testing.T) {
	// The target fails the post-apply check once, then recovers so the
	// rollback's own verification passes.
	rig := newTestRig(t, func(d *Deps) {
		d.Target = &countdownTarget{remaining: 1}
	})

	sub := rig.bus.Subscribe(events.ChannelDeployments)
	defer sub.Close()

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "bad456", Initiator: "github",
		Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	got := drainUntil(t, sub, events.TypeRollbackCompleted)

	parent := rig.waitTerminal(t, res.DeploymentID)
	assert.Equal(t, deployment.StateFailed, parent.State)
	assert.True(t, parent.RollbackTriggered)
	require.NotNil(t, parent.Error)
	assert.Equal(t, string(errors.KindHealthCheckFailed), parent.Error.Kind)
	assert.Equal(t, deployment.StageVerify, parent.Error.Stage)

	var initiated, completed *events.Event
	for i := range got {
		switch got[i].Type {
		case events.TypeRollbackInitiated:
			initiated = &got[i]
		case events.TypeRollbackCompleted:
			completed = &got[i]
		}
	}
	require.NotNil(t, initiated)
	require.NotNil(t, completed)
	assert.Equal(t, parent.ID, initiated.Payload["deployment_id"])

	rid, ok := initiated.Payload["rollback_deployment_id"].(string)
	require.True(t, ok)
	r := rig.waitTerminal(t, rid)
	assert.Equal(t, deployment.StateCompleted, r.State)
	assert.Equal(t, deployment.TriggerRollback, r.Trigger)
	assert.Equal(t, parent.ID, r.RollbackOf)
	assert.Equal(t, parent.BackupRef, r.BackupRef)
	assert.Equal(t, parent.ConfigHashBefore, r.ConfigHashAfter,
		"rollback restores the pre-deployment configuration hash")
	assert.Equal(t, parent.ConfigHashBefore, rig.backup.Current("org/app"))
}

func TestRollbackFailureWhenTargetStaysDown(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Target = &countdownTarget{remaining: 1 << 20} // never recovers
	})

	sub := rig.bus.Subscribe(events.ChannelDeployments)
	defer sub.Close()

	_, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "bad456", Initiator: "github",
		Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	got := drainUntil(t, sub, events.TypeRollbackInitiated)
	var rid string
	for _, ev := range got {
		if ev.Type == events.TypeRollbackInitiated {
			rid = ev.Payload["rollback_deployment_id"].(string)
		}
	}
	require.NotEmpty(t, rid)

	r := rig.waitTerminal(t, rid)
	assert.Equal(t, deployment.StateFailed, r.State)
	require.NotNil(t, r.Error)
	assert.Equal(t, string(errors.KindRollbackFailed), r.Error.Kind)
}

func TestManualRollback(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	res, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "abc123", Initiator: "github",
		Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	parent := rig.waitTerminal(t, res.DeploymentID)
	require.Equal(t, deployment.StateCompleted, parent.State)

	rid, err := rig.orch.Rollback(ctx, parent.ID, "alice", "rolling back after customer reports")
	require.NoError(t, err)

	r := rig.waitTerminal(t, rid)
	assert.Equal(t, deployment.StateCompleted, r.State)
	assert.Equal(t, deployment.TriggerRollback, r.Trigger)
	assert.Equal(t, parent.ConfigHashBefore, r.ConfigHashAfter)
}

func TestRollbackRefusedForActiveDeployment(t *testing.T) {
	gate := newGatedApplier(nil)
	rig := newTestRig(t, func(d *Deps) {
		gate.inner = d.Applier
		d.Applier = gate
	})
	defer gate.open()

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "abc123", Initiator: "github",
		Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	rig.waitState(t, res.DeploymentID, deployment.StateApplying)

	_, err = rig.orch.Rollback(context.Background(), res.DeploymentID, "alice", "panic rollback")
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestQueueSingleSlot(t *testing.T) {
	gate := newGatedApplier(nil)
	rig := newTestRig(t, func(d *Deps) {
		gate.inner = d.Applier
		d.Applier = gate
	})
	defer gate.open()
	ctx := context.Background()

	d1, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	rig.waitState(t, d1.DeploymentID, deployment.StateApplying)

	d2, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c2", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	queued, err := rig.store.GetDeployment(ctx, d2.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatePending, queued.State)

	// The queue holds exactly one deployment per repository.
	_, err = rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c3", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	// A different repository is unaffected by the busy one.
	other, err := rig.orch.Submit(ctx, Request{
		Repository: "org/other", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	gate.open()
	assert.Equal(t, deployment.StateCompleted, rig.waitTerminal(t, d1.DeploymentID).State)
	assert.Equal(t, deployment.StateCompleted, rig.waitTerminal(t, d2.DeploymentID).State,
		"queued deployment is promoted when the active one finishes")
	assert.Equal(t, deployment.StateCompleted, rig.waitTerminal(t, other.DeploymentID).State)
}

func TestCancelQueuedDeployment(t *testing.T) {
	gate := newGatedApplier(nil)
	rig := newTestRig(t, func(d *Deps) {
		gate.inner = d.Applier
		d.Applier = gate
	})
	defer gate.open()
	ctx := context.Background()

	d1, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	rig.waitState(t, d1.DeploymentID, deployment.StateApplying)

	d2, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c2", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	require.NoError(t, rig.orch.Cancel(ctx, d2.DeploymentID, "alice"))
	cancelled, err := rig.store.GetDeployment(ctx, d2.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StateCancelled, cancelled.State)

	gate.open()
	assert.Equal(t, deployment.StateCompleted, rig.waitTerminal(t, d1.DeploymentID).State)
	// The cancelled deployment must not be promoted.
	final, err := rig.store.GetDeployment(ctx, d2.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StateCancelled, final.State)
}

func TestCancelDeferredDuringApply(t *testing.T) {
	gate := newGatedApplier(nil)
	rig := newTestRig(t, func(d *Deps) {
		gate.inner = d.Applier
		d.Applier = gate
	})
	defer gate.open()
	ctx := context.Background()

	res, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	rig.waitState(t, res.DeploymentID, deployment.StateApplying)

	// Cancel during apply is accepted but deferred.
	require.NoError(t, rig.orch.Cancel(ctx, res.DeploymentID, "alice"))
	mid, err := rig.store.GetDeployment(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StateApplying, mid.State)

	gate.open()
	d := rig.waitTerminal(t, res.DeploymentID)
	assert.Equal(t, deployment.StateCancelled, d.State,
		"deferred cancel lands once apply reaches its safe point")
	require.NotNil(t, d.Error)
	assert.Equal(t, string(errors.KindCancelled), d.Error.Kind)
}

func TestCancelTerminalRefused(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	res, err := rig.orch.Submit(ctx, Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)
	rig.waitTerminal(t, res.DeploymentID)

	err = rig.orch.Cancel(ctx, res.DeploymentID, "alice")
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	flaky := &flakyApplier{failures: 1}
	rig := newTestRig(t, func(d *Deps) {
		flaky.inner = d.Applier
		d.Applier = flaky
	})

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	d := rig.waitTerminal(t, res.DeploymentID)
	assert.Equal(t, deployment.StateCompleted, d.State)

	var apply *deployment.StageResult
	for i := range d.StageResults {
		if d.StageResults[i].Name == deployment.StageApply {
			apply = &d.StageResults[i]
		}
	}
	require.NotNil(t, apply)
	assert.Equal(t, 2, apply.Attempts)
	assert.Equal(t, deployment.StageCompleted, apply.State)
}

func TestNonRetriableFailureFailsWithoutRollback(t *testing.T) {
	// A validation-stage failure never reaches verify, so rollback must
	// not be attempted even though it is enabled.
	rig := newTestRig(t, func(d *Deps) {
		d.Validator = validatorFunc(func(context.Context, string, string) error {
			return fmt.Errorf("schema mismatch in deployment manifest")
		})
	})

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	d := rig.waitTerminal(t, res.DeploymentID)
	assert.Equal(t, deployment.StateFailed, d.State)
	assert.False(t, d.RollbackTriggered)
	require.NotNil(t, d.Error)
	assert.Equal(t, string(errors.KindValidation), d.Error.Kind)
	assert.Equal(t, deployment.StageValidate, d.Error.Stage)
	require.Len(t, d.StageResults, 1)
	assert.Equal(t, 1, d.StageResults[0].Attempts, "validation failures are not retried")
}

type validatorFunc func(ctx context.Context, repository, commit string) error

func (f validatorFunc) Validate(ctx context.Context, repository, commit string) error {
	return f(ctx, repository, commit)
}

func TestRollbackRequiresBackup(t *testing.T) {
	cfg := testConfig()
	cfg.Deployment.CreateBackup = false

	st := store.NewMemory()
	bus := events.New(zerolog.Nop(), 256)
	backup := NewLocalBackup()
	o := New(cfg, Deps{
		Store:   st,
		Bus:     bus,
		Audit:   audit.NewLogger(st, zerolog.Nop()),
		Backup:  backup,
		Applier: NewLocalApplier(backup),
	}, zerolog.Nop())
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	t.Cleanup(bus.Close)

	res, err := o.Submit(context.Background(), Request{
		Repository: "org/app", Commit: "c1", Initiator: "github", Trigger: deployment.TriggerWebhook,
	})
	require.NoError(t, err)

	var d *deployment.Deployment
	require.Eventually(t, func() bool {
		d, _ = st.GetDeployment(context.Background(), res.DeploymentID)
		return d != nil && deployment.IsTerminal(d.State)
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, deployment.StateCompleted, d.State)
	assert.Empty(t, d.BackupRef)

	_, err = o.Rollback(context.Background(), d.ID, "alice", "attempting rollback without a backup")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestSubmitPerRequestBackupOverride(t *testing.T) {
	// create_backup=false applies to that deployment only; the next one
	// keeps the configured default.
	rig := newTestRig(t, nil)

	off := false
	res, err := rig.orch.Submit(context.Background(), Request{
		Repository:   "org/app",
		Commit:       "c1",
		Initiator:    "alice",
		Reason:       "hotfix without the backup step",
		Trigger:      deployment.TriggerManual,
		CreateBackup: &off,
	})
	require.NoError(t, err)

	d := rig.waitTerminal(t, res.DeploymentID)
	require.Equal(t, deployment.StateCompleted, d.State)
	assert.False(t, d.CreateBackup)
	assert.Empty(t, d.BackupRef)
	assert.Empty(t, d.ConfigHashBefore)

	res, err = rig.orch.Submit(context.Background(), Request{
		Repository: "org/app",
		Commit:     "c2",
		Initiator:  "alice",
		Reason:     "regular manual deployment",
		Trigger:    deployment.TriggerManual,
	})
	require.NoError(t, err)

	d = rig.waitTerminal(t, res.DeploymentID)
	require.Equal(t, deployment.StateCompleted, d.State)
	assert.True(t, d.CreateBackup)
	assert.NotEmpty(t, d.BackupRef)
}

func TestSubmitSkipHealthCheck(t *testing.T) {
	// With skip_health_check the verify stage passes even though the
	// target never comes up, and no rollback is attempted.
	rig := newTestRig(t, func(d *Deps) {
		d.Target = &countdownTarget{remaining: 1 << 20} // never recovers
	})

	res, err := rig.orch.Submit(context.Background(), Request{
		Repository:      "org/app",
		Commit:          "c1",
		Initiator:       "alice",
		Reason:          "deploying with verification waived",
		Trigger:         deployment.TriggerManual,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)

	d := rig.waitTerminal(t, res.DeploymentID)
	require.Equal(t, deployment.StateCompleted, d.State)
	assert.True(t, d.SkipHealthCheck)
	assert.False(t, d.RollbackTriggered)
	require.Len(t, d.StageResults, 4)
	verify := d.StageResults[3]
	assert.Equal(t, deployment.StageVerify, verify.Name)
	assert.Equal(t, deployment.StageCompleted, verify.State)
}
