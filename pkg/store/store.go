// Package store defines the persistence contract for deployments, health
// reports, predictions and the audit trail, with in-memory and sqlite
// implementations. All implementations provide atomic compare-and-swap on
// (deployment id, version) and the claim-active concurrency primitive.
package store

import (
	"context"
	"time"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/domain/pipeline"
)

// DeploymentFilter narrows ListDeployments. Zero values match everything.
type DeploymentFilter struct {
	Repository string
	State      deployment.State
	Trigger    deployment.Trigger
	Limit      int
	Offset     int
}

// ReleaseFunc gives back a repository's active slot.
type ReleaseFunc func()

// Store is the persistence capability set.
type Store interface {
	audit.Sink

	// PutDeployment stores a new deployment and sets its version to 1.
	PutDeployment(ctx context.Context, d *deployment.Deployment) error

	// UpdateDeployment applies a compare-and-swap on (id, version). On
	// success the stored and in-memory versions are incremented; on
	// version mismatch a Conflict error is returned and the caller must
	// reload.
	UpdateDeployment(ctx context.Context, d *deployment.Deployment) error

	// AppendStageResult appends a stage record to a deployment without
	// CAS. Only the owning orchestrator worker may call it.
	AppendStageResult(ctx context.Context, deploymentID string, r deployment.StageResult) error

	// GetDeployment returns a copy of the deployment or NotFound.
	GetDeployment(ctx context.Context, id string) (*deployment.Deployment, error)

	// ListDeployments returns matching deployments, newest first.
	ListDeployments(ctx context.Context, f DeploymentFilter) ([]*deployment.Deployment, error)

	// FindRecentWebhookDeployment returns the newest webhook deployment
	// for (repository, commit) that is either still active or was
	// created within the window. Nil when none matches.
	FindRecentWebhookDeployment(ctx context.Context, repository, commit string, window time.Duration) (*deployment.Deployment, error)

	// ClaimActive acquires the repository's single active slot. ok is
	// false when another deployment holds it.
	ClaimActive(ctx context.Context, repository string) (ReleaseFunc, bool, error)

	PutHealthReport(ctx context.Context, r pipeline.HealthReport) error
	LatestHealthReport(ctx context.Context, repository string) (*pipeline.HealthReport, error)

	PutPrediction(ctx context.Context, p pipeline.FailurePrediction) error
	LatestPrediction(ctx context.Context, repository string) (*pipeline.FailurePrediction, error)

	Close() error
}

// ErrNotFound builds the canonical not-found error.
func ErrNotFound(id string) error {
	return errors.Newf(errors.KindNotFound, "store", "deployment %s not found", id)
}

// ErrVersionConflict builds the canonical CAS-conflict error.
func ErrVersionConflict(id string, version int64) error {
	return errors.Newf(errors.KindConflict, "store", "version conflict on deployment %s (version %d)", id, version)
}
