// Package metrics abstracts where historical pipeline runs and
// repository quality/reliability inputs come from. Analysis code only
// sees the Source interface; providers are swappable.
package metrics

import (
	"context"
	"time"

	"gitops-sentinel/pkg/domain/pipeline"
)

// Source supplies the read-side inputs for health checks, trend
// analysis and failure prediction.
type Source interface {
	// PipelineRuns returns runs for the repository within the lookback
	// window, oldest first.
	PipelineRuns(ctx context.Context, repository string, window time.Duration) ([]pipeline.Run, error)

	// QualityMetrics returns the repository's code-quality inputs, or
	// nil when none are known.
	QualityMetrics(ctx context.Context, repository string) (*pipeline.QualityMetrics, error)

	// ReliabilityMetrics returns the repository's operational inputs,
	// or nil when none are known.
	ReliabilityMetrics(ctx context.Context, repository string) (*pipeline.ReliabilityMetrics, error)

	// MonitoredRepositories lists every repository the control plane
	// watches.
	MonitoredRepositories(ctx context.Context) ([]string, error)
}
