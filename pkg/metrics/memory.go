package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitops-sentinel/pkg/domain/pipeline"
)

// MemorySource is a mutable in-process Source. Webhook ingestion and
// tests feed it; the analysis packages read from it.
type MemorySource struct {
	mu          sync.RWMutex
	runs        map[string][]pipeline.Run
	quality     map[string]pipeline.QualityMetrics
	reliability map[string]pipeline.ReliabilityMetrics
	maxRuns     int
}

const defaultMaxRunsPerRepo = 5000

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		runs:        make(map[string][]pipeline.Run),
		quality:     make(map[string]pipeline.QualityMetrics),
		reliability: make(map[string]pipeline.ReliabilityMetrics),
		maxRuns:     defaultMaxRunsPerRepo,
	}
}

// RecordRun appends a pipeline run, keeping per-repository history
// bounded and ordered by creation time.
func (m *MemorySource) RecordRun(run pipeline.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := append(m.runs[run.Repository], run)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	if len(runs) > m.maxRuns {
		runs = runs[len(runs)-m.maxRuns:]
	}
	m.runs[run.Repository] = runs
}

// SetQualityMetrics replaces the repository's quality inputs.
func (m *MemorySource) SetQualityMetrics(repository string, q pipeline.QualityMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality[repository] = q
}

// SetReliabilityMetrics replaces the repository's reliability inputs.
func (m *MemorySource) SetReliabilityMetrics(repository string, r pipeline.ReliabilityMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reliability[repository] = r
}

func (m *MemorySource) PipelineRuns(_ context.Context, repository string, window time.Duration) ([]pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []pipeline.Run
	for _, run := range m.runs[repository] {
		if window > 0 && run.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *MemorySource) QualityMetrics(_ context.Context, repository string) (*pipeline.QualityMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quality[repository]
	if !ok {
		return nil, nil
	}
	out := q
	return &out, nil
}

func (m *MemorySource) ReliabilityMetrics(_ context.Context, repository string) (*pipeline.ReliabilityMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reliability[repository]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (m *MemorySource) MonitoredRepositories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repos := make([]string, 0, len(m.runs))
	for repo := range m.runs {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}
