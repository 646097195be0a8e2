package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/domain/deployment"
	"gitops-sentinel/pkg/domain/pipeline"
)

// Memory is the in-process store. It is the default driver and the
// reference for CAS and claim semantics.
type Memory struct {
	mu          sync.RWMutex
	deployments map[string]*deployment.Deployment
	order       []string
	claims      map[string]bool
	health      map[string][]pipeline.HealthReport
	predictions map[string][]pipeline.FailurePrediction
	auditLog    []audit.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[string]*deployment.Deployment),
		claims:      make(map[string]bool),
		health:      make(map[string][]pipeline.HealthReport),
		predictions: make(map[string][]pipeline.FailurePrediction),
	}
}

func cloneDeployment(d *deployment.Deployment) *deployment.Deployment {
	out := *d
	out.StageResults = make([]deployment.StageResult, len(d.StageResults))
	for i, r := range d.StageResults {
		if r.Logs != nil {
			r.Logs = append([]string(nil), r.Logs...)
		}
		if r.Artifacts != nil {
			artifacts := make(map[string]string, len(r.Artifacts))
			for k, v := range r.Artifacts {
				artifacts[k] = v
			}
			r.Artifacts = artifacts
		}
		out.StageResults[i] = r
	}
	if d.Error != nil {
		e := *d.Error
		out.Error = &e
	}
	return &out
}

func (m *Memory) PutDeployment(_ context.Context, d *deployment.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Version = 1
	m.deployments[d.ID] = cloneDeployment(d)
	m.order = append(m.order, d.ID)
	return nil
}

func (m *Memory) UpdateDeployment(_ context.Context, d *deployment.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.deployments[d.ID]
	if !ok {
		return ErrNotFound(d.ID)
	}
	if current.Version != d.Version {
		return ErrVersionConflict(d.ID, d.Version)
	}
	d.Version++
	m.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (m *Memory) AppendStageResult(_ context.Context, deploymentID string, r deployment.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.deployments[deploymentID]
	if !ok {
		return ErrNotFound(deploymentID)
	}
	current.StageResults = append(current.StageResults, r)
	return nil
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*deployment.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound(id)
	}
	return cloneDeployment(d), nil
}

func (m *Memory) ListDeployments(_ context.Context, f DeploymentFilter) ([]*deployment.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*deployment.Deployment
	// Newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deployments[m.order[i]]
		if f.Repository != "" && d.Repository != f.Repository {
			continue
		}
		if f.State != "" && d.State != f.State {
			continue
		}
		if f.Trigger != "" && d.Trigger != f.Trigger {
			continue
		}
		out = append(out, cloneDeployment(d))
	}
	return paginate(out, f.Limit, f.Offset), nil
}

func paginate(in []*deployment.Deployment, limit, offset int) []*deployment.Deployment {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (m *Memory) FindRecentWebhookDeployment(_ context.Context, repository, commit string, window time.Duration) (*deployment.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deployments[m.order[i]]
		if d.Repository != repository || d.Commit != commit || d.Trigger != deployment.TriggerWebhook {
			continue
		}
		if !deployment.IsTerminal(d.State) || d.CreatedAt.After(cutoff) {
			return cloneDeployment(d), nil
		}
	}
	return nil, nil
}

func (m *Memory) ClaimActive(_ context.Context, repository string) (ReleaseFunc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[repository] {
		return nil, false, nil
	}
	m.claims[repository] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.claims, repository)
			m.mu.Unlock()
		})
	}
	return release, true, nil
}

func (m *Memory) PutHealthReport(_ context.Context, r pipeline.HealthReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[r.Repository] = append(m.health[r.Repository], r)
	return nil
}

func (m *Memory) LatestHealthReport(_ context.Context, repository string) (*pipeline.HealthReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reports := m.health[repository]
	if len(reports) == 0 {
		return nil, nil
	}
	r := reports[len(reports)-1]
	return &r, nil
}

func (m *Memory) PutPrediction(_ context.Context, p pipeline.FailurePrediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[p.Repository] = append(m.predictions[p.Repository], p)
	return nil
}

func (m *Memory) LatestPrediction(_ context.Context, repository string) (*pipeline.FailurePrediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	preds := m.predictions[repository]
	if len(preds) == 0 {
		return nil, nil
	}
	p := preds[len(preds)-1]
	return &p, nil
}

func (m *Memory) AppendAudit(_ context.Context, ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, ev)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []audit.Event
	for _, ev := range m.auditLog {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
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

func (m *Memory) Close() error {
	return nil
}
