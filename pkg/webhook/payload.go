package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gitops-sentinel/pkg/domain/pipeline"
)

// repositoryRef accepts both the full repository object GitHub sends and
// the bare "owner/name" string some forges use.
type repositoryRef struct {
	FullName string
}

func (r *repositoryRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.FullName = s
		return nil
	}
	var obj struct {
		FullName string `json:"full_name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.FullName = obj.FullName
	return nil
}

// pushEvent is the subset of a push delivery the intake consumes.
type pushEvent struct {
	Ref        string        `json:"ref"`
	After      string        `json:"after"`
	Repository repositoryRef `json:"repository"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (p pushEvent) branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

func (p pushEvent) actor() string {
	if p.Sender.Login != "" {
		return p.Sender.Login
	}
	if p.Pusher.Name != "" {
		return p.Pusher.Name
	}
	return "webhook"
}

// workflowRunEvent carries pipeline run telemetry for the metrics source.
type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID           int64     `json:"id"`
		Name         string    `json:"name"`
		HeadBranch   string    `json:"head_branch"`
		Conclusion   string    `json:"conclusion"`
		CreatedAt    time.Time `json:"created_at"`
		RunStartedAt time.Time `json:"run_started_at"`
		UpdatedAt    time.Time `json:"updated_at"`
		Actor        struct {
			Login string `json:"login"`
		} `json:"actor"`
	} `json:"workflow_run"`
	Repository repositoryRef `json:"repository"`
}

func (w workflowRunEvent) toRun() pipeline.Run {
	wr := w.WorkflowRun
	run := pipeline.Run{
		Repository:  w.Repository.FullName,
		RunID:       fmt.Sprintf("%d", wr.ID),
		Workflow:    wr.Name,
		Branch:      wr.HeadBranch,
		CreatedAt:   wr.CreatedAt,
		StartedAt:   wr.RunStartedAt,
		CompletedAt: wr.UpdatedAt,
		Conclusion:  pipeline.Conclusion(wr.Conclusion),
		Actor:       wr.Actor.Login,
	}
	if !wr.RunStartedAt.IsZero() {
		if !wr.UpdatedAt.IsZero() {
			run.DurationS = wr.UpdatedAt.Sub(wr.RunStartedAt).Seconds()
		}
		if !wr.CreatedAt.IsZero() {
			run.QueueTimeS = wr.RunStartedAt.Sub(wr.CreatedAt).Seconds()
		}
	}
	return run
}
