// Package deployment holds the deployment aggregate: states, stages,
// triggers and the legal transition graph the orchestrator enforces.
package deployment

import (
	"time"
)

// State is the lifecycle state of a deployment.
type State string

const (
	StatePending     State = "pending"
	StateValidating  State = "validating"
	StateBackingUp   State = "backing_up"
	StateApplying    State = "applying"
	StateVerifying   State = "verifying"
	StateRollingBack State = "rolling_back"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Trigger identifies what initiated a deployment.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerManual   Trigger = "manual"
	TriggerRollback Trigger = "rollback"
)

// Stage names, in execution order.
const (
	StageValidate = "validate"
	StageBackup   = "backup"
	StageApply    = "apply"
	StageVerify   = "verify"
	StageRollback = "rollback"
)

// StageOrder is the forward stage sequence for a normal deployment.
var StageOrder = []string{StageValidate, StageBackup, StageApply, StageVerify}

// StageState is the lifecycle state of a single stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// MaxStageLogLines bounds the per-stage log ring.
const MaxStageLogLines = 200

// StageError captures a stage failure.
type StageError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// StageResult records one stage execution under a deployment.
type StageResult struct {
	Name      string            `json:"name"`
	State     StageState        `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Attempts  int               `json:"attempts"`
	Logs      []string          `json:"logs,omitempty"`
	Error     *StageError       `json:"error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// AppendLog adds a line to the stage log ring, dropping the oldest line
// once the ring is full.
func (r *StageResult) AppendLog(line string) {
	r.Logs = append(r.Logs, line)
	if len(r.Logs) > MaxStageLogLines {
		r.Logs = r.Logs[len(r.Logs)-MaxStageLogLines:]
	}
}

// DeploymentError is the structured error surfaced on a failed deployment.
type DeploymentError struct {
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Deployment is the unit of orchestration.
type Deployment struct {
	ID                 string           `json:"id" db:"id"`
	Repository         string           `json:"repository" db:"repository"`
	Commit             string           `json:"commit" db:"commit_sha"`
	Branch             string           `json:"branch" db:"branch"`
	Trigger            Trigger          `json:"trigger" db:"trigger_kind"`
	ParentDeploymentID string           `json:"parent_deployment_id,omitempty" db:"parent_deployment_id"`
	Initiator          string           `json:"initiator" db:"initiator"`
	Reason             string           `json:"reason,omitempty" db:"reason"`
	CreateBackup       bool             `json:"create_backup" db:"create_backup"`
	SkipHealthCheck    bool             `json:"skip_health_check" db:"skip_health_check"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	StartedAt          time.Time        `json:"started_at,omitempty" db:"started_at"`
	EndedAt            time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	State              State            `json:"state" db:"state"`
	CurrentStage       string           `json:"current_stage,omitempty" db:"current_stage"`
	StageResults       []StageResult    `json:"stage_results,omitempty" db:"-"`
	ConfigHashBefore   string           `json:"config_hash_before,omitempty" db:"config_hash_before"`
	ConfigHashAfter    string           `json:"config_hash_after,omitempty" db:"config_hash_after"`
	BackupRef          string           `json:"backup_ref,omitempty" db:"backup_ref"`
	Error              *DeploymentError `json:"error,omitempty" db:"-"`
	RollbackTriggered  bool             `json:"rollback_triggered" db:"rollback_triggered"`
	RollbackOf         string           `json:"rollback_of,omitempty" db:"rollback_of"`
	Version            int64            `json:"version" db:"version"`
}

// transitions is the legal state graph. Terminal states have no exits.
var transitions = map[State][]State{
	// pending enters rolling_back directly for rollback deployments,
	// which skip the forward stages.
	StatePending:     {StateValidating, StateRollingBack, StateCancelled},
	StateValidating:  {StateBackingUp, StateFailed},
	StateBackingUp:   {StateApplying, StateFailed},
	StateApplying:    {StateVerifying, StateFailed},
	StateVerifying:   {StateCompleted, StateFailed, StateRollingBack, StateCancelled},
	StateRollingBack: {StateCompleted, StateFailed},
	StateCompleted:   nil,
	StateFailed:      nil,
	StateCancelled:   nil,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsActive reports whether a deployment in this state occupies the
// repository's single active slot.
func IsActive(s State) bool {
	switch s {
	case StateValidating, StateBackingUp, StateApplying, StateVerifying, StateRollingBack:
		return true
	}
	return false
}

// StateForStage maps a forward stage to the state that runs it.
func StateForStage(stage string) State {
	switch stage {
	case StageValidate:
		return StateValidating
	case StageBackup:
		return StateBackingUp
	case StageApply:
		return StateApplying
	case StageVerify:
		return StateVerifying
	case StageRollback:
		return StateRollingBack
	}
	return StatePending
}
