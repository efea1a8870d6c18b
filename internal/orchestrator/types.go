package orchestrator

import (
	"errors"
	"slices"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrInvalidTransition   = errors.New("invalid run transition")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrNoRunner            = errors.New("no runner registered for stage")
	ErrShuttingDown        = errors.New("orchestrator is shutting down")
	ErrTransitionsExceeded = errors.New("run exceeded its stage transition limit")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ReasonCancelled is the failure reason of cancelled runs.
const ReasonCancelled = "cancelled"

// ProgressKey is the derived context name holding the completion
// percentage of a run.
const ProgressKey = "progress.completion"

// Writers recorded on context entries the engine writes itself.
const (
	WriterSubmitter = "submitter"
	WriterSystem    = "system"
)

// Checkpoint is a context snapshot taken at a stage boundary.
type Checkpoint struct {
	contextstore.Checkpoint
	// Stage is the stage that had just committed, empty for the initial
	// checkpoint.
	Stage string `json:"stage,omitempty"`
	// NextStage is where a run resumes after rolling back to this
	// checkpoint. Empty when the pipeline was complete.
	NextStage string `json:"next_stage,omitempty"`
}

// Attempt records one stage invocation.
type Attempt struct {
	Stage      string           `json:"stage"`
	Handler    recovery.Handler `json:"handler"`
	Hint       stages.Hint      `json:"hint,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Confidence float64          `json:"confidence,omitempty"`
	Error      string           `json:"error,omitempty"`
	Decision   recovery.Action  `json:"decision,omitempty"`
}

// Transition records one status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// PipelineRun is the state of one run.
type PipelineRun struct {
	ID        string    `json:"id"`
	Input     string    `json:"input"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Stage is the stage to execute next, empty once the graph is done.
	Stage   string           `json:"stage,omitempty"`
	Handler recovery.Handler `json:"handler"`
	Hint    stages.Hint      `json:"hint,omitempty"`
	Ladder  recovery.Ladder  `json:"ladder"`
	// RecoveryAttempts counts router decisions since the run started or a
	// reviewer last resumed it.
	RecoveryAttempts int `json:"recovery_attempts"`
	// StageTransitions counts completed stages, loops included.
	StageTransitions int `json:"stage_transitions"`

	Checkpoints []Checkpoint      `json:"checkpoints"`
	Attempts    []Attempt         `json:"attempts"`
	Transitions []Transition      `json:"transitions"`
	Approval    *approval.Request `json:"approval,omitempty"`
}

// LatestCheckpoint returns the most recent checkpoint.
func (r *PipelineRun) LatestCheckpoint() (Checkpoint, bool) {
	if len(r.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return r.Checkpoints[len(r.Checkpoints)-1], true
}

// FindCheckpoint looks a checkpoint up by ID, or by name picking the most
// recent match.
func (r *PipelineRun) FindCheckpoint(ref string) (Checkpoint, bool) {
	for i := len(r.Checkpoints) - 1; i >= 0; i-- {
		cp := r.Checkpoints[i]
		if cp.ID == ref || cp.Name == ref {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

func (r *PipelineRun) clone() PipelineRun {
	c := *r
	c.Checkpoints = slices.Clone(r.Checkpoints)
	c.Attempts = slices.Clone(r.Attempts)
	c.Transitions = slices.Clone(r.Transitions)
	if r.Approval != nil {
		a := *r.Approval
		c.Approval = &a
	}
	return c
}
