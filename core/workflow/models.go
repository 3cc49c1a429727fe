package workflow

import "time"

// Step identifies one stage of the authoring pipeline.
type Step string

const (
	StepPlan             Step = "plan"
	StepDraft            Step = "draft"
	StepCitationCheck    Step = "citation_check"
	StepGrammarCheck     Step = "grammar_check"
	StepReadabilityCheck Step = "readability_check"
	StepDone             Step = "done"
	StepFailed           Step = "failed"
)

// Terminal reports whether the step is one of the two terminal variants.
func (s Step) Terminal() bool {
	return s == StepDone || s == StepFailed
}

// Status captures the lifecycle of a workflow instance.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// QualityMetrics maps named scores to numeric values. Only the quality gate
// interprets them.
type QualityMetrics map[string]float64

// StepResult records the outcome of the latest attempt of one step. A retry
// replaces the prior entry for the same step; replaced attempts survive only
// in the run timeline.
type StepResult struct {
	Step        Step           `json:"step"`
	Content     string         `json:"content,omitempty"`
	Metrics     QualityMetrics `json:"metrics,omitempty"`
	PassedGate  bool           `json:"passed_gate"`
	Skipped     bool           `json:"skipped,omitempty"`
	Error       string         `json:"error,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// ErrorCause classifies the failure carried on a degraded or failed snapshot.
type ErrorCause string

const (
	CauseGeneration ErrorCause = "generation_error"
	CauseQuality    ErrorCause = "quality_failure"
	CauseStore      ErrorCause = "store_error"
	CauseConfig     ErrorCause = "config_error"
)

// ErrorInfo is the UI-visible description of the last failure.
type ErrorInfo struct {
	Cause   ErrorCause `json:"cause"`
	Step    Step       `json:"step,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Instance is the mutable runtime state of one document's workflow run. It is
// owned and mutated exclusively by the Engine.
type Instance struct {
	ID               string       `json:"id"`
	DocumentID       string       `json:"document_id"`
	Definition       *Definition  `json:"definition"`
	CurrentStep      Step         `json:"current_step"`
	Status           Status       `json:"status"`
	StepResults      []StepResult `json:"step_results,omitempty"`
	RetryCount       int          `json:"retry_count"`
	MaxRetries       int          `json:"max_retries"`
	LastError        *ErrorInfo   `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	LastCheckpointAt *time.Time   `json:"last_checkpoint_at,omitempty"`
}

// resultIndex returns the position of the recorded result for step, or -1.
func (in *Instance) resultIndex(step Step) int {
	for i := range in.StepResults {
		if in.StepResults[i].Step == step {
			return i
		}
	}
	return -1
}

// completedSteps counts steps whose recorded result advanced the pipeline.
func (in *Instance) completedSteps() int {
	n := 0
	for i := range in.StepResults {
		if in.StepResults[i].PassedGate || in.StepResults[i].Skipped {
			n++
		}
	}
	return n
}

// Progress returns completed steps over total steps in the definition.
func (in *Instance) Progress() float64 {
	if in.Definition == nil || len(in.Definition.Steps) == 0 {
		return 0
	}
	return float64(in.completedSteps()) / float64(len(in.Definition.Steps))
}

// Snapshot is a read-only, JSON-serializable copy of an Instance published to
// subscribers after every transition and persisted by the checkpoint store.
type Snapshot struct {
	ID               string       `json:"id"`
	DocumentID       string       `json:"document_id"`
	Kind             string       `json:"kind"`
	Steps            []StepDef    `json:"steps"`
	CurrentStep      Step         `json:"current_step"`
	Status           Status       `json:"status"`
	StepResults      []StepResult `json:"step_results,omitempty"`
	RetryCount       int          `json:"retry_count"`
	MaxRetries       int          `json:"max_retries"`
	OverallProgress  float64      `json:"overall_progress"`
	LastError        *ErrorInfo   `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	LastCheckpointAt *time.Time   `json:"last_checkpoint_at,omitempty"`
}

// TimelineEvent is one append-only audit record of a transition.
type TimelineEvent struct {
	Type       string     `json:"type"`
	Step       Step       `json:"step,omitempty"`
	Status     Status     `json:"status,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Time       time.Time  `json:"time"`
}
