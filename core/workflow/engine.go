package workflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/poer2023/chusea-workflow/core/infra/logging"
	"github.com/poer2023/chusea-workflow/core/infra/metrics"
)

// Config bounds the engine's retry behavior.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the retry limits applied when the workflow config
// file does not override them.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.MaxRetries < 0 {
		return &ConfigError{Reason: "max retries must not be negative"}
	}
	if c.BackoffBase <= 0 {
		return &ConfigError{Reason: "backoff base must be positive"}
	}
	if c.BackoffCap < c.BackoffBase {
		return &ConfigError{Reason: "backoff cap must not be below base"}
	}
	return nil
}

// Engine is the workflow state machine for one document run. All transitions
// are serialized through its mutex; at most one step execution is in flight
// at any time. The engine is the sole writer of its Instance.
type Engine struct {
	mu    sync.Mutex
	inst  *Instance
	def   *Definition
	exec  Executor
	store CheckpointStore
	cfg   Config

	docText    string
	userPrompt string

	metrics metrics.Metrics

	// OnTransition receives a snapshot after every state change. It is
	// invoked with the engine lock held; callbacks must not call back in.
	OnTransition func(Snapshot)

	inFlight   bool
	seq        uint64
	cancelExec context.CancelFunc
	retryTimer *time.Timer
	backoffExp int
}

// NewEngine creates an engine in the Idle state. The definition and config
// are validated up front; a ConfigError means the instance is never created.
func NewEngine(instanceID, documentID string, def *Definition, cfg Config, exec Executor, store CheckpointStore) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &ConfigError{Reason: "executor required"}
	}
	if instanceID == "" {
		return nil, &ConfigError{Reason: "instance id required"}
	}
	now := time.Now().UTC()
	inst := &Instance{
		ID:          instanceID,
		DocumentID:  documentID,
		Definition:  def,
		CurrentStep: def.Steps[0].Step,
		Status:      StatusIdle,
		MaxRetries:  cfg.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return &Engine{inst: inst, def: def, exec: exec, store: store, cfg: cfg, metrics: metrics.Noop{}}, nil
}

// NewEngineFromSnapshot rebuilds an engine from a persisted snapshot so an
// interrupted run can continue from its last checkpoint. A run that was
// checkpointed mid-execution resumes in the Paused state.
func NewEngineFromSnapshot(snap *Snapshot, cfg Config, exec Executor, store CheckpointStore) (*Engine, error) {
	if snap == nil {
		return nil, &ConfigError{Reason: "nil snapshot"}
	}
	def := &Definition{Kind: snap.Kind, Steps: snap.Steps}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &ConfigError{Reason: "executor required"}
	}
	status := snap.Status
	if status == StatusRunning {
		status = StatusPaused
	}
	inst := &Instance{
		ID:               snap.ID,
		DocumentID:       snap.DocumentID,
		Definition:       def,
		CurrentStep:      snap.CurrentStep,
		Status:           status,
		StepResults:      append([]StepResult(nil), snap.StepResults...),
		RetryCount:       snap.RetryCount,
		MaxRetries:       snap.MaxRetries,
		LastError:        snap.LastError,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        time.Now().UTC(),
		CompletedAt:      snap.CompletedAt,
		LastCheckpointAt: snap.LastCheckpointAt,
	}
	return &Engine{inst: inst, def: def, exec: exec, store: store, cfg: cfg, metrics: metrics.Noop{}}, nil
}

// WithMetrics sets the metrics sink; the default is a no-op.
func (e *Engine) WithMetrics(m metrics.Metrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Start moves Idle to Running and begins executing the first step.
func (e *Engine) Start(docText, userPrompt string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.Status != StatusIdle {
		return fmt.Errorf("cannot start from status %s", e.inst.Status)
	}
	e.docText = docText
	e.userPrompt = userPrompt
	e.inst.Status = StatusRunning
	e.touchLocked()
	e.checkpointLocked()
	e.emitLocked()
	e.runCurrentStepLocked()
	return nil
}

// Pause stops new step executions. An in-flight execution finishes and its
// outcome is recorded, but the next step waits for Resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.Status != StatusRunning {
		return fmt.Errorf("cannot pause from status %s", e.inst.Status)
	}
	e.stopRetryTimerLocked()
	e.inst.Status = StatusPaused
	e.touchLocked()
	e.emitLocked()
	return nil
}

// Resume continues a paused run. If navigation moved the position onto an
// already-completed step, execution continues from the first incomplete step.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.Status != StatusPaused {
		return fmt.Errorf("cannot resume from status %s", e.inst.Status)
	}
	e.inst.Status = StatusRunning
	if !e.inFlight {
		e.inst.CurrentStep = e.resumeTargetLocked()
	}
	e.touchLocked()
	e.emitLocked()
	if !e.inFlight {
		if e.inst.CurrentStep == StepDone {
			e.completeLocked()
			e.checkpointLocked()
			e.emitLocked()
		} else {
			e.runCurrentStepLocked()
		}
	}
	return nil
}

// Cancel aborts the run from any non-terminal state. An in-flight execution
// is asked to stop and its late-arriving outcome, if any, is discarded.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.Status.Terminal() {
		return fmt.Errorf("cannot cancel from status %s", e.inst.Status)
	}
	e.invalidateInFlightLocked()
	e.stopRetryTimerLocked()
	now := time.Now().UTC()
	e.inst.Status = StatusCancelled
	e.inst.CompletedAt = &now
	e.touchLocked()
	e.checkpointLocked()
	e.emitLocked()
	return nil
}

// RetryCurrentStep is the explicit user-triggered retry. It bypasses any
// pending backoff delay, grants a fresh retry budget and also recovers a run
// that exhausted its automatic retries.
func (e *Engine) RetryCurrentStep() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.inst.Status {
	case StatusRunning:
		if e.inFlight {
			return fmt.Errorf("step execution already in flight")
		}
	case StatusFailed:
		if e.inst.LastError == nil || e.inst.LastError.Step.Terminal() || e.inst.LastError.Step == "" {
			return fmt.Errorf("no retryable step recorded")
		}
		e.inst.CurrentStep = e.inst.LastError.Step
		e.inst.CompletedAt = nil
		e.inst.Status = StatusRunning
	default:
		return fmt.Errorf("cannot retry from status %s", e.inst.Status)
	}
	e.stopRetryTimerLocked()
	e.inst.RetryCount = 0
	e.backoffExp = 0
	e.inst.LastError = nil
	e.touchLocked()
	e.emitLocked()
	e.runCurrentStepLocked()
	return nil
}

// SkipCurrentStep forces an advance past the current step regardless of gate
// outcome or remaining retry budget. Only steps flagged skippable in the
// definition may be skipped; the recorded result is marked skipped with
// passedGate=false.
func (e *Engine) SkipCurrentStep() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	step := e.inst.CurrentStep
	switch e.inst.Status {
	case StatusRunning, StatusPaused:
	case StatusFailed:
		if e.inst.LastError == nil || e.inst.LastError.Step == "" || e.inst.LastError.Step.Terminal() {
			return fmt.Errorf("no skippable step recorded")
		}
		step = e.inst.LastError.Step
	default:
		return fmt.Errorf("cannot skip from status %s", e.inst.Status)
	}
	if step.Terminal() {
		return fmt.Errorf("cannot skip terminal step %s", step)
	}
	if !e.def.Skippable(step) {
		return fmt.Errorf("step %s is not skippable", step)
	}

	e.invalidateInFlightLocked()
	e.stopRetryTimerLocked()
	if e.inst.Status == StatusFailed {
		e.inst.Status = StatusRunning
		e.inst.CompletedAt = nil
	}
	e.inst.CurrentStep = step
	e.recordResultLocked(StepResult{
		Step:        step,
		Skipped:     true,
		PassedGate:  false,
		GeneratedAt: time.Now().UTC(),
	})
	e.metrics.IncStepSkipped(string(step))
	e.inst.LastError = nil
	wasPaused := e.inst.Status == StatusPaused
	e.advanceLocked()
	e.touchLocked()
	e.checkpointLocked()
	e.emitLocked()
	if !wasPaused && e.inst.Status == StatusRunning {
		e.runCurrentStepLocked()
	}
	return nil
}

// GoToStep repositions onto a step that already has a recorded result, for
// review. Permitted only while Paused or Completed; status is unchanged and
// nothing re-executes.
func (e *Engine) GoToStep(step Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.Status != StatusPaused && e.inst.Status != StatusCompleted {
		return fmt.Errorf("cannot navigate from status %s", e.inst.Status)
	}
	if e.inst.resultIndex(step) < 0 {
		return fmt.Errorf("step %s has no recorded result", step)
	}
	e.inst.CurrentStep = step
	e.touchLocked()
	e.emitLocked()
	return nil
}

// Snapshot returns a read-only copy of the instance state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Checkpoint persists the current snapshot. Called by the controller's
// periodic tick; failures are non-fatal.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveSnapshotLocked(ctx)
}

// --- internals; every method below expects e.mu held ---

func (e *Engine) runCurrentStepLocked() {
	if e.inFlight || e.inst.Status != StatusRunning {
		return
	}
	step := e.inst.CurrentStep
	if step.Terminal() {
		return
	}
	e.inFlight = true
	e.seq++
	seq := e.seq
	cctx, cancel := context.WithCancel(context.Background())
	e.cancelExec = cancel
	ec := ExecContext{
		DocumentID:   e.inst.DocumentID,
		DocumentText: e.docText,
		UserPrompt:   e.userPrompt,
		Prior:        append([]StepResult(nil), e.inst.StepResults...),
	}

	go func() {
		defer cancel()
		started := time.Now()
		out := e.exec.Execute(cctx, step, ec)
		e.metrics.ObserveGenerationDuration(string(step), time.Since(started).Seconds())
		e.handleOutcome(seq, step, out)
	}()
}

// handleOutcome applies one execution result. Outcomes from a superseded
// attempt (after cancel or skip) are discarded without touching state.
func (e *Engine) handleOutcome(seq uint64, step Step, out Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != e.seq {
		logging.Info("workflow-engine", "discarding stale outcome", "instance", e.inst.ID, "step", step)
		return
	}
	e.inFlight = false
	e.cancelExec = nil
	if e.inst.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	switch {
	case out.Err != nil:
		e.recordResultLocked(StepResult{Step: step, Error: out.Err.Error(), GeneratedAt: now})
		cause := CauseOf(out.Err)
		if cause == "" {
			cause = CauseGeneration
		}
		e.failureLocked(step, cause, out.Err.Error())
	case !out.PassedGate:
		e.recordResultLocked(StepResult{Step: step, Content: out.Content, Metrics: out.Metrics, GeneratedAt: now})
		e.metrics.IncGateFailed(string(step))
		qf := &QualityFailure{Step: step, Metrics: out.Metrics}
		e.failureLocked(step, CauseQuality, qf.Error())
	default:
		e.recordResultLocked(StepResult{Step: step, Content: out.Content, Metrics: out.Metrics, PassedGate: true, GeneratedAt: now})
		e.inst.LastError = nil
		e.advanceLocked()
		e.touchLocked()
		e.checkpointLocked()
		e.emitLocked()
		if e.inst.Status == StatusRunning {
			e.runCurrentStepLocked()
		}
	}
}

func (e *Engine) failureLocked(step Step, cause ErrorCause, msg string) {
	e.inst.LastError = &ErrorInfo{Cause: cause, Step: step, Message: msg}
	e.touchLocked()
	if e.inst.RetryCount < e.inst.MaxRetries {
		e.inst.RetryCount++
		e.backoffExp++
		e.metrics.IncStepRetried(string(step))
		e.emitLocked()
		if e.inst.Status == StatusRunning {
			e.scheduleRetryLocked(e.backoffDelayLocked())
		}
		return
	}
	now := time.Now().UTC()
	e.inst.CurrentStep = StepFailed
	e.inst.Status = StatusFailed
	e.inst.CompletedAt = &now
	e.checkpointLocked()
	e.emitLocked()
}

func (e *Engine) advanceLocked() {
	next := e.def.Next(e.inst.CurrentStep)
	e.inst.RetryCount = 0
	e.backoffExp = 0
	e.inst.CurrentStep = next
	if next == StepDone {
		e.completeLocked()
	}
}

func (e *Engine) completeLocked() {
	now := time.Now().UTC()
	e.inst.CurrentStep = StepDone
	e.inst.Status = StatusCompleted
	e.inst.CompletedAt = &now
}

// resumeTargetLocked returns the first step in definition order without a
// passing or skipped result, or StepDone when none remain.
func (e *Engine) resumeTargetLocked() Step {
	if e.inst.CurrentStep.Terminal() {
		return e.inst.CurrentStep
	}
	for _, sd := range e.def.Steps {
		idx := e.inst.resultIndex(sd.Step)
		if idx < 0 {
			return sd.Step
		}
		res := e.inst.StepResults[idx]
		if !res.PassedGate && !res.Skipped {
			return sd.Step
		}
	}
	return StepDone
}

func (e *Engine) recordResultLocked(res StepResult) {
	if idx := e.inst.resultIndex(res.Step); idx >= 0 {
		e.inst.StepResults[idx] = res
		return
	}
	e.inst.StepResults = append(e.inst.StepResults, res)
}

func (e *Engine) backoffDelayLocked() time.Duration {
	exp := e.backoffExp
	if exp < 1 {
		exp = 1
	}
	delay := float64(e.cfg.BackoffBase) * math.Pow(2, float64(exp-1))
	if delay > float64(e.cfg.BackoffCap) {
		delay = float64(e.cfg.BackoffCap)
	}
	return time.Duration(delay)
}

func (e *Engine) scheduleRetryLocked(delay time.Duration) {
	e.retryTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.retryTimer = nil
		if e.inst.Status == StatusRunning && !e.inFlight {
			e.runCurrentStepLocked()
		}
	})
}

func (e *Engine) stopRetryTimerLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// invalidateInFlightLocked supersedes any in-flight execution so its outcome
// is discarded on arrival, and requests cancellation of the generate call.
func (e *Engine) invalidateInFlightLocked() {
	if !e.inFlight {
		return
	}
	e.seq++
	e.inFlight = false
	if e.cancelExec != nil {
		e.cancelExec()
		e.cancelExec = nil
	}
}

func (e *Engine) touchLocked() {
	e.inst.UpdatedAt = time.Now().UTC()
}

func (e *Engine) checkpointLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.saveSnapshotLocked(ctx); err != nil {
		logging.Error("workflow-engine", "checkpoint save failed", "instance", e.inst.ID, "error", err)
	}
}

func (e *Engine) saveSnapshotLocked(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap := e.snapshotLocked()
	if err := e.store.Save(ctx, &snap); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.inst.LastCheckpointAt = &now
	return nil
}

func (e *Engine) emitLocked() {
	if e.OnTransition == nil {
		return
	}
	e.OnTransition(e.snapshotLocked())
}

func (e *Engine) snapshotLocked() Snapshot {
	results := make([]StepResult, len(e.inst.StepResults))
	copy(results, e.inst.StepResults)
	var lastErr *ErrorInfo
	if e.inst.LastError != nil {
		cp := *e.inst.LastError
		lastErr = &cp
	}
	var completedAt, checkpointAt *time.Time
	if e.inst.CompletedAt != nil {
		t := *e.inst.CompletedAt
		completedAt = &t
	}
	if e.inst.LastCheckpointAt != nil {
		t := *e.inst.LastCheckpointAt
		checkpointAt = &t
	}
	steps := make([]StepDef, len(e.def.Steps))
	copy(steps, e.def.Steps)
	return Snapshot{
		ID:               e.inst.ID,
		DocumentID:       e.inst.DocumentID,
		Kind:             e.def.Kind,
		Steps:            steps,
		CurrentStep:      e.inst.CurrentStep,
		Status:           e.inst.Status,
		StepResults:      results,
		RetryCount:       e.inst.RetryCount,
		MaxRetries:       e.inst.MaxRetries,
		OverallProgress:  e.inst.Progress(),
		LastError:        lastErr,
		CreatedAt:        e.inst.CreatedAt,
		UpdatedAt:        e.inst.UpdatedAt,
		CompletedAt:      completedAt,
		LastCheckpointAt: checkpointAt,
	}
}
