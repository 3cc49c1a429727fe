package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poer2023/chusea-workflow/core/infra/bus"
	"github.com/poer2023/chusea-workflow/core/infra/logging"
	"github.com/poer2023/chusea-workflow/core/infra/metrics"
)

// ErrNotFound is returned for commands against an unknown instance.
var ErrNotFound = errors.New("workflow instance not found")

// ErrDocumentBusy is returned when a document already has an active run.
var ErrDocumentBusy = errors.New("document already has an active workflow")

const documentLockTTL = 5 * time.Minute

// DocumentLocker guards documents so only one run drives a document at a
// time, across service replicas.
type DocumentLocker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// TransitionSubject is the bus subject prefix for workflow transition events;
// the instance id is appended as the final token.
const TransitionSubject = "doc.workflow.transition"

// StartRequest carries everything needed to launch a new run.
type StartRequest struct {
	DocumentID   string `json:"document_id"`
	Kind         string `json:"kind"`
	DocumentText string `json:"document_text"`
	UserPrompt   string `json:"user_prompt"`
}

// Controller owns the live engines, fans transition events out to
// subscribers and the message bus, appends the audit timeline, and drives
// the periodic checkpoint tick.
type Controller struct {
	mu          sync.Mutex
	engines     map[string]*Engine
	completed   map[string]bool
	startedAt   map[string]time.Time
	definitions map[string]*Definition

	store   CheckpointStore
	bus     bus.Bus
	exec    Executor
	cfg     Config
	metrics metrics.Metrics
	locker  DocumentLocker

	subMu       sync.Mutex
	subscribers []func(Snapshot)

	events chan Snapshot
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewController wires the controller. A nil bus disables event publishing;
// a nil metrics sink falls back to no-op.
func NewController(store CheckpointStore, b bus.Bus, exec Executor, cfg Config, defs map[string]*Definition, m metrics.Metrics) (*Controller, error) {
	if exec == nil {
		return nil, &ConfigError{Reason: "executor required"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		defs = BuiltinDefinitions()
	}
	for kind, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("definition %q: %w", kind, err)
		}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	c := &Controller{
		engines:     make(map[string]*Engine),
		completed:   make(map[string]bool),
		startedAt:   make(map[string]time.Time),
		definitions: defs,
		store:       store,
		bus:         b,
		exec:        exec,
		cfg:         cfg,
		metrics:     m,
		events:      make(chan Snapshot, 256),
		done:        make(chan struct{}),
	}
	c.wg.Add(1)
	go c.drainEvents()
	return c, nil
}

// WithLocker enables the per-document exclusivity guard; nil disables it.
func (c *Controller) WithLocker(l DocumentLocker) *Controller {
	c.locker = l
	return c
}

// Start launches a new workflow instance and begins executing its first step.
func (c *Controller) Start(req StartRequest) (Snapshot, error) {
	if req.DocumentID == "" {
		return Snapshot{}, &ConfigError{Reason: "document id required"}
	}
	def, ok := c.definitions[req.Kind]
	if !ok {
		return Snapshot{}, &ConfigError{Reason: "unknown workflow kind: " + req.Kind}
	}
	id := uuid.NewString()
	if c.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := c.locker.Acquire(ctx, req.DocumentID, id, documentLockTTL)
		cancel()
		if err != nil {
			return Snapshot{}, fmt.Errorf("acquire document lock: %w", err)
		}
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrDocumentBusy, req.DocumentID)
		}
	}
	eng, err := NewEngine(id, req.DocumentID, def, c.cfg, c.exec, c.store)
	if err != nil {
		c.releaseLock(req.DocumentID, id)
		return Snapshot{}, err
	}
	eng.WithMetrics(c.metrics)
	eng.OnTransition = c.enqueue

	c.mu.Lock()
	c.engines[id] = eng
	c.startedAt[id] = time.Now().UTC()
	c.mu.Unlock()

	c.metrics.IncWorkflowStarted(req.Kind)
	logging.Info("workflow-controller", "workflow started", "instance", id, "document", req.DocumentID, "kind", req.Kind)
	if err := eng.Start(req.DocumentText, req.UserPrompt); err != nil {
		c.evict(id)
		c.releaseLock(req.DocumentID, id)
		return Snapshot{}, err
	}
	return eng.Snapshot(), nil
}

func (c *Controller) releaseLock(documentID, instanceID string) {
	if c.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.locker.Release(ctx, documentID, instanceID); err != nil {
		logging.Warn("workflow-controller", "document lock release failed", "document", documentID, "error", err)
	}
}

// Pause suspends the named instance.
func (c *Controller) Pause(id string) error { return c.command(id, (*Engine).Pause) }

// Resume continues a paused instance.
func (c *Controller) Resume(id string) error { return c.command(id, (*Engine).Resume) }

// Cancel aborts an instance.
func (c *Controller) Cancel(id string) error { return c.command(id, (*Engine).Cancel) }

// Retry re-executes the current step with a fresh retry budget.
func (c *Controller) Retry(id string) error { return c.command(id, (*Engine).RetryCurrentStep) }

// Skip advances past the current step if the definition allows it.
func (c *Controller) Skip(id string) error { return c.command(id, (*Engine).SkipCurrentStep) }

// GoTo repositions a paused or completed instance onto a reviewed step.
func (c *Controller) GoTo(id string, step Step) error {
	eng, err := c.engine(id)
	if err != nil {
		return err
	}
	return eng.GoToStep(step)
}

func (c *Controller) command(id string, fn func(*Engine) error) error {
	eng, err := c.engine(id)
	if err != nil {
		return err
	}
	return fn(eng)
}

// Get returns the current snapshot for an instance, falling back to the
// checkpoint store for instances not resident in memory.
func (c *Controller) Get(ctx context.Context, id string) (*Snapshot, error) {
	c.mu.Lock()
	eng, ok := c.engines[id]
	c.mu.Unlock()
	if ok {
		snap := eng.Snapshot()
		return &snap, nil
	}
	if c.store == nil {
		return nil, ErrNotFound
	}
	snap, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// ListByDocument returns recent snapshots for a document from the store.
func (c *Controller) ListByDocument(ctx context.Context, documentID string, limit int64) ([]*Snapshot, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.List(ctx, documentID, limit)
}

// Timeline returns the audit trail for an instance.
func (c *Controller) Timeline(ctx context.Context, id string, limit int64) ([]TimelineEvent, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListTimelineEvents(ctx, id, limit)
}

// Delete removes a finished instance's snapshot and timeline. Active
// instances must be cancelled first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	eng, live := c.engines[id]
	c.mu.Unlock()
	if live {
		if !eng.Snapshot().Status.Terminal() {
			return fmt.Errorf("instance %s is still active", id)
		}
		c.evict(id)
	}
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, id)
}

// Resurrect loads a checkpointed instance back into memory so commands can
// target it again. A run checkpointed while Running comes back Paused.
func (c *Controller) Resurrect(ctx context.Context, id string) (*Snapshot, error) {
	c.mu.Lock()
	if eng, ok := c.engines[id]; ok {
		c.mu.Unlock()
		snap := eng.Snapshot()
		return &snap, nil
	}
	c.mu.Unlock()
	if c.store == nil {
		return nil, ErrNotFound
	}
	stored, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	if c.locker != nil && !stored.Status.Terminal() {
		ok, err := c.locker.Acquire(ctx, stored.DocumentID, stored.ID, documentLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire document lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDocumentBusy, stored.DocumentID)
		}
	}
	eng, err := NewEngineFromSnapshot(stored, c.cfg, c.exec, c.store)
	if err != nil {
		c.releaseLock(stored.DocumentID, stored.ID)
		return nil, err
	}
	eng.WithMetrics(c.metrics)
	eng.OnTransition = c.enqueue

	c.mu.Lock()
	if existing, ok := c.engines[id]; ok {
		c.mu.Unlock()
		snap := existing.Snapshot()
		return &snap, nil
	}
	c.engines[id] = eng
	c.startedAt[id] = stored.CreatedAt
	c.mu.Unlock()
	logging.Info("workflow-controller", "instance restored from checkpoint", "instance", id, "status", eng.Snapshot().Status)
	snap := eng.Snapshot()
	return &snap, nil
}

// Subscribe registers a callback invoked for every transition snapshot, in
// order. Callbacks run on the controller's event goroutine and must not block.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

// RunCheckpoints persists every live non-terminal instance at the given
// interval until ctx is done. Terminal instances are evicted after their
// final state has already been checkpointed by the engine.
func (c *Controller) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpointAll(ctx)
		}
	}
}

func (c *Controller) checkpointAll(ctx context.Context) {
	c.mu.Lock()
	engines := make(map[string]*Engine, len(c.engines))
	for id, eng := range c.engines {
		engines[id] = eng
	}
	c.mu.Unlock()

	for id, eng := range engines {
		snap := eng.Snapshot()
		if snap.Status.Terminal() {
			c.evict(id)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := eng.Checkpoint(cctx); err != nil {
			logging.Warn("workflow-controller", "periodic checkpoint failed", "instance", id, "error", err)
		}
		if c.locker != nil {
			if _, err := c.locker.Renew(cctx, snap.DocumentID, id, documentLockTTL); err != nil {
				logging.Warn("workflow-controller", "document lock renew failed", "document", snap.DocumentID, "error", err)
			}
		}
		cancel()
	}
}

func (c *Controller) evict(id string) {
	c.mu.Lock()
	delete(c.engines, id)
	delete(c.startedAt, id)
	delete(c.completed, id)
	c.mu.Unlock()
}

// Close stops the event drain goroutine after the queue empties.
func (c *Controller) Close() {
	close(c.done)
	c.wg.Wait()
}

// enqueue is the engine OnTransition hook. It runs with the engine lock held,
// so it only hands the snapshot to the drain goroutine.
func (c *Controller) enqueue(snap Snapshot) {
	select {
	case c.events <- snap:
	default:
		logging.Warn("workflow-controller", "transition queue full, dropping event", "instance", snap.ID)
	}
}

func (c *Controller) drainEvents() {
	defer c.wg.Done()
	for {
		select {
		case snap := <-c.events:
			c.dispatch(snap)
		case <-c.done:
			for {
				select {
				case snap := <-c.events:
					c.dispatch(snap)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) dispatch(snap Snapshot) {
	c.appendTimeline(snap)
	c.publish(snap)
	c.observeTerminal(snap)

	c.subMu.Lock()
	subs := append([]func(Snapshot){}, c.subscribers...)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Controller) appendTimeline(snap Snapshot) {
	if c.store == nil {
		return
	}
	ev := &TimelineEvent{
		Type:       "transition",
		Step:       snap.CurrentStep,
		Status:     snap.Status,
		RetryCount: snap.RetryCount,
		Time:       snap.UpdatedAt,
	}
	if snap.LastError != nil {
		ev.Error = snap.LastError
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.AppendTimelineEvent(ctx, snap.ID, ev); err != nil {
		logging.Warn("workflow-controller", "timeline append failed", "instance", snap.ID, "error", err)
	}
}

func (c *Controller) publish(snap Snapshot) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		logging.Error("workflow-controller", "snapshot marshal failed", "instance", snap.ID, "error", err)
		return
	}
	subject := TransitionSubject + "." + snap.ID
	if err := c.bus.Publish(subject, payload); err != nil {
		logging.Warn("workflow-controller", "event publish failed", "subject", subject, "error", err)
	}
}

func (c *Controller) observeTerminal(snap Snapshot) {
	if !snap.Status.Terminal() {
		return
	}
	c.mu.Lock()
	if c.completed[snap.ID] {
		c.mu.Unlock()
		return
	}
	c.completed[snap.ID] = true
	started, ok := c.startedAt[snap.ID]
	c.mu.Unlock()

	c.releaseLock(snap.DocumentID, snap.ID)
	c.metrics.IncWorkflowCompleted(snap.Kind, string(snap.Status))
	if ok {
		end := snap.UpdatedAt
		if snap.CompletedAt != nil {
			end = *snap.CompletedAt
		}
		c.metrics.ObserveWorkflowDuration(snap.Kind, end.Sub(started).Seconds())
	}
	logging.Info("workflow-controller", "workflow finished", "instance", snap.ID, "status", snap.Status)
}

func (c *Controller) engine(id string) (*Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng, ok := c.engines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return eng, nil
}
