package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poer2023/chusea-workflow/core/infra/bus"
	"github.com/poer2023/chusea-workflow/core/infra/locks"
)

func newTestController(t *testing.T, store CheckpointStore, b bus.Bus, exec Executor) *Controller {
	t.Helper()
	c, err := NewController(store, b, exec, testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitControllerStatus(t *testing.T, c *Controller, id string, want Status) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := c.Get(context.Background(), id)
		if err == nil && snap.Status == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached %s", id, want)
	return nil
}

func TestControllerStartValidation(t *testing.T) {
	c := newTestController(t, NewMemoryStore(), nil, newScriptedExecutor())

	if _, err := c.Start(StartRequest{Kind: "academic"}); err == nil {
		t.Fatal("missing document id should be rejected")
	}
	_, err := c.Start(StartRequest{DocumentID: "doc", Kind: "novel"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError for unknown kind", err)
	}
}

func TestControllerRunsWorkflowEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	b := bus.NewLocalBus()
	c := newTestController(t, store, b, newScriptedExecutor())

	var busMu sync.Mutex
	var published []Snapshot
	if err := b.Subscribe(TransitionSubject+".>", func(_ string, payload []byte) {
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err == nil {
			busMu.Lock()
			published = append(published, snap)
			busMu.Unlock()
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	snap, err := c.Start(StartRequest{DocumentID: "doc-e2e", Kind: "blog", DocumentText: "draft text", UserPrompt: "tighten it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.ID == "" || snap.Kind != "blog" {
		t.Fatalf("start snapshot = %+v", snap)
	}

	final := waitControllerStatus(t, c, snap.ID, StatusCompleted)
	if final.OverallProgress != 1 {
		t.Fatalf("progress = %v, want 1", final.OverallProgress)
	}

	// Timeline and bus events are appended by the drain goroutine; give it a
	// moment to flush.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := c.Timeline(context.Background(), snap.ID, 100)
		if err != nil {
			t.Fatalf("Timeline: %v", err)
		}
		busMu.Lock()
		got := len(published)
		busMu.Unlock()
		if len(events) > 0 && got > 0 && events[len(events)-1].Status == StatusCompleted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	events, err := c.Timeline(context.Background(), snap.ID, 100)
	if err != nil || len(events) == 0 {
		t.Fatalf("Timeline: %v, events=%d", err, len(events))
	}
	if events[len(events)-1].Status != StatusCompleted {
		t.Fatalf("last timeline event = %+v, want completed", events[len(events)-1])
	}
	busMu.Lock()
	defer busMu.Unlock()
	if len(published) == 0 {
		t.Fatal("no transition events published to the bus")
	}
	if published[len(published)-1].Status != StatusCompleted {
		t.Fatalf("last bus event = %+v, want completed", published[len(published)-1])
	}

	snaps, err := c.ListByDocument(context.Background(), "doc-e2e", 10)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("ListByDocument: %v, snaps=%d", err, len(snaps))
	}
}

func TestControllerCommandsUnknownInstance(t *testing.T) {
	c := newTestController(t, NewMemoryStore(), nil, newScriptedExecutor())
	for name, fn := range map[string]func(string) error{
		"pause":  c.Pause,
		"resume": c.Resume,
		"cancel": c.Cancel,
		"retry":  c.Retry,
		"skip":   c.Skip,
	} {
		if err := fn("missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s(missing) = %v, want ErrNotFound", name, err)
		}
	}
	if err := c.GoTo("missing", StepPlan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("goto(missing) = %v, want ErrNotFound", err)
	}
	if _, err := c.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestControllerPauseResumeCycle(t *testing.T) {
	exec := newManualExecutor()
	c := newTestController(t, NewMemoryStore(), nil, exec)

	snap, err := c.Start(StartRequest{DocumentID: "doc-p", Kind: "blog", DocumentText: "text"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-exec.started
	if err := c.Pause(snap.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	exec.release <- passGate(90)
	waitControllerStatus(t, c, snap.ID, StatusPaused)

	if err := c.Resume(snap.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for i := 0; i < 3; i++ {
		<-exec.started
		exec.release <- passGate(90)
	}
	waitControllerStatus(t, c, snap.ID, StatusCompleted)
}

func TestControllerResurrectFromStore(t *testing.T) {
	store := NewMemoryStore()
	stored := testSnapshot("wf-res", "doc-res", StatusPaused)
	stored.StepResults = []StepResult{{Step: StepPlan, Content: "outline", PassedGate: true, GeneratedAt: time.Now().UTC()}}
	if err := store.Save(context.Background(), stored); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := newTestController(t, store, nil, newScriptedExecutor())
	if err := c.Resume("wf-res"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resume before resurrect = %v, want ErrNotFound", err)
	}

	snap, err := c.Resurrect(context.Background(), "wf-res")
	if err != nil {
		t.Fatalf("Resurrect: %v", err)
	}
	if snap.Status != StatusPaused {
		t.Fatalf("resurrected status = %s, want paused", snap.Status)
	}
	if err := c.Resume("wf-res"); err != nil {
		t.Fatalf("Resume after resurrect: %v", err)
	}
	waitControllerStatus(t, c, "wf-res", StatusCompleted)

	if _, err := c.Resurrect(context.Background(), "wf-gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resurrect(missing) = %v, want ErrNotFound", err)
	}
}

func TestControllerDocumentLockExclusivity(t *testing.T) {
	exec := newManualExecutor()
	c := newTestController(t, NewMemoryStore(), nil, exec)
	c.WithLocker(locks.NewMemoryStore())

	first, err := c.Start(StartRequest{DocumentID: "doc-lock", Kind: "blog", DocumentText: "text"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-exec.started

	if _, err := c.Start(StartRequest{DocumentID: "doc-lock", Kind: "blog", DocumentText: "text"}); !errors.Is(err, ErrDocumentBusy) {
		t.Fatalf("second start = %v, want ErrDocumentBusy", err)
	}
	// A different document is unaffected.
	if _, err := c.Start(StartRequest{DocumentID: "doc-other", Kind: "blog", DocumentText: "text"}); err != nil {
		t.Fatalf("other document start: %v", err)
	}

	if err := c.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Terminal transition releases the lock; a new run may start.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.Start(StartRequest{DocumentID: "doc-lock", Kind: "blog", DocumentText: "text"}); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("lock never released after cancel")
}

func TestControllerSubscribeReceivesTransitions(t *testing.T) {
	c := newTestController(t, nil, nil, newScriptedExecutor())

	var mu sync.Mutex
	var seen []Status
	done := make(chan struct{})
	c.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Status)
		terminal := snap.Status.Terminal()
		mu.Unlock()
		if terminal {
			close(done)
		}
	})

	if _, err := c.Start(StartRequest{DocumentID: "doc-s", Kind: "blog", DocumentText: "text"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("never saw a terminal transition")
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != StatusCompleted {
		t.Fatalf("transitions = %v, want completed last", seen)
	}
	running := 0
	for _, st := range seen {
		if st == StatusRunning {
			running++
		}
	}
	if running != len(BuiltinDefinitions()["blog"].Steps) {
		t.Fatalf("running transitions = %d, want %d", running, len(BuiltinDefinitions()["blog"].Steps))
	}
}
