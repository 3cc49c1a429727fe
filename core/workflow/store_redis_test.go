package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisCheckpointStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCheckpointStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSnapshot(id, docID string, status Status) *Snapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return &Snapshot{
		ID:          id,
		DocumentID:  docID,
		Kind:        "academic",
		Steps:       BuiltinDefinitions()["academic"].Steps,
		CurrentStep: StepDraft,
		Status:      status,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRedisStoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	snap := testSnapshot("wf-a", "doc-1", StatusRunning)
	snap.StepResults = []StepResult{{Step: StepPlan, Content: "outline", PassedGate: true, GeneratedAt: snap.CreatedAt}}
	snap.LastError = &ErrorInfo{Cause: CauseQuality, Step: StepDraft, Message: "gate rejected"}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "wf-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DocumentID != "doc-1" || got.Status != StatusRunning || got.CurrentStep != StepDraft {
		t.Fatalf("loaded snapshot mismatch: %+v", got)
	}
	if len(got.StepResults) != 1 || got.StepResults[0].Content != "outline" {
		t.Fatalf("step results lost: %+v", got.StepResults)
	}
	if got.LastError == nil || got.LastError.Cause != CauseQuality {
		t.Fatalf("last error lost: %+v", got.LastError)
	}
	if len(got.Steps) != 5 {
		t.Fatalf("definition steps lost: %+v", got.Steps)
	}
}

func TestRedisStoreSaveIsIdempotent(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	snap := testSnapshot("wf-idem", "doc-idem", StatusRunning)
	snap.StepResults = []StepResult{{Step: StepPlan, Content: "outline", PassedGate: true, GeneratedAt: snap.CreatedAt}}

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	first, err := store.Load(ctx, "wf-idem")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	second, err := store.Load(ctx, "wf-idem")
	if err != nil {
		t.Fatalf("Load after second Save: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated save changed stored state:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if second.Status != snap.Status || second.CurrentStep != snap.CurrentStep ||
		!second.UpdatedAt.Equal(snap.UpdatedAt) || len(second.StepResults) != 1 ||
		second.StepResults[0].Content != "outline" {
		t.Fatalf("reloaded state diverged from in-memory snapshot: %+v", second)
	}
	// Indexes must not accumulate duplicates.
	snaps, err := store.List(ctx, "doc-idem", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("List returned %d snapshots, want 1", len(snaps))
	}
}

func TestRedisStoreLoadMissingReturnsNil(t *testing.T) {
	store := newTestRedisStore(t)
	got, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestRedisStoreStatusIndexFollowsTransitions(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	snap := testSnapshot("wf-b", "doc-2", StatusRunning)
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	active, err := store.CountActive(ctx)
	if err != nil || active != 1 {
		t.Fatalf("active = %d (%v), want 1", active, err)
	}

	snap.Status = StatusCompleted
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save completed: %v", err)
	}
	active, err = store.CountActive(ctx)
	if err != nil || active != 0 {
		t.Fatalf("active = %d (%v), want 0 after completion", active, err)
	}

	running, err := store.ListByStatus(ctx, StatusRunning, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("running index = %v, want empty after transition", running)
	}
	completed, err := store.ListByStatus(ctx, StatusCompleted, 10)
	if err != nil || len(completed) != 1 || completed[0] != "wf-b" {
		t.Fatalf("completed index = %v (%v), want [wf-b]", completed, err)
	}
}

func TestRedisStoreListByDocument(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, testSnapshot(fmt.Sprintf("wf-%d", i), "doc-x", StatusRunning)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := store.Save(ctx, testSnapshot("wf-other", "doc-y", StatusRunning)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snaps, err := store.List(ctx, "doc-x", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("listed %d snapshots, want 3", len(snaps))
	}
	for _, s := range snaps {
		if s.DocumentID != "doc-x" {
			t.Fatalf("snapshot %s has document %s", s.ID, s.DocumentID)
		}
	}

	all, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("listed %d snapshots, want 4", len(all))
	}
}

func TestRedisStoreDeleteRemovesEverything(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testSnapshot("wf-del", "doc-d", StatusRunning)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.AppendTimelineEvent(ctx, "wf-del", &TimelineEvent{Type: "transition", Status: StatusRunning}); err != nil {
		t.Fatalf("AppendTimelineEvent: %v", err)
	}
	if err := store.Delete(ctx, "wf-del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := store.Load(ctx, "wf-del")
	if err != nil || got != nil {
		t.Fatalf("Load after delete = %+v (%v), want nil", got, err)
	}
	events, err := store.ListTimelineEvents(ctx, "wf-del", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("timeline after delete = %v (%v), want empty", events, err)
	}
	active, _ := store.CountActive(ctx)
	if active != 0 {
		t.Fatalf("active = %d, want 0 after delete", active)
	}
}

func TestRedisStoreTimelineKeepsOrder(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	statuses := []Status{StatusRunning, StatusRunning, StatusPaused, StatusRunning, StatusCompleted}
	for i, st := range statuses {
		ev := &TimelineEvent{Type: "transition", Step: StepDraft, Status: st, RetryCount: i}
		if err := store.AppendTimelineEvent(ctx, "wf-t", ev); err != nil {
			t.Fatalf("AppendTimelineEvent: %v", err)
		}
	}

	events, err := store.ListTimelineEvents(ctx, "wf-t", 100)
	if err != nil {
		t.Fatalf("ListTimelineEvents: %v", err)
	}
	if len(events) != len(statuses) {
		t.Fatalf("got %d events, want %d", len(events), len(statuses))
	}
	for i, ev := range events {
		if ev.Status != statuses[i] || ev.RetryCount != i {
			t.Fatalf("event %d = %+v, out of order", i, ev)
		}
		if ev.Time.IsZero() {
			t.Fatalf("event %d missing timestamp", i)
		}
	}
}

func TestRedisStoreRejectsBadInput(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, nil); err == nil {
		t.Fatal("nil snapshot should be rejected")
	}
	if err := store.Save(ctx, &Snapshot{}); err == nil {
		t.Fatal("empty id should be rejected")
	}
	if err := store.AppendTimelineEvent(ctx, "", &TimelineEvent{}); err == nil {
		t.Fatal("empty instance id should be rejected")
	}
	var storeErr *StoreError
	err := store.AppendTimelineEvent(ctx, "wf", nil)
	if !errors.As(err, &storeErr) {
		t.Fatalf("error = %v, want StoreError", err)
	}
}
