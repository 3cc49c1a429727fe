package workflow

import "context"

// CheckpointStore persists workflow snapshots for resume after interruption.
// Implementations are injected; the engine never constructs one itself.
type CheckpointStore interface {
	// Save durably upserts the snapshot under its instance ID.
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the last saved snapshot for an instance, or nil when no
	// snapshot exists.
	Load(ctx context.Context, instanceID string) (*Snapshot, error)
	// Delete removes an instance's snapshot and indexes.
	Delete(ctx context.Context, instanceID string) error
	// List returns recent snapshots, optionally filtered by document.
	List(ctx context.Context, documentID string, limit int64) ([]*Snapshot, error)
	// AppendTimelineEvent records a transition in append-only order.
	AppendTimelineEvent(ctx context.Context, instanceID string, event *TimelineEvent) error
	// ListTimelineEvents returns a run's transitions in chronological order.
	ListTimelineEvents(ctx context.Context, instanceID string, limit int64) ([]TimelineEvent, error)
}
