package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process CheckpointStore for single-node runs and
// tests. Snapshots are deep-copied through JSON so callers never share state
// with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	snaps     map[string][]byte
	order     map[string]time.Time
	timelines map[string][]TimelineEvent
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:     make(map[string][]byte),
		order:     make(map[string]time.Time),
		timelines: make(map[string][]TimelineEvent),
	}
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.ID == "" {
		return &StoreError{Op: "save", Err: fmt.Errorf("snapshot id required")}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	s.mu.Lock()
	s.snaps[snap.ID] = data
	s.order[snap.ID] = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, instanceID string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &StoreError{Op: "load", Err: err}
	}
	return &snap, nil
}

func (s *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	delete(s.snaps, instanceID)
	delete(s.order, instanceID)
	delete(s.timelines, instanceID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, documentID string, limit int64) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.order[ids[i]].After(s.order[ids[j]])
	})
	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		var snap Snapshot
		if err := json.Unmarshal(s.snaps[id], &snap); err != nil {
			continue
		}
		if documentID != "" && snap.DocumentID != documentID {
			continue
		}
		out = append(out, &snap)
		if int64(len(out)) >= limit {
			break
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) AppendTimelineEvent(ctx context.Context, instanceID string, event *TimelineEvent) error {
	if instanceID == "" || event == nil {
		return &StoreError{Op: "timeline", Err: fmt.Errorf("instance id and event required")}
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	s.mu.Lock()
	s.timelines[instanceID] = append(s.timelines[instanceID], *event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListTimelineEvents(ctx context.Context, instanceID string, limit int64) ([]TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	events := s.timelines[instanceID]
	if int64(len(events)) > limit {
		events = events[:limit]
	}
	out := make([]TimelineEvent, len(events))
	copy(out, events)
	s.mu.RUnlock()
	return out, nil
}
