package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poer2023/chusea-workflow/core/infra/redisutil"
)

const (
	defaultCheckpointRedisURL = "redis://localhost:6379"
	timelineMaxEntries        = 1000
)

// RedisStore persists workflow snapshots and run timelines in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisCheckpointStore constructs a Redis-backed checkpoint store.
func NewRedisCheckpointStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultCheckpointRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Save upserts a snapshot and maintains the document, status and recency
// indexes. Saving the same snapshot twice is idempotent.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.ID == "" {
		return &StoreError{Op: "save", Err: fmt.Errorf("snapshot id required")}
	}
	prevStatus := Status("")
	if data, err := s.client.Get(ctx, snapshotKey(snap.ID)).Bytes(); err == nil {
		var prev Snapshot
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return &StoreError{Op: "save", Err: fmt.Errorf("marshal snapshot: %w", err)}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.ID), payload, 0)
	pipe.ZAdd(ctx, snapshotAllIndexKey(), redis.Z{Score: float64(now.Unix()), Member: snap.ID})
	pipe.ZAdd(ctx, snapshotStatusIndexKey(snap.Status), redis.Z{Score: float64(now.Unix()), Member: snap.ID})
	if prevStatus != "" && prevStatus != snap.Status {
		pipe.ZRem(ctx, snapshotStatusIndexKey(prevStatus), snap.ID)
	}
	if snap.DocumentID != "" {
		pipe.ZAdd(ctx, snapshotDocIndexKey(snap.DocumentID), redis.Z{Score: float64(now.Unix()), Member: snap.ID})
	}
	activeKey := snapshotActiveKey()
	if snap.Status.Terminal() {
		pipe.SRem(ctx, activeKey, snap.ID)
	} else {
		pipe.SAdd(ctx, activeKey, snap.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	return nil
}

// Load fetches a snapshot by instance ID.
func (s *RedisStore) Load(ctx context.Context, instanceID string) (*Snapshot, error) {
	if instanceID == "" {
		return nil, &StoreError{Op: "load", Err: fmt.Errorf("instance id required")}
	}
	data, err := s.client.Get(ctx, snapshotKey(instanceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "load", Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &StoreError{Op: "load", Err: fmt.Errorf("unmarshal snapshot: %w", err)}
	}
	return &snap, nil
}

// Delete removes a snapshot, its indexes and its timeline.
func (s *RedisStore) Delete(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return &StoreError{Op: "delete", Err: fmt.Errorf("instance id required")}
	}
	snap, err := s.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, snapshotKey(instanceID))
	pipe.ZRem(ctx, snapshotAllIndexKey(), instanceID)
	if snap != nil {
		pipe.ZRem(ctx, snapshotStatusIndexKey(snap.Status), instanceID)
		if snap.DocumentID != "" {
			pipe.ZRem(ctx, snapshotDocIndexKey(snap.DocumentID), instanceID)
		}
	}
	pipe.SRem(ctx, snapshotActiveKey(), instanceID)
	pipe.Del(ctx, timelineKey(instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

// List returns recent snapshots, optionally scoped to one document.
func (s *RedisStore) List(ctx context.Context, documentID string, limit int64) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	index := snapshotAllIndexKey()
	if documentID != "" {
		index = snapshotDocIndexKey(documentID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	if len(ids) == 0 {
		return []*Snapshot{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, snapshotKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

// CountActive returns the number of non-terminal runs.
func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	count, err := s.client.SCard(ctx, snapshotActiveKey()).Result()
	if err != nil {
		return 0, &StoreError{Op: "count_active", Err: err}
	}
	return int(count), nil
}

// AppendTimelineEvent records a transition event in append-only order.
func (s *RedisStore) AppendTimelineEvent(ctx context.Context, instanceID string, event *TimelineEvent) error {
	if instanceID == "" {
		return &StoreError{Op: "timeline", Err: fmt.Errorf("instance id required")}
	}
	if event == nil {
		return &StoreError{Op: "timeline", Err: fmt.Errorf("event required")}
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return &StoreError{Op: "timeline", Err: fmt.Errorf("marshal timeline event: %w", err)}
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(instanceID), data)
	pipe.LTrim(ctx, timelineKey(instanceID), -timelineMaxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return &StoreError{Op: "timeline", Err: err}
	}
	return nil
}

// ListTimelineEvents returns timeline events in chronological order.
func (s *RedisStore) ListTimelineEvents(ctx context.Context, instanceID string, limit int64) ([]TimelineEvent, error) {
	if instanceID == "" {
		return nil, &StoreError{Op: "timeline", Err: fmt.Errorf("instance id required")}
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, timelineKey(instanceID), 0, limit-1).Result()
	if err != nil {
		return nil, &StoreError{Op: "timeline", Err: err}
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// ListByStatus returns recent instance IDs filtered by status.
func (s *RedisStore) ListByStatus(ctx context.Context, status Status, limit int64) ([]string, error) {
	if status == "" {
		return nil, &StoreError{Op: "list_status", Err: fmt.Errorf("status required")}
	}
	if limit <= 0 {
		limit = 200
	}
	ids, err := s.client.ZRevRange(ctx, snapshotStatusIndexKey(status), 0, limit-1).Result()
	if err != nil {
		return nil, &StoreError{Op: "list_status", Err: err}
	}
	return ids, nil
}

func snapshotKey(id string) string {
	return "wf:snap:" + id
}

func snapshotAllIndexKey() string {
	return "wf:snaps:all"
}

func snapshotDocIndexKey(documentID string) string {
	return "wf:snaps:doc:" + documentID
}

func snapshotStatusIndexKey(status Status) string {
	return "wf:snaps:status:" + string(status)
}

func snapshotActiveKey() string {
	return "wf:snaps:active"
}

func timelineKey(instanceID string) string {
	return "wf:timeline:" + instanceID
}
