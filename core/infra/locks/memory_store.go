package locks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

// NewMemoryStore returns an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]memoryLock)}
}

func (s *MemoryStore) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[resource]
	if ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	s.locks[resource] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, resource, owner string) (bool, error) {
	resource, owner, _, err := normalize(resource, owner, DefaultTTL)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[resource]
	if !ok || cur.owner != owner {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[resource]
	if !ok || cur.owner != owner || !cur.expiresAt.After(now) {
		return false, nil
	}
	s.locks[resource] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Owner(_ context.Context, resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", fmt.Errorf("resource required")
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[resource]
	if !ok || !cur.expiresAt.After(now) {
		return "", nil
	}
	return cur.owner, nil
}
