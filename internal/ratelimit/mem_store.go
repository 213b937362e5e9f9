package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemWindowStore is the in-memory WindowStore for tests and single-process
// deployments. Same contract as the Redis one.
type MemWindowStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemWindowStore() *MemWindowStore {
	return &MemWindowStore{windows: make(map[string][]time.Time)}
}

func (s *MemWindowStore) Add(_ context.Context, id string, at, windowStart time.Time, quota int, _ time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.windows[id][:0]
	for _, t := range s.windows[id] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	count := len(kept)
	if count < quota {
		kept = append(kept, at)
	}
	s.windows[id] = kept

	var oldest time.Time
	if len(kept) > 0 {
		oldest = kept[0]
	}
	return count + 1, oldest, nil
}
