package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process store. It is correct only for a
// single gateway instance and loses all windows on restart; multi-replica
// deployments must use the Redis store instead.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
	ops     int
}

// cleanupEvery bounds how often expired windows are swept.
const cleanupEvery = 256

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Window, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops++
	if s.ops%cleanupEvery == 0 {
		s.cleanupLocked(now)
	}

	if w, ok := s.windows[key]; ok && w.ResetAt.After(now) {
		w.Count++
		return *w, nil
	}

	w := &Window{Count: 1, ResetAt: now.Add(window)}
	s.windows[key] = w
	return *w, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.ResetAt.After(time.Now()) {
		return Window{}, false, nil
	}
	return *w, true, nil
}

func (s *MemoryStore) cleanupLocked(now time.Time) {
	for key, w := range s.windows {
		if !w.ResetAt.After(now) {
			delete(s.windows, key)
		}
	}
}
