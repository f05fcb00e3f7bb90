package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps rate windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[Key]Window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[Key]Window)}
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key Key, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.Start) >= window {
		w = Window{Start: now}
	}
	w.Length = window
	w.Count++
	s.windows[key] = w
	return w, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, w := range s.windows {
		if w.Expired(now) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many windows are tracked. Useful for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
