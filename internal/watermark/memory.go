package watermark

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[string]time.Time{}}
}

func (s *MemoryStore) Advance(_ context.Context, key string, t time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.marks[key]; ok && !t.After(cur) {
		return false, nil
	}
	s.marks[key] = t
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.marks[key]
	return t, ok, nil
}
