package relay

import (
	"slices"
	"sync"

	"github.com/usernamenenad/ordered-chat/core"
)

// MemoryStore records every line delivered to each room.
type MemoryStore struct {
	mu    sync.RWMutex
	lines map[core.Room][]string
}

func NewStore() *MemoryStore {
	return &MemoryStore{
		lines: make(map[core.Room][]string),
	}
}

func (s *MemoryStore) AddLine(room core.Room, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines[room] = append(s.lines[room], line)
	return nil
}

func (s *MemoryStore) GetLines(room core.Room) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.lines[room]), nil
}
