package worktree

import (
	"encoding/json"
	"fmt"

	"github.com/ByteMirror/agentmux/config"
)

// Storage handles persistence of worktree allocations.
type Storage struct {
	state config.WorktreeStorage
}

// NewStorage creates a new storage backed by the application state.
func NewStorage(state config.WorktreeStorage) (*Storage, error) {
	if state == nil {
		return nil, fmt.Errorf("state is required")
	}
	return &Storage{state: state}, nil
}

// SaveAllocations persists the given allocations.
func (s *Storage) SaveAllocations(allocs []*Allocation) error {
	data, err := json.Marshal(allocs)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %w", err)
	}
	return s.state.SaveAllocations(data)
}

// LoadAllocations restores the persisted allocations.
func (s *Storage) LoadAllocations() ([]*Allocation, error) {
	data := s.state.GetAllocations()
	if len(data) == 0 {
		return nil, nil
	}
	var allocs []*Allocation
	if err := json.Unmarshal(data, &allocs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allocations: %w", err)
	}
	return allocs, nil
}
