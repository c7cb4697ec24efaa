package workspace

import (
	"encoding/json"
	"fmt"

	"github.com/ByteMirror/agentmux/config"
)

// Storage handles persistence of multi-repo features.
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

// SaveFeatures persists the given features.
func (s *Storage) SaveFeatures(features []*MultiRepoWorktree) error {
	data, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	return s.state.SaveFeatures(data)
}

// LoadFeatures restores the persisted features.
func (s *Storage) LoadFeatures() ([]*MultiRepoWorktree, error) {
	data := s.state.GetFeatures()
	if len(data) == 0 {
		return nil, nil
	}
	var features []*MultiRepoWorktree
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return features, nil
}
