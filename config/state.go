package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ByteMirror/agentmux/log"
)

const StateFileName = "state.json"

// WorktreeStorage is implemented by State and provides persistence for the
// worktree pool and the multi-repo coordinator. The payloads are opaque JSON
// so the owning packages control their own serialization.
type WorktreeStorage interface {
	SaveAllocations(allocationsJSON json.RawMessage) error
	GetAllocations() json.RawMessage
	SaveFeatures(featuresJSON json.RawMessage) error
	GetFeatures() json.RawMessage
	DeleteAll() error
}

// State represents the persistent application state stored in state.json.
type State struct {
	// AllocationsData stores the worktree pool's serialized allocations.
	AllocationsData json.RawMessage `json:"allocations"`
	// FeaturesData stores the multi-repo coordinator's serialized features.
	FeaturesData json.RawMessage `json:"features"`
}

// DefaultState returns the default empty state.
func DefaultState() *State {
	return &State{
		AllocationsData: json.RawMessage("[]"),
		FeaturesData:    json.RawMessage("[]"),
	}
}

// LoadState loads the state from disk. If it cannot be done, we return the default state.
func LoadState() *State {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultState()
	}

	statePath := filepath.Join(configDir, StateFileName)
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultState := DefaultState()
			if saveErr := SaveState(defaultState); saveErr != nil {
				log.WarningLog.Printf("failed to save default state: %v", saveErr)
			}
			return defaultState
		}

		log.ErrorLog.Printf("failed to get state file: %v", err)
		return DefaultState()
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.ErrorLog.Printf("failed to parse state file: %v", err)
		return DefaultState()
	}
	if state.AllocationsData == nil {
		state.AllocationsData = json.RawMessage("[]")
	}
	if state.FeaturesData == nil {
		state.FeaturesData = json.RawMessage("[]")
	}

	return &state
}

// SaveState saves the state to disk
func SaveState(state *State) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	statePath := filepath.Join(configDir, StateFileName)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return atomicWriteFile(statePath, data, 0644)
}

// SaveAllocations persists the worktree pool's serialized allocations.
func (s *State) SaveAllocations(allocationsJSON json.RawMessage) error {
	s.AllocationsData = allocationsJSON
	return SaveState(s)
}

// GetAllocations returns the serialized worktree allocations.
func (s *State) GetAllocations() json.RawMessage {
	return s.AllocationsData
}

// SaveFeatures persists the multi-repo coordinator's serialized features.
func (s *State) SaveFeatures(featuresJSON json.RawMessage) error {
	s.FeaturesData = featuresJSON
	return SaveState(s)
}

// GetFeatures returns the serialized multi-repo features.
func (s *State) GetFeatures() json.RawMessage {
	return s.FeaturesData
}

// DeleteAll removes all persisted allocations and features.
func (s *State) DeleteAll() error {
	s.AllocationsData = json.RawMessage("[]")
	s.FeaturesData = json.RawMessage("[]")
	return SaveState(s)
}
