package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ByteMirror/agentmux/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentmux"), nil
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the agent command started for new runs.
	DefaultProgram string `json:"default_program"`
	// SkipPermissions appends --dangerously-skip-permissions to claude programs.
	SkipPermissions bool `json:"skip_permissions"`
	// MaxConcurrent bounds how many agent subprocesses may run at once.
	MaxConcurrent int `json:"max_concurrent"`
	// MaxWorktreesPerRepo caps worktree allocations per repository.
	MaxWorktreesPerRepo int `json:"max_worktrees_per_repo"`
	// StaleWorktreeHours is the age after which an inactive, non-dirty
	// worktree allocation becomes a cleanup candidate.
	StaleWorktreeHours int `json:"stale_worktree_hours"`
	// BranchPrefix is prepended to generated worktree branch names.
	BranchPrefix string `json:"branch_prefix"`
	// WorktreesDir overrides where worktrees are created. Empty means
	// <config dir>/worktrees.
	WorktreesDir string `json:"worktrees_dir"`
	// AutoCleanupStale runs the staleness sweep on startup.
	AutoCleanupStale bool `json:"auto_cleanup_stale"`
	// JournalEnabled records runs and events to the sqlite journal.
	JournalEnabled bool `json:"journal_enabled"`
	// DaemonPollInterval is the interval (ms) between daemon sweep passes.
	DaemonPollInterval int `json:"daemon_poll_interval"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:      "claude -p --output-format stream-json --verbose",
		SkipPermissions:     false,
		MaxConcurrent:       3,
		MaxWorktreesPerRepo: 5,
		StaleWorktreeHours:  24,
		BranchPrefix:        "agentmux/",
		WorktreesDir:        "",
		AutoCleanupStale:    true,
		JournalEnabled:      true,
		DaemonPollInterval:  300000,
	}
}

// WorktreesRoot resolves the directory under which worktrees are created.
func (c *Config) WorktreesRoot() (string, error) {
	if c.WorktreesDir != "" {
		return c.WorktreesDir, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "worktrees"), nil
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
