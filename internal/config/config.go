package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	History       HistoryConfig       `toml:"history"`
	Schedule      ScheduleConfig      `toml:"schedule"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	LockDir         string `toml:"lock_dir"`
	DatabasePath    string `toml:"database_path"`
	LegacyStateDir  string `toml:"legacy_state_dir"`
	RunTimeoutMin   int    `toml:"run_timeout_minutes"`
	ExecutorCommand string `toml:"executor_command"`
}

// HistoryConfig holds ledger settings
type HistoryConfig struct {
	Retention int `toml:"retention"`
}

// ScheduleConfig holds worker cadences in cron format
type ScheduleConfig struct {
	Executor string `toml:"executor"`
	Reviewer string `toml:"reviewer"`
	Auditor  string `toml:"auditor"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			LockDir:         filepath.Join(os.TempDir(), "prd-orch"),
			DatabasePath:    filepath.Join(home, ".prd-orchestrator", "orchestrator.db"),
			LegacyStateDir:  filepath.Join(home, ".prd-orchestrator", "state"),
			RunTimeoutMin:   45,
			ExecutorCommand: "claude",
		},
		History: HistoryConfig{
			Retention: 50,
		},
		Schedule: ScheduleConfig{
			Executor: "*/15 * * * *",
			Reviewer: "5 * * * *",
			Auditor:  "30 3 * * *",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.LockDir = ExpandPath(cfg.General.LockDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LegacyStateDir = ExpandPath(cfg.General.LegacyStateDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "prd-orchestrator", "config.toml")
}
