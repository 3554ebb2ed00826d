// Package config loads application configuration from environment
// variables (12-factor, envconfig tags) with an optional YAML overlay
// file for deployments that prefer checked-in config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Agent     AgentConfig
	Workspace WorkspaceConfig
	Sync      SyncConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8400" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// AgentConfig holds agent session configuration.
type AgentConfig struct {
	APIKey string `envconfig:"ANTHROPIC_API_KEY" yaml:"-"`
	Model  string `envconfig:"AGENT_MODEL" default:"claude-sonnet-4-5" yaml:"model"`
	// Scripted swaps the real model API for the in-memory scripted
	// session. Used by local development and tests.
	Scripted bool `envconfig:"AGENT_SCRIPTED" default:"false" yaml:"scripted"`
}

// WorkspaceConfig holds workspace manager configuration.
type WorkspaceConfig struct {
	// BufferCap bounds the in-memory event buffer kept while no client
	// is attached. Events past the cap are dropped, not rotated.
	BufferCap int `envconfig:"WORKSPACE_BUFFER_CAP" default:"512" yaml:"buffer_cap"`
	// Allowlist is the set of doublestar patterns a workspace path
	// must match before it reaches the manager. Empty allows all.
	Allowlist []string `envconfig:"WORKSPACE_ALLOWLIST" yaml:"allowlist"`
}

// SyncConfig holds sync persistence store configuration.
type SyncConfig struct {
	Enabled bool   `envconfig:"SYNC_ENABLED" default:"true" yaml:"enabled"`
	DBPath  string `envconfig:"SYNC_DB_PATH" default:"data/sync.db" yaml:"db_path"`
	// Retention: how many trailing rows vacuum keeps per workspace.
	KeepDeltas    int `envconfig:"SYNC_KEEP_DELTAS" default:"200" yaml:"keep_deltas"`
	KeepSnapshots int `envconfig:"SYNC_KEEP_SNAPSHOTS" default:"3" yaml:"keep_snapshots"`
	// SnapshotEvery is the delta cadence between full snapshots.
	SnapshotEvery int `envconfig:"SYNC_SNAPSHOT_EVERY" default:"50" yaml:"snapshot_every"`
	// ClientStaleness prunes client rows not seen within the window.
	ClientStaleness time.Duration `envconfig:"SYNC_CLIENT_STALENESS" default:"168h" yaml:"client_staleness"`
	VacuumInterval  time.Duration `envconfig:"SYNC_VACUUM_INTERVAL" default:"1h" yaml:"vacuum_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment, then overlays
// values from the YAML file at path. Environment values act as
// defaults; the file wins where both are set.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Agent: AgentConfig{
			Model: "claude-sonnet-4-5",
		},
		Workspace: WorkspaceConfig{
			BufferCap: 512,
		},
		Sync: SyncConfig{
			Enabled:         true,
			DBPath:          "data/sync.db",
			KeepDeltas:      200,
			KeepSnapshots:   3,
			SnapshotEvery:   50,
			ClientStaleness: 7 * 24 * time.Hour,
			VacuumInterval:  time.Hour,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
