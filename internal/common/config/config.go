// Package config provides configuration management for Archon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Archon.
type Config struct {
	Home         string             `mapstructure:"home"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds Git worktree isolation configuration.
type WorktreeConfig struct {
	BasePath        string   `mapstructure:"basePath"`        // Base directory for worktrees (default: ~/.archon/worktrees)
	MaxPerCodebase  int      `mapstructure:"maxPerCodebase"`  // Max active environments per codebase
	CleanupInterval int      `mapstructure:"cleanupInterval"` // Cleanup sweep interval in minutes
	StaleAfterHours int      `mapstructure:"staleAfterHours"` // Idle threshold before an environment is stale
	SeedFiles       []string `mapstructure:"seedFiles"`       // Files copied from the canonical repo into new worktrees
}

// OrchestratorConfig holds message handling configuration.
type OrchestratorConfig struct {
	WorkerPoolSize    int `mapstructure:"workerPoolSize"`    // Max concurrent message handlers
	ClassifierTimeout int `mapstructure:"classifierTimeout"` // Router classifier timeout in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CleanupIntervalDuration returns the cleanup interval as a time.Duration.
func (w *WorktreeConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(w.CleanupInterval) * time.Minute
}

// StaleThreshold returns the idle threshold as a time.Duration.
func (w *WorktreeConfig) StaleThreshold() time.Duration {
	return time.Duration(w.StaleAfterHours) * time.Hour
}

// ClassifierTimeoutDuration returns the classifier timeout as a time.Duration.
func (o *OrchestratorConfig) ClassifierTimeoutDuration() time.Duration {
	return time.Duration(o.ClassifierTimeout) * time.Second
}

// ExpandedHome returns the Archon home directory with ~ expanded.
func (c *Config) ExpandedHome() (string, error) {
	return expandHome(c.Home)
}

// WorkspacesDir returns the directory holding canonical repository clones.
func (c *Config) WorkspacesDir() (string, error) {
	home, err := c.ExpandedHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "workspaces"), nil
}

// ExpandedWorktreeBase returns the worktree base path with ~ expanded.
func (c *Config) ExpandedWorktreeBase() (string, error) {
	return expandHome(c.Worktree.BasePath)
}

// DatabasePath returns the on-disk SQLite path with ~ expanded.
func (c *Config) DatabasePath() (string, error) {
	return expandHome(c.Database.Path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ARCHON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", "~/.archon")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.archon/archon.db")
	v.SetDefault("database.dsn", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "archon-core")
	v.SetDefault("nats.maxReconnects", 10)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.archon/worktrees")
	v.SetDefault("worktree.maxPerCodebase", 25)
	v.SetDefault("worktree.cleanupInterval", 120)
	v.SetDefault("worktree.staleAfterHours", 72)
	v.SetDefault("worktree.seedFiles", []string{".archon"})

	// Orchestrator defaults
	v.SetDefault("orchestrator.workerPoolSize", 10)
	v.SetDefault("orchestrator.classifierTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ARCHON_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/archon/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ARCHON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("worktree.basePath", "ARCHON_WORKTREE_BASE_PATH")
	_ = v.BindEnv("worktree.maxPerCodebase", "ARCHON_WORKTREE_MAX_PER_CODEBASE")
	_ = v.BindEnv("orchestrator.workerPoolSize", "ARCHON_ORCHESTRATOR_WORKER_POOL_SIZE")
	_ = v.BindEnv("database.path", "ARCHON_DATABASE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/archon/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration for invalid combinations and fills
// fallbacks that depend on other fields.
func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}

	if cfg.Worktree.MaxPerCodebase <= 0 {
		cfg.Worktree.MaxPerCodebase = 25
	}
	if cfg.Orchestrator.WorkerPoolSize <= 0 {
		cfg.Orchestrator.WorkerPoolSize = 10
	}
	if cfg.Worktree.CleanupInterval <= 0 {
		cfg.Worktree.CleanupInterval = 120
	}
	if len(cfg.Worktree.SeedFiles) == 0 {
		cfg.Worktree.SeedFiles = []string{".archon"}
	}
	return nil
}
