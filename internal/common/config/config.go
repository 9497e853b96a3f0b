// Package config provides configuration management for agent-console.
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

// HomeEnvVar selects the configuration and state root directory.
const HomeEnvVar = "AGENT_CONSOLE_HOME"

// Config holds all configuration sections for agent-console.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Worktree      WorktreeConfig      `mapstructure:"worktree"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Agents        AgentsConfig        `mapstructure:"agents"`

	// Home is the resolved state root directory. Not read from the config
	// file; derived from AGENT_CONSOLE_HOME or the user home directory.
	Home string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration. The server binds locally;
// there is no auth layer.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. The default driver is sqlite3
// with the database file under the state root; postgres is selected by
// setting driver to "pgx" and providing a DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path (empty: <home>/agent-console.db)
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS event bus configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorktreeConfig holds git worktree coordinator configuration.
type WorktreeConfig struct {
	BasePath     string `mapstructure:"basePath"`     // managed root for worktrees (empty: <home>/worktrees)
	BranchPrefix string `mapstructure:"branchPrefix"` // prefix for generated branch names
	MaxPerRepo   int    `mapstructure:"maxPerRepo"`
}

// JobsConfig holds job queue configuration.
type JobsConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	BackoffBaseMs  int `mapstructure:"backoffBaseMs"`
	BackoffMaxMs   int `mapstructure:"backoffMaxMs"`
	MaxAttempts    int `mapstructure:"maxAttempts"`
}

// NotificationsConfig holds outbound notification dispatcher configuration.
// Debounce is the single authoritative debounce knob for agent activity
// events.
type NotificationsConfig struct {
	DebounceMs int `mapstructure:"debounceMs"`
	TimeoutMs  int `mapstructure:"timeoutMs"` // outbound webhook timeout
}

// AgentsConfig holds agent definition configuration.
type AgentsConfig struct {
	// DefinitionsPath is the YAML file declaring available agent CLIs
	// (empty: <home>/agents.yaml).
	DefinitionsPath string `mapstructure:"definitionsPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Debounce returns the notification debounce window.
func (n *NotificationsConfig) Debounce() time.Duration {
	return time.Duration(n.DebounceMs) * time.Millisecond
}

// Timeout returns the outbound webhook timeout.
func (n *NotificationsConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// PollInterval returns the queue poll interval.
func (j *JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMs) * time.Millisecond
}

// BackoffBase returns the base retry backoff.
func (j *JobsConfig) BackoffBase() time.Duration {
	return time.Duration(j.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry backoff cap.
func (j *JobsConfig) BackoffMax() time.Duration {
	return time.Duration(j.BackoffMaxMs) * time.Millisecond
}

// DatabasePath returns the resolved sqlite database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Home, "agent-console.db")
}

// WorktreeBasePath returns the resolved managed worktree root.
func (c *Config) WorktreeBasePath() string {
	if c.Worktree.BasePath != "" {
		return c.Worktree.BasePath
	}
	return filepath.Join(c.Home, "worktrees")
}

// SessionsPath returns the root directory for per-session state
// (<home>/sessions/<session_id>/workers/<worker_id>/...).
func (c *Config) SessionsPath() string {
	return filepath.Join(c.Home, "sessions")
}

// AgentDefinitionsPath returns the resolved agents.yaml path.
func (c *Config) AgentDefinitionsPath() string {
	if c.Agents.DefinitionsPath != "" {
		return c.Agents.DefinitionsPath
	}
	return filepath.Join(c.Home, "agents.yaml")
}

// ResolveHome returns the state root directory: AGENT_CONSOLE_HOME when set,
// otherwise ~/.agent-console.
func ResolveHome() (string, error) {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return filepath.Abs(home)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home directory: %w", err)
	}
	return filepath.Join(userHome, ".agent-console"), nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: bind locally, no auth
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4610)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-console")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	// Worktree defaults
	v.SetDefault("worktree.basePath", "")
	v.SetDefault("worktree.branchPrefix", "console/")
	v.SetDefault("worktree.maxPerRepo", 50)

	// Job queue defaults
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.pollIntervalMs", 250)
	v.SetDefault("jobs.backoffBaseMs", 1000)
	v.SetDefault("jobs.backoffMaxMs", 30000)
	v.SetDefault("jobs.maxAttempts", 3)

	// Notification defaults. 3s debounce is the authoritative value.
	v.SetDefault("notifications.debounceMs", 3000)
	v.SetDefault("notifications.timeoutMs", 5000)

	// Agent definitions
	v.SetDefault("agents.definitionsPath", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENT_CONSOLE_ with snake_case naming.
// The config file is config.yaml under the state root or the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	home, err := ResolveHome()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENT_CONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(home)
	v.AddConfigPath(".")

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
	cfg.Home = home

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Jobs.Concurrency <= 0 {
		errs = append(errs, "jobs.concurrency must be positive")
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		errs = append(errs, "jobs.maxAttempts must be positive")
	}
	if cfg.Notifications.DebounceMs < 0 {
		errs = append(errs, "notifications.debounceMs must not be negative")
	}
	if cfg.Worktree.MaxPerRepo <= 0 {
		errs = append(errs, "worktree.maxPerRepo must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
