// Package config provides configuration management for swarmd.
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

// Config holds all configuration sections for swarmd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Swarm   SwarmConfig   `mapstructure:"swarm"`
	Cron    CronConfig    `mapstructure:"cron"`
	Archive ArchiveConfig `mapstructure:"archive"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SwarmConfig holds swarm orchestration configuration.
type SwarmConfig struct {
	// DataDir is the root of all persisted swarm state: agents.json,
	// sessions/, schedules/, attachments/, secrets.json.
	DataDir string `mapstructure:"dataDir"`

	// CodexBin is the Codex CLI executable spawned for each agent.
	CodexBin string `mapstructure:"codexBin"`

	// PrimaryManagerID is the reserved id of the root manager agent.
	PrimaryManagerID string `mapstructure:"primaryManagerId"`

	// MemoryFile, when set, is exported to agent processes as SWARM_MEMORY_FILE.
	MemoryFile string `mapstructure:"memoryFile"`

	// WorkspaceRoots lists directories agents may use as working directories.
	// Empty means any existing directory is accepted.
	WorkspaceRoots []string `mapstructure:"workspaceRoots"`

	// Model is the default model requested at thread start. Empty uses the
	// Codex CLI default.
	Model string `mapstructure:"model"`

	// SandboxMode is the sandbox policy passed in thread configuration.
	SandboxMode string `mapstructure:"sandboxMode"`

	// HistoryLimit caps the in-memory conversation ring per agent.
	HistoryLimit int `mapstructure:"historyLimit"`

	// ShutdownTimeout bounds graceful agent termination, in seconds.
	ShutdownTimeout int `mapstructure:"shutdownTimeout"`
}

// CronConfig holds scheduled task polling configuration.
type CronConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PollInterval int  `mapstructure:"pollInterval"` // in seconds
}

// ArchiveConfig holds conversation archive configuration.
// The archive mirrors conversation entries into SQLite for search.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // empty means {dataDir}/archive.db
}

// MCPConfig holds embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the cron poll interval as a time.Duration.
func (c *CronConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *SwarmConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// ExpandedDataDir returns DataDir with a leading ~ expanded to the
// user's home directory.
func (s *SwarmConfig) ExpandedDataDir() string {
	return expandHome(s.DataDir)
}

// SessionsDir returns the directory session logs live in:
// {dataDir}/sessions.
func (s *SwarmConfig) SessionsDir() string {
	return filepath.Join(s.ExpandedDataDir(), "sessions")
}

// ArchivePath returns the archive database path, defaulting to
// {dataDir}/archive.db when unset.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return expandHome(c.Archive.Path)
	}
	return filepath.Join(c.Swarm.ExpandedDataDir(), "archive.db")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SWARMD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "swarmd-cluster")
	v.SetDefault("nats.clientId", "swarmd-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Swarm defaults
	v.SetDefault("swarm.dataDir", "~/.swarmd")
	v.SetDefault("swarm.codexBin", "codex")
	v.SetDefault("swarm.primaryManagerId", "main")
	v.SetDefault("swarm.memoryFile", "")
	v.SetDefault("swarm.workspaceRoots", []string{})
	v.SetDefault("swarm.model", "")
	v.SetDefault("swarm.sandboxMode", "danger-full-access")
	v.SetDefault("swarm.historyLimit", 2000)
	v.SetDefault("swarm.shutdownTimeout", 10)

	// Cron defaults
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.pollInterval", 30)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SWARMD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/swarmd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SWARMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config
	// key naming. CODEX_BIN and SWARM_DATA_DIR are honored unprefixed for
	// compatibility with the Codex CLI conventions.
	_ = v.BindEnv("swarm.codexBin", "CODEX_BIN", "SWARMD_SWARM_CODEX_BIN")
	_ = v.BindEnv("swarm.dataDir", "SWARM_DATA_DIR", "SWARMD_SWARM_DATA_DIR")
	_ = v.BindEnv("swarm.memoryFile", "SWARM_MEMORY_FILE", "SWARMD_SWARM_MEMORY_FILE")
	_ = v.BindEnv("swarm.sandboxMode", "SWARMD_SWARM_SANDBOX_MODE")
	_ = v.BindEnv("swarm.historyLimit", "SWARMD_SWARM_HISTORY_LIMIT")
	_ = v.BindEnv("cron.pollInterval", "SWARMD_CRON_POLL_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/swarmd/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Swarm validation
	if cfg.Swarm.DataDir == "" {
		errs = append(errs, "swarm.dataDir is required")
	}
	if cfg.Swarm.CodexBin == "" {
		errs = append(errs, "swarm.codexBin is required")
	}
	if cfg.Swarm.PrimaryManagerID == "" {
		errs = append(errs, "swarm.primaryManagerId is required")
	}
	if cfg.Swarm.HistoryLimit <= 0 {
		errs = append(errs, "swarm.historyLimit must be positive")
	}
	if cfg.Swarm.ShutdownTimeout <= 0 {
		errs = append(errs, "swarm.shutdownTimeout must be positive")
	}

	// Cron validation
	if cfg.Cron.PollInterval <= 0 {
		errs = append(errs, "cron.pollInterval must be positive")
	}

	// MCP validation - only when enabled
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
