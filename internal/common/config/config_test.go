package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8787, ReadTimeout: 30, WriteTimeout: 30},
		Swarm: SwarmConfig{
			DataDir:          "~/.swarmd",
			CodexBin:         "codex",
			PrimaryManagerID: "main",
			HistoryLimit:     2000,
			ShutdownTimeout:  10,
		},
		Cron:    CronConfig{Enabled: true, PollInterval: 30},
		Logging: LoggingConfig{Level: "info", Format: "text", OutputPath: "stdout"},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"empty data dir", func(c *Config) { c.Swarm.DataDir = "" }, "swarm.dataDir"},
		{"empty codex bin", func(c *Config) { c.Swarm.CodexBin = "" }, "swarm.codexBin"},
		{"empty primary id", func(c *Config) { c.Swarm.PrimaryManagerID = "" }, "swarm.primaryManagerId"},
		{"zero history limit", func(c *Config) { c.Swarm.HistoryLimit = 0 }, "swarm.historyLimit"},
		{"zero poll interval", func(c *Config) { c.Cron.PollInterval = 0 }, "cron.pollInterval"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad mcp port", func(c *Config) { c.MCP.Enabled = true; c.MCP.Port = -1 }, "mcp.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Swarm.DataDir = ""
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "server.port") || !strings.Contains(err.Error(), "swarm.dataDir") {
		t.Errorf("expected both failures reported, got %q", err.Error())
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir() // no config.yaml here
	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("expected default port 8787, got %d", cfg.Server.Port)
	}
	if cfg.Swarm.PrimaryManagerID != "main" {
		t.Errorf("expected default primary manager id, got %q", cfg.Swarm.PrimaryManagerID)
	}
	if !cfg.Cron.Enabled || cfg.Cron.PollInterval != 30 {
		t.Errorf("unexpected cron defaults: %+v", cfg.Cron)
	}
	if cfg.Archive.Enabled {
		t.Error("archive should be disabled by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "server:\n  port: 9999\nswarm:\n  primaryManagerId: boss\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Swarm.PrimaryManagerID != "boss" {
		t.Errorf("expected primary manager id from file, got %q", cfg.Swarm.PrimaryManagerID)
	}
}

func TestUnprefixedEnvBindings(t *testing.T) {
	t.Setenv("CODEX_BIN", "/opt/codex/bin/codex")
	t.Setenv("SWARM_DATA_DIR", "/tmp/swarm-data")
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Swarm.CodexBin != "/opt/codex/bin/codex" {
		t.Errorf("CODEX_BIN not honored, got %q", cfg.Swarm.CodexBin)
	}
	if cfg.Swarm.DataDir != "/tmp/swarm-data" {
		t.Errorf("SWARM_DATA_DIR not honored, got %q", cfg.Swarm.DataDir)
	}
}

func TestExpandedDataDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	s := SwarmConfig{DataDir: "~/.swarmd"}
	if got := s.ExpandedDataDir(); got != filepath.Join(home, ".swarmd") {
		t.Errorf("unexpected expansion: %q", got)
	}
	s.DataDir = "/var/lib/swarmd"
	if got := s.ExpandedDataDir(); got != "/var/lib/swarmd" {
		t.Errorf("absolute path should pass through, got %q", got)
	}
}

func TestSessionsDir(t *testing.T) {
	s := SwarmConfig{DataDir: "/data"}
	if got := s.SessionsDir(); got != "/data/sessions" {
		t.Errorf("expected session logs under {dataDir}/sessions, got %q", got)
	}
}

func TestArchivePathDefault(t *testing.T) {
	cfg := validConfig()
	cfg.Swarm.DataDir = "/data"
	if got := cfg.ArchivePath(); got != "/data/archive.db" {
		t.Errorf("expected default archive path under data dir, got %q", got)
	}
	cfg.Archive.Path = "/elsewhere/conv.db"
	if got := cfg.ArchivePath(); got != "/elsewhere/conv.db" {
		t.Errorf("explicit archive path should win, got %q", got)
	}
}
