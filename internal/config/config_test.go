// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers TOML loading, defaults, env var expansion, duration parsing and scope paths

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
[matrix]
homeserver = "https://matrix.example.org"
username = "coven"
password = "hunter2"

[agent]
command = "kimi"
args = ["acp"]
workspace_root = "/srv/rooms"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stream.MinInterval != 300*time.Millisecond {
		t.Errorf("Stream.MinInterval = %v, want 300ms", cfg.Stream.MinInterval)
	}
	if cfg.Stream.Retries != 3 {
		t.Errorf("Stream.Retries = %d, want 3", cfg.Stream.Retries)
	}
	if cfg.Stream.CancelGrace != 10*time.Second {
		t.Errorf("Stream.CancelGrace = %v, want 10s", cfg.Stream.CancelGrace)
	}
	if cfg.Stream.IdleTimeout != 5*time.Minute {
		t.Errorf("Stream.IdleTimeout = %v, want 5m", cfg.Stream.IdleTimeout)
	}
	if cfg.Stream.TurnTimeout != 30*time.Minute {
		t.Errorf("Stream.TurnTimeout = %v, want 30m", cfg.Stream.TurnTimeout)
	}
	if cfg.Bridge.HistoryLimit != 30 {
		t.Errorf("Bridge.HistoryLimit = %d, want 30", cfg.Bridge.HistoryLimit)
	}
	if cfg.Agent.CallTimeout != 30*time.Second {
		t.Errorf("Agent.CallTimeout = %v, want 30s", cfg.Agent.CallTimeout)
	}
	if cfg.Agent.CloseGrace != 5*time.Second {
		t.Errorf("Agent.CloseGrace = %v, want 5s", cfg.Agent.CloseGrace)
	}
	if cfg.Monitor.KeepAlive != 120*time.Second {
		t.Errorf("Monitor.KeepAlive = %v, want 120s", cfg.Monitor.KeepAlive)
	}
	if cfg.Monitor.FailureThreshold != 10 {
		t.Errorf("Monitor.FailureThreshold = %d, want 10", cfg.Monitor.FailureThreshold)
	}
	if cfg.Monitor.BackoffMax != 5*time.Minute {
		t.Errorf("Monitor.BackoffMax = %v, want 5m", cfg.Monitor.BackoffMax)
	}
	if cfg.Bridge.QueueSize != 64 {
		t.Errorf("Bridge.QueueSize = %d, want 64", cfg.Bridge.QueueSize)
	}
	if cfg.Bridge.DedupeTTL != 10*time.Minute {
		t.Errorf("Bridge.DedupeTTL = %v, want 10m", cfg.Bridge.DedupeTTL)
	}
	if !cfg.Bridge.RequireMention {
		t.Error("Bridge.RequireMention = false, want true")
	}
	if cfg.Bridge.StopCommand != "!stop" {
		t.Errorf("Bridge.StopCommand = %q, want %q", cfg.Bridge.StopCommand, "!stop")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if len(cfg.Agent.Args) != 1 || cfg.Agent.Args[0] != "acp" {
		t.Errorf("Agent.Args = %v, want [acp]", cfg.Agent.Args)
	}
}

func TestLoad_Overrides(t *testing.T) {
	content := minimalConfig + `
[stream]
min_interval = "1s"
retries = 5
idle_timeout = "90s"
turn_timeout = "0s"

[monitor]
keep_alive = "30s"
failure_threshold = 3

[bridge]
allowed_rooms = ["!a:example.org", "!b:example.org"]
require_mention = false
queue_size = 8
history_limit = 0

[logging]
level = "debug"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Stream.MinInterval != time.Second {
		t.Errorf("Stream.MinInterval = %v, want 1s", cfg.Stream.MinInterval)
	}
	if cfg.Stream.Retries != 5 {
		t.Errorf("Stream.Retries = %d, want 5", cfg.Stream.Retries)
	}
	if cfg.Monitor.KeepAlive != 30*time.Second {
		t.Errorf("Monitor.KeepAlive = %v, want 30s", cfg.Monitor.KeepAlive)
	}
	if cfg.Monitor.FailureThreshold != 3 {
		t.Errorf("Monitor.FailureThreshold = %d, want 3", cfg.Monitor.FailureThreshold)
	}
	if len(cfg.Bridge.AllowedRooms) != 2 {
		t.Errorf("Bridge.AllowedRooms len = %d, want 2", len(cfg.Bridge.AllowedRooms))
	}
	if cfg.Bridge.RequireMention {
		t.Error("Bridge.RequireMention = true, want false")
	}
	if cfg.Stream.IdleTimeout != 90*time.Second {
		t.Errorf("Stream.IdleTimeout = %v, want 90s", cfg.Stream.IdleTimeout)
	}
	if cfg.Stream.TurnTimeout != 0 {
		t.Errorf("Stream.TurnTimeout = %v, want 0", cfg.Stream.TurnTimeout)
	}
	if cfg.Bridge.HistoryLimit != 0 {
		t.Errorf("Bridge.HistoryLimit = %d, want 0", cfg.Bridge.HistoryLimit)
	}
	if cfg.Bridge.QueueSize != 8 {
		t.Errorf("Bridge.QueueSize = %d, want 8", cfg.Bridge.QueueSize)
	}
	// Defaults for untouched fields survive.
	if cfg.Stream.CancelGrace != 10*time.Second {
		t.Errorf("Stream.CancelGrace = %v, want 10s", cfg.Stream.CancelGrace)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MATRIX_PASSWORD", "from-env")
	content := strings.Replace(minimalConfig, `"hunter2"`, `"${TEST_MATRIX_PASSWORD}"`, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.Password != "from-env" {
		t.Errorf("Matrix.Password = %q, want %q", cfg.Matrix.Password, "from-env")
	}
}

func TestLoad_UnsetVarFailsValidation(t *testing.T) {
	content := strings.Replace(minimalConfig, `"hunter2"`, `"${TEST_UNSET_PASSWORD_VAR}"`, 1)

	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for empty password")
	}
	if !strings.Contains(err.Error(), "matrix.password") {
		t.Errorf("error = %v, want mention of matrix.password", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := minimalConfig + `
[stream]
min_interval = "soon"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "stream.min_interval") {
		t.Errorf("error = %v, want mention of stream.min_interval", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "[matrix\nhomeserver = "))
	if err == nil {
		t.Fatal("Load() expected error for invalid TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix.homeserver is required"},
		{"bad scheme", func(c *Config) { c.Matrix.Homeserver = "ftp://x" }, "http or https"},
		{"missing username", func(c *Config) { c.Matrix.Username = "" }, "matrix.username"},
		{"missing command", func(c *Config) { c.Agent.Command = "" }, "agent.command"},
		{"no scopes", func(c *Config) { c.Agent.WorkspaceRoot = "" }, "agent.workspace_root"},
		{"explicit scopes only", func(c *Config) {
			c.Agent.WorkspaceRoot = ""
			c.Agent.Scopes = map[string]string{"!a:x": "/srv/a"}
		}, ""},
		{"zero threshold", func(c *Config) { c.Monitor.FailureThreshold = 0 }, "monitor.failure_threshold"},
		{"zero queue", func(c *Config) { c.Bridge.QueueSize = 0 }, "bridge.queue_size"},
		{"zero idle timeout", func(c *Config) { c.Stream.IdleTimeout = 0 }, "stream.idle_timeout"},
		{"negative turn timeout", func(c *Config) { c.Stream.TurnTimeout = -time.Second }, "stream.turn_timeout"},
		{"negative history", func(c *Config) { c.Bridge.HistoryLimit = -1 }, "bridge.history_limit"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Matrix.Homeserver = "https://matrix.example.org"
			cfg.Matrix.Username = "coven"
			cfg.Matrix.Password = "pw"
			cfg.Agent.Command = "kimi"
			cfg.Agent.WorkspaceRoot = "/srv/rooms"
			if err := parseDurations(cfg); err != nil {
				t.Fatalf("parseDurations() error = %v", err)
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestScopeFor(t *testing.T) {
	cfg := AgentConfig{
		WorkspaceRoot: "/srv/rooms",
		Scopes:        map[string]string{"!ops:example.org": "/srv/ops"},
	}

	if got := cfg.ScopeFor("!ops:example.org"); got != "/srv/ops" {
		t.Errorf("ScopeFor(mapped) = %q, want /srv/ops", got)
	}
	if got := cfg.ScopeFor("!AbC:example.org"); got != "/srv/rooms/AbC_example.org" {
		t.Errorf("ScopeFor(room) = %q, want /srv/rooms/AbC_example.org", got)
	}
	if got := cfg.ScopeFor("../../etc"); strings.Contains(got, "..") {
		t.Errorf("ScopeFor(traversal) = %q escapes the workspace root", got)
	}
	if got := cfg.ScopeFor("!!!"); got != "/srv/rooms/default" {
		t.Errorf("ScopeFor(symbols) = %q, want /srv/rooms/default", got)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "/etc/coven/relay.toml")
	if got := Path(); got != "/etc/coven/relay.toml" {
		t.Errorf("Path() = %q, want env override", got)
	}

	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != "/xdg/coven/relay.toml" {
		t.Errorf("Path() = %q, want /xdg/coven/relay.toml", got)
	}
}
