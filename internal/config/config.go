// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Reads a TOML file with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix       MatrixConfig       `toml:"matrix"`
	Agent        AgentConfig        `toml:"agent"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Stream       StreamConfig       `toml:"stream"`
	Monitor      MonitorConfig      `toml:"monitor"`
	Bridge       BridgeConfig       `toml:"bridge"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Logging      LoggingConfig      `toml:"logging"`
}

// MatrixConfig holds the bot account and encryption settings
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
	DeviceName  string `toml:"device_name"`
}

// AgentConfig describes the agent command and where its scopes live
type AgentConfig struct {
	Command       string            `toml:"command"`
	Args          []string          `toml:"args"`
	Env           map[string]string `toml:"env"`
	WorkspaceRoot string            `toml:"workspace_root"`
	// Scopes maps a room id to a fixed scope directory.
	Scopes              map[string]string `toml:"scopes"`
	PrependInstructions bool              `toml:"prepend_instructions"`

	HandshakeTimeout time.Duration `toml:"-"`
	CallTimeout      time.Duration `toml:"-"`
	CloseGrace       time.Duration `toml:"-"`

	// Raw string values for TOML decoding
	HandshakeTimeoutRaw string `toml:"handshake_timeout"`
	CallTimeoutRaw      string `toml:"call_timeout"`
	CloseGraceRaw       string `toml:"close_grace"`
}

// CapabilitiesConfig names the base capability sources shared by every scope
type CapabilitiesConfig struct {
	Tools        string `toml:"tools"`
	Instructions string `toml:"instructions"`
	Skills       string `toml:"skills"`
}

// StreamConfig tunes streamed message edits
type StreamConfig struct {
	Retries uint64 `toml:"retries"`

	MinInterval  time.Duration `toml:"-"`
	RetryInitial time.Duration `toml:"-"`
	RetryMax     time.Duration `toml:"-"`
	CancelGrace  time.Duration `toml:"-"`
	// IdleTimeout ends a turn whose agent sends nothing for this long.
	IdleTimeout time.Duration `toml:"-"`
	// TurnTimeout bounds a whole turn. Zero disables it.
	TurnTimeout time.Duration `toml:"-"`

	MinIntervalRaw  string `toml:"min_interval"`
	RetryInitialRaw string `toml:"retry_initial"`
	RetryMaxRaw     string `toml:"retry_max"`
	CancelGraceRaw  string `toml:"cancel_grace"`
	IdleTimeoutRaw  string `toml:"idle_timeout"`
	TurnTimeoutRaw  string `toml:"turn_timeout"`
}

// MonitorConfig tunes the homeserver connection monitor
type MonitorConfig struct {
	FailureThreshold int `toml:"failure_threshold"`

	KeepAlive      time.Duration `toml:"-"`
	ProbeTimeout   time.Duration `toml:"-"`
	BackoffInitial time.Duration `toml:"-"`
	BackoffMax     time.Duration `toml:"-"`

	KeepAliveRaw      string `toml:"keep_alive"`
	ProbeTimeoutRaw   string `toml:"probe_timeout"`
	BackoffInitialRaw string `toml:"backoff_initial"`
	BackoffMaxRaw     string `toml:"backoff_max"`
}

// BridgeConfig controls which messages reach the agent
type BridgeConfig struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	StopCommand     string   `toml:"stop_command"`
	TypingIndicator bool     `toml:"typing_indicator"`
	RequireMention  bool     `toml:"require_mention"`
	QueueSize       int      `toml:"queue_size"`
	// HistoryLimit is how many earlier room messages prefix a group-room
	// prompt. Zero disables it.
	HistoryLimit int `toml:"history_limit"`

	DedupeTTL    time.Duration `toml:"-"`
	DedupeTTLRaw string        `toml:"dedupe_ttl"`
}

// LedgerConfig holds the turn ledger database location
type LedgerConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig holds the metrics and health endpoint settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Path returns the config file location.
// Priority: COVEN_RELAY_CONFIG > XDG_CONFIG_HOME/coven/relay.toml > ~/.config/coven/relay.toml
func Path() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.toml")
}

// DataPath returns the directory for the crypto store and ledger.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{DeviceName: "coven-relay"},
		Agent: AgentConfig{
			HandshakeTimeoutRaw: "30s",
			CallTimeoutRaw:      "30s",
			CloseGraceRaw:       "5s",
			PrependInstructions: true,
		},
		Stream: StreamConfig{
			Retries:         3,
			MinIntervalRaw:  "300ms",
			RetryInitialRaw: "200ms",
			RetryMaxRaw:     "2s",
			CancelGraceRaw:  "10s",
			IdleTimeoutRaw:  "5m",
			TurnTimeoutRaw:  "30m",
		},
		Monitor: MonitorConfig{
			FailureThreshold:  10,
			KeepAliveRaw:      "120s",
			ProbeTimeoutRaw:   "10s",
			BackoffInitialRaw: "1s",
			BackoffMaxRaw:     "5m",
		},
		Bridge: BridgeConfig{
			StopCommand:     "!stop",
			TypingIndicator: true,
			RequireMention:  true,
			QueueSize:       64,
			HistoryLimit:    30,
			DedupeTTLRaw:    "10m",
		},
		Ledger:  LedgerConfig{Path: filepath.Join(DataPath(), "relay.db")},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Logging: LoggingConfig{Level: "info"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
// An unset variable expands to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.handshake_timeout", cfg.Agent.HandshakeTimeoutRaw, &cfg.Agent.HandshakeTimeout},
		{"agent.call_timeout", cfg.Agent.CallTimeoutRaw, &cfg.Agent.CallTimeout},
		{"agent.close_grace", cfg.Agent.CloseGraceRaw, &cfg.Agent.CloseGrace},
		{"stream.min_interval", cfg.Stream.MinIntervalRaw, &cfg.Stream.MinInterval},
		{"stream.retry_initial", cfg.Stream.RetryInitialRaw, &cfg.Stream.RetryInitial},
		{"stream.retry_max", cfg.Stream.RetryMaxRaw, &cfg.Stream.RetryMax},
		{"stream.cancel_grace", cfg.Stream.CancelGraceRaw, &cfg.Stream.CancelGrace},
		{"stream.idle_timeout", cfg.Stream.IdleTimeoutRaw, &cfg.Stream.IdleTimeout},
		{"stream.turn_timeout", cfg.Stream.TurnTimeoutRaw, &cfg.Stream.TurnTimeout},
		{"monitor.keep_alive", cfg.Monitor.KeepAliveRaw, &cfg.Monitor.KeepAlive},
		{"monitor.probe_timeout", cfg.Monitor.ProbeTimeoutRaw, &cfg.Monitor.ProbeTimeout},
		{"monitor.backoff_initial", cfg.Monitor.BackoffInitialRaw, &cfg.Monitor.BackoffInitial},
		{"monitor.backoff_max", cfg.Monitor.BackoffMaxRaw, &cfg.Monitor.BackoffMax},
		{"bridge.dedupe_ttl", cfg.Bridge.DedupeTTLRaw, &cfg.Bridge.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Agent.WorkspaceRoot = expandHome(c.Agent.WorkspaceRoot)
	for room, dir := range c.Agent.Scopes {
		c.Agent.Scopes[room] = expandHome(dir)
	}
	c.Capabilities.Tools = expandHome(c.Capabilities.Tools)
	c.Capabilities.Instructions = expandHome(c.Capabilities.Instructions)
	c.Capabilities.Skills = expandHome(c.Capabilities.Skills)
	c.Ledger.Path = expandHome(c.Ledger.Path)
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.WorkspaceRoot == "" && len(c.Agent.Scopes) == 0 {
		return fmt.Errorf("agent.workspace_root or agent.scopes is required")
	}

	if c.Stream.MinInterval <= 0 {
		return fmt.Errorf("stream.min_interval must be positive")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream.idle_timeout must be positive")
	}
	if c.Stream.TurnTimeout < 0 {
		return fmt.Errorf("stream.turn_timeout must not be negative")
	}
	if c.Monitor.FailureThreshold < 1 {
		return fmt.Errorf("monitor.failure_threshold must be at least 1")
	}
	if c.Monitor.KeepAlive <= 0 {
		return fmt.Errorf("monitor.keep_alive must be positive")
	}
	if c.Bridge.QueueSize < 1 {
		return fmt.Errorf("bridge.queue_size must be at least 1")
	}
	if c.Bridge.HistoryLimit < 0 {
		return fmt.Errorf("bridge.history_limit must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

var unsafeScopeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScopeFor returns the scope directory for a room: the configured mapping
// if there is one, otherwise a directory under the workspace root named
// after the room.
func (c *AgentConfig) ScopeFor(room string) string {
	if dir, ok := c.Scopes[room]; ok {
		return dir
	}
	name := strings.Trim(unsafeScopeChars.ReplaceAllString(room, "_"), "_.")
	if name == "" {
		name = "default"
	}
	return filepath.Join(c.WorkspaceRoot, name)
}
