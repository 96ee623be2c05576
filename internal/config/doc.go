// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is one TOML file with environment variable expansion.
// Every optional field has a default; see Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.toml
//  3. ~/.config/coven/relay.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[matrix]
//	password = "${MATRIX_PASSWORD}"
//
// # Duration Parsing
//
// Durations are strings in Go's time.ParseDuration syntax:
//
//	[stream]
//	min_interval = "300ms"
//	cancel_grace = "10s"
//
// # Configuration Sections
//
// Matrix account:
//
//	[matrix]
//	homeserver = "https://matrix.example.org"
//	username = "coven"
//	password = "${MATRIX_PASSWORD}"
//	recovery_key = "${MATRIX_RECOVERY_KEY}"   # enables encryption
//
// Agent:
//
//	[agent]
//	command = "kimi"
//	args = ["acp"]
//	workspace_root = "~/coven/rooms"          # one scope directory per room
//	handshake_timeout = "30s"
//	call_timeout = "30s"
//	close_grace = "5s"
//
//	[agent.scopes]
//	"!ops:example.org" = "/srv/ops"
//
// Shared capabilities:
//
//	[capabilities]
//	tools = "/etc/coven/mcp.json"
//	instructions = "/etc/coven/base.md"
//	skills = "/etc/coven/skills"
//
// Streaming, connection monitor and bridge:
//
//	[stream]
//	min_interval = "300ms"
//	retries = 3
//	idle_timeout = "5m"    # agent silence that ends a turn
//	turn_timeout = "30m"   # 0 disables
//
//	[monitor]
//	keep_alive = "120s"
//	failure_threshold = 10
//
//	[bridge]
//	allowed_rooms = ["!ops:example.org"]
//	require_mention = true
//	stop_command = "!stop"
//	history_limit = 30     # earlier messages sent with group-room prompts
//
// Ledger, metrics and logging:
//
//	[ledger]
//	path = "~/.local/share/coven/relay.db"
//
//	[metrics]
//	enabled = true
//	addr = "127.0.0.1:9464"
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//
// # Usage
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    return err
//	}
package config
