// ABOUTME: Tests for coven-relay command helpers: config mapping, env lists and turn output.
// ABOUTME: Exercises the wiring functions without connecting to Matrix or starting agents.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/ledger"
)

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

const minimalConfig = `
[matrix]
homeserver = "https://matrix.example.org"
username = "coven"
password = "secret"

[agent]
command = "fake-acp-agent"
args = ["-delay", "10ms"]
workspace_root = "/srv/rooms"
env = { B = "2", A = "1" }

[bridge]
allowed_rooms = ["!a:example.org"]
command_prefix = "!coven"

[stream]
min_interval = "500ms"
cancel_grace = "3s"
idle_timeout = "2m"
`

func TestRelayConfig(t *testing.T) {
	cfg := loadTestConfig(t, minimalConfig)
	rc := relayConfig(cfg)

	assert.Equal(t, []string{"!a:example.org"}, rc.AllowedRooms)
	assert.Equal(t, "!coven", rc.CommandPrefix)
	assert.Equal(t, "!stop", rc.StopCommand)
	assert.True(t, rc.RequireMention)
	assert.Equal(t, 64, rc.QueueSize)
	assert.Equal(t, 3*time.Second, rc.CancelGrace)
	assert.Equal(t, 2*time.Minute, rc.IdleTimeout)
	assert.Equal(t, 30*time.Minute, rc.TurnTimeout)
	assert.Equal(t, 30, rc.HistoryLimit)
	assert.Equal(t, 500*time.Millisecond, rc.Stream.MinInterval)
	assert.Equal(t, uint64(3), rc.Stream.Retry.MaxRetries)
	require.NotNil(t, rc.ScopeFor)
	assert.Equal(t, filepath.Join("/srv/rooms", "a_example.org"), rc.ScopeFor("!a:example.org"))
}

func TestMatrixConfig(t *testing.T) {
	cfg := loadTestConfig(t, minimalConfig)
	mc := matrixConfig(cfg)
	assert.Equal(t, "https://matrix.example.org", mc.Homeserver)
	assert.Equal(t, "coven-relay", mc.DeviceName)
	assert.Empty(t, mc.DataDir, "no crypto store without a recovery key")

	cfg.Matrix.RecoveryKey = "EsTc abcd"
	assert.Equal(t, config.DataPath(), matrixConfig(cfg).DataDir)
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
	assert.Empty(t, envList(nil))
}

func TestQuoteArgs(t *testing.T) {
	assert.Equal(t, `"--acp", "-v"`, quoteArgs(" --acp  -v "))
	assert.Equal(t, "", quoteArgs(""))
}

func TestPrintTurns(t *testing.T) {
	var buf bytes.Buffer
	printTurns(&buf, nil)
	assert.Equal(t, "No turns recorded.\n", buf.String())

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	buf.Reset()
	printTurns(&buf, []*ledger.Turn{
		{
			Room:      "!a:example.org",
			Prompt:    "summarise\nthe   build log please, it is very long and noisy",
			State:     "running",
			Tools:     2,
			StartedAt: start,
			EndedAt:   start.Add(1500 * time.Millisecond),
		},
		{Room: "!b:example.org", Prompt: "hi", State: "pending", StartedAt: start},
	})

	out := buf.String()
	assert.Contains(t, out, "STARTED")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "summarise the build log please, it is ve...")
	assert.Contains(t, out, "!b:example.org")
	assert.Contains(t, out, " - ")
}
