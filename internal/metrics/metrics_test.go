// ABOUTME: Tests for the relay collectors and the health/metrics HTTP surface.
// ABOUTME: Uses prometheus testutil and httptest against the chi router.

package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/monitor"
	"github.com/2389/coven-relay/internal/stream"
)

type fixedStats struct{ stats monitor.Stats }

func (f fixedStats) Stats() monitor.Stats { return f.stats }

func TestObserveTurn(t *testing.T) {
	m := New()
	start := time.Now()
	m.ObserveTurn(stream.Snapshot{State: stream.StateCompleted, Flushes: 4, FlushErrors: 1, Started: start, Ended: start.Add(2 * time.Second)})
	m.ObserveTurn(stream.Snapshot{State: stream.StateFailed, Flushes: 1, AmbiguousPairings: 2})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.flushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ambiguous))
}

func TestAgentLifecycle(t *testing.T) {
	m := New()
	m.AgentOpened("/srv/a")
	m.AgentOpened("/srv/b")
	m.AgentExited("/srv/a", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentExits.WithLabelValues("true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.agentExits.WithLabelValues("false")))
}

func TestWatchMonitor(t *testing.T) {
	m := New()
	events := make(chan monitor.Event, 4)
	events <- monitor.Event{From: monitor.StateDisconnected, To: monitor.StateConnecting}
	events <- monitor.Event{From: monitor.StateConnecting, To: monitor.StateConnected}
	events <- monitor.Event{From: monitor.StateConnected, To: monitor.StateDegraded}
	close(events)

	m.WatchMonitor(context.Background(), events)

	assert.Equal(t, float64(monitor.StateDegraded), testutil.ToFloat64(m.monitorState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeFailures))
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		state      monitor.State
		wantCode   int
		wantStatus string
	}{
		{"connected", monitor.StateConnected, http.StatusOK, "ok"},
		{"degraded", monitor.StateDegraded, http.StatusOK, "degraded"},
		{"disconnected", monitor.StateDisconnected, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := monitor.Stats{State: tt.state, StateName: tt.state.String(), Probes: 7}
			srv := NewServer(New(), fixedStats{stats}, func() []string { return []string{"/srv/a"} }, slog.Default())

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var body Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.state.String(), body.Transport.StateName)
			assert.Equal(t, 7, body.Transport.Probes)
			assert.Equal(t, []string{"/srv/a"}, body.Scopes)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.ObserveTurn(stream.Snapshot{State: stream.StateCancelled})
	srv := NewServer(m, fixedStats{}, nil, slog.Default())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coven_relay_turns_total{state="cancelled"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(New(), fixedStats{monitor.Stats{State: monitor.StateConnected}}, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	assert.Error(t, err)
}
