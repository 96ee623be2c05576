// ABOUTME: Prometheus collectors for relayed turns, agent sessions and the transport monitor.
// ABOUTME: Collectors live on a private registry so tests and multiple relays do not collide.

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/coven-relay/internal/monitor"
	"github.com/2389/coven-relay/internal/stream"
)

const namespace = "coven_relay"

// Metrics holds the relay's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	turns         *prometheus.CounterVec
	flushes       prometheus.Counter
	flushErrors   prometheus.Counter
	ambiguous     prometheus.Counter
	turnDuration  prometheus.Histogram
	sessionsOpen  prometheus.Gauge
	agentExits    *prometheus.CounterVec
	monitorState  prometheus.Gauge
	probeFailures prometheus.Counter
	dropped       prometheus.Counter
}

// New registers the relay collectors plus the Go and process collectors on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by final state.",
		}, []string{"state"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Message edits delivered to the chat platform.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Message edits that failed after retries.",
		}),
		ambiguous: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ambiguous_tool_pairings_total",
			Help:      "Tool results that matched more than one unfinished call.",
		}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from prompt to final edit.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_sessions_open",
			Help:      "Live agent processes.",
		}),
		agentExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_exits_total",
			Help:      "Agent process exits, split by whether the exit was a crash.",
		}, []string{"crashed"}),
		monitorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "Transport connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_degradations_total",
			Help:      "Transitions into the degraded state.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound chat events dropped because the queue was full.",
		}),
	}

	reg.MustRegister(
		m.turns,
		m.flushes,
		m.flushErrors,
		m.ambiguous,
		m.turnDuration,
		m.sessionsOpen,
		m.agentExits,
		m.monitorState,
		m.probeFailures,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(snap stream.Snapshot) {
	m.turns.WithLabelValues(snap.State.String()).Inc()
	m.flushes.Add(float64(snap.Flushes))
	m.flushErrors.Add(float64(snap.FlushErrors))
	m.ambiguous.Add(float64(snap.AmbiguousPairings))
	if !snap.Ended.IsZero() && !snap.Started.IsZero() {
		m.turnDuration.Observe(snap.Ended.Sub(snap.Started).Seconds())
	}
}

// AgentOpened counts a newly started agent process.
func (m *Metrics) AgentOpened(string) {
	m.sessionsOpen.Inc()
}

// AgentExited counts an agent process that went away.
func (m *Metrics) AgentExited(_ string, crashed bool) {
	m.sessionsOpen.Dec()
	if crashed {
		m.agentExits.WithLabelValues("true").Inc()
	} else {
		m.agentExits.WithLabelValues("false").Inc()
	}
}

// InboundDropped counts a chat event that did not fit in the queue.
func (m *Metrics) InboundDropped() {
	m.dropped.Inc()
}

// WatchMonitor mirrors monitor events into the state gauge until events is
// closed or ctx is done.
func (m *Metrics) WatchMonitor(ctx context.Context, events <-chan monitor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.monitorState.Set(float64(ev.To))
			if ev.To == monitor.StateDegraded && ev.From != monitor.StateDegraded {
				m.probeFailures.Inc()
			}
		}
	}
}
