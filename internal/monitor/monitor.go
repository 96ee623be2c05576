// ABOUTME: Connection monitor for the chat transport: keep-alive probes, degradation and reconnects.
// ABOUTME: Publishes state-change events and read-only stats to subscribers.

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection state of the transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport is the connection being watched.
type Transport interface {
	// Connect establishes the connection and returns once it is usable.
	Connect(ctx context.Context) error
	// Probe checks that the connection still works.
	Probe(ctx context.Context) error
	// Disconnect tears the connection down.
	Disconnect(ctx context.Context) error
}

// Event reports a state change.
type Event struct {
	From     State
	To       State
	Failures int
	Err      error
	At       time.Time
}

// Stats is a read-only view of the monitor.
type Stats struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Probes              int       `json:"probes"`
	FailedProbes        int       `json:"failed_probes"`
	ConnectFailures     int       `json:"connect_failures"`
	Reconnects          int       `json:"reconnects"`
	LastError           string    `json:"last_error,omitempty"`
	LastProbe           time.Time `json:"last_probe,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	ConnectedSince      time.Time `json:"connected_since,omitzero"`
}

// Config tunes the monitor.
type Config struct {
	KeepAlive      time.Duration
	ProbeTimeout   time.Duration
	Threshold      int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 120 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Monitor owns the connection state. Only the Run goroutine changes it.
type Monitor struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu    sync.RWMutex
	stats Stats

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// New creates a Monitor in the Disconnected state.
func New(transport Transport, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "monitor"),
		stats:     Stats{State: StateDisconnected, StateName: StateDisconnected.String()},
		subs:      make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.State
}

// Stats returns a copy of the current stats.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Run connects and watches the transport until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if err := m.connect(ctx, b); err != nil {
			return nil
		}
		m.watch(ctx)

		if ctx.Err() != nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ProbeTimeout)
			if err := m.transport.Disconnect(dctx); err != nil {
				m.logger.Warn("disconnect on shutdown failed", "error", err)
			}
			cancel()
			m.transition(StateDisconnected, nil)
			return nil
		}
		m.mu.Lock()
		m.stats.Reconnects++
		m.mu.Unlock()
	}
}

// connect retries until the transport connects or ctx ends.
func (m *Monitor) connect(ctx context.Context, b *backoff.ExponentialBackOff) error {
	for {
		m.transition(StateConnecting, nil)
		err := m.transport.Connect(ctx)
		if err == nil {
			b.Reset()
			m.mu.Lock()
			m.stats.ConsecutiveFailures = 0
			m.stats.ConnectedSince = time.Now()
			m.mu.Unlock()
			m.transition(StateConnected, nil)
			return nil
		}
		if ctx.Err() != nil {
			m.transition(StateDisconnected, nil)
			return ctx.Err()
		}

		wait := b.NextBackOff()
		m.logger.Warn("connect failed", "error", err, "retry_in", wait)
		m.mu.Lock()
		m.stats.LastError = err.Error()
		m.stats.ConnectFailures++
		m.mu.Unlock()
		m.transition(StateDisconnected, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// watch probes the connection until the failure threshold is reached or
// ctx ends.
func (m *Monitor) watch(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.transport.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		failures := m.recordProbe(err)
		if err == nil {
			if m.State() == StateDegraded {
				m.transition(StateConnected, nil)
			}
			continue
		}

		// Every failure passes through Degraded, even with a threshold of one.
		if m.State() == StateConnected {
			m.transition(StateDegraded, err)
		}
		if failures < m.cfg.Threshold {
			m.logger.Warn("probe failed", "failures", failures, "threshold", m.cfg.Threshold, "error", err)
			continue
		}

		m.logger.Error("transport unreachable, reconnecting", "failures", failures, "error", err)
		dctx, dcancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		if derr := m.transport.Disconnect(dctx); derr != nil {
			m.logger.Warn("disconnect failed", "error", derr)
		}
		dcancel()
		m.transition(StateDisconnected, err)
		return
	}
}

func (m *Monitor) recordProbe(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Probes++
	m.stats.LastProbe = time.Now()
	if err == nil {
		m.stats.LastSuccess = m.stats.LastProbe
		m.stats.ConsecutiveFailures = 0
		return 0
	}
	m.stats.FailedProbes++
	m.stats.ConsecutiveFailures++
	m.stats.LastError = err.Error()
	return m.stats.ConsecutiveFailures
}

func (m *Monitor) transition(to State, cause error) {
	m.mu.Lock()
	from := m.stats.State
	if from == to {
		m.mu.Unlock()
		return
	}
	m.stats.State = to
	m.stats.StateName = to.String()
	if to == StateDisconnected {
		m.stats.ConnectedSince = time.Time{}
	}
	evt := Event{From: from, To: to, Failures: m.stats.ConsecutiveFailures, Err: cause, At: time.Now()}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from, "to", to)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.logger.Warn("dropping state event for slow subscriber", "to", to)
		}
	}
}
