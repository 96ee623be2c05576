// ABOUTME: Keeps one live agent session per scope, opening it on first use with its capabilities.
// ABOUTME: Replaces sessions whose process exited and closes everything on shutdown.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/capability"
)

// ErrAgentNotFound indicates no session is open for the scope.
var ErrAgentNotFound = errors.New("agent not found")

// Opener starts an agent session. *acp.Client implements it.
type Opener interface {
	Open(ctx context.Context, scope string, opts acp.SessionOptions) (*acp.Session, error)
}

// Options tunes a Manager.
type Options struct {
	// Paths holds the base capability sources; scope overrides are added per scope.
	Paths capability.Paths
	// PrependInstructions puts the instruction text in front of the first
	// prompt of every session as well as in session/new.
	PrependInstructions bool
}

// Manager coordinates the agent sessions of all scopes.
type Manager struct {
	opener Opener
	opts   Options
	logger *slog.Logger

	opening singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Connection

	// OnOpen and OnExit observe session lifecycle. Either may be nil.
	OnOpen func(scope string)
	OnExit func(scope string, crashed bool)
}

// NewManager creates a new Manager instance.
func NewManager(opener Opener, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		opener:   opener,
		opts:     opts,
		logger:   logger.With("component", "agent"),
		sessions: make(map[string]*Connection),
	}
}

// Acquire returns the live session for scope, opening one if needed.
// Concurrent callers for the same scope share a single open.
func (m *Manager) Acquire(ctx context.Context, scope string) (*Connection, error) {
	if conn, ok := m.live(scope); ok {
		return conn, nil
	}

	v, err, _ := m.opening.Do(scope, func() (any, error) {
		if conn, ok := m.live(scope); ok {
			return conn, nil
		}
		return m.open(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// live returns the registered session for scope if its process is still
// running. An exited session is dropped.
func (m *Manager) live(scope string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.sessions[scope]
	if !ok {
		return nil, false
	}
	if conn.Session.Alive() {
		return conn, true
	}
	delete(m.sessions, scope)
	m.logger.Warn("replacing exited agent session", "scope", scope, "error", conn.Session.Err())
	return nil, false
}

func (m *Manager) open(ctx context.Context, scope string) (*Connection, error) {
	caps, err := capability.Load(m.opts.Paths.ForScope(scope))
	if err != nil {
		var cfgErr *capability.ConfigError
		if !errors.As(err, &cfgErr) {
			return nil, err
		}
		m.logger.Warn("capability config is invalid, starting without tools", "scope", scope, "source", cfgErr.Source, "error", cfgErr.Err)
		caps = capability.Empty()
	}

	sess, err := m.opener.Open(ctx, scope, SessionOptions(caps))
	if err != nil {
		return nil, err
	}
	warnUnsupported(m.logger, sess, caps)

	conn := newConnection(sess, caps, m.opts.PrependInstructions)
	m.mu.Lock()
	m.sessions[scope] = conn
	total := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("=== AGENT SESSION OPENED ===",
		"scope", scope,
		"session_id", sess.ID,
		"tools", caps.ToolNames(),
		"skills", len(caps.Skills),
		"total_sessions", total,
	)
	if m.OnOpen != nil {
		m.OnOpen(scope)
	}
	go m.watch(conn)
	return conn, nil
}

// watch reports the session's exit and unregisters it.
func (m *Manager) watch(conn *Connection) {
	<-conn.Session.Done()
	crashed := !conn.released.Load()

	m.mu.Lock()
	if m.sessions[conn.Session.Scope] == conn {
		delete(m.sessions, conn.Session.Scope)
	}
	m.mu.Unlock()

	if crashed {
		m.logger.Error("agent session exited", "scope", conn.Session.Scope, "error", conn.Session.Err())
	}
	if m.OnExit != nil {
		m.OnExit(conn.Session.Scope, crashed)
	}
}

// Get returns the live session for scope without opening one.
func (m *Manager) Get(scope string) (*Connection, error) {
	conn, ok := m.live(scope)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return conn, nil
}

// Release closes the session for scope, if any.
func (m *Manager) Release(scope string) error {
	m.mu.Lock()
	conn, ok := m.sessions[scope]
	delete(m.sessions, scope)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.logger.Info("=== AGENT SESSION CLOSED ===", "scope", scope, "session_id", conn.Session.ID)
	return conn.close()
}

// CloseAll closes every session concurrently.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.sessions))
	for scope, conn := range m.sessions {
		conns = append(conns, conn)
		delete(m.sessions, scope)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(conn.close)
	}
	return g.Wait()
}

// Scopes returns the scopes with a registered session, sorted.
func (m *Manager) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scopes := make([]string, 0, len(m.sessions))
	for scope := range m.sessions {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// SessionOptions converts a capability set into the session/new payload.
func SessionOptions(caps *capability.Config) acp.SessionOptions {
	opts := acp.SessionOptions{
		MCPServers:   make([]acp.MCPServer, 0, len(caps.Tools)),
		SystemPrompt: caps.SystemPrompt(),
	}
	for _, name := range caps.ToolNames() {
		switch t := caps.Tools[name].(type) {
		case capability.StdioTool:
			opts.MCPServers = append(opts.MCPServers, acp.MCPServer{
				Name:    t.Name,
				Command: t.Command,
				Args:    t.Args,
				Env:     nameValues(t.Env),
			})
		case capability.HTTPTool:
			opts.MCPServers = append(opts.MCPServers, acp.MCPServer{
				Type:    string(capability.TransportHTTP),
				Name:    t.Name,
				URL:     t.URL,
				Headers: nameValues(t.Headers),
			})
		case capability.SSETool:
			opts.MCPServers = append(opts.MCPServers, acp.MCPServer{
				Type:    string(capability.TransportSSE),
				Name:    t.Name,
				URL:     t.URL,
				Headers: nameValues(t.Headers),
			})
		}
	}
	for _, skill := range caps.Skills {
		opts.Skills = append(opts.Skills, acp.SkillRef{Name: skill.Name, Path: skill.Path})
	}
	return opts
}

// nameValues flattens m into the sorted list form ACP expects.
func nameValues(m map[string]string) []acp.NameValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]acp.NameValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, acp.NameValue{Name: k, Value: m[k]})
	}
	return out
}

// warnUnsupported logs remote tools the agent did not advertise support for.
func warnUnsupported(logger *slog.Logger, sess *acp.Session, caps *capability.Config) {
	mcp := sess.Capabilities.MCPCapabilities
	for _, name := range caps.ToolNames() {
		var supported bool
		switch caps.Tools[name].Transport() {
		case capability.TransportStdio:
			continue
		case capability.TransportHTTP:
			supported = mcp != nil && mcp.HTTP
		case capability.TransportSSE:
			supported = mcp != nil && mcp.SSE
		}
		if !supported {
			logger.Warn("agent does not advertise support for tool transport",
				"scope", sess.Scope, "tool", name, "transport", caps.Tools[name].Transport())
		}
	}
}
