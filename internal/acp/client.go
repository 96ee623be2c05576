// ABOUTME: Opens agent sessions: spawns the process and performs the ACP handshake.
// ABOUTME: Enforces at most one live or opening session per working-directory scope.

package acp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientConfig tunes timeouts for every session opened by a Client.
type ClientConfig struct {
	// HandshakeTimeout bounds initialize plus session/new.
	HandshakeTimeout time.Duration
	// CallTimeout applies to Call when the caller passes zero.
	CallTimeout time.Duration
	// CloseGrace is how long Close waits after closing stdin before killing.
	CloseGrace time.Duration
	// Capabilities is advertised to the agent during initialize.
	Capabilities ClientCapabilities
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
	return c
}

// SessionOptions carries the capability set sent in session/new.
type SessionOptions struct {
	MCPServers   []MCPServer
	Skills       []SkillRef
	SystemPrompt string
}

// Client spawns agent processes and tracks which scopes are in use.
type Client struct {
	spawner Spawner
	cfg     ClientConfig
	logger  *slog.Logger

	mu     sync.Mutex
	scopes map[string]*Session // nil value while a handshake is in flight
}

// NewClient creates a Client that starts agents through spawner.
func NewClient(spawner Spawner, cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		spawner: spawner,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "acp"),
		scopes:  make(map[string]*Session),
	}
}

// Open starts an agent in scope and completes the handshake.
// Returns ErrSessionBusy if scope already has a live or opening session,
// and a *StartupError if the agent fails to come up.
func (c *Client) Open(ctx context.Context, scope string, opts SessionOptions) (*Session, error) {
	c.mu.Lock()
	if _, busy := c.scopes[scope]; busy {
		c.mu.Unlock()
		return nil, ErrSessionBusy
	}
	c.scopes[scope] = nil
	c.mu.Unlock()

	sess, err := c.open(ctx, scope, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.scopes, scope)
		return nil, err
	}
	select {
	case <-sess.exited:
		// Exited between handshake and registration; never publish it.
		delete(c.scopes, scope)
		return nil, &StartupError{Scope: scope, Reason: "process exited after handshake", Err: ErrSessionClosed}
	default:
	}
	c.scopes[scope] = sess
	return sess, nil
}

func (c *Client) open(ctx context.Context, scope string, opts SessionOptions) (*Session, error) {
	proc, err := c.spawner.Spawn(ctx, scope)
	if err != nil {
		return nil, &StartupError{Scope: scope, Reason: "spawn failed", Err: err}
	}

	sess := newSession(c, scope, proc)
	go sess.run()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	fail := func(reason string, err error) (*Session, error) {
		sess.logger.Warn("agent handshake failed", "reason", reason, "error", err)
		sess.closing.Store(true)
		sess.shutdown()
		sess.queue.discard()
		return nil, &StartupError{Scope: scope, Reason: reason, Err: err}
	}

	var initResp InitializeResponse
	initReq := InitializeRequest{ProtocolVersion: ProtocolVersion, ClientCapabilities: &c.cfg.Capabilities}
	if err := sess.callInto(hctx, MethodInitialize, initReq, &initResp); err != nil {
		return fail("initialize", err)
	}
	if initResp.ProtocolVersion != ProtocolVersion {
		return fail(fmt.Sprintf("incompatible protocol version %d (want %d)", initResp.ProtocolVersion, ProtocolVersion), nil)
	}
	sess.ProtocolVersion = initResp.ProtocolVersion
	sess.Capabilities = initResp.AgentCapabilities

	servers := opts.MCPServers
	if servers == nil {
		servers = []MCPServer{}
	}
	newReq := NewSessionRequest{
		Cwd:          scope,
		MCPServers:   servers,
		Skills:       opts.Skills,
		SystemPrompt: opts.SystemPrompt,
	}
	var newResp NewSessionResponse
	if err := sess.callInto(hctx, MethodSessionNew, newReq, &newResp); err != nil {
		return fail("session/new", err)
	}
	if newResp.SessionID == "" {
		return fail("session/new returned no session id", nil)
	}
	sess.ID = newResp.SessionID
	sess.logger.Info("agent session opened",
		"session_id", sess.ID,
		"protocol_version", sess.ProtocolVersion,
		"mcp_servers", len(servers),
		"skills", len(opts.Skills),
	)
	return sess, nil
}

// release marks sess as exited and frees its scope. Both happen under the
// client lock so Open never registers a session that has already exited.
func (c *Client) release(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.scopes[sess.Scope]; ok && cur == sess {
		delete(c.scopes, sess.Scope)
	}
	close(sess.exited)
}

// Busy reports whether scope has a live or opening session.
func (c *Client) Busy(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.scopes[scope]
	return ok
}
