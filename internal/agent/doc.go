// Package agent keeps one live agent session per scope.
//
// # Overview
//
// A scope is a working directory. The first Acquire for a scope loads the
// scope's capabilities, starts an agent there through the ACP client and
// registers the resulting Connection. Later calls reuse it until the process
// exits, after which the next Acquire starts a fresh one.
//
// # Manager
//
//	mgr := agent.NewManager(client, agent.Options{Paths: paths}, logger)
//
// Key operations:
//
//   - Acquire(ctx, scope): Get the live session, opening it if needed
//   - Get(scope): Get the live session without opening one
//   - Release(scope): Close the session for a scope
//   - CloseAll(): Close every session on shutdown
//
// Concurrent Acquire calls for one scope share a single open, so the ACP
// client's one-session-per-scope rule is never hit by the manager itself.
//
// # Capabilities
//
// Tool servers, instructions and skills come from capability.Load with the
// scope's override sources. An invalid source is logged and the session
// starts with no tools rather than not at all. The instruction text is sent
// as the session's system prompt and, with PrependInstructions, also put in
// front of the session's first prompt.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use. Only one turn may run
// on a Connection at a time; the ACP session enforces this.
package agent
