// Package acp drives an external agent process over the Agent Client Protocol.
//
// # Overview
//
// An agent (for example `kimi acp`) is a subprocess that speaks JSON-RPC 2.0
// over its standard streams, one JSON object per line. The Client spawns it,
// performs the handshake and hands back a Session that owns the process for
// the rest of its life.
//
//	client := acp.NewClient(acp.ExecSpawner{Command: "kimi", Args: []string{"acp"}}, cfg, logger)
//	sess, err := client.Open(ctx, "/srv/rooms/abc", acp.SessionOptions{MCPServers: servers})
//
// # Envelopes
//
// Every line on the wire is an Envelope of one of three kinds:
//
//   - call: has a method and an id, expects exactly one response
//   - response: has an id and a result or an error
//   - notification: has a method and no id
//
// Calls sent by the client carry a fresh UUID as correlation id. Ids are
// never reused for the life of a Session, so a response that arrives after
// its caller gave up matches nothing and is discarded.
//
// # Handshake
//
// Open sends `initialize` followed by `session/new`. If the process exits
// first, answers with an error, or negotiates a protocol version the client
// does not speak, Open returns a *StartupError and the process is killed.
//
// # Notifications
//
// Notifications() returns a channel fed from an unbounded queue so the read
// loop never blocks on a slow consumer. Two synthetic notifications are
// injected in order with the agent's own:
//
//   - MethodTurnEnd when a session/prompt response arrives, carrying the stop reason
//   - MethodCrashed when the process exits without Close having been called
//
// After the process exits the channel is closed.
//
// # Agent Requests
//
// The agent may call back into the client. session/request_permission is
// approved automatically; any other method is answered with a JSON-RPC
// method-not-found error.
//
// # Thread Safety
//
// Session methods are safe for concurrent use. Notifications() has a single
// channel and is meant to have a single consumer at a time.
package acp
