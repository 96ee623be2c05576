// Package matrix connects the relay to a Matrix homeserver.
//
// A Client plays two roles. It is the relay's chat surface: SendNew posts a
// formatted message, SendEdit replaces it with an m.replace edit, and
// SetTyping drives the typing indicator. It is also the connection monitor's
// transport: Connect logs in and starts the sync loop, Probe checks that the
// loop is alive and the token still works, and Disconnect stops the loop.
//
// Room messages and reactions arriving on the sync loop are converted to
// relay events and handed to a Handler, normally the router's Submit.
// Message ids are "room|event" pairs so a later edit or stop reaction can be
// traced back to its room.
//
// When a data directory is configured the client enables end-to-end
// encryption with a per-account SQLite crypto store.
package matrix
