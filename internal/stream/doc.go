// Package stream turns one agent turn into a chat message that is edited in
// place as the agent produces output.
//
// A Session consumes decoded chunks (see acp.Decoder) and moves through
//
//	Pending -> Streaming -> Finalizing -> Completed | Failed | Cancelled
//
// Text is accumulated in receipt order. Tool results are paired with their
// start records by invocation id when the agent supplies one, otherwise with
// the newest unmatched start of the same name.
//
// Each Session owns a Throttler. Mid-turn edits are requested whenever a
// sentence or a tool record completes, and are rate limited to one per
// minimum interval with at most one pending request. The terminal chunk
// triggers a final edit that bypasses the interval. Every edit carries the
// full rendered snapshot, so a failed edit loses nothing: the next one
// resends everything.
//
// Cancel may be called from any goroutine. After it returns no new edits are
// started for the session.
package stream
