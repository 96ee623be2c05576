// Package relay routes chat events to agent turns.
//
// # Flow
//
// A chat adapter calls Submit for every inbound message or reaction. Submit
// never blocks; when the bounded queue is full the event is dropped and
// counted. Run takes events off the queue, drops duplicates and filtered
// rooms, handles stop requests, and appends the rest to the lane of the
// conversation's agent scope.
//
// Each lane runs one turn at a time:
//
//  1. post a placeholder message
//  2. acquire the scope's agent session and send the prompt
//  3. feed decoded notifications into a stream.Session, which edits the
//     placeholder as output arrives
//  4. record the outcome in the ledger and metrics
//
// # Stopping a turn
//
// The stop command or a stop reaction cancels the streaming session, so the
// message is not edited again. The router then sends session/cancel to the
// agent and discards its output until the turn ends. An agent that keeps
// going past the cancel grace period has its session released; the next
// turn in that scope starts a fresh process.
package relay
