// ABOUTME: Runs one agent turn: placeholder message, prompt, notification pump and teardown.
// ABOUTME: Cancelled turns are drained until the agent ends them or the grace period expires.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/stream"
)

// StoppedNotice is posted after a user stops a turn.
const StoppedNotice = "⏹ _Stopped._"

// networkTimeout bounds chat calls made after the turn's context is gone.
const networkTimeout = 10 * time.Second

// historyMaxAge drops earlier messages older than this from the prompt.
const historyMaxAge = 7 * 24 * time.Hour

// turn is one prompt in flight.
type turn struct {
	id        string
	event     Event
	scope     string
	surfaceID string
	session   *stream.Session
	logger    *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// stop cancels the streaming session. It reports whether the turn was
// still running.
func (t *turn) stop() bool {
	if !t.session.Cancel() {
		return false
	}
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return true
}

func (t *turn) wasStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (r *Router) runTurn(ctx context.Context, scope string, ev Event) {
	logger := r.logger.With("room", ev.Conversation, "scope", scope)

	if r.cfg.TypingIndicator {
		if typist, ok := r.surface.(Typist); ok {
			r.setTyping(ctx, typist, ev.Conversation, true, logger)
			defer r.setTyping(context.WithoutCancel(ctx), typist, ev.Conversation, false, logger)
		}
	}

	surfaceID, err := r.surface.SendNew(ctx, ev.Conversation, stream.Placeholder)
	if err != nil {
		logger.Error("failed to send placeholder", "error", err)
		return
	}

	t := &turn{
		id:        uuid.NewString(),
		event:     ev,
		scope:     scope,
		surfaceID: surfaceID,
		session:   stream.New(ctx, ev.Conversation, surfaceID, r.surface, r.cfg.Stream, logger),
	}
	t.logger = logger.With("turn_id", t.id)

	r.track(t)
	defer r.untrack(t)
	r.recordStart(ctx, t)
	defer r.recordFinish(ctx, t)

	t.logger.Info("turn started", "surface", surfaceID)

	conn, err := r.agents.Acquire(ctx, scope)
	if err != nil {
		t.logger.Error("failed to start agent", "error", err)
		t.session.Feed(acp.TerminalChunk(acp.TerminalFailure, fmt.Sprintf("could not start the agent: %v", err)))
		return
	}
	if t.session.State().Terminal() {
		// Stopped while the agent was starting.
		r.afterStop(ctx, t)
		return
	}

	if err := conn.Prompt(ctx, r.promptText(ctx, t)); err != nil {
		t.logger.Error("failed to send prompt", "error", err)
		t.session.Feed(acp.TerminalChunk(acp.TerminalFailure, fmt.Sprintf("could not send the prompt: %v", err)))
		return
	}

	if r.pump(ctx, t, conn) {
		r.drain(ctx, t, conn)
	}
	if t.wasStopped() {
		r.afterStop(ctx, t)
	}
}

// pump feeds the agent's notifications into the streaming session until a
// terminal marker. It reports true when the session was cancelled first and
// the agent's turn is still running. An agent that goes quiet for the idle
// timeout, or overruns the turn timeout, fails the turn and loses its session.
func (r *Router) pump(ctx context.Context, t *turn, conn *agent.Connection) bool {
	decoder := acp.NewDecoder(t.logger)
	notes := conn.Session.Notifications()

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()
	var deadline <-chan time.Time
	if r.cfg.TurnTimeout > 0 {
		overall := time.NewTimer(r.cfg.TurnTimeout)
		defer overall.Stop()
		deadline = overall.C
	}

	for {
		select {
		case env, ok := <-notes:
			if !ok {
				t.session.Feed(acp.TerminalChunk(acp.TerminalCrashed, "the agent session closed"))
				return false
			}
			idle.Reset(r.cfg.IdleTimeout)
			chunk, ok := decoder.Decode(env)
			if !ok {
				continue
			}
			t.session.Feed(chunk)
			if chunk.Kind == acp.ChunkTerminal {
				return false
			}
		case <-idle.C:
			r.abandon(t, conn, fmt.Sprintf("agent unresponsive: no output for %s", r.cfg.IdleTimeout))
			return false
		case <-deadline:
			r.abandon(t, conn, fmt.Sprintf("agent unresponsive: turn exceeded %s", r.cfg.TurnTimeout))
			return false
		case <-t.session.Done():
			return true
		case <-ctx.Done():
			t.session.Feed(acp.TerminalChunk(acp.TerminalFailure, "the relay is shutting down"))
			return conn.Session.TurnActive()
		}
	}
}

// drain asks the agent to end a cancelled turn and discards its output
// until the turn ends. If that takes longer than the cancel grace the
// session is released so the next turn starts on a fresh agent.
func (r *Router) drain(ctx context.Context, t *turn, conn *agent.Connection) {
	if sent, err := conn.Session.CancelTurn(); err != nil {
		t.logger.Warn("failed to send cancel to agent", "error", err)
	} else if sent {
		t.logger.Debug("asked agent to cancel turn")
	}

	decoder := acp.NewDecoder(t.logger)
	grace := time.NewTimer(r.cfg.CancelGrace)
	defer grace.Stop()

	for {
		select {
		case env, ok := <-conn.Session.Notifications():
			if !ok {
				return
			}
			if chunk, ok := decoder.Decode(env); ok && chunk.Kind == acp.ChunkTerminal {
				t.logger.Info("cancelled turn ended", "stop_reason", chunk.StopReason)
				return
			}
		case <-grace.C:
			t.logger.Warn("agent did not end cancelled turn in time, releasing session", "grace", r.cfg.CancelGrace)
			r.release(t)
			return
		case <-ctx.Done():
			r.release(t)
			return
		}
	}
}

// abandon fails a turn the agent stopped answering. The agent is asked to
// cancel and its session is released so the scope's next turn starts fresh.
func (r *Router) abandon(t *turn, conn *agent.Connection, reason string) {
	t.logger.Warn("abandoning turn", "reason", reason)
	t.session.Feed(acp.TerminalChunk(acp.TerminalCrashed, reason))
	if _, err := conn.Session.CancelTurn(); err != nil {
		t.logger.Debug("failed to send cancel to agent", "error", err)
	}
	r.release(t)
}

func (r *Router) release(t *turn) {
	if err := r.agents.Release(t.scope); err != nil {
		t.logger.Debug("releasing agent session", "error", err)
	}
}

// afterStop tells the room the turn was stopped. The turn's own message is
// left as it was when the stop arrived.
func (r *Router) afterStop(ctx context.Context, t *turn) {
	if !t.wasStopped() {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
	defer cancel()
	if _, err := r.surface.SendNew(sendCtx, t.event.Conversation, StoppedNotice); err != nil {
		t.logger.Warn("failed to send stop notice", "error", err)
	}
}

// promptText prefixes a group conversation's prompt with its recent
// messages when the surface can read them back.
func (r *Router) promptText(ctx context.Context, t *turn) string {
	ev := t.event
	if ev.Direct || r.cfg.HistoryLimit <= 0 {
		return ev.Text
	}
	source, ok := r.surface.(HistorySource)
	if !ok {
		return ev.Text
	}

	hctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	history, err := source.History(hctx, ev.Conversation, ev.ID, r.cfg.HistoryLimit)
	if err != nil {
		t.logger.Warn("failed to fetch conversation history", "error", err)
		return ev.Text
	}
	t.logger.Debug("fetched conversation history", "messages", len(history))
	return withHistory(history, ev.Sender, ev.Text, time.Now())
}

// withHistory renders earlier messages ahead of the prompt. Messages older
// than historyMaxAge are left out.
func withHistory(history []HistoryMessage, sender, prompt string, now time.Time) string {
	var b strings.Builder
	for _, m := range history {
		if !m.At.IsZero() && now.Sub(m.At) > historyMaxAge {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Recent messages in this conversation:\n")
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Text)
	}
	if b.Len() == 0 {
		return prompt
	}
	fmt.Fprintf(&b, "\nCurrent message from %s:\n%s", sender, prompt)
	return b.String()
}

func (r *Router) setTyping(ctx context.Context, typist Typist, conversation string, typing bool, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if err := typist.SetTyping(ctx, conversation, typing); err != nil {
		logger.Debug("failed to set typing indicator", "error", err)
	}
}

func (r *Router) recordStart(ctx context.Context, t *turn) {
	if r.Ledger == nil {
		return
	}
	err := r.Ledger.Start(ctx, &ledger.Turn{
		ID:        t.id,
		Room:      t.event.Conversation,
		Sender:    t.event.Sender,
		Scope:     t.scope,
		Prompt:    t.event.Text,
		State:     stream.StatePending.String(),
		StartedAt: time.Now(),
	})
	if err != nil {
		t.logger.Warn("failed to record turn start", "error", err)
	}
}

// recordFinish reports the settled turn to the ledger and observer.
func (r *Router) recordFinish(ctx context.Context, t *turn) {
	snap := t.session.Snapshot()
	t.logger.Info("turn finished",
		"state", snap.State,
		"flushes", snap.Flushes,
		"flush_errors", snap.FlushErrors,
		"tools", len(snap.Tools),
	)
	if r.Observer != nil {
		defer r.Observer.ObserveTurn(snap)
	}
	if r.Ledger == nil {
		return
	}

	ended := snap.Ended
	if ended.IsZero() {
		ended = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
	defer cancel()
	err := r.Ledger.Finish(ctx, &ledger.Turn{
		ID:          t.id,
		Text:        snap.Text,
		State:       snap.State.String(),
		StopReason:  snap.StopReason,
		Error:       snap.Err,
		Flushes:     snap.Flushes,
		FlushErrors: snap.FlushErrors,
		Tools:       len(snap.Tools),
		EndedAt:     ended,
	})
	if err != nil {
		t.logger.Warn("failed to record turn outcome", "error", err)
	}
}
