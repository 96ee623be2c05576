// ABOUTME: State machine for one streamed agent turn: accumulates text, thought and tool records.
// ABOUTME: Feeds decoded chunks in, requests throttled edits and performs the final edit.

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/acp"
)

// State is the lifecycle position of a Session.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ToolStatus is the progress of one tool invocation.
type ToolStatus int

const (
	ToolPending ToolStatus = iota
	ToolRunning
	ToolDone
	ToolFailed
)

func (s ToolStatus) String() string {
	switch s {
	case ToolPending:
		return "pending"
	case ToolRunning:
		return "running"
	case ToolDone:
		return "done"
	case ToolFailed:
		return "failed"
	default:
		return fmt.Sprintf("ToolStatus(%d)", int(s))
	}
}

// ToolActivity is one tool invocation as seen by the user.
type ToolActivity struct {
	ID        string
	Name      string
	Kind      string
	Status    ToolStatus
	Output    string
	Started   time.Time
	Completed time.Time
}

func (t ToolActivity) finished() bool {
	return t.Status == ToolDone || t.Status == ToolFailed
}

// Snapshot is a consistent copy of a Session's content.
type Snapshot struct {
	Conversation string
	State        State
	Text         string
	Thought      string
	Tools        []ToolActivity
	StopReason   string
	// Err explains a failed or cancelled turn.
	Err string
	// FlushErr is the most recent edit failure, if any.
	FlushErr    string
	Flushes     int
	FlushErrors int
	// AmbiguousPairings counts tool results that matched more than one start.
	AmbiguousPairings int
	Started           time.Time
	Ended             time.Time
}

// Renderer turns a snapshot into message content.
type Renderer func(Snapshot) string

// Options tunes a Session.
type Options struct {
	MinInterval time.Duration
	Retry       RetryPolicy
	// FinalTimeout bounds the final edit, which still runs after the
	// parent context is cancelled.
	FinalTimeout time.Duration
	Render       Renderer
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = 300 * time.Millisecond
	}
	if o.Retry.Initial <= 0 {
		o.Retry.Initial = 100 * time.Millisecond
	}
	if o.Retry.Max <= 0 {
		o.Retry.Max = 2 * time.Second
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = 15 * time.Second
	}
	if o.Render == nil {
		o.Render = Render
	}
	return o
}

// Session streams one agent turn into one chat message.
type Session struct {
	Conversation string
	SurfaceID    string

	opts   Options
	editor Editor
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	throttle *Throttler
	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	state       State
	target      State
	text        strings.Builder
	thought     strings.Builder
	tools       []ToolActivity
	stopReason  string
	errText     string
	flushErr    string
	flushErrors int
	ambiguous   int
	dirty       bool
	started     time.Time
	ended       time.Time
}

// New creates a Session editing surfaceID and starts its flush loop. The
// loop ends when the session reaches a terminal state or ctx is cancelled.
func New(ctx context.Context, conversation, surfaceID string, editor Editor, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		Conversation: conversation,
		SurfaceID:    surfaceID,
		opts:         opts,
		editor:       editor,
		logger:       logger.With("component", "stream", "conversation", conversation),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		started:      time.Now(),
	}
	s.throttle = newThrottler(ctx, opts.MinInterval, s.started, s.flush)
	return s
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Feed applies one chunk. It must be called from a single goroutine. A
// terminal chunk blocks until the final edit has been attempted.
func (s *Session) Feed(c acp.Chunk) {
	if c.Kind == acp.ChunkTerminal {
		s.finish(c)
		return
	}

	s.mu.Lock()
	if s.state != StatePending && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming

	now := time.Now()
	unit := false
	switch c.Kind {
	case acp.ChunkText:
		s.text.WriteString(c.Text)
		unit = hasBoundary(c.Text)
	case acp.ChunkThought:
		s.thought.WriteString(c.Text)
		unit = hasBoundary(c.Text)
	case acp.ChunkToolStart:
		s.tools = append(s.tools, ToolActivity{
			ID:      c.ToolID,
			Name:    c.ToolName,
			Kind:    c.ToolKind,
			Status:  ToolPending,
			Started: now,
		})
	case acp.ChunkToolProgress:
		if i := s.matchTool(c, false); i >= 0 {
			s.tools[i].Status = ToolRunning
		}
	case acp.ChunkToolResult:
		s.completeTool(c, now)
		unit = true
	}
	if unit {
		s.dirty = true
	}
	s.mu.Unlock()

	if unit {
		s.throttle.Request()
	}
}

// Cancel moves the session to Cancelled unless a terminal chunk already
// arrived. It reports whether the cancellation took effect.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state == StateFinalizing || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateCancelled
	s.errText = "cancelled"
	s.ended = time.Now()
	s.mu.Unlock()

	s.throttle.Stop()
	s.cancel()
	s.close()
	s.logger.Info("turn cancelled")
	return true
}

// Snapshot returns a copy of the current content.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Conversation:      s.Conversation,
		State:             s.state,
		Text:              s.text.String(),
		Thought:           s.thought.String(),
		Tools:             append([]ToolActivity(nil), s.tools...),
		StopReason:        s.stopReason,
		Err:               s.errText,
		FlushErr:          s.flushErr,
		Flushes:           s.throttle.Flushes(),
		FlushErrors:       s.flushErrors,
		AmbiguousPairings: s.ambiguous,
		Started:           s.started,
		Ended:             s.ended,
	}
}

func (s *Session) finish(c acp.Chunk) {
	s.mu.Lock()
	if s.state != StatePending && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateFinalizing
	s.target = targetState(c.Terminal)
	s.stopReason = string(c.StopReason)
	s.errText = c.Err
	target := s.target
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.FinalTimeout)
	defer cancel()
	err := s.throttle.Final(ctx)

	s.mu.Lock()
	switch {
	case err != nil && target == StateCompleted:
		s.state = StateFailed
		s.errText = fmt.Sprintf("final update failed: %v", err)
	default:
		s.state = target
	}
	s.ended = time.Now()
	state := s.state
	s.mu.Unlock()

	s.cancel()
	s.close()
	s.logger.Info("turn finished", "state", state, "stop_reason", c.StopReason, "flushes", s.throttle.Flushes())
}

func (s *Session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func targetState(t acp.Terminal) State {
	switch t {
	case acp.TerminalSuccess:
		return StateCompleted
	case acp.TerminalCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// flush renders the current snapshot and sends it. Mid-turn flushes are
// skipped unless something new completed since the last one.
func (s *Session) flush(ctx context.Context, final bool) (bool, error) {
	s.mu.Lock()
	if !final && (s.state != StateStreaming || !s.dirty) {
		s.mu.Unlock()
		return false, nil
	}
	snap := s.snapshotLocked()
	if final {
		snap.State = s.target
	}
	s.dirty = false
	s.mu.Unlock()

	err := sendWithRetry(ctx, s.editor, s.SurfaceID, s.opts.Render(snap), s.opts.Retry, s.logger)
	if err != nil {
		s.mu.Lock()
		s.flushErr = err.Error()
		s.flushErrors++
		s.dirty = true
		s.mu.Unlock()
		s.logger.Error("edit failed", "surface", s.SurfaceID, "final", final, "error", err)
	}
	return true, err
}

// completeTool pairs a result with its start record.
func (s *Session) completeTool(c acp.Chunk, now time.Time) {
	i := s.matchTool(c, true)
	if i < 0 {
		s.logger.Info("tool result without a matching start", "tool", c.ToolName, "tool_id", c.ToolID)
		s.tools = append(s.tools, ToolActivity{ID: c.ToolID, Name: c.ToolName, Kind: c.ToolKind, Started: now})
		i = len(s.tools) - 1
	}
	s.tools[i].Status = ToolDone
	if c.ToolFailed {
		s.tools[i].Status = ToolFailed
	}
	s.tools[i].Output = c.Text
	s.tools[i].Completed = now
}

// matchTool finds the unfinished record a chunk refers to: by id first,
// then the newest unfinished record with the same name.
func (s *Session) matchTool(c acp.Chunk, noteAmbiguity bool) int {
	if c.ToolID != "" {
		for i := len(s.tools) - 1; i >= 0; i-- {
			if s.tools[i].ID == c.ToolID && !s.tools[i].finished() {
				return i
			}
		}
	}
	match, candidates := -1, 0
	for i := len(s.tools) - 1; i >= 0; i-- {
		if s.tools[i].Name == c.ToolName && !s.tools[i].finished() {
			if match < 0 {
				match = i
			}
			candidates++
		}
	}
	if noteAmbiguity && candidates > 1 {
		s.ambiguous++
		s.logger.Info("ambiguous tool result pairing, using newest start",
			"tool", c.ToolName, "tool_id", c.ToolID, "candidates", candidates)
	}
	return match
}

// hasBoundary reports whether text completes a sentence or line.
func hasBoundary(text string) bool {
	return strings.ContainsAny(text, ".!?\n。！？")
}
