// ABOUTME: Chat event router: bounded inbound queue, filtering, stop commands and per-scope FIFO lanes.
// ABOUTME: Each lane runs one turn at a time so an agent session never sees overlapping prompts.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/stream"
)

// ErrQueueFull is returned by Submit when the inbound queue has no room.
var ErrQueueFull = errors.New("inbound queue full")

// StopReaction is the default reaction key that cancels a turn.
const StopReaction = "⏹️"

// Config tunes the router.
type Config struct {
	AllowedRooms    []string
	CommandPrefix   string
	StopCommand     string
	StopReactions   []string
	RequireMention  bool
	TypingIndicator bool
	// QueueSize bounds the inbound channel and each lane's backlog.
	QueueSize int
	DedupeTTL time.Duration
	// CancelGrace is how long a cancelled turn may keep running before its
	// agent session is released.
	CancelGrace time.Duration
	// IdleTimeout ends a turn whose agent sends nothing for this long.
	IdleTimeout time.Duration
	// TurnTimeout bounds a whole turn. Zero disables it.
	TurnTimeout time.Duration
	// HistoryLimit is how many earlier messages prefix a prompt from a
	// group conversation. Zero disables it.
	HistoryLimit int
	Stream       stream.Options
	// ScopeFor maps a conversation to its agent scope. Nil uses the
	// conversation id itself.
	ScopeFor func(conversation string) string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 10 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.StopCommand == "" {
		c.StopCommand = "!stop"
	}
	if len(c.StopReactions) == 0 {
		c.StopReactions = []string{StopReaction, "⏹", "🛑"}
	}
	if c.ScopeFor == nil {
		c.ScopeFor = func(conversation string) string { return conversation }
	}
	return c
}

// lane is the FIFO backlog of one scope.
type lane struct {
	pending []Event
	running bool
}

// Router turns inbound chat events into agent turns.
type Router struct {
	cfg     Config
	surface Surface
	agents  Agents
	logger  *slog.Logger

	// Ledger and Observer are optional.
	Ledger   Ledger
	Observer Observer

	inbound chan Event
	seen    *dedupe.Window

	mu     sync.Mutex
	lanes  map[string]*lane
	active map[string]*turn
	wg     sync.WaitGroup
}

// New creates a Router.
func New(cfg Config, surface Surface, agents Agents, logger *slog.Logger) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:     cfg,
		surface: surface,
		agents:  agents,
		logger:  logger.With("component", "relay"),
		inbound: make(chan Event, cfg.QueueSize),
		seen:    dedupe.New(cfg.DedupeTTL, 4096),
		lanes:   make(map[string]*lane),
		active:  make(map[string]*turn),
	}
}

// Submit queues an inbound event without blocking. Platform callbacks call
// it from their sync loop.
func (r *Router) Submit(ev Event) error {
	select {
	case r.inbound <- ev:
		return nil
	default:
		r.logger.Warn("inbound queue full, dropping event", "room", ev.Conversation, "event_id", ev.ID)
		if r.Observer != nil {
			r.Observer.InboundDropped()
		}
		return ErrQueueFull
	}
}

// Run dispatches queued events until ctx is cancelled, then waits for the
// running turns to finish.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("relay running", "queue_size", r.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping, waiting for active turns")
			r.wg.Wait()
			return nil
		case ev := <-r.inbound:
			r.handle(ctx, ev)
		}
	}
}

// Active returns the conversations that have a turn in progress.
func (r *Router) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	convs := make([]string, 0, len(r.active))
	for conv := range r.active {
		convs = append(convs, conv)
	}
	slices.Sort(convs)
	return convs
}

func (r *Router) handle(ctx context.Context, ev Event) {
	if ev.ID != "" && r.seen.Seen(ev.ID) {
		r.logger.Debug("ignoring duplicate event", "event_id", ev.ID)
		return
	}
	if !r.isRoomAllowed(ev.Conversation) {
		r.logger.Debug("ignoring event from non-allowed room", "room", ev.Conversation)
		return
	}

	switch ev.Kind {
	case EventReaction:
		if slices.Contains(r.cfg.StopReactions, ev.Key) {
			r.cancel(ev.Conversation, ev.Target, ev.Sender)
		}
		return
	case EventMessage:
	default:
		return
	}

	text := strings.TrimSpace(ev.Text)
	if strings.EqualFold(text, r.cfg.StopCommand) {
		r.cancel(ev.Conversation, "", ev.Sender)
		return
	}

	if !ev.Direct && r.cfg.RequireMention && !ev.Mentioned {
		return
	}
	if r.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(text, r.cfg.CommandPrefix) {
			return
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, r.cfg.CommandPrefix))
	}
	if text == "" {
		return
	}
	ev.Text = text

	r.logger.Info("received message",
		"room", ev.Conversation,
		"sender", ev.Sender,
		"content", truncate(text, 50),
	)
	r.enqueue(ctx, r.cfg.ScopeFor(ev.Conversation), ev)
}

// isRoomAllowed checks if the room is in the allowed list.
func (r *Router) isRoomAllowed(room string) bool {
	if len(r.cfg.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(r.cfg.AllowedRooms, room)
}

// enqueue appends ev to its scope's lane and starts the lane if idle.
func (r *Router) enqueue(ctx context.Context, scope string, ev Event) {
	r.mu.Lock()
	l, ok := r.lanes[scope]
	if !ok {
		l = &lane{}
		r.lanes[scope] = l
	}
	if len(l.pending) >= r.cfg.QueueSize {
		r.mu.Unlock()
		r.logger.Warn("scope backlog full, dropping message", "scope", scope, "room", ev.Conversation)
		if r.Observer != nil {
			r.Observer.InboundDropped()
		}
		return
	}
	l.pending = append(l.pending, ev)
	queued := len(l.pending)
	start := !l.running
	l.running = true
	r.mu.Unlock()

	if !start {
		r.logger.Debug("turn queued behind active turn", "scope", scope, "position", queued)
		return
	}
	r.wg.Add(1)
	go r.drainLane(ctx, scope, l)
}

// drainLane runs the lane's turns in arrival order until it is empty.
func (r *Router) drainLane(ctx context.Context, scope string, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.pending) == 0 || ctx.Err() != nil {
			if n := len(l.pending); n > 0 {
				r.logger.Info("dropping queued messages on shutdown", "scope", scope, "count", n)
			}
			l.running = false
			delete(r.lanes, scope)
			r.mu.Unlock()
			return
		}
		ev := l.pending[0]
		l.pending = l.pending[1:]
		r.mu.Unlock()

		r.runTurn(ctx, scope, ev)
	}
}

// cancel stops the active turn in conversation. A non-empty target must
// name the turn's prompt or its reply message.
func (r *Router) cancel(conversation, target, sender string) {
	r.mu.Lock()
	t, ok := r.active[conversation]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("stop requested with no active turn", "room", conversation)
		return
	}
	if target != "" && target != t.event.ID && target != t.surfaceID {
		return
	}
	if t.stop() {
		r.logger.Info("turn stopped by user", "room", conversation, "sender", sender, "turn_id", t.id)
	}
}

func (r *Router) track(t *turn) {
	r.mu.Lock()
	r.active[t.event.Conversation] = t
	r.mu.Unlock()
}

func (r *Router) untrack(t *turn) {
	r.mu.Lock()
	if r.active[t.event.Conversation] == t {
		delete(r.active, t.event.Conversation)
	}
	r.mu.Unlock()
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
