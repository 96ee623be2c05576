// ABOUTME: Inbound chat events and the collaborator interfaces the router depends on.
// ABOUTME: The chat adapter, agent manager, ledger and metrics all plug in through these.

package relay

import (
	"context"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/stream"
)

// EventKind distinguishes inbound events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventReaction
)

// Event is one inbound chat platform event.
type Event struct {
	Kind EventKind
	// ID is the platform's event id, used for de-duplication.
	ID           string
	Conversation string
	Sender       string
	// Text is the message body with any bot mention already removed.
	Text string
	// Direct marks one-to-one conversations, which never need a mention.
	Direct    bool
	Mentioned bool
	// Key and Target describe a reaction: the emoji and the event it reacts to.
	Key    string
	Target string
}

// Surface is the chat platform the relay answers on.
type Surface interface {
	stream.Editor
	// SendNew posts a new message and returns its id for later edits.
	SendNew(ctx context.Context, conversation, content string) (string, error)
}

// HistoryMessage is one earlier message in a conversation.
type HistoryMessage struct {
	Sender string
	Text   string
	At     time.Time
}

// HistorySource is implemented by surfaces that can read back earlier
// messages. History returns up to limit messages sent before the event
// before, oldest first.
type HistorySource interface {
	History(ctx context.Context, conversation, before string, limit int) ([]HistoryMessage, error)
}

// Typist is implemented by surfaces that can show a typing indicator.
type Typist interface {
	SetTyping(ctx context.Context, conversation string, typing bool) error
}

// Agents hands out agent sessions by scope. *agent.Manager implements it.
type Agents interface {
	Acquire(ctx context.Context, scope string) (*agent.Connection, error)
	Release(scope string) error
}

// Ledger records turns. *ledger.SQLiteLedger implements it.
type Ledger interface {
	Start(ctx context.Context, turn *ledger.Turn) error
	Finish(ctx context.Context, turn *ledger.Turn) error
}

// Observer receives turn outcomes and queue drops. *metrics.Metrics implements it.
type Observer interface {
	ObserveTurn(snap stream.Snapshot)
	InboundDropped()
}
