// ABOUTME: Converts Matrix timeline events into relay events.
// ABOUTME: Surface ids pack the room and event id so edits and reactions can find their message.

package matrix

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/relay"
)

const surfaceSep = "|"

// surfaceID identifies a message across rooms.
func surfaceID(room id.RoomID, evt id.EventID) string {
	return string(room) + surfaceSep + string(evt)
}

func parseSurfaceID(s string) (id.RoomID, id.EventID, error) {
	room, evt, ok := strings.Cut(s, surfaceSep)
	if !ok || room == "" || evt == "" {
		return "", "", fmt.Errorf("malformed surface id %q", s)
	}
	return id.RoomID(room), id.EventID(evt), nil
}

// filter drops events the relay never acts on.
type filter struct {
	self    id.UserID
	started time.Time
}

// accept reports whether evt came from someone else after startup.
func (f filter) accept(evt *event.Event) bool {
	if evt.Sender == f.self {
		return false
	}
	if !f.started.IsZero() && time.UnixMilli(evt.Timestamp).Before(f.started) {
		return false
	}
	return true
}

// messageEvent converts a text message. Edits and non-text messages are
// ignored.
func (f filter) messageEvent(evt *event.Event, direct bool) (relay.Event, bool) {
	if !f.accept(evt) {
		return relay.Event{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return relay.Event{}, false
	}
	if content.MsgType != event.MsgText {
		return relay.Event{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return relay.Event{}, false
	}

	return relay.Event{
		Kind:         relay.EventMessage,
		ID:           surfaceID(evt.RoomID, evt.ID),
		Conversation: evt.RoomID.String(),
		Sender:       evt.Sender.String(),
		Text:         stripMention(content.Body, f.self),
		Direct:       direct,
		Mentioned:    f.mentioned(content),
	}, true
}

// reactionEvent converts an annotation on another message.
func (f filter) reactionEvent(evt *event.Event) (relay.Event, bool) {
	if !f.accept(evt) {
		return relay.Event{}, false
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.Type != event.RelAnnotation {
		return relay.Event{}, false
	}
	return relay.Event{
		Kind:         relay.EventReaction,
		ID:           surfaceID(evt.RoomID, evt.ID),
		Conversation: evt.RoomID.String(),
		Sender:       evt.Sender.String(),
		Key:          content.RelatesTo.Key,
		Target:       surfaceID(evt.RoomID, content.RelatesTo.EventID),
	}, true
}

// mentioned checks the structured mentions first and falls back to the
// body for clients that do not send them.
func (f filter) mentioned(content *event.MessageEventContent) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, f.self) {
		return true
	}
	if strings.Contains(content.Body, f.self.String()) {
		return true
	}
	local := localpart(f.self)
	return local != "" && strings.HasPrefix(strings.ToLower(content.Body), strings.ToLower(local)+":")
}

// stripMention removes a leading "name:" or user id addressed to the bot.
func stripMention(body string, self id.UserID) string {
	trimmed := strings.TrimSpace(body)
	for _, prefix := range []string{self.String(), localpart(self)} {
		if prefix == "" {
			continue
		}
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			rest := strings.TrimLeft(trimmed[len(prefix):], ": ,")
			if rest != trimmed[len(prefix):] || rest == "" {
				return strings.TrimSpace(rest)
			}
		}
	}
	return body
}

func localpart(user id.UserID) string {
	local, _, err := user.Parse()
	if err != nil {
		return ""
	}
	return local
}
