// ABOUTME: Reads back recent room messages so group-room prompts carry conversation context.
// ABOUTME: Applies edits to the messages they replace and skips streaming placeholders.

package matrix

import (
	"context"
	"fmt"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/stream"
)

var _ relay.HistorySource = (*Client)(nil)

// History returns up to limit messages sent in conversation before the
// message with surface id before, oldest first.
func (c *Client) History(ctx context.Context, conversation, before string, limit int) ([]relay.HistoryMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	room := id.RoomID(conversation)
	var anchor id.EventID
	if before != "" {
		_, evt, err := parseSurfaceID(before)
		if err != nil {
			return nil, err
		}
		anchor = evt
	}

	// Edits and other events share the page, so fetch more than asked.
	resp, err := c.matrix.Messages(ctx, room, "", "", mautrix.DirectionBackward, nil, limit*3)
	if err != nil {
		return nil, fmt.Errorf("fetching room messages: %w", err)
	}
	for i, evt := range resp.Chunk {
		evt.RoomID = room
		resp.Chunk[i] = c.parseTimeline(ctx, evt)
	}
	return collectHistory(resp.Chunk, anchor, limit), nil
}

// parseTimeline parses raw content and decrypts encrypted events when the
// crypto store is available. Events that cannot be read are returned as is.
func (c *Client) parseTimeline(ctx context.Context, evt *event.Event) *event.Event {
	evt.Type.Class = event.MessageEventType
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return evt
		}
	}
	if evt.Type != event.EventEncrypted || c.crypto == nil {
		return evt
	}
	decrypted, err := c.crypto.helper.Decrypt(ctx, evt)
	if err != nil {
		c.logger.Debug("skipping undecryptable history event", "event_id", evt.ID, "error", err)
		return evt
	}
	return decrypted
}

// collectHistory turns a newest-first page of events into at most limit
// messages older than anchor, oldest first. An anchor missing from the page
// keeps every message.
func collectHistory(events []*event.Event, anchor id.EventID, limit int) []relay.HistoryMessage {
	edits := make(map[id.EventID]string)
	for _, evt := range events {
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.RelatesTo == nil || content.RelatesTo.Type != event.RelReplace || content.NewContent == nil {
			continue
		}
		if _, seen := edits[content.RelatesTo.EventID]; !seen {
			edits[content.RelatesTo.EventID] = content.NewContent.Body
		}
	}

	skipping := anchor != "" && slices.ContainsFunc(events, func(evt *event.Event) bool { return evt.ID == anchor })
	var out []relay.HistoryMessage
	for _, evt := range events {
		if skipping {
			skipping = evt.ID != anchor
			continue
		}
		if len(out) == limit {
			break
		}
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
			continue
		}
		switch content.MsgType {
		case event.MsgText, event.MsgNotice, event.MsgEmote:
		default:
			continue
		}
		body := content.Body
		if edited, ok := edits[evt.ID]; ok {
			body = edited
		}
		if body == "" || body == stream.Placeholder {
			continue
		}
		out = append(out, relay.HistoryMessage{
			Sender: evt.Sender.String(),
			Text:   body,
			At:     time.UnixMilli(evt.Timestamp),
		})
	}
	slices.Reverse(out)
	return out
}
