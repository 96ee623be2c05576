// ABOUTME: Decodes session notifications into stream chunks for a chat turn.
// ABOUTME: Tracks tool call titles by id so results can be attributed to a tool name.

package acp

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ChunkKind identifies what a Chunk carries.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkThought
	ChunkToolStart
	ChunkToolProgress
	ChunkToolResult
	ChunkTerminal
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkThought:
		return "thought"
	case ChunkToolStart:
		return "tool_start"
	case ChunkToolProgress:
		return "tool_progress"
	case ChunkToolResult:
		return "tool_result"
	case ChunkTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Terminal is how a turn ended.
type Terminal int

const (
	TerminalNone Terminal = iota
	TerminalSuccess
	TerminalFailure
	TerminalCancelled
	// TerminalCrashed is the synthetic marker for a process that exited mid-turn.
	TerminalCrashed
)

func (t Terminal) String() string {
	switch t {
	case TerminalSuccess:
		return "success"
	case TerminalFailure:
		return "failure"
	case TerminalCancelled:
		return "cancelled"
	case TerminalCrashed:
		return "crashed"
	default:
		return "none"
	}
}

// Chunk is one unit of agent output for a turn.
type Chunk struct {
	Kind ChunkKind
	Text string

	ToolID     string
	ToolName   string
	ToolKind   string
	ToolFailed bool

	Terminal   Terminal
	StopReason StopReason
	Err        string
}

// TextChunk builds a text chunk.
func TextChunk(text string) Chunk { return Chunk{Kind: ChunkText, Text: text} }

// ToolStartChunk builds a tool start chunk without an invocation id.
func ToolStartChunk(name string) Chunk { return Chunk{Kind: ChunkToolStart, ToolName: name} }

// ToolResultChunk builds a tool result chunk without an invocation id.
func ToolResultChunk(name, output string, failed bool) Chunk {
	return Chunk{Kind: ChunkToolResult, ToolName: name, Text: output, ToolFailed: failed}
}

// TerminalChunk builds a terminal marker.
func TerminalChunk(t Terminal, errText string) Chunk {
	return Chunk{Kind: ChunkTerminal, Terminal: t, Err: errText}
}

// Decoder converts notification envelopes into chunks. One Decoder serves
// one Session; it is not safe for concurrent use.
type Decoder struct {
	titles map[string]string
	logger *slog.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{titles: make(map[string]string), logger: logger}
}

// Decode returns the chunk for env and whether env produced one.
func (d *Decoder) Decode(env Envelope) (Chunk, bool) {
	switch env.Method {
	case MethodTurnEnd:
		return d.decodeTurnEnd(env.Params), true
	case MethodCrashed:
		var c Crashed
		_ = json.Unmarshal(env.Params, &c)
		msg := c.Error
		if msg == "" {
			msg = "agent process exited"
		}
		return TerminalChunk(TerminalCrashed, msg), true
	case MethodSessionUpdate:
		var n SessionNotification
		if err := json.Unmarshal(env.Params, &n); err != nil {
			d.logger.Warn("decoding session update", "error", err)
			return Chunk{}, false
		}
		return d.decodeUpdate(n.Update)
	default:
		d.logger.Debug("ignoring notification", "method", env.Method)
		return Chunk{}, false
	}
}

func (d *Decoder) decodeTurnEnd(params json.RawMessage) Chunk {
	var end TurnEnd
	_ = json.Unmarshal(params, &end)
	if end.Error != nil {
		return Chunk{Kind: ChunkTerminal, Terminal: TerminalFailure, Err: end.Error.Message}
	}
	c := Chunk{Kind: ChunkTerminal, StopReason: end.StopReason}
	switch end.StopReason {
	case StopCancelled:
		c.Terminal = TerminalCancelled
	case StopRefusal:
		c.Terminal = TerminalFailure
		c.Err = "agent refused the request"
	default:
		c.Terminal = TerminalSuccess
	}
	return c
}

func (d *Decoder) decodeUpdate(u SessionUpdate) (Chunk, bool) {
	switch u.SessionUpdate {
	case UpdateAgentMessage:
		text := blockText(u.Content)
		return TextChunk(text), text != ""
	case UpdateAgentThought, UpdateThinking:
		text := blockText(u.Content)
		return Chunk{Kind: ChunkThought, Text: text}, text != ""
	case UpdateToolCall:
		title := u.Title
		if title == "" {
			title = "Unknown Tool"
		}
		if u.ToolCallID != "" {
			d.titles[u.ToolCallID] = title
		}
		return Chunk{Kind: ChunkToolStart, ToolID: u.ToolCallID, ToolName: title, ToolKind: u.Kind}, true
	case UpdateToolCallDone:
		name := u.Title
		if name == "" {
			name = d.titles[u.ToolCallID]
		} else if u.ToolCallID != "" {
			d.titles[u.ToolCallID] = name
		}
		switch u.Status {
		case ToolCompleted, ToolFailed:
			delete(d.titles, u.ToolCallID)
			return Chunk{
				Kind:       ChunkToolResult,
				ToolID:     u.ToolCallID,
				ToolName:   name,
				Text:       toolOutput(u.Content),
				ToolFailed: u.Status == ToolFailed,
			}, true
		case ToolInProgress:
			return Chunk{Kind: ChunkToolProgress, ToolID: u.ToolCallID, ToolName: name}, true
		default:
			return Chunk{}, false
		}
	default:
		return Chunk{}, false
	}
}

// blockText extracts text from a single content block.
func blockText(raw json.RawMessage) string {
	var block ContentBlock
	if err := json.Unmarshal(raw, &block); err != nil || block.Type != "text" {
		return ""
	}
	return block.Text
}

// toolOutput joins the text found in a tool call's content list. Items are
// either {type:"content", content:{...}} wrappers or bare blocks.
func toolOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var items []struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch {
		case item.Type == "text" && item.Text != "":
			parts = append(parts, item.Text)
		case item.Type == "content":
			if t := blockText(item.Content); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}
