// ABOUTME: Renders a session snapshot as the markdown body of the streamed chat message.
// ABOUTME: Thought excerpt, tool list with status glyphs, reply text and a status footer.

package stream

import (
	"fmt"
	"strings"
)

// Placeholder is the content of a message before the agent has said anything.
const Placeholder = "_thinking…_"

const thoughtLimit = 400

var toolGlyphs = map[ToolStatus]string{
	ToolPending: "⏳",
	ToolRunning: "🔄",
	ToolDone:    "✅",
	ToolFailed:  "❌",
}

// Render is the default Renderer.
func Render(s Snapshot) string {
	var parts []string

	if thought := strings.TrimSpace(s.Thought); thought != "" && s.Text == "" {
		parts = append(parts, quote("💭 "+truncate(thought, thoughtLimit)))
	}

	if len(s.Tools) > 0 {
		lines := make([]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			lines = append(lines, fmt.Sprintf("%s `%s`", toolGlyphs[t.Status], t.Name))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	if text := strings.TrimSpace(s.Text); text != "" {
		parts = append(parts, text)
	}

	switch s.State {
	case StateFailed:
		reason := s.Err
		if reason == "" {
			reason = "the agent stopped unexpectedly"
		}
		parts = append(parts, "---\n❌ **Failed:** "+reason)
	case StateCancelled:
		parts = append(parts, "---\n⏹ _Stopped._")
	}

	if len(parts) == 0 {
		return Placeholder
	}
	return strings.Join(parts, "\n\n")
}

func quote(text string) string {
	return "> " + strings.ReplaceAll(text, "\n", "\n> ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
