// ABOUTME: Tests for snapshot rendering.
// ABOUTME: Checks the placeholder, tool glyphs, thought excerpts and status footers.

package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	t.Run("empty snapshot is the placeholder", func(t *testing.T) {
		assert.Equal(t, Placeholder, Render(Snapshot{State: StateStreaming}))
	})

	t.Run("thought shows only until text arrives", func(t *testing.T) {
		out := Render(Snapshot{Thought: "pondering\nmore"})
		assert.Equal(t, "> 💭 pondering\n> more", out)

		out = Render(Snapshot{Thought: "pondering", Text: "Answer"})
		assert.Equal(t, "Answer", out)
	})

	t.Run("tools then text", func(t *testing.T) {
		out := Render(Snapshot{
			Text: "Found it.",
			Tools: []ToolActivity{
				{Name: "search", Status: ToolDone},
				{Name: "fetch", Status: ToolRunning},
				{Name: "write", Status: ToolPending},
				{Name: "exec", Status: ToolFailed},
			},
		})
		assert.Equal(t, "✅ `search`\n🔄 `fetch`\n⏳ `write`\n❌ `exec`\n\nFound it.", out)
	})

	t.Run("failure footer", func(t *testing.T) {
		out := Render(Snapshot{State: StateFailed, Text: "partial", Err: "agent process exited"})
		assert.True(t, strings.HasSuffix(out, "❌ **Failed:** agent process exited"))

		out = Render(Snapshot{State: StateFailed})
		assert.Contains(t, out, "stopped unexpectedly")
	})

	t.Run("cancel footer", func(t *testing.T) {
		assert.Equal(t, "---\n⏹ _Stopped._", Render(Snapshot{State: StateCancelled}))
	})

	t.Run("long thought is truncated", func(t *testing.T) {
		out := Render(Snapshot{Thought: strings.Repeat("x", thoughtLimit+50)})
		assert.True(t, strings.HasSuffix(out, "…"))
		assert.Less(t, len([]rune(out)), thoughtLimit+10)
	})
}
