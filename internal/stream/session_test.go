// ABOUTME: Tests for the streaming session state machine and its throttled edits.
// ABOUTME: Drives sessions with decoded chunks against a recording fake editor.

package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/acp"
)

type fakeEditor struct {
	mu    sync.Mutex
	calls int
	edits []string
	fail  func(call int) error
}

func (f *fakeEditor) SendEdit(_ context.Context, surfaceID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.edits = append(f.edits, content)
	return nil
}

func (f *fakeEditor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEditor) Edits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, editor Editor, interval time.Duration) *Session {
	t.Helper()
	opts := Options{
		MinInterval: interval,
		Retry:       RetryPolicy{MaxRetries: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
	return New(t.Context(), "!room:example.org", "$placeholder", editor, opts, testLogger())
}

func TestSessionEndToEnd(t *testing.T) {
	editor := &fakeEditor{}
	s := newTestSession(t, editor, 30*time.Millisecond)
	assert.Equal(t, StatePending, s.State())

	s.Feed(acp.TextChunk("Hello, "))
	assert.Equal(t, StateStreaming, s.State())
	s.Feed(acp.TextChunk("world"))
	s.Feed(acp.ToolStartChunk("search"))
	s.Feed(acp.ToolResultChunk("search", "ok", false))

	// Let the throttled mid-turn edit go out.
	require.Eventually(t, func() bool { return editor.Calls() >= 1 }, time.Second, 5*time.Millisecond)

	s.Feed(acp.TextChunk("!"))
	s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))

	snap := s.Snapshot()
	assert.Equal(t, "Hello, world!", snap.Text)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "search", snap.Tools[0].Name)
	assert.Equal(t, ToolDone, snap.Tools[0].Status)
	assert.Equal(t, "ok", snap.Tools[0].Output)
	assert.Equal(t, StateCompleted, snap.State)
	assert.GreaterOrEqual(t, snap.Flushes, 2)

	edits := editor.Edits()
	assert.Contains(t, edits[len(edits)-1], "Hello, world!")
	assert.Contains(t, edits[len(edits)-1], "✅ `search`")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after completion")
	}
}

func TestSessionCrash(t *testing.T) {
	editor := &fakeEditor{}
	s := newTestSession(t, editor, time.Second)

	s.Feed(acp.TextChunk("Working on it."))
	s.Feed(acp.TerminalChunk(acp.TerminalCrashed, "agent process exited (exit status 3)"))

	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 1, snap.Flushes)
	require.Len(t, editor.Edits(), 1)
	assert.Contains(t, editor.Edits()[0], "Working on it.")
	assert.Contains(t, editor.Edits()[0], "exit status 3")
}

func TestSessionCancel(t *testing.T) {
	t.Run("no edits after cancel", func(t *testing.T) {
		editor := &fakeEditor{}
		s := newTestSession(t, editor, 50*time.Millisecond)

		s.Feed(acp.TextChunk("First sentence."))
		require.True(t, s.Cancel())
		assert.False(t, s.Cancel())

		s.Feed(acp.TextChunk("More."))
		s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))
		time.Sleep(120 * time.Millisecond)

		assert.Equal(t, 0, editor.Calls())
		snap := s.Snapshot()
		assert.Equal(t, StateCancelled, snap.State)
		assert.Equal(t, "First sentence.", snap.Text)

		select {
		case <-s.Done():
		default:
			t.Fatal("Done not closed after cancel")
		}
	})

	t.Run("cancel after terminal has no effect", func(t *testing.T) {
		s := newTestSession(t, &fakeEditor{}, 50*time.Millisecond)
		s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))
		assert.False(t, s.Cancel())
		assert.Equal(t, StateCompleted, s.State())
	})

	t.Run("agent reported cancellation", func(t *testing.T) {
		editor := &fakeEditor{}
		s := newTestSession(t, editor, 50*time.Millisecond)
		s.Feed(acp.TextChunk("partial"))
		s.Feed(acp.Chunk{Kind: acp.ChunkTerminal, Terminal: acp.TerminalCancelled, StopReason: "cancelled"})
		assert.Equal(t, StateCancelled, s.State())
		require.Len(t, editor.Edits(), 1)
		assert.Contains(t, editor.Edits()[0], "Stopped")
	})
}

func TestFlushBound(t *testing.T) {
	editor := &fakeEditor{}
	interval := 20 * time.Millisecond
	begin := time.Now()
	s := newTestSession(t, editor, interval)

	for i := 0; i < 60; i++ {
		s.Feed(acp.TextChunk("word. "))
		time.Sleep(3 * time.Millisecond)
	}
	s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))
	elapsed := time.Since(begin)

	bound := int(math.Ceil(float64(elapsed)/float64(interval))) + 1
	snap := s.Snapshot()
	assert.LessOrEqual(t, snap.Flushes, bound)
	assert.Greater(t, snap.Flushes, 1)
	assert.Equal(t, strings.Repeat("word. ", 60), snap.Text)
}

func TestFlushRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		editor := &fakeEditor{fail: func(call int) error {
			if call <= 2 {
				return errors.New("rate limited")
			}
			return nil
		}}
		s := newTestSession(t, editor, time.Second)
		s.Feed(acp.TextChunk("Done."))
		s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))

		snap := s.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 3, editor.Calls())
		assert.Equal(t, 0, snap.FlushErrors)
	})

	t.Run("permanent failure of the final edit fails the session", func(t *testing.T) {
		editor := &fakeEditor{fail: func(int) error { return Permanent(errors.New("forbidden")) }}
		s := newTestSession(t, editor, time.Second)
		s.Feed(acp.TextChunk("Done."))
		s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))

		snap := s.Snapshot()
		assert.Equal(t, StateFailed, snap.State)
		assert.Contains(t, snap.Err, "final update failed")
		assert.Equal(t, 1, editor.Calls())
		assert.Equal(t, 1, snap.FlushErrors)
	})

	t.Run("failed mid-turn edit is superseded by the next", func(t *testing.T) {
		editor := &fakeEditor{fail: func(call int) error {
			if call == 1 {
				return Permanent(errors.New("gone"))
			}
			return nil
		}}
		s := newTestSession(t, editor, 10*time.Millisecond)
		s.Feed(acp.TextChunk("One."))
		require.Eventually(t, func() bool { return editor.Calls() >= 1 }, time.Second, 2*time.Millisecond)
		s.Feed(acp.TextChunk(" Two"))
		s.Feed(acp.TerminalChunk(acp.TerminalSuccess, ""))

		snap := s.Snapshot()
		assert.Equal(t, StateCompleted, snap.State)
		assert.Equal(t, 1, snap.FlushErrors)
		assert.Equal(t, "gone", snap.FlushErr)
		edits := editor.Edits()
		require.NotEmpty(t, edits)
		assert.Contains(t, edits[len(edits)-1], "One. Two")
	})
}

func TestToolPairing(t *testing.T) {
	t.Run("by id", func(t *testing.T) {
		s := newTestSession(t, &fakeEditor{}, time.Second)
		s.Feed(acp.Chunk{Kind: acp.ChunkToolStart, ToolID: "a", ToolName: "search"})
		s.Feed(acp.Chunk{Kind: acp.ChunkToolStart, ToolID: "b", ToolName: "search"})
		s.Feed(acp.Chunk{Kind: acp.ChunkToolResult, ToolID: "a", ToolName: "search", Text: "first"})

		snap := s.Snapshot()
		assert.Equal(t, ToolDone, snap.Tools[0].Status)
		assert.Equal(t, "first", snap.Tools[0].Output)
		assert.Equal(t, ToolPending, snap.Tools[1].Status)
		assert.Zero(t, snap.AmbiguousPairings)
	})

	t.Run("newest unmatched by name", func(t *testing.T) {
		s := newTestSession(t, &fakeEditor{}, time.Second)
		s.Feed(acp.ToolStartChunk("search"))
		s.Feed(acp.ToolStartChunk("search"))
		s.Feed(acp.ToolResultChunk("search", "second", false))
		s.Feed(acp.ToolResultChunk("search", "first", true))

		snap := s.Snapshot()
		assert.Equal(t, "first", snap.Tools[0].Output)
		assert.Equal(t, ToolFailed, snap.Tools[0].Status)
		assert.Equal(t, "second", snap.Tools[1].Output)
		assert.Equal(t, 1, snap.AmbiguousPairings)
	})

	t.Run("progress marks the start running", func(t *testing.T) {
		s := newTestSession(t, &fakeEditor{}, time.Second)
		s.Feed(acp.Chunk{Kind: acp.ChunkToolStart, ToolID: "a", ToolName: "read"})
		s.Feed(acp.Chunk{Kind: acp.ChunkToolProgress, ToolID: "a", ToolName: "read"})
		assert.Equal(t, ToolRunning, s.Snapshot().Tools[0].Status)
	})

	t.Run("orphan result gets its own record", func(t *testing.T) {
		s := newTestSession(t, &fakeEditor{}, time.Second)
		s.Feed(acp.ToolResultChunk("fetch", "late", false))
		snap := s.Snapshot()
		require.Len(t, snap.Tools, 1)
		assert.Equal(t, ToolDone, snap.Tools[0].Status)
	})
}
