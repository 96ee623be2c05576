// ABOUTME: Tests for the ACP client: handshake, call correlation, prompting and shutdown.
// ABOUTME: Runs the real client against scripted agents over in-memory pipes.

package acp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/acp/acptest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() acp.ClientConfig {
	return acp.ClientConfig{
		HandshakeTimeout: 2 * time.Second,
		CallTimeout:      time.Second,
		CloseGrace:       100 * time.Millisecond,
	}
}

func openSession(t *testing.T, agent func() *acptest.Agent) (*acp.Session, *acptest.Spawner) {
	t.Helper()
	spawner := acptest.NewSpawner(agent)
	client := acp.NewClient(spawner, testConfig(), testLogger())
	sess, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, spawner
}

// collect reads notifications until a terminal chunk or the channel closes.
func collect(t *testing.T, sess *acp.Session) []acp.Chunk {
	t.Helper()
	dec := acp.NewDecoder(testLogger())
	var chunks []acp.Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-sess.Notifications():
			if !ok {
				return chunks
			}
			chunk, ok := dec.Decode(env)
			if !ok {
				continue
			}
			chunks = append(chunks, chunk)
			if chunk.Kind == acp.ChunkTerminal {
				return chunks
			}
		case <-timeout:
			t.Fatal("timed out waiting for notifications")
			return nil
		}
	}
}

func TestOpen(t *testing.T) {
	t.Run("performs handshake and sends capabilities", func(t *testing.T) {
		spawner := acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{SessionID: "abc"} })
		client := acp.NewClient(spawner, testConfig(), testLogger())

		opts := acp.SessionOptions{
			MCPServers:   []acp.MCPServer{{Type: "http", Name: "search", URL: "http://localhost:9000/mcp"}},
			SystemPrompt: "be brief",
		}
		sess, err := client.Open(t.Context(), "/work/room-1", opts)
		require.NoError(t, err)
		defer sess.Close()

		assert.Equal(t, "abc", sess.ID)
		assert.Equal(t, acp.ProtocolVersion, sess.ProtocolVersion)
		assert.Equal(t, []string{"/work/room-1"}, spawner.Dirs())

		req := spawner.Last().NewSessionRequest()
		require.NotNil(t, req)
		assert.Equal(t, "/work/room-1", req.Cwd)
		assert.Equal(t, "be brief", req.SystemPrompt)
		require.Len(t, req.MCPServers, 1)
		assert.Equal(t, "search", req.MCPServers[0].Name)
	})

	t.Run("process exit before initialize is a startup error", func(t *testing.T) {
		spawner := acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{CrashOnInitialize: true} })
		client := acp.NewClient(spawner, testConfig(), testLogger())

		_, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		var startupErr *acp.StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.Equal(t, "/work/room-1", startupErr.Scope)
		assert.ErrorIs(t, err, acp.ErrSessionClosed)
		assert.False(t, client.Busy("/work/room-1"))
	})

	t.Run("incompatible protocol version is a startup error", func(t *testing.T) {
		spawner := acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{ProtocolVersion: 7} })
		client := acp.NewClient(spawner, testConfig(), testLogger())

		_, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		var startupErr *acp.StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.Contains(t, startupErr.Reason, "incompatible protocol version 7")
	})

	t.Run("session/new error surfaces the agent error", func(t *testing.T) {
		spawner := acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{FailNewSession: true} })
		client := acp.NewClient(spawner, testConfig(), testLogger())

		_, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		var callErr *acp.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, "session refused", callErr.Message)
	})

	t.Run("second open for a live scope is busy", func(t *testing.T) {
		spawner := acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{} })
		client := acp.NewClient(spawner, testConfig(), testLogger())

		sess, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		require.NoError(t, err)

		_, err = client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		assert.ErrorIs(t, err, acp.ErrSessionBusy)

		other, err := client.Open(t.Context(), "/work/room-2", acp.SessionOptions{})
		require.NoError(t, err)
		defer other.Close()

		require.NoError(t, sess.Close())
		assert.Eventually(t, func() bool { return !client.Busy("/work/room-1") }, time.Second, 10*time.Millisecond)

		again, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		require.NoError(t, err)
		defer again.Close()
	})

	t.Run("concurrent open for the same scope is busy", func(t *testing.T) {
		gate := make(chan struct{})
		spawner := &gatedSpawner{gate: gate, inner: acptest.NewSpawner(func() *acptest.Agent { return &acptest.Agent{} })}
		client := acp.NewClient(spawner, testConfig(), testLogger())

		var wg sync.WaitGroup
		var first *acp.Session
		var firstErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, firstErr = client.Open(context.Background(), "/work/room-1", acp.SessionOptions{})
		}()

		require.Eventually(t, func() bool { return client.Busy("/work/room-1") }, time.Second, 5*time.Millisecond)
		_, err := client.Open(t.Context(), "/work/room-1", acp.SessionOptions{})
		assert.ErrorIs(t, err, acp.ErrSessionBusy)

		close(gate)
		wg.Wait()
		require.NoError(t, firstErr)
		defer first.Close()
	})
}

type gatedSpawner struct {
	gate  chan struct{}
	inner *acptest.Spawner
}

func (g *gatedSpawner) Spawn(ctx context.Context, dir string) (acp.Process, error) {
	<-g.gate
	return g.inner.Spawn(ctx, dir)
}

func TestCall(t *testing.T) {
	t.Run("returns the matching result", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Handler: func(ctx context.Context, method string, params json.RawMessage) (any, *acp.CallError) {
				return map[string]string{"method": method}, nil
			}}
		})

		raw, err := sess.Call(t.Context(), "x/ping", nil, 0)
		require.NoError(t, err)
		assert.JSONEq(t, `{"method":"x/ping"}`, string(raw))
	})

	t.Run("returns agent errors as CallError", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Handler: func(ctx context.Context, method string, params json.RawMessage) (any, *acp.CallError) {
				return nil, &acp.CallError{Code: 42, Message: "nope"}
			}}
		})

		_, err := sess.Call(t.Context(), "x/fail", nil, 0)
		var callErr *acp.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, 42, callErr.Code)
	})

	t.Run("times out and discards the late response", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Handler: func(ctx context.Context, method string, params json.RawMessage) (any, *acp.CallError) {
				if method == "x/slow" {
					time.Sleep(150 * time.Millisecond)
				}
				return "done", nil
			}}
		})

		start := time.Now()
		_, err := sess.Call(t.Context(), "x/slow", nil, 40*time.Millisecond)
		elapsed := time.Since(start)
		require.ErrorIs(t, err, acp.ErrCallTimeout)
		assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		assert.Less(t, elapsed, 140*time.Millisecond)

		assert.Eventually(t, func() bool { return sess.DiscardedResponses() == 1 }, time.Second, 10*time.Millisecond)
		assert.True(t, sess.Alive(), "timeout must not kill the agent")

		raw, err := sess.Call(t.Context(), "x/fast", nil, 0)
		require.NoError(t, err)
		assert.JSONEq(t, `"done"`, string(raw))
	})

	t.Run("fails pending calls when the process exits", func(t *testing.T) {
		release := make(chan struct{})
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Handler: func(ctx context.Context, method string, params json.RawMessage) (any, *acp.CallError) {
				<-release
				return nil, nil
			}}
		})
		t.Cleanup(func() { close(release) })

		errCh := make(chan error, 1)
		go func() {
			_, err := sess.Call(context.Background(), "x/hang", nil, 5*time.Second)
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, sess.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, acp.ErrSessionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("call did not return after close")
		}
	})
}

func TestPrompt(t *testing.T) {
	t.Run("streams chunks and ends with turn end", func(t *testing.T) {
		sess, spawner := openSession(t, func() *acptest.Agent { return &acptest.Agent{} })

		require.NoError(t, sess.Prompt(t.Context(), "hi there"))
		chunks := collect(t, sess)

		require.NotEmpty(t, chunks)
		var text string
		var kinds []acp.ChunkKind
		for _, c := range chunks {
			kinds = append(kinds, c.Kind)
			if c.Kind == acp.ChunkText {
				text += c.Text
			}
		}
		assert.Equal(t, []acp.ChunkKind{
			acp.ChunkThought, acp.ChunkToolStart, acp.ChunkToolResult,
			acp.ChunkText, acp.ChunkText, acp.ChunkTerminal,
		}, kinds)
		assert.Equal(t, "**Echo:** hi there", text)

		last := chunks[len(chunks)-1]
		assert.Equal(t, acp.TerminalSuccess, last.Terminal)
		assert.Equal(t, acp.StopEndTurn, last.StopReason)
		assert.Equal(t, []string{"hi there"}, spawner.Last().Prompts())
		assert.False(t, sess.TurnActive())
	})

	t.Run("rejects a second prompt while a turn runs", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Turn: func(string) ([]acptest.Step, acp.StopReason) {
				return []acptest.Step{{Block: true}}, ""
			}}
		})

		require.NoError(t, sess.Prompt(t.Context(), "one"))
		assert.ErrorIs(t, sess.Prompt(t.Context(), "two"), acp.ErrTurnInProgress)
	})

	t.Run("concurrent prompts start exactly one turn", func(t *testing.T) {
		sess, spawner := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Turn: func(string) ([]acptest.Step, acp.StopReason) {
				return []acptest.Step{{Block: true}}, ""
			}}
		})

		const n = 8
		errs := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- sess.Prompt(t.Context(), "race")
			}()
		}
		wg.Wait()
		close(errs)

		started := 0
		for err := range errs {
			if err == nil {
				started++
				continue
			}
			assert.ErrorIs(t, err, acp.ErrTurnInProgress)
		}
		assert.Equal(t, 1, started)
		assert.Eventually(t, func() bool { return len(spawner.Last().Prompts()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Never(t, func() bool { return len(spawner.Last().Prompts()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("crash mid-stream yields a crash marker then closes", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Turn: func(string) ([]acptest.Step, acp.StopReason) {
				return []acptest.Step{{Text: "partial"}, {Crash: true}}, ""
			}}
		})

		require.NoError(t, sess.Prompt(t.Context(), "go"))
		chunks := collect(t, sess)

		require.Len(t, chunks, 2)
		assert.Equal(t, "partial", chunks[0].Text)
		assert.Equal(t, acp.ChunkTerminal, chunks[1].Kind)
		assert.Equal(t, acp.TerminalCrashed, chunks[1].Terminal)

		select {
		case _, ok := <-sess.Notifications():
			assert.False(t, ok, "stream should close after the crash marker")
		case <-time.After(time.Second):
			t.Fatal("stream did not close")
		}
		assert.False(t, sess.Alive())
	})

	t.Run("cancel ends the turn with the cancelled stop reason", func(t *testing.T) {
		sess, spawner := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Turn: func(string) ([]acptest.Step, acp.StopReason) {
				return []acptest.Step{{Text: "working"}, {Block: true}}, ""
			}}
		})

		sent, err := sess.CancelTurn()
		require.NoError(t, err)
		assert.False(t, sent, "no turn is active yet")

		require.NoError(t, sess.Prompt(t.Context(), "go"))
		sent, err = sess.CancelTurn()
		require.NoError(t, err)
		assert.True(t, sent)

		chunks := collect(t, sess)
		require.NotEmpty(t, chunks)
		last := chunks[len(chunks)-1]
		assert.Equal(t, acp.TerminalCancelled, last.Terminal)
		assert.Equal(t, acp.StopCancelled, last.StopReason)
		assert.Equal(t, 1, spawner.Last().Cancels())
		assert.True(t, sess.Alive())
	})

	t.Run("auto-approves permission requests", func(t *testing.T) {
		sess, spawner := openSession(t, func() *acptest.Agent {
			return &acptest.Agent{Turn: func(string) ([]acptest.Step, acp.StopReason) {
				return []acptest.Step{{Permission: true}, {Text: "done"}}, ""
			}}
		})

		require.NoError(t, sess.Prompt(t.Context(), "go"))
		chunks := collect(t, sess)

		require.NotEmpty(t, chunks)
		assert.Equal(t, acp.TerminalSuccess, chunks[len(chunks)-1].Terminal)
		assert.Equal(t, []string{"approve"}, spawner.Last().Approvals())
	})
}

func TestClose(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent { return &acptest.Agent{} })

		require.NoError(t, sess.Close())
		require.NoError(t, sess.Close())

		select {
		case <-sess.Done():
		case <-time.After(time.Second):
			t.Fatal("session did not finish")
		}
		_, err := sess.Call(t.Context(), "x/ping", nil, 0)
		assert.ErrorIs(t, err, acp.ErrSessionClosed)
	})

	t.Run("kills an agent that ignores stdin close", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent { return &acptest.Agent{IgnoreStdinClose: true} })

		start := time.Now()
		require.NoError(t, sess.Close())
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.False(t, sess.Alive())
	})

	t.Run("close does not emit a crash marker", func(t *testing.T) {
		sess, _ := openSession(t, func() *acptest.Agent { return &acptest.Agent{} })
		require.NoError(t, sess.Close())

		for env := range sess.Notifications() {
			assert.NotEqual(t, acp.MethodCrashed, env.Method)
		}
		assert.False(t, errors.Is(sess.Err(), acptest.ErrCrashed))
	})
}
