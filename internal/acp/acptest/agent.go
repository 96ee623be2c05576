// ABOUTME: Scripted ACP agent that serves the protocol over any reader/writer pair.
// ABOUTME: Backs the in-memory Spawner used by tests and the fake-acp-agent binary.

package acptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/acp"
)

// ErrCrashed is returned by Serve when a script step simulates a crash.
var ErrCrashed = errors.New("fake agent crashed")

// Step is one scripted action within a turn.
type Step struct {
	Delay time.Duration

	Text    string
	Thought string

	ToolID     string
	ToolStart  string
	ToolResult string
	ToolOutput string
	ToolFailed bool

	// Permission sends session/request_permission and waits for the answer.
	Permission bool
	// Crash ends Serve immediately with ErrCrashed.
	Crash bool
	// Block stalls the turn until the agent is stopped or the turn is cancelled.
	Block bool
}

// TurnFunc scripts the agent's reply to one prompt.
type TurnFunc func(prompt string) ([]Step, acp.StopReason)

// HandlerFunc answers calls the agent does not handle itself.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, *acp.CallError)

// Agent is a scripted ACP agent.
type Agent struct {
	ProtocolVersion int
	SessionID       string
	// CrashOnInitialize exits before answering initialize.
	CrashOnInitialize bool
	// FailNewSession answers session/new with an error.
	FailNewSession bool
	// IgnoreStdinClose keeps running after stdin reaches EOF.
	IgnoreStdinClose bool
	// IgnoreCancel counts session/cancel notifications without acting on them.
	IgnoreCancel bool

	Turn    TurnFunc
	Handler HandlerFunc

	mu         sync.Mutex
	writeMu    sync.Mutex
	w          io.Writer
	nextID     int
	waiting    map[string]chan json.RawMessage
	prompts    []string
	newSession *acp.NewSessionRequest
	approvals  []string
	cancels    int
	stopTurn   context.CancelFunc
}

// Prompts returns the prompt texts received so far.
func (a *Agent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// NewSessionRequest returns the session/new params received, if any.
func (a *Agent) NewSessionRequest() *acp.NewSessionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newSession
}

// Cancels returns how many session/cancel notifications arrived.
func (a *Agent) Cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

// Approvals returns the option ids the client selected for permission requests.
func (a *Agent) Approvals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.approvals...)
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *acp.CallError  `json:"error,omitempty"`
}

// Serve speaks ACP on r and w until r ends, ctx is cancelled or a step
// crashes the agent.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	a.mu.Lock()
	a.w = w
	a.waiting = make(map[string]chan json.RawMessage)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if len(strings.TrimSpace(string(line))) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	crashed := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-crashed:
			return ErrCrashed
		case line, ok := <-lines:
			if !ok {
				if a.IgnoreStdinClose {
					select {
					case <-ctx.Done():
						return nil
					case <-crashed:
						return ErrCrashed
					}
				}
				return nil
			}
			var msg message
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			if crash := a.handle(ctx, &msg, crashed); crash {
				return ErrCrashed
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg *message, crashed chan<- struct{}) bool {
	if msg.Method == "" {
		a.mu.Lock()
		ch, ok := a.waiting[idKey(msg.ID)]
		delete(a.waiting, idKey(msg.ID))
		a.mu.Unlock()
		if ok {
			ch <- msg.Result
		}
		return false
	}

	switch msg.Method {
	case acp.MethodInitialize:
		if a.CrashOnInitialize {
			return true
		}
		version := a.ProtocolVersion
		if version == 0 {
			version = acp.ProtocolVersion
		}
		a.reply(msg.ID, acp.InitializeResponse{
			ProtocolVersion: version,
			AgentCapabilities: acp.AgentCapabilities{
				MCPCapabilities: &acp.MCPCapabilities{HTTP: true, SSE: true},
			},
		}, nil)
	case acp.MethodSessionNew:
		var req acp.NewSessionRequest
		_ = json.Unmarshal(msg.Params, &req)
		a.mu.Lock()
		a.newSession = &req
		a.mu.Unlock()
		if a.FailNewSession {
			a.reply(msg.ID, nil, &acp.CallError{Code: -32000, Message: "session refused"})
			return false
		}
		id := a.SessionID
		if id == "" {
			id = "sess-1"
		}
		a.reply(msg.ID, acp.NewSessionResponse{SessionID: id}, nil)
	case acp.MethodSessionPrompt:
		var req acp.PromptRequest
		_ = json.Unmarshal(msg.Params, &req)
		var text strings.Builder
		for _, block := range req.Prompt {
			text.WriteString(block.Text)
		}
		turnCtx, stop := context.WithCancel(ctx)
		a.mu.Lock()
		a.prompts = append(a.prompts, text.String())
		a.stopTurn = stop
		a.mu.Unlock()
		go a.runTurn(ctx, turnCtx, msg.ID, req.SessionID, text.String(), crashed)
	case acp.MethodSessionCancel:
		a.mu.Lock()
		a.cancels++
		stop := a.stopTurn
		a.mu.Unlock()
		if stop != nil && !a.IgnoreCancel {
			stop()
		}
	default:
		if a.Handler == nil {
			a.reply(msg.ID, nil, &acp.CallError{Code: -32601, Message: "method not found: " + msg.Method})
			return false
		}
		go func() {
			result, callErr := a.Handler(ctx, msg.Method, msg.Params)
			a.reply(msg.ID, result, callErr)
		}()
	}
	return false
}

// runTurn plays the script for one prompt. ctx ends with the agent; turnCtx
// also ends when the client cancels the turn, which answers the prompt with
// the cancelled stop reason.
func (a *Agent) runTurn(ctx, turnCtx context.Context, id json.RawMessage, sessionID, prompt string, crashed chan<- struct{}) {
	cancelled := func() {
		if ctx.Err() == nil {
			a.reply(id, acp.PromptResponse{StopReason: acp.StopCancelled}, nil)
		}
	}
	turn := a.Turn
	if turn == nil {
		turn = EchoTurn
	}
	steps, stop := turn(prompt)

	for _, step := range steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-turnCtx.Done():
				cancelled()
				return
			}
		}
		switch {
		case step.Crash:
			select {
			case crashed <- struct{}{}:
			default:
			}
			return
		case step.Block:
			<-turnCtx.Done()
			cancelled()
			return
		case step.Permission:
			a.requestPermission(ctx, sessionID)
		case step.Text != "":
			a.update(sessionID, map[string]any{
				"sessionUpdate": acp.UpdateAgentMessage,
				"content":       acp.ContentBlock{Type: "text", Text: step.Text},
			})
		case step.Thought != "":
			a.update(sessionID, map[string]any{
				"sessionUpdate": acp.UpdateAgentThought,
				"content":       acp.ContentBlock{Type: "text", Text: step.Thought},
			})
		case step.ToolStart != "":
			a.update(sessionID, map[string]any{
				"sessionUpdate": acp.UpdateToolCall,
				"toolCallId":    step.ToolID,
				"title":         step.ToolStart,
				"kind":          "other",
				"status":        acp.ToolPending,
			})
		case step.ToolResult != "":
			status := acp.ToolCompleted
			if step.ToolFailed {
				status = acp.ToolFailed
			}
			update := map[string]any{
				"sessionUpdate": acp.UpdateToolCallDone,
				"toolCallId":    step.ToolID,
				"status":        status,
				"content": []map[string]any{{
					"type":    "content",
					"content": acp.ContentBlock{Type: "text", Text: step.ToolOutput},
				}},
			}
			if step.ToolID == "" {
				update["title"] = step.ToolResult
			}
			a.update(sessionID, update)
		}
	}

	if turnCtx.Err() != nil {
		cancelled()
		return
	}
	if stop == "" {
		stop = acp.StopEndTurn
	}
	a.reply(id, acp.PromptResponse{StopReason: stop}, nil)
}

func (a *Agent) requestPermission(ctx context.Context, sessionID string) {
	a.mu.Lock()
	a.nextID++
	id := fmt.Sprintf("perm-%d", a.nextID)
	ch := make(chan json.RawMessage, 1)
	a.waiting[id] = ch
	a.mu.Unlock()

	rawID, _ := json.Marshal(id)
	params, _ := json.Marshal(acp.RequestPermissionRequest{
		SessionID: sessionID,
		Options: []acp.PermissionOption{
			{Kind: "allow_once", Name: "Allow", OptionID: "approve"},
			{Kind: "reject_once", Name: "Reject", OptionID: "reject"},
		},
	})
	a.send(message{JSONRPC: "2.0", ID: rawID, Method: acp.MethodRequestPermission, Params: params})

	select {
	case result := <-ch:
		var resp acp.RequestPermissionResponse
		_ = json.Unmarshal(result, &resp)
		a.mu.Lock()
		a.approvals = append(a.approvals, resp.Outcome.OptionID)
		a.mu.Unlock()
	case <-ctx.Done():
	}
}

func (a *Agent) update(sessionID string, update map[string]any) {
	params, _ := json.Marshal(map[string]any{"sessionId": sessionID, "update": update})
	a.send(message{JSONRPC: "2.0", Method: acp.MethodSessionUpdate, Params: params})
}

func (a *Agent) reply(id json.RawMessage, result any, callErr *acp.CallError) {
	msg := message{JSONRPC: "2.0", ID: id, Error: callErr}
	if callErr == nil {
		raw, _ := json.Marshal(result)
		msg.Result = raw
	}
	a.send(msg)
}

// Send writes a raw JSON-RPC object, for tests that need to inject lines
// the script cannot produce.
func (a *Agent) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.writeLine(data)
}

func (a *Agent) send(msg message) {
	data, _ := json.Marshal(msg)
	_ = a.writeLine(data)
}

func (a *Agent) writeLine(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.mu.Lock()
	w := a.w
	a.mu.Unlock()
	if w == nil {
		return errors.New("agent not serving")
	}
	_, err := w.Write(append(data, '\n'))
	return err
}

func idKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EchoTurn replies with a short thought, one tool call and the prompt echoed back.
func EchoTurn(prompt string) ([]Step, acp.StopReason) {
	return []Step{
		{Thought: "Reading the message."},
		{ToolID: "echo-1", ToolStart: "echo"},
		{ToolID: "echo-1", ToolResult: "echo", ToolOutput: "ok"},
		{Text: "**Echo:** "},
		{Text: prompt},
	}, acp.StopEndTurn
}
