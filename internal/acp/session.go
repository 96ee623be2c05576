// ABOUTME: AgentSession owning one agent process, its correlation table and notification queue.
// ABOUTME: Implements call/response matching, prompting, agent request handling and shutdown.

package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrTurnInProgress indicates a prompt was sent while another is still running.
var ErrTurnInProgress = errors.New("agent turn already in progress")

// pendingCall is an outstanding call awaiting its response. Turn calls have
// no channel: their response becomes a MethodTurnEnd notification instead.
type pendingCall struct {
	method string
	ch     chan *wireMessage
	turn   bool
}

// Session is one live agent process bound to a scope.
type Session struct {
	ID              string
	Scope           string
	ProtocolVersion int
	Capabilities    AgentCapabilities

	client *Client
	proc   Process
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]*pendingCall
	drained   bool
	turnID    string
	queue     *queue
	discarded atomic.Int64

	closing   atomic.Bool
	closeOnce sync.Once
	exited    chan struct{}
	exitErr   error
}

func newSession(c *Client, scope string, proc Process) *Session {
	return &Session{
		Scope:   scope,
		client:  c,
		proc:    proc,
		logger:  c.logger.With("scope", scope),
		pending: make(map[string]*pendingCall),
		queue:   newQueue(),
		exited:  make(chan struct{}),
	}
}

// Call sends method with params and waits for the matching response.
// A zero timeout uses the client's default. On timeout it returns an error
// wrapping ErrCallTimeout and leaves the process running; a response that
// arrives later is discarded. Agent-reported errors are returned as *CallError.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.client.cfg.CallTimeout
	}

	id := uuid.NewString()
	ch, err := s.register(id, method, false)
	if err != nil {
		return nil, err
	}
	defer s.unregister(id)

	msg, err := newCall(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := s.write(msg); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		s.logger.Warn("agent call timed out", "method", method, "id", id, "timeout", timeout)
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrCallTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callInto is Call bounded by ctx's deadline with the result decoded into out.
func (s *Session) callInto(ctx context.Context, method string, params, out any) error {
	timeout := s.client.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	raw, err := s.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// Prompt starts a turn with text as the user message. It returns once the
// request is written; the turn's output arrives on Notifications and ends
// with a MethodTurnEnd notification.
func (s *Session) Prompt(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := uuid.NewString()
	if _, err := s.register(id, MethodSessionPrompt, true); err != nil {
		return err
	}
	msg, err := newCall(id, MethodSessionPrompt, PromptRequest{
		SessionID: s.ID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	})
	if err != nil {
		s.unregister(id)
		return err
	}
	if err := s.write(msg); err != nil {
		s.unregister(id)
		return fmt.Errorf("sending prompt: %w", err)
	}
	s.logger.Debug("prompt sent", "id", id, "length", len(text))
	return nil
}

// CancelTurn asks the agent to stop the current turn. The agent is expected
// to answer the outstanding prompt with the cancelled stop reason, which
// arrives as the usual turn-end notification. It returns false when no turn
// is active.
func (s *Session) CancelTurn() (bool, error) {
	if !s.TurnActive() {
		return false, nil
	}
	raw, err := marshalParams(CancelNotification{SessionID: s.ID})
	if err != nil {
		return false, err
	}
	if err := s.write(&wireMessage{JSONRPC: "2.0", Method: MethodSessionCancel, Params: raw}); err != nil {
		return false, fmt.Errorf("sending cancel: %w", err)
	}
	s.logger.Debug("turn cancel sent")
	return true, nil
}

// Notifications returns the session's ordered notification stream.
func (s *Session) Notifications() <-chan Envelope {
	return s.queue.out
}

// Done is closed once the process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// Alive reports whether the process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Err returns the process exit error once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// TurnActive reports whether a prompt is awaiting its response.
func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID != ""
}

// DiscardedResponses counts responses that matched no outstanding call.
func (s *Session) DiscardedResponses() int64 {
	return s.discarded.Load()
}

// Close shuts the agent down: stdin is closed, the process gets the
// client's grace period to exit, then it is killed. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("closing agent session")
		s.shutdown()
		s.queue.discard()
	})
	return nil
}

func (s *Session) shutdown() {
	if err := s.proc.Stdin().Close(); err != nil {
		s.logger.Debug("closing agent stdin", "error", err)
	}
	grace := s.client.cfg.CloseGrace
	select {
	case <-s.exited:
		return
	case <-time.After(grace):
	}

	s.logger.Warn("agent did not exit within grace period, killing", "grace", grace)
	if err := s.proc.Kill(); err != nil {
		s.logger.Error("killing agent", "error", err)
	}
	select {
	case <-s.exited:
	case <-time.After(grace):
		s.logger.Error("agent still running after kill")
	}
}

func (s *Session) register(id, method string, turn bool) (chan *wireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return nil, ErrSessionClosed
	}
	if turn && s.turnID != "" {
		return nil, ErrTurnInProgress
	}
	p := &pendingCall{method: method, turn: turn}
	if turn {
		s.turnID = id
	} else {
		p.ch = make(chan *wireMessage, 1)
	}
	s.pending[id] = p
	return p.ch, nil
}

func (s *Session) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if s.turnID == id {
		s.turnID = ""
	}
}

func (s *Session) write(msg *wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.Alive() {
		return ErrSessionClosed
	}
	if _, err := s.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// run reads the agent's stdout until EOF, then reaps the process and
// finalizes the session.
func (s *Session) run() {
	s.readLoop(s.proc.Stdout())
	err := s.proc.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.drained = true
	for id, p := range s.pending {
		if p.ch != nil {
			close(p.ch)
		}
		delete(s.pending, id)
	}
	s.turnID = ""
	s.mu.Unlock()

	if s.closing.Load() {
		s.logger.Info("agent process exited", "exit_code", exitCode(err))
	} else {
		s.logger.Error("agent process exited unexpectedly", "exit_code", exitCode(err), "error", err)
		crash := Crashed{ExitCode: exitCode(err)}
		if err != nil {
			crash.Error = err.Error()
		}
		params, _ := json.Marshal(crash)
		s.queue.push(Envelope{Kind: KindNotification, Method: MethodCrashed, Params: params})
	}
	s.queue.close()
	s.client.release(s)
}

func (s *Session) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("agent stdout closed", "error", err)
			}
			return
		}
	}
}

func (s *Session) handleLine(line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("ignoring malformed line from agent", "error", err, "line", truncate(string(line), 200))
		return
	}
	kind, err := msg.kind()
	if err != nil {
		s.logger.Warn("ignoring unclassifiable message from agent", "error", err)
		return
	}

	switch kind {
	case KindResponse:
		s.dispatchResponse(&msg)
	case KindNotification:
		s.queue.push(msg.envelope(KindNotification))
	case KindCall:
		go s.handleAgentCall(&msg)
	}
}

func (s *Session) dispatchResponse(msg *wireMessage) {
	id := msg.idString()

	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if p.turn {
			s.turnID = ""
		}
	}
	s.mu.Unlock()

	if !ok {
		s.discarded.Add(1)
		s.logger.Debug("discarding response for unknown call", "id", id)
		return
	}

	if p.turn {
		end := TurnEnd{Error: msg.Error}
		if msg.Error == nil {
			var resp PromptResponse
			if err := json.Unmarshal(msg.Result, &resp); err != nil {
				s.logger.Warn("decoding prompt result", "error", err)
			}
			end.StopReason = resp.StopReason
		}
		params, _ := json.Marshal(end)
		s.queue.push(Envelope{Kind: KindNotification, ID: id, Method: MethodTurnEnd, Params: params})
		return
	}
	p.ch <- msg
}

func (s *Session) handleAgentCall(msg *wireMessage) {
	switch msg.Method {
	case MethodRequestPermission:
		var req RequestPermissionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			s.replyError(msg.ID, codeInvalidParams, "invalid permission request")
			return
		}
		optionID := pickAllowOption(req.Options)
		s.logger.Info("auto-approving permission request", "option_id", optionID)
		s.reply(msg.ID, RequestPermissionResponse{
			Outcome: PermissionOutcome{Outcome: "selected", OptionID: optionID},
		})
	default:
		s.logger.Warn("unsupported agent request", "method", msg.Method)
		s.replyError(msg.ID, codeMethodNotFound, "method not found: "+msg.Method)
	}
}

// pickAllowOption prefers a standing approval, then a one-off approval,
// and falls back to the conventional "approve" id.
func pickAllowOption(options []PermissionOption) string {
	for _, want := range []string{"allow_always", "allow_once"} {
		for _, opt := range options {
			if opt.Kind == want {
				return opt.OptionID
			}
		}
	}
	return "approve"
}

func (s *Session) reply(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encoding reply", "error", err)
		return
	}
	if err := s.write(&wireMessage{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		s.logger.Warn("sending reply to agent", "error", err)
	}
}

func (s *Session) replyError(id json.RawMessage, code int, message string) {
	if err := s.write(&wireMessage{JSONRPC: "2.0", ID: id, Error: &CallError{Code: code, Message: message}}); err != nil {
		s.logger.Warn("sending error reply to agent", "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
