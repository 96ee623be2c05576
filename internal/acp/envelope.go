// ABOUTME: Wire envelope for JSON-RPC 2.0 lines exchanged with an agent process.
// ABOUTME: Classifies lines into calls, responses and notifications and defines the error taxonomy.

package acp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCallTimeout indicates a call received no response within its timeout.
var ErrCallTimeout = errors.New("agent call timed out")

// ErrSessionBusy indicates another session is open or opening for the same scope.
var ErrSessionBusy = errors.New("agent session busy for scope")

// ErrSessionClosed indicates the session's process has exited or been closed.
var ErrSessionClosed = errors.New("agent session closed")

// JSON-RPC error codes used when answering agent requests.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Kind distinguishes the three envelope shapes.
type Kind int

const (
	KindCall Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is one structured unit exchanged with the agent.
type Envelope struct {
	Kind   Kind
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *CallError
}

// CallError is a JSON-RPC error object returned by the agent.
type CallError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// StartupError reports a session that failed to initialize.
type StartupError struct {
	Scope  string
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent startup in %s: %s: %v", e.Scope, e.Reason, e.Err)
	}
	return fmt.Sprintf("agent startup in %s: %s", e.Scope, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Err }

// wireMessage is the on-the-wire JSON-RPC 2.0 object.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CallError      `json:"error,omitempty"`
}

// kind classifies a decoded line.
func (m *wireMessage) kind() (Kind, error) {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case m.Method != "" && hasID:
		return KindCall, nil
	case m.Method != "":
		return KindNotification, nil
	case hasID:
		return KindResponse, nil
	default:
		return 0, fmt.Errorf("message has neither method nor id")
	}
}

// idString renders the raw id as a map key. String ids lose their quotes so
// they match the ids this package generates.
func (m *wireMessage) idString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

func (m *wireMessage) envelope(k Kind) Envelope {
	env := Envelope{
		Kind:   k,
		Method: m.Method,
		Params: m.Params,
		Result: m.Result,
		Error:  m.Error,
	}
	if k != KindNotification {
		env.ID = m.idString()
	}
	return env
}

func newCall(id, method string, params any) (*wireMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &wireMessage{JSONRPC: "2.0", ID: idRaw, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return raw, nil
}
