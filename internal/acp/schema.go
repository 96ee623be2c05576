// ABOUTME: Agent Client Protocol message types for the methods this client speaks.
// ABOUTME: Covers initialize, session/new, session/prompt, session/cancel, session/update and permission requests.

package acp

import "encoding/json"

// ProtocolVersion is the ACP major version this client implements.
const ProtocolVersion = 1

// Method names on the wire.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// Synthetic notifications injected into the stream by the client.
const (
	MethodTurnEnd = "_coven/turn_end"
	MethodCrashed = "_coven/crashed"
)

// StopReason explains why the agent ended a turn.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// ToolCallStatus is the lifecycle of one tool invocation as reported by the agent.
type ToolCallStatus string

const (
	ToolPending    ToolCallStatus = "pending"
	ToolInProgress ToolCallStatus = "in_progress"
	ToolCompleted  ToolCallStatus = "completed"
	ToolFailed     ToolCallStatus = "failed"
)

// Session update discriminators.
const (
	UpdateAgentMessage = "agent_message_chunk"
	UpdateAgentThought = "agent_thought_chunk"
	UpdateThinking     = "thinking"
	UpdateToolCall     = "tool_call"
	UpdateToolCallDone = "tool_call_update"
	UpdatePlan         = "plan"
)

type ClientCapabilities struct {
	FS       *FileSystemCapability `json:"fs,omitempty"`
	Terminal bool                  `json:"terminal,omitempty"`
}

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

type InitializeRequest struct {
	ProtocolVersion    int                 `json:"protocolVersion"`
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
}

type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// AgentCapabilities is what the agent advertised during initialize.
type AgentCapabilities struct {
	LoadSession        bool                `json:"loadSession,omitempty"`
	MCPCapabilities    *MCPCapabilities    `json:"mcpCapabilities,omitempty"`
	PromptCapabilities *PromptCapabilities `json:"promptCapabilities,omitempty"`
}

type MCPCapabilities struct {
	HTTP bool `json:"http,omitempty"`
	SSE  bool `json:"sse,omitempty"`
}

type PromptCapabilities struct {
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
	Image           bool `json:"image,omitempty"`
}

// NameValue is the list form ACP uses for headers and environment variables.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MCPServer describes one tool server handed to the agent. Type is empty
// for stdio servers and "http" or "sse" for remote ones.
type MCPServer struct {
	Type    string      `json:"type,omitempty"`
	Name    string      `json:"name"`
	Command string      `json:"command,omitempty"`
	Args    []string    `json:"args,omitempty"`
	Env     []NameValue `json:"env,omitempty"`
	URL     string      `json:"url,omitempty"`
	Headers []NameValue `json:"headers,omitempty"`
}

// SkillRef points the agent at a skill directory containing SKILL.md.
type SkillRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type NewSessionRequest struct {
	Cwd          string      `json:"cwd"`
	MCPServers   []MCPServer `json:"mcpServers"`
	Skills       []SkillRef  `json:"skills,omitempty"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
}

type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a prompt or update content item. Only text is produced here.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// CancelNotification is the params of session/cancel.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

type PromptResponse struct {
	StopReason StopReason `json:"stopReason"`
}

// SessionNotification is the params of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a discriminated union keyed by SessionUpdate. Content is
// a single block for message chunks and a list for tool call updates, so it
// stays raw until the discriminator is known.
type SessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        ToolCallStatus  `json:"status,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
}

type PermissionOption struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	OptionID string `json:"optionId"`
}

type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	Options   []PermissionOption `json:"options"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// TurnEnd is the params of the synthetic MethodTurnEnd notification.
type TurnEnd struct {
	StopReason StopReason `json:"stopReason,omitempty"`
	Error      *CallError `json:"error,omitempty"`
}

// Crashed is the params of the synthetic MethodCrashed notification.
type Crashed struct {
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}
