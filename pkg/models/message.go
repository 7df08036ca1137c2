package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser           Role = "user"
	RoleAssistant      Role = "assistant"
	RoleAssistantError Role = "assistant_error"
	RoleSystem         Role = "system"
)

// MessageStatus is the turn lifecycle state of a message.
//
// Only assistant messages move through the interior states; user and
// system messages are created terminal. The legal edges are:
//
//	pending -> processing
//	processing -> fetching_context | generating | executing_tool | completed | error
//	fetching_context, generating, executing_tool -> any interior state | completed | error
//
// completed and error are terminal: no transition leaves them.
type MessageStatus string

const (
	StatusPending         MessageStatus = "pending"
	StatusProcessing      MessageStatus = "processing"
	StatusFetchingContext MessageStatus = "fetching_context"
	StatusGenerating      MessageStatus = "generating"
	StatusExecutingTool   MessageStatus = "executing_tool"
	StatusCompleted       MessageStatus = "completed"
	StatusError           MessageStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Interior reports whether the status belongs to an in-flight turn.
func (s MessageStatus) Interior() bool {
	switch s {
	case StatusProcessing, StatusFetchingContext, StatusGenerating, StatusExecutingTool:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from -> to is legal.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusProcessing
	default:
		return to.Interior() || to.Terminal()
	}
}

// Message is one entry in a chat session, ordered by (SessionID, CreatedAt).
type Message struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Role            Role                   `json:"role"`
	Content         string                 `json:"content"`
	Status          MessageStatus          `json:"status"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	DurationMS      int64                  `json:"duration_ms,omitempty"`
	Provider        string                 `json:"provider,omitempty"`
	Model           string                 `json:"model,omitempty"`
	DatasetIDs      []string               `json:"dataset_ids,omitempty"`
	ToolInvocations []ToolInvocationRecord `json:"tool_invocations,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// ToolInvocationRecord is an append-only audit entry for one tool call
// within a turn. It doubles as the payload re-fed to the provider.
type ToolInvocationRecord struct {
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	StartedAt time.Time       `json:"started_at"`
}

// ToolCall is a provider's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution fed back to the provider.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
