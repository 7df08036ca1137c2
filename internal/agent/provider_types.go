package agent

import (
	"context"
	"encoding/json"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// LLMProvider is the interface to a reasoning model backend.
//
// Implementations handle the specifics of each vendor API while
// presenting one streaming surface to the run loop. Implementations
// must be safe for concurrent use; turns for different sessions run
// in parallel.
type LLMProvider interface {
	// Complete sends a transcript and returns a streaming response.
	// The channel is closed when the stream ends; a chunk with a
	// non-nil Error terminates the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai").
	Name() string
}

// CompletionRequest is one full request to a reasoning provider:
// system instructions, transcript so far, and the tool catalog the
// provider may call into.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []Tool              `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is one transcript entry.
//
// Role values: "user", "assistant", "tool". Tool-role messages carry
// results of the assistant's preceding tool calls back to the provider.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streaming response. Exactly one
// of Text, ToolCall, Done, or Error is meaningful per chunk; token
// counts ride on the final chunk.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool is a named capability the provider may request.
type Tool interface {
	// Name returns the tool name for provider function calling.
	Name() string

	// Description tells the provider when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments. The
	// executor validates every call against it before dispatch.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated
	// against Schema. Executors must not retry internally and must be
	// safe to invoke at most once per loop step.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// TurnEnder marks a tool whose successful result ends the turn
// directly, skipping further provider calls.
type TurnEnder interface {
	EndsTurn() bool
}

// ToolResult is the output of one tool execution. Errors travel as
// results with IsError set so the provider can see the failure and
// adapt, rather than the loop crashing.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
