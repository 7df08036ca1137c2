package models

import "encoding/json"

// RunEventType tags a streaming event so every frame is self-describing.
type RunEventType string

const (
	EventSessionCreated     RunEventType = "session_created"
	EventUserMessageCreated RunEventType = "user_message_created"
	EventAIMessageCreated   RunEventType = "ai_message_created"
	EventToken              RunEventType = "token"
	EventExplanation        RunEventType = "agent:explanation"
	EventUsingTool          RunEventType = "agent:using_tool"
	EventToolResult         RunEventType = "agent:tool_result"
	EventFinalAnswer        RunEventType = "agent:final_answer"
	EventAgentError         RunEventType = "agent:error"
	EventError              RunEventType = "error"
	EventEnd                RunEventType = "end"
)

// RunEvent is a transient streaming event for one turn. Events are not
// durable; the finalized Message is the source of truth a reconnecting
// client reconciles against.
type RunEvent struct {
	Type      RunEventType    `json:"type"`
	SessionID string          `json:"sessionId"`
	TurnID    string          `json:"turnId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewRunEvent builds an event, marshaling payload to JSON. A payload
// that fails to marshal is dropped rather than poisoning the stream.
func NewRunEvent(t RunEventType, sessionID, turnID string, payload any) RunEvent {
	ev := RunEvent{Type: t, SessionID: sessionID, TurnID: turnID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// TokenPayload is the payload of a token event.
type TokenPayload struct {
	Text string `json:"text"`
}

// UsingToolPayload is the payload of an agent:using_tool event.
type UsingToolPayload struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload of an agent:tool_result event.
type ToolResultPayload struct {
	ToolName string `json:"tool_name"`
	Content  string `json:"content"`
	IsError  bool   `json:"is_error,omitempty"`
}
