package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/insightpilot/insightpilot/internal/agent"
)

// AskUserClarification ends the turn with a question back to the user
// instead of an answer. The loop treats its result as the final
// message, so the model must only call it when it genuinely cannot
// proceed.
type AskUserClarification struct{}

// NewAskUserClarification creates the tool.
func NewAskUserClarification() *AskUserClarification { return &AskUserClarification{} }

func (t *AskUserClarification) Name() string { return "ask_user_clarification" }

func (t *AskUserClarification) Description() string {
	return "Ask the user a clarifying question and end the turn. Only use this when " +
		"the request is ambiguous and no reasonable default exists."
}

func (t *AskUserClarification) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "minLength": 1, "description": "The question to ask the user"}
		},
		"required": ["question"],
		"additionalProperties": false
	}`)
}

// EndsTurn marks this tool terminal: its result becomes the final
// answer and the loop stops.
func (t *AskUserClarification) EndsTurn() bool { return true }

func (t *AskUserClarification) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	question := strings.TrimSpace(args.Question)
	if question == "" {
		return &agent.ToolResult{Content: "question must not be empty", IsError: true}, nil
	}
	return &agent.ToolResult{Content: question}, nil
}

var _ agent.TurnEnder = (*AskUserClarification)(nil)
