package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/insightpilot/insightpilot/internal/agent"
	"github.com/insightpilot/insightpilot/internal/sandbox"
)

// ExecuteAnalysisCode runs model-written analysis code in the external
// sandboxed execution environment. The environment is opaque: output
// or an error string comes back, nothing else is inspected here.
type ExecuteAnalysisCode struct {
	client *sandbox.Client
	source ContentSource
}

// NewExecuteAnalysisCode creates the tool. source supplies dataset
// content the code references, mounted as files inside the sandbox.
func NewExecuteAnalysisCode(client *sandbox.Client, source ContentSource) *ExecuteAnalysisCode {
	return &ExecuteAnalysisCode{client: client, source: source}
}

func (t *ExecuteAnalysisCode) Name() string { return "execute_analysis_code" }

func (t *ExecuteAnalysisCode) Description() string {
	return "Execute Python analysis code in an isolated sandbox. Referenced datasets " +
		"are available as CSV files named <dataset_id>.csv. Print results to stdout."
}

func (t *ExecuteAnalysisCode) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "The program to execute"},
			"language": {"type": "string", "enum": ["python"], "description": "Execution language"},
			"dataset_ids": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Datasets the code reads, from the conversation's selected set"
			}
		},
		"required": ["code"],
		"additionalProperties": false
	}`)
}

func (t *ExecuteAnalysisCode) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Code       string   `json:"code"`
		Language   string   `json:"language"`
		DatasetIDs []string `json:"dataset_ids"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args.Language == "" {
		args.Language = "python"
	}

	req := &sandbox.ExecuteRequest{Code: args.Code, Language: args.Language}
	for _, id := range args.DatasetIDs {
		content, err := t.source.Content(ctx, id)
		if err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		if req.Inputs == nil {
			req.Inputs = make(map[string]string, len(args.DatasetIDs))
		}
		req.Inputs[id+".csv"] = content
	}

	result, err := t.client.Execute(ctx, req)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("execution failed: %v", err), IsError: true}, nil
	}
	if result.Failed() {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("program exited with code %d", result.ExitCode)
		}
		return &agent.ToolResult{Content: msg, IsError: true}, nil
	}
	return &agent.ToolResult{Content: result.Output}, nil
}
