// Package tools holds the canonical tool set the agent may invoke:
// dataset sampling, sandboxed analysis code execution, report code
// generation, arithmetic, and user clarification.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/insightpilot/insightpilot/internal/agent"
	"github.com/insightpilot/insightpilot/internal/assemble"
)

// ContentSource is the lazy content tier tools pull dataset rows from.
type ContentSource interface {
	Content(ctx context.Context, datasetID string) (string, error)
}

var _ ContentSource = (*assemble.Assembler)(nil)

// FetchDatasetSample returns the first rows of a dataset so the model
// can see real values before writing analysis code.
type FetchDatasetSample struct {
	source       ContentSource
	defaultLimit int
}

// NewFetchDatasetSample creates the tool. defaultLimit caps returned
// rows when the caller does not ask for fewer.
func NewFetchDatasetSample(source ContentSource, defaultLimit int) *FetchDatasetSample {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &FetchDatasetSample{source: source, defaultLimit: defaultLimit}
}

func (t *FetchDatasetSample) Name() string { return "fetch_dataset_sample" }

func (t *FetchDatasetSample) Description() string {
	return "Fetch the first rows of a selected dataset, including the header row. " +
		"Use this to inspect real values before writing analysis code."
}

func (t *FetchDatasetSample) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"dataset_id": {"type": "string", "description": "ID of a dataset selected for this conversation"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 500, "description": "Maximum number of data rows to return"}
		},
		"required": ["dataset_id"],
		"additionalProperties": false
	}`)
}

func (t *FetchDatasetSample) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		DatasetID string `json:"dataset_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	limit := args.Limit
	if limit <= 0 || limit > t.defaultLimit {
		limit = t.defaultLimit
	}

	content, err := t.source.Content(ctx, args.DatasetID)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	// Header plus up to limit data rows.
	keep := limit + 1
	truncated := false
	if len(lines) > keep {
		lines = lines[:keep]
		truncated = true
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(lines, "\n"))
	if truncated {
		fmt.Fprintf(&sb, "\n... (showing first %d rows)", limit)
	}
	return &agent.ToolResult{Content: sb.String()}, nil
}
