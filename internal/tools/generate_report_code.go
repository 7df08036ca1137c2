package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/insightpilot/insightpilot/internal/agent"
)

// GenerateReportCode produces a self-contained report component
// definition the client can render: title, chart configuration, and
// the data series the model extracted during the turn.
type GenerateReportCode struct{}

// NewGenerateReportCode creates the tool.
func NewGenerateReportCode() *GenerateReportCode { return &GenerateReportCode{} }

func (t *GenerateReportCode) Name() string { return "generate_report_code" }

func (t *GenerateReportCode) Description() string {
	return "Generate a renderable report component from analysis results. " +
		"Provide a title, a chart type, and the data series to display."
}

func (t *GenerateReportCode) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"},
			"chart_type": {"type": "string", "enum": ["bar", "line", "pie", "table", "metric"]},
			"series": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"label": {"type": "string"},
						"value": {"type": "number"}
					},
					"required": ["label", "value"]
				},
				"description": "Data points to render"
			}
		},
		"required": ["title", "chart_type", "series"],
		"additionalProperties": false
	}`)
}

type reportSeries struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// reportComponent is the structured payload clients render. Code holds
// an equivalent standalone snippet for export.
type reportComponent struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	ChartType   string         `json:"chart_type"`
	Series      []reportSeries `json:"series"`
	Code        string         `json:"code"`
}

func (t *GenerateReportCode) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Title       string         `json:"title"`
		Description string         `json:"description"`
		ChartType   string         `json:"chart_type"`
		Series      []reportSeries `json:"series"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if len(args.Series) == 0 {
		return &agent.ToolResult{Content: "series must contain at least one data point", IsError: true}, nil
	}

	component := reportComponent{
		Kind:        "report",
		Title:       args.Title,
		Description: args.Description,
		ChartType:   args.ChartType,
		Series:      args.Series,
		Code:        renderReportSnippet(args.Title, args.ChartType, args.Series),
	}
	payload, err := json.Marshal(component)
	if err != nil {
		return nil, fmt.Errorf("encode report component: %w", err)
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// renderReportSnippet emits a standalone Vega-Lite spec for the chart
// so reports remain usable outside the app.
func renderReportSnippet(title, chartType string, series []reportSeries) string {
	mark := map[string]string{
		"bar":    "bar",
		"line":   "line",
		"pie":    "arc",
		"table":  "text",
		"metric": "text",
	}[chartType]

	var values strings.Builder
	for i, s := range series {
		if i > 0 {
			values.WriteString(",")
		}
		point, _ := json.Marshal(map[string]any{"label": s.Label, "value": s.Value})
		values.Write(point)
	}

	return fmt.Sprintf(`{
  "$schema": "https://vega.github.io/schema/vega-lite/v5.json",
  "title": %q,
  "mark": %q,
  "data": {"values": [%s]},
  "encoding": {
    "x": {"field": "label", "type": "nominal"},
    "y": {"field": "value", "type": "quantitative"}
  }
}`, title, mark, values.String())
}
