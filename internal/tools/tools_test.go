package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/insightpilot/insightpilot/internal/sandbox"
)

type fakeSource struct {
	content map[string]string
}

func (s *fakeSource) Content(ctx context.Context, datasetID string) (string, error) {
	content, ok := s.content[datasetID]
	if !ok {
		return "", fmt.Errorf("failed to load required dataset content: %s", datasetID)
	}
	return content, nil
}

func TestFetchDatasetSample(t *testing.T) {
	var rows []string
	rows = append(rows, "region,revenue")
	for i := 0; i < 100; i++ {
		rows = append(rows, fmt.Sprintf("r%d,%d", i, i*10))
	}
	source := &fakeSource{content: map[string]string{"sales": strings.Join(rows, "\n")}}

	tool := NewFetchDatasetSample(source, 10)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"dataset_id": "sales"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	lines := strings.Split(result.Content, "\n")
	// Header + 10 rows + truncation marker.
	if len(lines) != 12 {
		t.Fatalf("expected 12 lines, got %d:\n%s", len(lines), result.Content)
	}
	if lines[0] != "region,revenue" {
		t.Errorf("header row missing, got %q", lines[0])
	}
	if !strings.Contains(lines[11], "showing first 10 rows") {
		t.Errorf("truncation marker missing, got %q", lines[11])
	}
}

func TestFetchDatasetSampleMissingDataset(t *testing.T) {
	tool := NewFetchDatasetSample(&fakeSource{content: map[string]string{}}, 10)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"dataset_id": "nope"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing dataset")
	}
}

func TestExecuteAnalysisCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sandbox.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if _, ok := req.Inputs["sales.csv"]; !ok {
			t.Errorf("dataset content not mounted, inputs: %v", req.Inputs)
		}
		json.NewEncoder(w).Encode(&sandbox.ExecuteResult{Output: "total: 4500\n"})
	}))
	defer srv.Close()

	source := &fakeSource{content: map[string]string{"sales": "a,b\n1,2\n"}}
	tool := NewExecuteAnalysisCode(sandbox.NewClient(srv.URL, "", 5*time.Second), source)

	result, err := tool.Execute(context.Background(), json.RawMessage(
		`{"code": "print(df.sum())", "dataset_ids": ["sales"]}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || result.Content != "total: 4500\n" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteAnalysisCodeProgramFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&sandbox.ExecuteResult{Error: "SyntaxError", ExitCode: 1})
	}))
	defer srv.Close()

	tool := NewExecuteAnalysisCode(sandbox.NewClient(srv.URL, "", 5*time.Second), &fakeSource{})
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"code": "def"}`))
	if err != nil {
		t.Fatalf("program failure must be an error result, not an error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "SyntaxError") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestGenerateReportCode(t *testing.T) {
	tool := NewGenerateReportCode()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{
		"title": "Revenue by region",
		"chart_type": "bar",
		"series": [{"label": "EMEA", "value": 1200}, {"label": "APAC", "value": 800}]
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var component reportComponent
	if err := json.Unmarshal([]byte(result.Content), &component); err != nil {
		t.Fatalf("result is not a JSON component: %v", err)
	}
	if component.ChartType != "bar" || len(component.Series) != 2 {
		t.Fatalf("unexpected component %+v", component)
	}
	if !strings.Contains(component.Code, "vega-lite") {
		t.Error("component code missing chart spec")
	}
}

func TestAskUserClarification(t *testing.T) {
	tool := NewAskUserClarification()
	if !tool.EndsTurn() {
		t.Fatal("clarification tool must end the turn")
	}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"question": "Which year?"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || result.Content != "Which year?" {
		t.Fatalf("unexpected result %+v", result)
	}

	result, err = tool.Execute(context.Background(), json.RawMessage(`{"question": "  "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("blank question must be an error result")
	}
}
