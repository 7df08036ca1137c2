package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/insightpilot/insightpilot/pkg/models"
)

type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Schema() json.RawMessage {
	if t.schema == "" {
		return nil
	}
	return json.RawMessage(t.schema)
}
func (t *stubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.execute(ctx, params)
}

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`

func newTestExecutor(timeout time.Duration, tools ...Tool) *Executor {
	registry := NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	return NewExecutor(registry, ExecutorConfig{DefaultTimeout: timeout}, nil)
}

func TestExecutorUnknownTool(t *testing.T) {
	executor := newTestExecutor(time.Second)
	res := executor.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "nope"})
	if !errors.Is(res.Err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", res.Err)
	}
}

func TestExecutorValidatesArguments(t *testing.T) {
	called := false
	tool := &stubTool{
		name:   "echo",
		schema: echoSchema,
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			called = true
			return &ToolResult{Content: "ok"}, nil
		},
	}
	executor := newTestExecutor(time.Second, tool)

	res := executor.Execute(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{"text": 42}`),
	})
	if !errors.Is(res.Err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", res.Err)
	}
	if called {
		t.Fatal("tool must not run on invalid arguments")
	}

	res = executor.Execute(context.Background(), models.ToolCall{
		ID: "c2", Name: "echo", Input: json.RawMessage(`{"text": "hi"}`),
	})
	if res.Err != nil {
		t.Fatalf("valid arguments rejected: %v", res.Err)
	}
	if res.Result == nil || res.Result.Content != "ok" {
		t.Fatalf("unexpected result %+v", res.Result)
	}
}

func TestExecutorTimeout(t *testing.T) {
	tool := &stubTool{
		name: "slow",
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &ToolResult{Content: "too late"}, nil
			}
		},
	}
	executor := newTestExecutor(20*time.Millisecond, tool)

	res := executor.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "slow"})
	if !errors.Is(res.Err, ErrToolTimeout) {
		t.Fatalf("expected ErrToolTimeout, got %v", res.Err)
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	tool := &stubTool{
		name: "boom",
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			panic("kaboom")
		},
	}
	executor := newTestExecutor(time.Second, tool)

	res := executor.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "boom"})
	if !errors.Is(res.Err, ErrToolPanic) {
		t.Fatalf("expected ErrToolPanic, got %v", res.Err)
	}
}

func TestRegistryOrdering(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(&stubTool{name: name})
	}
	names := registry.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Fatalf("unexpected order %v", names)
	}
}
