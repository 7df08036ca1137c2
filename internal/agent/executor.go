package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/pkg/models"
)

// MaxToolParamsSize bounds tool argument JSON (1MB).
const MaxToolParamsSize = 1 << 20

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	// DefaultTimeout bounds a single tool execution.
	DefaultTimeout time.Duration
}

// ExecResult is the outcome of one tool dispatch.
type ExecResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Err        error
	Latency    time.Duration
}

// Failed reports whether the call produced anything other than a
// successful tool result.
func (r *ExecResult) Failed() bool {
	return r.Err != nil || r.Result == nil || r.Result.IsError
}

// Executor dispatches provider tool calls: it resolves the tool,
// validates arguments against the tool's declared JSON schema, applies
// the per-call timeout, and recovers panics. It never retries; retry
// decisions belong to the loop, which feeds failures back to the
// provider.
type Executor struct {
	registry *ToolRegistry
	config   ExecutorConfig
	metrics  *observability.Metrics

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *ToolRegistry, config ExecutorConfig, metrics *observability.Metrics) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	return &Executor{
		registry: registry,
		config:   config,
		metrics:  metrics,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one tool call to completion. Every failure mode comes
// back as an ExecResult carrying an error rather than a bare error
// return, so the caller has a uniform shape to feed the provider.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecResult {
	start := time.Now()
	res := &ExecResult{ToolCallID: call.ID, ToolName: call.Name}
	defer func() {
		res.Latency = time.Since(start)
		e.observe(res)
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
		return res
	}

	if len(call.Input) > MaxToolParamsSize {
		res.Err = fmt.Errorf("%w: arguments exceed %d bytes", ErrInvalidArguments, MaxToolParamsSize)
		return res
	}
	if err := e.validateArgs(tool, call.Input); err != nil {
		res.Err = err
		return res
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	result, err := e.invoke(execCtx, tool, call.Input)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			res.Err = fmt.Errorf("%w: %s after %s", ErrToolTimeout, call.Name, e.config.DefaultTimeout)
			return res
		}
		res.Err = err
		return res
	}
	res.Result = result
	return res
}

// invoke calls the tool with panic recovery. A panicking tool becomes
// an error result, never a crashed turn.
func (e *Executor) invoke(ctx context.Context, tool Tool, params json.RawMessage) (result *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrToolPanic, tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, params)
}

func (e *Executor) validateArgs(tool Tool, params json.RawMessage) error {
	schema, err := e.schemaFor(tool)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	input := params
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("%w: %s: not valid JSON: %v", ErrInvalidArguments, tool.Name(), err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool.Name(), err)
	}
	return nil
}

// schemaFor compiles and caches the tool's argument schema. A tool
// declaring no schema skips validation.
func (e *Executor) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if schema, ok := e.compiled[tool.Name()]; ok {
		return schema, nil
	}
	schema, err := jsonschema.CompileString(tool.Name()+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", tool.Name(), err)
	}
	e.compiled[tool.Name()] = schema
	return schema, nil
}

func (e *Executor) observe(res *ExecResult) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if res.Failed() {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(res.ToolName, status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(res.ToolName).Observe(res.Latency.Seconds())
}
