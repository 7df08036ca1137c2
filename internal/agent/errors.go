package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop and tool operations.
var (
	// ErrNoProvider indicates no reasoning provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrProviderUnavailable indicates the provider could not be
	// reached or timed out; retried a bounded number of times, then
	// fatal to the turn.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrToolNotFound indicates the provider requested a tool that is
	// not registered. Fed back to the provider, never fatal.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool exceeded its per-call timeout.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidArguments indicates tool arguments failed schema
	// validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrSessionGone indicates the session was deleted while the turn
	// was running; the loop stops quietly.
	ErrSessionGone = errors.New("session deleted during turn")
)

// LoopPhase names the state the run loop is in, for errors and traces.
type LoopPhase string

const (
	PhaseAssembling    LoopPhase = "assembling"
	PhaseAwaitProvider LoopPhase = "awaiting_provider"
	PhaseExecutingTool LoopPhase = "executing_tool"
	PhaseEmitting      LoopPhase = "emitting"
	PhaseFinalizing    LoopPhase = "finalizing"
)

// LoopError wraps a failure with the phase and iteration it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop failed in phase %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
