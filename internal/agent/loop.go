package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/insightpilot/insightpilot/internal/assemble"
	"github.com/insightpilot/insightpilot/internal/backoff"
	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

// genericFailureMessage is what the client sees when a turn fails for
// a reason that is not its fault. The internal cause is logged, never
// sent over the wire.
const genericFailureMessage = "Something went wrong while generating this answer. Please try again."

// truncationNotice is appended to a best-effort partial answer when a
// turn hits its tool-call or wall-clock bound.
const truncationNotice = "\n\n_Answer truncated: the analysis hit its step limit before finishing._"

// contextFailureMessage matches what clients key error rendering on
// when no selected dataset could be loaded.
const contextFailureMessage = "Failed to load required dataset content"

// EventSink receives run events for fan-out to subscribed clients.
// Publishing is fire-and-forget: the loop never waits for delivery,
// and event loss on the wire is acceptable because the finalized
// message is the durable source of truth.
type EventSink interface {
	Publish(event models.RunEvent)
}

// LoopConfig bounds and parameterizes a turn.
type LoopConfig struct {
	Model        string
	SummaryModel string
	SystemPrompt string
	MaxTokens    int

	// MaxToolCalls bounds tool executions per turn; exceeding it forces
	// finalization with a partial answer and a truncation notice.
	MaxToolCalls int

	// MaxWallTime bounds total turn duration, enforced at iteration
	// boundaries the same way as MaxToolCalls.
	MaxWallTime time.Duration

	// SummarizeThreshold is the transcript size in characters above
	// which older turns are compacted into a summary. Zero disables.
	SummarizeThreshold int

	// ProviderRetries is how many times an unreachable provider is
	// retried with backoff before the turn fails.
	ProviderRetries int

	// ProviderRetryDelay is the initial backoff between provider
	// retries.
	ProviderRetryDelay time.Duration

	// ProviderTimeout bounds one provider call, connection through
	// stream end. A stream that stalls mid-generation fails the
	// attempt instead of hanging the turn in generating.
	ProviderTimeout time.Duration
}

// Loop drives one conversational turn: repeated provider calls
// interleaved with tool execution until a final answer, a
// clarification request, or a bound is reached.
//
// The loop owns the assistant message's status for the duration of the
// turn. Every status change goes through the store's conditional
// transition, so a duplicate invocation for the same message loses the
// first transition and exits without side effects.
type Loop struct {
	store     store.Store
	assembler *assemble.Assembler
	provider  LLMProvider
	executor  *Executor
	sink      EventSink
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	config    LoopConfig
}

// NewLoop wires a run loop.
func NewLoop(
	st store.Store,
	assembler *assemble.Assembler,
	provider LLMProvider,
	executor *Executor,
	sink EventSink,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	config LoopConfig,
) *Loop {
	if config.MaxToolCalls <= 0 {
		config.MaxToolCalls = 10
	}
	if config.MaxWallTime <= 0 {
		config.MaxWallTime = 5 * time.Minute
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.ProviderRetries < 0 {
		config.ProviderRetries = 0
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if tracer == nil {
		tracer, _, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Loop{
		store:     st,
		assembler: assembler,
		provider:  provider,
		executor:  executor,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		config:    config,
	}
}

// turnState is the loop's working memory for one turn.
type turnState struct {
	session   *models.ChatSession
	message   *models.Message
	status    models.MessageStatus
	messages  []CompletionMessage
	system    string
	toolCalls int
	started   time.Time
	deadline  time.Time
	text      string
	finalized bool
}

// RunTurn executes the turn that owns aiMessageID. It is safe to call
// more than once for the same message: only the invocation that wins
// the pending -> processing transition runs; every other one is a
// no-op. RunTurn returns an error only for delivery-level failures;
// turn-level failures finalize the message to error and return nil.
func (l *Loop) RunTurn(ctx context.Context, userID, sessionID, aiMessageID string) (err error) {
	if l.provider == nil {
		return ErrNoProvider
	}

	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithTurnID(ctx, aiMessageID)
	ctx, span := l.tracer.StartTurn(ctx, sessionID, aiMessageID)
	defer span.End()

	session, err := l.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrSessionDeleted) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}
	msg, err := l.store.GetMessage(ctx, aiMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}

	st := &turnState{
		session: session,
		message: msg,
		status:  models.StatusPending,
		started: time.Now(),
	}
	st.deadline = st.started.Add(l.config.MaxWallTime)

	// Idempotency gate: exactly one invocation wins this edge.
	if err := l.transition(ctx, st, models.StatusProcessing, nil); err != nil {
		if benign(err) {
			l.logger.Info(ctx, "duplicate or stale turn invocation, skipping")
			return nil
		}
		return fmt.Errorf("claim turn: %w", err)
	}

	// Whatever happens below, the turn must reach a terminal status.
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "turn panicked", "panic", r)
			l.finalizeError(ctx, st, genericFailureMessage)
			err = nil
		} else if !st.finalized {
			l.finalizeError(ctx, st, genericFailureMessage)
		}
	}()

	l.runStateMachine(ctx, userID, st)
	return nil
}

func (l *Loop) runStateMachine(ctx context.Context, userID string, st *turnState) {
	// Assembling: schema-tier context.
	if err := l.transition(ctx, st, models.StatusFetchingContext, nil); err != nil {
		l.abandonIfBenign(ctx, st, err)
		return
	}
	bundle, err := l.assembler.Assemble(ctx, userID, st.session.ID, st.session.DatasetIDs)
	if err != nil {
		if errors.Is(err, assemble.ErrContextUnavailable) {
			l.finalizeError(ctx, st, contextFailureMessage)
			return
		}
		l.logger.Error(ctx, "context assembly failed", "error", err)
		l.finalizeError(ctx, st, genericFailureMessage)
		return
	}

	st.system = l.config.SystemPrompt
	if promptCtx := bundle.PromptText(); promptCtx != "" {
		st.system = st.system + "\n\n" + promptCtx
	}

	if err := l.buildTranscript(ctx, userID, st); err != nil {
		l.logger.Error(ctx, "transcript build failed", "error", err)
		l.finalizeError(ctx, st, genericFailureMessage)
		return
	}

	for {
		// Cooperative cancellation: a deleted session stops the loop at
		// the next iteration boundary. The tombstone also blocks any
		// further transition, so there is nothing to finalize.
		alive, err := l.store.SessionAlive(ctx, st.session.ID)
		if err == nil && !alive {
			l.logger.Info(ctx, "session deleted mid-turn, stopping")
			st.finalized = true
			return
		}

		if time.Now().After(st.deadline) {
			l.finalizeTruncated(ctx, st)
			return
		}

		if l.config.SummarizeThreshold > 0 && transcriptChars(st.messages) > l.config.SummarizeThreshold {
			l.compactTranscript(ctx, st)
		}

		if err := l.transition(ctx, st, models.StatusGenerating, nil); err != nil {
			l.abandonIfBenign(ctx, st, err)
			return
		}

		text, toolCalls, err := l.callProvider(ctx, st)
		if err != nil {
			l.logger.Error(ctx, "provider failed after retries", "error", err)
			l.finalizeError(ctx, st, genericFailureMessage)
			return
		}
		st.text = text

		if len(toolCalls) == 0 {
			l.finalizeCompleted(ctx, st, st.text)
			return
		}

		st.messages = append(st.messages, CompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			if st.toolCalls >= l.config.MaxToolCalls {
				l.finalizeTruncated(ctx, st)
				return
			}
			st.toolCalls++

			done := l.executeTool(ctx, st, call)
			if done {
				return
			}
		}
	}
}

// executeTool runs one tool call, records it, feeds the result into
// the transcript, and reports whether the turn is over.
func (l *Loop) executeTool(ctx context.Context, st *turnState, call models.ToolCall) bool {
	if err := l.transition(ctx, st, models.StatusExecutingTool, nil); err != nil {
		l.abandonIfBenign(ctx, st, err)
		return true
	}

	l.publish(models.NewRunEvent(models.EventUsingTool, st.session.ID, st.message.ID, models.UsingToolPayload{
		ToolName: call.Name,
		Input:    call.Input,
	}))

	toolCtx, span := l.tracer.StartToolCall(ctx, call.Name)
	res := l.executor.Execute(toolCtx, call)
	if res.Err != nil {
		observability.RecordError(span, res.Err)
	}
	span.End()

	result := models.ToolResult{ToolCallID: call.ID}
	rec := models.ToolInvocationRecord{
		ToolName:  call.Name,
		Input:     call.Input,
		LatencyMS: res.Latency.Milliseconds(),
		StartedAt: time.Now().Add(-res.Latency),
	}
	switch {
	case res.Err != nil:
		result.Content = res.Err.Error()
		result.IsError = true
		rec.Error = res.Err.Error()
	case res.Result != nil:
		result.Content = res.Result.Content
		result.IsError = res.Result.IsError
		if res.Result.IsError {
			rec.Error = res.Result.Content
		} else {
			rec.Output = res.Result.Content
		}
	default:
		result.Content = "tool execution produced no result"
		result.IsError = true
		rec.Error = result.Content
	}

	if err := l.store.AppendToolInvocation(ctx, st.message.ID, rec); err != nil {
		if benign(err) {
			l.logger.Info(ctx, "turn already finalized elsewhere, stopping", "tool", call.Name)
			st.finalized = true
			return true
		}
		l.logger.Warn(ctx, "tool invocation audit write failed", "tool", call.Name, "error", err)
	}

	l.publish(models.NewRunEvent(models.EventToolResult, st.session.ID, st.message.ID, models.ToolResultPayload{
		ToolName: call.Name,
		Content:  result.Content,
		IsError:  result.IsError,
	}))

	// A turn-ending tool (user clarification) short-circuits straight
	// to finalization with its content as the answer.
	if tool, ok := l.executor.registry.Get(call.Name); ok && !result.IsError {
		if ender, isEnder := tool.(TurnEnder); isEnder && ender.EndsTurn() {
			l.finalizeCompleted(ctx, st, result.Content)
			return true
		}
	}

	st.messages = append(st.messages, CompletionMessage{
		Role:        "tool",
		ToolResults: []models.ToolResult{result},
	})
	return false
}

// callProvider streams one completion, relaying tokens as they arrive.
// An unreachable provider is retried with backoff, but only while no
// token has been emitted yet: replaying tokens after a partial stream
// would violate the in-turn ordering guarantee.
func (l *Loop) callProvider(ctx context.Context, st *turnState) (string, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    st.system,
		Messages:  st.messages,
		Tools:     l.executor.registry.AsLLMTools(),
		MaxTokens: l.config.MaxTokens,
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	emitted := false

	attempt := func(int) error {
		text.Reset()
		toolCalls = nil

		// One deadline covers connect through stream end, so a stalled
		// SSE stream fails the attempt rather than hanging the turn.
		callCtx, cancel := context.WithTimeout(ctx, l.config.ProviderTimeout)
		defer cancel()
		callCtx, span := l.tracer.StartProviderCall(callCtx, l.provider.Name(), req.Model)
		start := time.Now()

		fail := func(err error) error {
			observability.RecordError(span, err)
			span.End()
			l.observeProvider(req.Model, start, "error")
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}

		chunks, err := l.provider.Complete(callCtx, req)
		if err != nil {
			return fail(err)
		}

		for {
			var chunk *CompletionChunk
			var ok bool
			select {
			case chunk, ok = <-chunks:
			case <-callCtx.Done():
				return fail(fmt.Errorf("provider stalled: %v", callCtx.Err()))
			}
			if !ok {
				span.End()
				l.observeProvider(req.Model, start, "success")
				return nil
			}
			if chunk.Error != nil {
				return fail(chunk.Error)
			}
			if chunk.Text != "" {
				emitted = true
				text.WriteString(chunk.Text)
				l.publish(models.NewRunEvent(models.EventToken, st.session.ID, st.message.ID, models.TokenPayload{Text: chunk.Text}))
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done && l.metrics != nil {
				if chunk.InputTokens > 0 {
					l.metrics.ProviderTokensUsed.WithLabelValues(l.provider.Name(), req.Model, "prompt").Add(float64(chunk.InputTokens))
				}
				if chunk.OutputTokens > 0 {
					l.metrics.ProviderTokensUsed.WithLabelValues(l.provider.Name(), req.Model, "completion").Add(float64(chunk.OutputTokens))
				}
			}
		}
	}

	retryable := func(err error) bool {
		return errors.Is(err, ErrProviderUnavailable) && !emitted
	}
	err := backoff.Retry(ctx, backoff.ProviderPolicy(l.config.ProviderRetryDelay), l.config.ProviderRetries+1, retryable, attempt)
	if err != nil {
		return "", nil, err
	}
	return text.String(), toolCalls, nil
}

func (l *Loop) buildTranscript(ctx context.Context, userID string, st *turnState) error {
	history, err := l.store.GetMessages(ctx, userID, st.session.ID)
	if err != nil {
		return err
	}

	st.messages = st.messages[:0]
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			st.messages = append(st.messages, CompletionMessage{Role: "user", Content: m.Content})
		case models.RoleAssistant:
			// Only prior finished answers; the in-flight placeholder and
			// failed turns add nothing the provider can use.
			if m.Status == models.StatusCompleted && m.Content != "" {
				st.messages = append(st.messages, CompletionMessage{Role: "assistant", Content: m.Content})
			}
		}
	}
	if len(st.messages) == 0 {
		return fmt.Errorf("no user message to answer in session %s", st.session.ID)
	}
	return nil
}

// compactTranscript summarizes everything before the current user
// message. The current unanswered message and anything after it stay
// verbatim.
func (l *Loop) compactTranscript(ctx context.Context, st *turnState) {
	keepFrom := currentTurnStart(st.messages)
	before := len(st.messages)
	st.messages = l.summarizeHead(ctx, st.messages, keepFrom)
	if len(st.messages) < before {
		l.logger.Info(ctx, "transcript compacted", "before", before, "after", len(st.messages))
		l.publish(models.NewRunEvent(models.EventExplanation, st.session.ID, st.message.ID,
			map[string]string{"text": "Condensed earlier conversation history to stay within limits."}))
	}
}

// currentTurnStart returns the index of the last user message that has
// no transcript entries of a prior turn after it, i.e. where the
// current turn begins.
func currentTurnStart(messages []CompletionMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && len(messages[i].ToolResults) == 0 {
			return i
		}
	}
	return 0
}

func (l *Loop) finalizeTruncated(ctx context.Context, st *turnState) {
	answer := st.text
	if answer == "" {
		answer = "The analysis could not be completed within its limits."
	}
	l.finalizeCompleted(ctx, st, answer+truncationNotice)
}

func (l *Loop) finalizeCompleted(ctx context.Context, st *turnState, content string) {
	duration := time.Since(st.started).Milliseconds()
	provider := l.provider.Name()
	model := l.config.Model
	patch := &store.MessagePatch{
		Content:    &content,
		DurationMS: &duration,
		Provider:   &provider,
		Model:      &model,
	}
	if err := l.transition(ctx, st, models.StatusCompleted, patch); err != nil {
		l.abandonIfBenign(ctx, st, err)
		return
	}
	st.finalized = true
	l.observeTurn(st, "completed")

	l.publish(models.NewRunEvent(models.EventFinalAnswer, st.session.ID, st.message.ID,
		map[string]string{"content": content}))
	l.emitEnd(ctx, st)
}

func (l *Loop) finalizeError(ctx context.Context, st *turnState, userMessage string) {
	duration := time.Since(st.started).Milliseconds()
	provider := l.provider.Name()
	model := l.config.Model
	patch := &store.MessagePatch{
		ErrorMessage: &userMessage,
		DurationMS:   &duration,
		Provider:     &provider,
		Model:        &model,
	}
	if err := l.transition(ctx, st, models.StatusError, patch); err != nil {
		l.abandonIfBenign(ctx, st, err)
		return
	}
	st.finalized = true
	l.observeTurn(st, "error")

	l.publish(models.NewRunEvent(models.EventAgentError, st.session.ID, st.message.ID,
		map[string]string{"message": userMessage}))
	l.emitEnd(ctx, st)
}

// emitEnd sends the terminal event carrying the finalized message so a
// client that missed intermediate tokens can reconcile from it alone.
func (l *Loop) emitEnd(ctx context.Context, st *turnState) {
	final, err := l.store.GetMessage(ctx, st.message.ID)
	if err != nil {
		final = st.message
	}
	l.publish(models.NewRunEvent(models.EventEnd, st.session.ID, st.message.ID, final))
}

// transition advances the message through the store's conditional
// update, tracking the loop's view of the current status.
func (l *Loop) transition(ctx context.Context, st *turnState, to models.MessageStatus, patch *store.MessagePatch) error {
	if err := l.store.TransitionMessage(ctx, st.message.ID, st.status, to, patch); err != nil {
		return err
	}
	st.status = to
	return nil
}

// abandonIfBenign handles a failed transition. A conflict means another
// attempt already owns or finished this turn; a deleted session means
// there is nothing left to finalize. Both end this invocation quietly.
func (l *Loop) abandonIfBenign(ctx context.Context, st *turnState, err error) {
	if benign(err) {
		l.logger.Info(ctx, "turn advanced elsewhere, exiting quietly", "error", err)
		st.finalized = true
		return
	}
	l.logger.Error(ctx, "status transition failed", "error", err)
	// Leave finalized false; the RunTurn guard makes a last attempt at
	// an error finalization so the turn is not stranded mid-flight.
}

func benign(err error) bool {
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrSessionDeleted) ||
		errors.Is(err, store.ErrNotFound)
}

func (l *Loop) publish(event models.RunEvent) {
	if l.sink == nil {
		return
	}
	l.sink.Publish(event)
	if l.metrics != nil {
		l.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
}

func (l *Loop) observeProvider(model string, start time.Time, status string) {
	if l.metrics == nil {
		return
	}
	l.metrics.ProviderRequestCounter.WithLabelValues(l.provider.Name(), model, status).Inc()
	l.metrics.ProviderRequestDuration.WithLabelValues(l.provider.Name(), model).Observe(time.Since(start).Seconds())
}

func (l *Loop) observeTurn(st *turnState, status string) {
	if l.metrics == nil {
		return
	}
	l.metrics.TurnCounter.WithLabelValues(status).Inc()
	l.metrics.TurnDuration.WithLabelValues(status).Observe(time.Since(st.started).Seconds())
}
