package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

type recordingSubstrate struct {
	mu     sync.Mutex
	tokens []string
	fail   error
}

func (s *recordingSubstrate) Enqueue(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *recordingSubstrate) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type countingRunner struct {
	mu    sync.Mutex
	turns []string
}

func (r *countingRunner) RunTurn(ctx context.Context, userID, sessionID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, messageID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *recordingSubstrate) {
	t.Helper()
	st := store.NewMemoryStore()
	substrate := &recordingSubstrate{}
	codec := NewTokenCodec("test-secret", time.Minute)
	d := NewDispatcher(st, substrate, codec, nil)

	if err := st.CreateSession(context.Background(), &models.ChatSession{
		ID: "sess-1", UserID: "user-1", Title: "Test",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return d, st, substrate
}

func TestSubmitCreatesTurnAndEnqueues(t *testing.T) {
	d, st, substrate := newTestDispatcher(t)

	result, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.UserMessage == nil || result.UserMessage.Role != models.RoleUser {
		t.Fatalf("user message not recorded: %+v", result.UserMessage)
	}
	if result.AIMessage == nil || result.AIMessage.Status != models.StatusPending {
		t.Fatalf("placeholder not pending: %+v", result.AIMessage)
	}
	if substrate.count() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", substrate.count())
	}

	msgs, err := st.GetMessages(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestSubmitWhileBusyRejected(t *testing.T) {
	d, st, substrate := newTestDispatcher(t)

	first, err := d.Submit(context.Background(), "user-1", "sess-1", "first", nil, "")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	if _, err := d.Submit(context.Background(), "user-1", "sess-1", "second", nil, ""); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if substrate.count() != 1 {
		t.Fatalf("rejected submit still enqueued a job")
	}

	// First turn untouched by the rejection.
	msg, err := st.GetMessage(context.Background(), first.AIMessage.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != models.StatusPending {
		t.Fatalf("first turn status changed to %s", msg.Status)
	}

	// Finalizing the first turn unblocks the session.
	if err := st.TransitionMessage(context.Background(), first.AIMessage.ID, models.StatusPending, models.StatusProcessing, nil); err != nil {
		t.Fatalf("TransitionMessage: %v", err)
	}
	content := "done"
	if err := st.TransitionMessage(context.Background(), first.AIMessage.ID, models.StatusProcessing, models.StatusCompleted, &store.MessagePatch{Content: &content}); err != nil {
		t.Fatalf("TransitionMessage: %v", err)
	}
	if _, err := d.Submit(context.Background(), "user-1", "sess-1", "second", nil, ""); err != nil {
		t.Fatalf("Submit after completion: %v", err)
	}
}

func TestConcurrentSubmitsStartOneTurn(t *testing.T) {
	d, st, substrate := newTestDispatcher(t)

	const submitters = 8
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	errs := make([]error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			_, errs[i] = d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "")
		}(i)
	}
	start.Done()
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrSessionBusy):
		default:
			t.Fatalf("Submit: %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted submits = %d, want 1", accepted)
	}
	if substrate.count() != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", substrate.count())
	}

	msgs, err := st.GetMessages(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	nonTerminal := 0
	for _, m := range msgs {
		if !m.Status.Terminal() {
			nonTerminal++
		}
	}
	if nonTerminal != 1 {
		t.Fatalf("non-terminal messages = %d, want 1", nonTerminal)
	}
}

func TestSubmitEnqueueFailureFreesSession(t *testing.T) {
	d, st, substrate := newTestDispatcher(t)
	substrate.fail = errors.New("substrate full")

	if _, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, ""); err == nil {
		t.Fatal("Submit succeeded with a failing substrate")
	}

	// The placeholder must not stay pending, or the session would
	// reject every retry as busy.
	latest, err := st.LatestMessage(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("LatestMessage: %v", err)
	}
	if latest.Status != models.StatusError {
		t.Fatalf("placeholder status = %s, want error", latest.Status)
	}
	if latest.ErrorMessage == "" {
		t.Fatal("finalized placeholder carries no error message")
	}

	substrate.mu.Lock()
	substrate.fail = nil
	substrate.mu.Unlock()
	if _, err := d.Submit(context.Background(), "user-1", "sess-1", "hello again", nil, ""); err != nil {
		t.Fatalf("Submit after substrate recovery: %v", err)
	}
	if substrate.count() != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", substrate.count())
	}
}

func TestSubmitIdempotencyKeyResumes(t *testing.T) {
	d, _, substrate := newTestDispatcher(t)

	first, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "key-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	second, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "key-1")
	if err != nil {
		t.Fatalf("repeat Submit: %v", err)
	}
	if !second.Resumed {
		t.Fatal("repeated idempotency key must resume, not re-trigger")
	}
	if second.AIMessage.ID != first.AIMessage.ID {
		t.Fatal("resume returned a different turn")
	}
	if substrate.count() != 1 {
		t.Fatalf("resume enqueued a duplicate job, count %d", substrate.count())
	}
}

func TestIdempotencyKeysExpire(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	now := time.Now()
	d.clock = func() time.Time { return now }

	first, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "key-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := st.TransitionMessage(context.Background(), first.AIMessage.ID, models.StatusPending, models.StatusProcessing, nil); err != nil {
		t.Fatalf("TransitionMessage: %v", err)
	}
	if err := st.TransitionMessage(context.Background(), first.AIMessage.ID, models.StatusProcessing, models.StatusCompleted, nil); err != nil {
		t.Fatalf("TransitionMessage: %v", err)
	}

	now = now.Add(idempotencyWindow + time.Minute)
	second, err := d.Submit(context.Background(), "user-1", "sess-1", "hello", nil, "key-1")
	if err != nil {
		t.Fatalf("Submit after window: %v", err)
	}
	if second.Resumed {
		t.Fatal("expired idempotency key must start a fresh turn")
	}

	d.mu.Lock()
	entries := len(d.seen)
	d.mu.Unlock()
	if entries != 1 {
		t.Fatalf("seen entries = %d, want 1 (expired key pruned)", entries)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	codec := NewTokenCodec("secret", time.Minute)

	token, err := codec.Sign("user-1", "sess-1", "msg-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "sess-1" || claims.MessageID != "msg-1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}

	if _, err := NewTokenCodec("other-secret", time.Minute).Verify(token); !errors.Is(err, ErrBadJobToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	codec := NewTokenCodec("secret", time.Millisecond)
	token, err := codec.Sign("user-1", "sess-1", "msg-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := codec.Verify(token); !errors.Is(err, ErrBadJobToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestWorkerInvoke(t *testing.T) {
	runner := &countingRunner{}
	codec := NewTokenCodec("secret", time.Minute)
	worker := NewWorker(runner, codec, 2, nil, nil)

	token, err := codec.Sign("user-1", "sess-1", "msg-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := worker.Invoke(context.Background(), token); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// The substrate may deliver twice; the runner is called twice and
	// the run loop's conditional transition absorbs the duplicate.
	if err := worker.Invoke(context.Background(), token); err != nil {
		t.Fatalf("duplicate Invoke: %v", err)
	}
	if len(runner.turns) != 2 {
		t.Fatalf("expected 2 run attempts, got %d", len(runner.turns))
	}

	if err := worker.Invoke(context.Background(), "garbage"); !errors.Is(err, ErrBadJobToken) {
		t.Fatalf("bad token accepted: %v", err)
	}
}

func TestWorkerPoolExecutesEnqueued(t *testing.T) {
	runner := &countingRunner{}
	codec := NewTokenCodec("secret", time.Minute)
	worker := NewWorker(runner, codec, 2, nil, nil)
	worker.Start()
	defer worker.Stop()

	for i := 0; i < 5; i++ {
		token, err := codec.Sign("user-1", "sess-1", "msg-1")
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := worker.Enqueue(token); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.turns)
		runner.mu.Unlock()
		if n == 5 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 5 jobs ran", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
