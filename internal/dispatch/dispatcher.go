package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

// ErrSessionBusy indicates the session's latest message is not yet
// terminal: one run per session at a time. It is the store's busy
// rejection, re-exported at the submission boundary.
var ErrSessionBusy = store.ErrSessionBusy

// idempotencyWindow bounds how long a submission key is remembered.
// A key repeated after the window starts a fresh turn.
const idempotencyWindow = time.Hour

// Substrate accepts signed jobs for asynchronous execution.
type Substrate interface {
	Enqueue(token string) error
}

// SubmitResult is the outcome of one message submission.
type SubmitResult struct {
	UserMessage *models.Message
	AIMessage   *models.Message

	// Resumed is true when an idempotency key matched an earlier
	// submission and no new turn was triggered.
	Resumed bool
}

// Dispatcher is the ingestion-side half of turn execution. Submit
// records the user message and the pending assistant placeholder,
// then hands the turn to the substrate and returns without waiting.
type Dispatcher struct {
	store     store.Store
	substrate Substrate
	codec     *TokenCodec
	logger    *observability.Logger

	mu    sync.Mutex
	seen  map[string]seenTurn // idempotency key -> started turn
	clock func() time.Time
}

type seenTurn struct {
	messageID string
	at        time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(st store.Store, substrate Substrate, codec *TokenCodec, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Dispatcher{
		store:     st,
		substrate: substrate,
		codec:     codec,
		logger:    logger,
		seen:      make(map[string]seenTurn),
		clock:     time.Now,
	}
}

// Submit starts a turn. The single-active-run-per-session invariant is
// enforced by the store: BeginTurn performs the busy check and both
// message writes atomically, so concurrent Submits for one session
// collapse to a single started turn and the losers get ErrSessionBusy.
//
// idempotencyKey is optional. A repeated key whose turn still exists
// resumes it (Resumed=true) instead of starting a duplicate.
func (d *Dispatcher) Submit(ctx context.Context, userID, sessionID, text string, datasetIDs []string, idempotencyKey string) (*SubmitResult, error) {
	key := d.scopedKey(userID, sessionID, idempotencyKey)
	if key != "" {
		if result, ok := d.resume(ctx, key); ok {
			return result, nil
		}
	}

	userMsg, aiMsg, err := d.store.BeginTurn(ctx, userID, sessionID, text, datasetIDs)
	if err != nil {
		return nil, err
	}

	token, err := d.codec.Sign(userID, sessionID, aiMsg.ID)
	if err != nil {
		d.failPlaceholder(ctx, aiMsg.ID)
		return nil, fmt.Errorf("sign turn: %w", err)
	}
	if err := d.substrate.Enqueue(token); err != nil {
		d.failPlaceholder(ctx, aiMsg.ID)
		return nil, fmt.Errorf("enqueue turn: %w", err)
	}

	if key != "" {
		d.mu.Lock()
		d.pruneSeenLocked()
		d.seen[key] = seenTurn{messageID: aiMsg.ID, at: d.clock()}
		d.mu.Unlock()
	}

	d.logger.Info(ctx, "turn enqueued", "session_id", sessionID, "message_id", aiMsg.ID)
	return &SubmitResult{UserMessage: userMsg, AIMessage: aiMsg}, nil
}

// failPlaceholder finalizes a placeholder whose job never reached the
// substrate. Left pending it would reject every later Submit for the
// session as busy.
func (d *Dispatcher) failPlaceholder(ctx context.Context, messageID string) {
	msg := "The request could not be scheduled. Please try again."
	err := d.store.TransitionMessage(ctx, messageID, models.StatusPending, models.StatusError,
		&store.MessagePatch{ErrorMessage: &msg})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrSessionDeleted) {
		d.logger.Error(ctx, "failed to finalize unscheduled turn", "message_id", messageID, "error", err)
	}
}

// resume returns the existing turn for a repeated idempotency key, if
// the key is still within its window and the assistant message exists.
func (d *Dispatcher) resume(ctx context.Context, key string) (*SubmitResult, bool) {
	d.mu.Lock()
	turn, ok := d.seen[key]
	if ok && d.clock().Sub(turn.at) > idempotencyWindow {
		delete(d.seen, key)
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}

	aiMsg, err := d.store.GetMessage(ctx, turn.messageID)
	if err != nil {
		d.mu.Lock()
		delete(d.seen, key)
		d.mu.Unlock()
		return nil, false
	}
	return &SubmitResult{AIMessage: aiMsg, Resumed: true}, true
}

// pruneSeenLocked drops expired keys so the map does not grow with
// every session the process ever served. Caller holds d.mu.
func (d *Dispatcher) pruneSeenLocked() {
	cutoff := d.clock().Add(-idempotencyWindow)
	for key, turn := range d.seen {
		if turn.at.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

func (d *Dispatcher) scopedKey(userID, sessionID, key string) string {
	if key == "" {
		return ""
	}
	return userID + "/" + sessionID + "/" + key
}
