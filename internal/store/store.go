// Package store is the durable home of chat sessions and messages and
// the single source of truth for turn status.
//
// The conditional status transition is the only cross-invocation
// synchronization primitive in the system: every mutation of an
// in-flight turn goes through TransitionMessage, which succeeds only
// when the message is currently in the expected status. Duplicate
// worker deliveries and racing finalizers therefore collapse to one
// winner; losers observe ErrConflict and must treat it as benign.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/insightpilot/insightpilot/pkg/models"
)

var (
	// ErrNotFound indicates the session or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the caller does not own the session.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates a conditional transition did not match the
	// current status. Callers must treat this as benign: another worker
	// attempt already advanced the message.
	ErrConflict = errors.New("status conflict")

	// ErrSessionDeleted indicates the session was tombstoned; no new
	// work may start against it.
	ErrSessionDeleted = errors.New("session deleted")

	// ErrDatasetsLocked indicates the session already has a completed
	// turn and its dataset set is immutable.
	ErrDatasetsLocked = errors.New("session datasets are locked")

	// ErrSessionBusy indicates the session's latest message is not yet
	// terminal: one run per session at a time.
	ErrSessionBusy = errors.New("a response is already being generated for this conversation")
)

// MessagePatch carries the fields a transition may set alongside the
// status change. Nil pointer fields are left untouched.
type MessagePatch struct {
	Content      *string
	ErrorMessage *string
	DurationMS   *int64
	Provider     *string
	Model        *string
}

// Store is the interface for conversation persistence.
type Store interface {
	// Session CRUD. Delete tombstones the session first, then cascades
	// to its messages; an in-flight loop observes the tombstone at its
	// next iteration boundary.
	CreateSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error)
	ListSessions(ctx context.Context, userID string) ([]*models.ChatSession, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// BeginTurn records the user's prompt and the pending assistant
	// placeholder in one atomic step. When the session's latest message
	// is still non-terminal it fails with ErrSessionBusy and writes
	// nothing; the busy check and both appends happen under the same
	// lock (or transaction), so concurrent submissions for one session
	// collapse to a single started turn. The session's dataset set is
	// locked in on the first completed turn; a different non-empty set
	// after that fails with ErrDatasetsLocked.
	BeginTurn(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (userMsg, aiMsg *models.Message, err error)

	// AppendUserMessage records the user's prompt, subject to the same
	// dataset lock as BeginTurn. It does not perform the busy check;
	// turn submission goes through BeginTurn.
	AppendUserMessage(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (*models.Message, error)

	// CreatePlaceholderAIMessage creates the assistant message in
	// StatusPending that the run loop will own.
	CreatePlaceholderAIMessage(ctx context.Context, userID, sessionID string) (*models.Message, error)

	GetMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)

	// LatestMessage returns the most recent message of the session, or
	// ErrNotFound when the session has none.
	LatestMessage(ctx context.Context, sessionID string) (*models.Message, error)

	// TransitionMessage atomically moves a message from one status to
	// another, applying patch in the same write. Returns ErrConflict
	// when the current status is not from, ErrSessionDeleted when the
	// owning session is tombstoned, ErrNotFound when the message is
	// absent.
	TransitionMessage(ctx context.Context, messageID string, from, to models.MessageStatus, patch *MessagePatch) error

	// AppendToolInvocation appends an audit record to the message's
	// invocation list. The write is guarded on the message still being
	// non-terminal; a terminal message rejects with ErrConflict.
	AppendToolInvocation(ctx context.Context, messageID string, rec models.ToolInvocationRecord) error

	// SessionAlive reports whether the session exists and is not
	// tombstoned. The run loop polls this at iteration boundaries for
	// cooperative cancellation.
	SessionAlive(ctx context.Context, sessionID string) (bool, error)

	// IdleSessions returns live sessions whose last activity predates
	// cutoff. The retention sweeper feeds these to DeleteSession.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]*models.ChatSession, error)
}
