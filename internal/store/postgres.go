package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres. The conditional status
// transition maps to a single UPDATE guarded by `AND status = $from`,
// with RowsAffected distinguishing success from conflict; that one
// statement is the system's compare-and-set.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN creates a Postgres-backed conversation store.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id          UUID PRIMARY KEY,
			user_id     TEXT NOT NULL,
			team_id     TEXT,
			title       TEXT NOT NULL DEFAULT '',
			dataset_ids TEXT[] NOT NULL DEFAULT '{}',
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id               UUID PRIMARY KEY,
			session_id       UUID NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			error_message    TEXT,
			duration_ms      BIGINT NOT NULL DEFAULT 0,
			provider         TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL DEFAULT '',
			dataset_ids      TEXT[] NOT NULL DEFAULT '{}',
			tool_invocations JSONB NOT NULL DEFAULT '[]',
			created_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at ASC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, team_id, title, dataset_ids, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		session.ID, session.UserID, session.TeamID, session.Title,
		pq.Array(session.DatasetIDs), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(team_id, ''), title, dataset_ids, deleted, created_at, updated_at
		FROM chat_sessions WHERE id = $1`, sessionID)
	return scanOwnedSession(row, userID)
}

func scanOwnedSession(row *sql.Row, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	var deleted bool
	var datasetIDs pq.StringArray
	err := row.Scan(&session.ID, &session.UserID, &session.TeamID, &session.Title,
		&datasetIDs, &deleted, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if deleted {
		return nil, ErrSessionDeleted
	}
	if userID != "" && session.UserID != userID {
		return nil, ErrForbidden
	}
	session.DatasetIDs = datasetIDs
	return &session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(team_id, ''), title, dataset_ids, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = $1 AND NOT deleted
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatSession
	for rows.Next() {
		var session models.ChatSession
		var datasetIDs pq.StringArray
		if err := rows.Scan(&session.ID, &session.UserID, &session.TeamID, &session.Title,
			&datasetIDs, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.DatasetIDs = datasetIDs
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET title = $1, updated_at = now() WHERE id = $2`,
		title, sessionID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// DeleteSession tombstones the session in the same statement that is
// visible to SessionAlive, then removes the rows. An in-flight loop
// sees the tombstone at its next iteration boundary.
func (s *PostgresStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET deleted = TRUE, updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("tombstone session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// BeginTurn locks the session row FOR UPDATE so concurrent submissions
// serialize on the busy check, then writes both messages in the same
// transaction.
func (s *PostgresStore) BeginTurn(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (*models.Message, *models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(team_id, ''), title, dataset_ids, deleted, created_at, updated_at
		FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	session, err := scanOwnedSession(row, userID)
	if err != nil {
		return nil, nil, err
	}

	var latest string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM messages WHERE session_id = $1
		ORDER BY created_at DESC LIMIT 1`, sessionID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("latest status: %w", err)
	}
	if err == nil && !models.MessageStatus(latest).Terminal() {
		return nil, nil, ErrSessionBusy
	}

	userMsg, err := appendUserMessage(ctx, tx, session, text, datasetIDs)
	if err != nil {
		return nil, nil, err
	}
	aiMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		Status:     models.StatusPending,
		DatasetIDs: session.DatasetIDs,
		// The placeholder must sort after the prompt it answers.
		CreatedAt: userMsg.CreatedAt.Add(time.Microsecond),
	}
	if err := insertMessage(ctx, tx, aiMsg); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	return userMsg, aiMsg, nil
}

func (s *PostgresStore) AppendUserMessage(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (*models.Message, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return appendUserMessage(ctx, s.db, session, text, datasetIDs)
}

func appendUserMessage(ctx context.Context, q querier, session *models.ChatSession, text string, datasetIDs []string) (*models.Message, error) {
	locked, err := hasCompletedTurn(ctx, q, session.ID)
	if err != nil {
		return nil, err
	}
	if locked && len(datasetIDs) > 0 && !stringSlicesEqual(session.DatasetIDs, datasetIDs) {
		return nil, ErrDatasetsLocked
	}

	if len(session.DatasetIDs) == 0 && len(datasetIDs) > 0 {
		if _, err := q.ExecContext(ctx, `
			UPDATE chat_sessions SET dataset_ids = $1, updated_at = now() WHERE id = $2`,
			pq.Array(datasetIDs), session.ID); err != nil {
			return nil, fmt.Errorf("lock datasets: %w", err)
		}
		session.DatasetIDs = datasetIDs
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleUser,
		Content:    text,
		Status:     models.StatusCompleted,
		DatasetIDs: datasetIDs,
		CreatedAt:  time.Now(),
	}
	if err := insertMessage(ctx, q, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) CreatePlaceholderAIMessage(ctx context.Context, userID, sessionID string) (*models.Message, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		Status:     models.StatusPending,
		DatasetIDs: session.DatasetIDs,
		CreatedAt:  time.Now(),
	}
	if err := insertMessage(ctx, s.db, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// querier abstracts *sql.DB and *sql.Tx so the message write helpers
// run both standalone and inside BeginTurn's transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, q querier, msg *models.Message) error {
	invocations, err := json.Marshal(msg.ToolInvocations)
	if err != nil {
		return fmt.Errorf("marshal tool invocations: %w", err)
	}
	if msg.ToolInvocations == nil {
		invocations = []byte("[]")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, status, error_message,
			duration_ms, provider, model, dataset_ids, tool_invocations, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Status, msg.ErrorMessage,
		msg.DurationMS, msg.Provider, msg.Model, pq.Array(msg.DatasetIDs),
		invocations, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, msg.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, status, COALESCE(error_message, ''),
			duration_ms, provider, model, dataset_ids, tool_invocations, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, status, COALESCE(error_message, ''),
			duration_ms, provider, model, dataset_ids, tool_invocations, created_at
		FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanMessage(rows)
}

func (s *PostgresStore) LatestMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, status, COALESCE(error_message, ''),
			duration_ms, provider, model, dataset_ids, tool_invocations, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanMessage(rows)
}

func (s *PostgresStore) TransitionMessage(ctx context.Context, messageID string, from, to models.MessageStatus, patch *MessagePatch) error {
	if !from.CanTransition(to) {
		return ErrConflict
	}

	set := "status = $1"
	args := []any{string(to), messageID, string(from)}
	n := 4
	addSet := func(col string, val any) {
		set += fmt.Sprintf(", %s = $%d", col, n)
		args = append(args, val)
		n++
	}
	if patch != nil {
		if patch.Content != nil {
			addSet("content", *patch.Content)
		}
		if patch.ErrorMessage != nil {
			addSet("error_message", *patch.ErrorMessage)
			if *patch.ErrorMessage != "" {
				addSet("role", string(models.RoleAssistantError))
			}
		}
		if patch.DurationMS != nil {
			addSet("duration_ms", *patch.DurationMS)
		}
		if patch.Provider != nil {
			addSet("provider", *patch.Provider)
		}
		if patch.Model != nil {
			addSet("model", *patch.Model)
		}
	}

	query := fmt.Sprintf(`
		UPDATE messages SET %s
		WHERE id = $2 AND status = $3
		  AND session_id IN (SELECT id FROM chat_sessions WHERE NOT deleted)`, set)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition message: %w", err)
	}
	if affected == 0 {
		return s.classifyMissedTransition(ctx, messageID)
	}
	return nil
}

// classifyMissedTransition distinguishes conflict from absence and
// tombstoned sessions after a zero-row conditional update.
func (s *PostgresStore) classifyMissedTransition(ctx context.Context, messageID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	alive, err := s.SessionAlive(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if !alive {
		return ErrSessionDeleted
	}
	return ErrConflict
}

func (s *PostgresStore) AppendToolInvocation(ctx context.Context, messageID string, rec models.ToolInvocationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}

	// Same conditional-write primitive: the append only lands while the
	// message is non-terminal.
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET tool_invocations = tool_invocations || $1::jsonb
		WHERE id = $2 AND status NOT IN ($3, $4)`,
		raw, messageID, models.StatusCompleted, models.StatusError)
	if err != nil {
		return fmt.Errorf("append invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append invocation: %w", err)
	}
	if affected == 0 {
		return s.classifyMissedTransition(ctx, messageID)
	}
	return nil
}

func (s *PostgresStore) SessionAlive(ctx context.Context, sessionID string) (bool, error) {
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT deleted FROM chat_sessions WHERE id = $1`, sessionID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session alive: %w", err)
	}
	return !deleted, nil
}

func (s *PostgresStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(team_id, ''), title, dataset_ids, created_at, updated_at
		FROM chat_sessions
		WHERE NOT deleted AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatSession
	for rows.Next() {
		var session models.ChatSession
		var datasetIDs pq.StringArray
		if err := rows.Scan(&session.ID, &session.UserID, &session.TeamID, &session.Title,
			&datasetIDs, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.DatasetIDs = datasetIDs
		out = append(out, &session)
	}
	return out, rows.Err()
}

func hasCompletedTurn(ctx context.Context, q querier, sessionID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE session_id = $1 AND role = $2 AND status = $3
		)`, sessionID, models.RoleAssistant, models.StatusCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("completed turn check: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var datasetIDs pq.StringArray
	var invocations []byte
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Status,
		&msg.ErrorMessage, &msg.DurationMS, &msg.Provider, &msg.Model,
		&datasetIDs, &invocations, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.DatasetIDs = datasetIDs
	if len(invocations) > 0 {
		if err := json.Unmarshal(invocations, &msg.ToolInvocations); err != nil {
			return nil, fmt.Errorf("unmarshal invocations: %w", err)
		}
	}
	return &msg, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
