package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// maxMessagesPerSession caps stored messages per session so a runaway
// conversation cannot grow memory without bound.
const maxMessagesPerSession = 1000

// MemoryStore provides an in-memory Store implementation for tests and
// local runs. All reads return clones; callers never share state with
// the store.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.ChatSession
	messages  map[string][]*models.Message // session ID -> ordered messages
	byMessage map[string]*models.Message   // message ID -> message
	deleted   map[string]bool              // tombstones
	clock     func() time.Time
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.ChatSession{},
		messages:  map[string][]*models.Message{},
		byMessage: map[string]*models.Message{},
		deleted:   map[string]bool{},
		clock:     time.Now,
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := m.clock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOwnedLocked(userID, sessionID)
}

func (m *MemoryStore) getOwnedLocked(userID, sessionID string) (*models.ChatSession, error) {
	if m.deleted[sessionID] {
		return nil, ErrSessionDeleted
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if userID != "" && session.UserID != userID {
		return nil, ErrForbidden
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, userID string) ([]*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ChatSession, 0)
	for id, s := range m.sessions {
		if m.deleted[id] || s.UserID != userID {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getOwnedLocked(userID, sessionID); err != nil {
		return err
	}
	session := m.sessions[sessionID]
	session.Title = title
	session.UpdatedAt = m.clock()
	return nil
}

// DeleteSession tombstones first so no new message can transition out
// of pending, then drops the messages.
func (m *MemoryStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getOwnedLocked(userID, sessionID); err != nil {
		return err
	}
	m.deleted[sessionID] = true
	for _, msg := range m.messages[sessionID] {
		delete(m.byMessage, msg.ID)
	}
	delete(m.messages, sessionID)
	delete(m.sessions, sessionID)
	return nil
}

// BeginTurn holds the store lock across the busy check and both
// appends, so racing submissions for one session observe each other.
func (m *MemoryStore) BeginTurn(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (*models.Message, *models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.getOwnedLocked(userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if msgs := m.messages[sessionID]; len(msgs) > 0 && !msgs[len(msgs)-1].Status.Terminal() {
		return nil, nil, ErrSessionBusy
	}

	userMsg, err := m.appendUserLocked(session, text, datasetIDs)
	if err != nil {
		return nil, nil, err
	}
	return userMsg, m.appendPlaceholderLocked(sessionID), nil
}

func (m *MemoryStore) AppendUserMessage(ctx context.Context, userID, sessionID, text string, datasetIDs []string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.getOwnedLocked(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.appendUserLocked(session, text, datasetIDs)
}

func (m *MemoryStore) appendUserLocked(session *models.ChatSession, text string, datasetIDs []string) (*models.Message, error) {
	sessionID := session.ID
	if m.hasCompletedTurnLocked(sessionID) && len(datasetIDs) > 0 && !slices.Equal(session.DatasetIDs, datasetIDs) {
		return nil, ErrDatasetsLocked
	}

	if len(session.DatasetIDs) == 0 && len(datasetIDs) > 0 {
		stored := m.sessions[sessionID]
		stored.DatasetIDs = slices.Clone(datasetIDs)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleUser,
		Content:    text,
		Status:     models.StatusCompleted,
		DatasetIDs: slices.Clone(datasetIDs),
		CreatedAt:  m.clock(),
	}
	m.appendLocked(msg)
	return cloneMessage(msg), nil
}

func (m *MemoryStore) CreatePlaceholderAIMessage(ctx context.Context, userID, sessionID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getOwnedLocked(userID, sessionID); err != nil {
		return nil, err
	}
	return m.appendPlaceholderLocked(sessionID), nil
}

func (m *MemoryStore) appendPlaceholderLocked(sessionID string) *models.Message {
	session := m.sessions[sessionID]
	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		Status:     models.StatusPending,
		DatasetIDs: slices.Clone(session.DatasetIDs),
		CreatedAt:  m.clock(),
	}
	m.appendLocked(msg)
	return cloneMessage(msg)
}

func (m *MemoryStore) GetMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.getOwnedLocked(userID, sessionID); err != nil {
		return nil, err
	}
	msgs := m.messages[sessionID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byMessage[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) LatestMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return cloneMessage(msgs[len(msgs)-1]), nil
}

func (m *MemoryStore) TransitionMessage(ctx context.Context, messageID string, from, to models.MessageStatus, patch *MessagePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMessage[messageID]
	if !ok {
		return ErrNotFound
	}
	if m.deleted[msg.SessionID] {
		return ErrSessionDeleted
	}
	if msg.Status != from || !from.CanTransition(to) {
		return ErrConflict
	}

	msg.Status = to
	applyPatch(msg, patch)
	if session, ok := m.sessions[msg.SessionID]; ok {
		session.UpdatedAt = m.clock()
	}
	return nil
}

func (m *MemoryStore) AppendToolInvocation(ctx context.Context, messageID string, rec models.ToolInvocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMessage[messageID]
	if !ok {
		return ErrNotFound
	}
	if m.deleted[msg.SessionID] {
		return ErrSessionDeleted
	}
	if msg.Status.Terminal() {
		return ErrConflict
	}
	msg.ToolInvocations = append(msg.ToolInvocations, rec)
	return nil
}

func (m *MemoryStore) SessionAlive(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.deleted[sessionID] {
		return false, nil
	}
	_, ok := m.sessions[sessionID]
	return ok, nil
}

func (m *MemoryStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ChatSession, 0)
	for id, s := range m.sessions {
		if m.deleted[id] || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) hasCompletedTurnLocked(sessionID string) bool {
	for _, msg := range m.messages[sessionID] {
		if msg.Role == models.RoleAssistant && msg.Status == models.StatusCompleted {
			return true
		}
	}
	return false
}

func (m *MemoryStore) appendLocked(msg *models.Message) {
	msgs := append(m.messages[msg.SessionID], msg)
	if len(msgs) > maxMessagesPerSession {
		drop := msgs[:len(msgs)-maxMessagesPerSession]
		for _, old := range drop {
			delete(m.byMessage, old.ID)
		}
		msgs = msgs[len(msgs)-maxMessagesPerSession:]
	}
	m.messages[msg.SessionID] = msgs
	m.byMessage[msg.ID] = msg
	if session, ok := m.sessions[msg.SessionID]; ok {
		session.UpdatedAt = m.clock()
	}
}

func applyPatch(msg *models.Message, patch *MessagePatch) {
	if patch == nil {
		return
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.ErrorMessage != nil {
		msg.ErrorMessage = *patch.ErrorMessage
		if *patch.ErrorMessage != "" {
			msg.Role = models.RoleAssistantError
		}
	}
	if patch.DurationMS != nil {
		msg.DurationMS = *patch.DurationMS
	}
	if patch.Provider != nil {
		msg.Provider = *patch.Provider
	}
	if patch.Model != nil {
		msg.Model = *patch.Model
	}
}

func cloneSession(s *models.ChatSession) *models.ChatSession {
	clone := *s
	clone.DatasetIDs = slices.Clone(s.DatasetIDs)
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.DatasetIDs = slices.Clone(msg.DatasetIDs)
	clone.ToolInvocations = slices.Clone(msg.ToolInvocations)
	return &clone
}
