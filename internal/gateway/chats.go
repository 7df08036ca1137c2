package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// maxTitleLength bounds stored and derived chat titles.
const maxTitleLength = 64

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())

	var body struct {
		Title      string   `json:"title"`
		DatasetIDs []string `json:"dataset_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session := &models.ChatSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      truncateTitle(body.Title),
		DatasetIDs: body.DatasetIDs,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		writeStoreError(w, err)
		return
	}

	s.hub.Publish(models.NewRunEvent(models.EventSessionCreated, session.ID, "", session))
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": sessions})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}

	sessionID := r.PathValue("id")
	if err := s.store.RenameSession(r.Context(), UserIDFrom(r.Context()), sessionID, truncateTitle(body.Title)); err != nil {
		writeStoreError(w, err)
		return
	}
	session, err := s.store.GetSession(r.Context(), UserIDFrom(r.Context()), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), UserIDFrom(r.Context()), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.GetMessages(r.Context(), UserIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	sessionID := r.PathValue("id")

	var body struct {
		Text           string   `json:"text"`
		DatasetIDs     []string `json:"dataset_ids"`
		IdempotencyKey string   `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	result, err := s.submit(r, userID, sessionID, body.Text, body.DatasetIDs, body.IdempotencyKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// submitView is the client-facing shape of a submission outcome.
type submitView struct {
	UserMessage *models.Message `json:"user_message,omitempty"`
	AIMessage   *models.Message `json:"ai_message"`
	Resumed     bool            `json:"resumed,omitempty"`
}

// submit runs a message submission and the bookkeeping around it:
// run events for the created messages and first-message title
// derivation.
func (s *Server) submit(r *http.Request, userID, sessionID, text string, datasetIDs []string, idempotencyKey string) (*submitView, error) {
	session, err := s.store.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		return nil, err
	}

	result, err := s.dispatcher.Submit(r.Context(), userID, sessionID, text, datasetIDs, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !result.Resumed {
		s.hub.Publish(models.NewRunEvent(models.EventUserMessageCreated, sessionID, result.AIMessage.ID, result.UserMessage))
		s.hub.Publish(models.NewRunEvent(models.EventAIMessageCreated, sessionID, result.AIMessage.ID, result.AIMessage))

		if session.Title == "" {
			if err := s.store.RenameSession(r.Context(), userID, sessionID, deriveTitle(text)); err != nil {
				s.logger.Warn(r.Context(), "title derivation failed", "session_id", sessionID, "error", err)
			}
		}
	}

	return &submitView{
		UserMessage: result.UserMessage,
		AIMessage:   result.AIMessage,
		Resumed:     result.Resumed,
	}, nil
}

// deriveTitle turns the first prompt into a chat title.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	return truncateTitle(title)
}

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	// Cut on a rune boundary, then back up to a word boundary.
	cut := string(runes[:maxTitleLength])
	if idx := strings.LastIndex(cut, " "); idx > maxTitleLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
