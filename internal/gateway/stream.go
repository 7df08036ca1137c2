package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insightpilot/insightpilot/internal/dispatch"
	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via token, not origin; the API is not cookie-based.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream opens the per-(client, session) push channel.
//
// With promptText present the request both submits a message and
// streams its turn; idempotencyKey decides whether a repeated request
// resumes the earlier turn or is rejected as busy. Without promptText
// it attaches to whatever is in flight.
//
// Reconnect semantics: if the latest turn is already terminal the
// client receives a single end event carrying the finalized message;
// tokens are never replayed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	sessionID := r.PathValue("id")

	if _, err := s.store.GetSession(r.Context(), userID, sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	promptText := r.URL.Query().Get("promptText")
	idempotencyKey := r.URL.Query().Get("idempotencyKey")
	var datasetIDs []string
	if raw := r.URL.Query().Get("selectedDatasetIds"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				datasetIDs = append(datasetIDs, id)
			}
		}
	}

	// Subscribe before triggering the turn so no event is missed.
	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	var submitted *submitView
	var submitErr error
	if promptText != "" {
		submitted, submitErr = s.submit(r, userID, sessionID, promptText, datasetIDs, idempotencyKey)
		if submitErr != nil && !errors.Is(submitErr, dispatch.ErrSessionBusy) {
			writeStoreError(w, submitErr)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	// Reader pump: the client sends nothing meaningful; reads only
	// detect disconnect.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if errors.Is(submitErr, dispatch.ErrSessionBusy) {
		s.writeEvent(conn, models.NewRunEvent(models.EventError, sessionID, "",
			map[string]string{"message": dispatch.ErrSessionBusy.Error()}))
		// Stay attached: the in-flight turn's events follow.
	}

	// Reconnect path: a finished turn yields one end event and closes.
	if done := s.sendFinalizedIfDone(r.Context(), conn, sessionID, submitted); done {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if !s.writeEvent(conn, event) {
				return
			}
			if event.Type == models.EventEnd {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}

// sendFinalizedIfDone handles reconnects after a turn finished: it
// sends the finalized message as an end event and reports that the
// stream is over. A fresh submission in this request never takes this
// path.
func (s *Server) sendFinalizedIfDone(ctx context.Context, conn *websocket.Conn, sessionID string, submitted *submitView) bool {
	if submitted != nil && !submitted.Resumed {
		return false
	}

	latest, err := s.store.LatestMessage(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		s.logger.Warn(ctx, "latest message lookup failed", "session_id", sessionID, "error", err)
		return false
	}
	if !latest.Status.Terminal() {
		return false
	}

	s.writeEvent(conn, models.NewRunEvent(models.EventEnd, sessionID, latest.ID, latest))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return true
}

func (s *Server) writeEvent(conn *websocket.Conn, event models.RunEvent) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		return false
	}
	return true
}
