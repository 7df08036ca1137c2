package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insightpilot/insightpilot/internal/dispatch"
	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

// holdingRunner leaves turns pending so tests can finalize them at the
// moment they choose.
type holdingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *holdingRunner) RunTurn(ctx context.Context, userID, sessionID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, messageID)
	return nil
}

type testGateway struct {
	server *httptest.Server
	store  *store.MemoryStore
	hub    *Hub
	auth   *Auth
	runner *holdingRunner
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	st := store.NewMemoryStore()
	codec := dispatch.NewTokenCodec("job-secret", time.Minute)
	runner := &holdingRunner{}
	worker := dispatch.NewWorker(runner, codec, 2, nil, nil)
	dispatcher := dispatch.NewDispatcher(st, worker, codec, nil)
	hub := NewHub()
	auth := NewAuth("client-secret", time.Hour)

	srv := NewServer(Config{}, st, dispatcher, worker, hub, auth, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	worker.Start()
	t.Cleanup(worker.Stop)

	return &testGateway{server: ts, store: st, hub: hub, auth: auth, runner: runner}
}

func (g *testGateway) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := g.auth.Issue(userID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (g *testGateway) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, g.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestMissingTokenRejected(t *testing.T) {
	g := newTestGateway(t)

	resp := g.do(t, http.MethodGet, "/v1/chats", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatLifecycle(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{
		"title":       "Revenue review",
		"dataset_ids": []string{"sales"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[models.ChatSession](t, resp)
	if created.ID == "" || created.Title != "Revenue review" {
		t.Fatalf("unexpected session %+v", created)
	}

	resp = g.do(t, http.MethodGet, "/v1/chats", token, nil)
	listed := decodeBody[struct {
		Chats []models.ChatSession `json:"chats"`
	}](t, resp)
	if len(listed.Chats) != 1 {
		t.Fatalf("listed %d chats, want 1", len(listed.Chats))
	}

	resp = g.do(t, http.MethodPatch, "/v1/chats/"+created.ID, token, map[string]string{"title": "Q3 revenue"})
	renamed := decodeBody[models.ChatSession](t, resp)
	if renamed.Title != "Q3 revenue" {
		t.Fatalf("title = %q after rename", renamed.Title)
	}

	resp = g.do(t, http.MethodDelete, "/v1/chats/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = g.do(t, http.MethodGet, "/v1/chats/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", resp.StatusCode)
	}
}

func TestForeignSessionLooksAbsent(t *testing.T) {
	g := newTestGateway(t)
	owner := g.token(t, "user-1")
	intruder := g.token(t, "user-2")

	resp := g.do(t, http.MethodPost, "/v1/chats", owner, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	resp = g.do(t, http.MethodGet, "/v1/chats/"+created.ID, intruder, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitMessageAccepted(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	resp = g.do(t, http.MethodPost, "/v1/chats/"+created.ID+"/messages", token, map[string]any{
		"text":        "What drove revenue growth last quarter?",
		"dataset_ids": []string{"sales"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	view := decodeBody[submitView](t, resp)
	if view.AIMessage == nil || view.AIMessage.Status != models.StatusPending {
		t.Fatalf("unexpected submission view %+v", view)
	}

	// The first message titles the chat.
	resp = g.do(t, http.MethodGet, "/v1/chats/"+created.ID, token, nil)
	session := decodeBody[models.ChatSession](t, resp)
	if session.Title == "" {
		t.Fatal("expected a derived title after the first message")
	}
}

func TestSubmitWhileBusyConflicts(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	body := map[string]any{"text": "first question"}
	if resp := g.do(t, http.MethodPost, "/v1/chats/"+created.ID+"/messages", token, body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}

	resp = g.do(t, http.MethodPost, "/v1/chats/"+created.ID+"/messages", token, map[string]any{"text": "second question"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy submit status = %d, want 409", resp.StatusCode)
	}
}

func TestSubmitBlankTextRejected(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	resp = g.do(t, http.MethodPost, "/v1/chats/"+created.ID+"/messages", token, map[string]any{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank submit status = %d, want 400", resp.StatusCode)
	}
}

func TestJobCallbackRejectsBadToken(t *testing.T) {
	g := newTestGateway(t)

	resp := g.do(t, http.MethodPost, "/internal/jobs", "", map[string]string{"token": "not-a-jwt"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func dialStream(t *testing.T, g *testGateway, sessionID, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") +
		fmt.Sprintf("/v1/chats/%s/stream?token=%s", sessionID, token)
	if query != "" {
		url += "&" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial stream: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (models.RunEvent, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.RunEvent
	if err := conn.ReadJSON(&event); err != nil {
		return models.RunEvent{}, false
	}
	return event, true
}

func TestStreamRelaysLiveEventsUntilEnd(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	conn := dialStream(t, g, created.ID, token, "")

	// Give the subscription a moment to register before publishing.
	deadline := time.Now().Add(time.Second)
	for g.hub.SubscriberCount(created.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	g.hub.Publish(models.NewRunEvent(models.EventToken, created.ID, "turn-1", models.TokenPayload{Text: "42"}))
	g.hub.Publish(models.NewRunEvent(models.EventEnd, created.ID, "turn-1", nil))

	event, ok := readEvent(t, conn)
	if !ok || event.Type != models.EventToken {
		t.Fatalf("first event = %v ok=%v, want token", event.Type, ok)
	}
	event, ok = readEvent(t, conn)
	if !ok || event.Type != models.EventEnd {
		t.Fatalf("second event = %v ok=%v, want end", event.Type, ok)
	}
	if _, ok := readEvent(t, conn); ok {
		t.Fatal("expected the stream to close after the end event")
	}
}

func TestStreamReconnectAfterFinalizedTurn(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	resp = g.do(t, http.MethodPost, "/v1/chats/"+created.ID+"/messages", token, map[string]any{"text": "hello"})
	view := decodeBody[submitView](t, resp)

	ctx := context.Background()
	if err := g.store.TransitionMessage(ctx, view.AIMessage.ID, models.StatusPending, models.StatusProcessing, nil); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	content := "All done."
	if err := g.store.TransitionMessage(ctx, view.AIMessage.ID, models.StatusProcessing, models.StatusCompleted, &store.MessagePatch{Content: &content}); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	conn := dialStream(t, g, created.ID, token, "")

	event, ok := readEvent(t, conn)
	if !ok {
		t.Fatal("expected an end event on reconnect")
	}
	if event.Type != models.EventEnd {
		t.Fatalf("reconnect event = %v, want end", event.Type)
	}
	var final models.Message
	if err := json.Unmarshal(event.Payload, &final); err != nil {
		t.Fatalf("unmarshal finalized message: %v", err)
	}
	if final.Content != "All done." || final.Status != models.StatusCompleted {
		t.Fatalf("finalized message = %+v", final)
	}
	if _, ok := readEvent(t, conn); ok {
		t.Fatal("expected the stream to close after the end event")
	}
}

func TestStreamSubmitViaQueryParams(t *testing.T) {
	g := newTestGateway(t)
	token := g.token(t, "user-1")

	resp := g.do(t, http.MethodPost, "/v1/chats", token, map[string]any{})
	created := decodeBody[models.ChatSession](t, resp)

	conn := dialStream(t, g, created.ID, token, "promptText=hello+there&selectedDatasetIds=sales,marketing")

	// The turn is enqueued; the connection stays open waiting for the
	// loop. Finalize the pending message out of band and publish end.
	deadline := time.Now().Add(2 * time.Second)
	var latest *models.Message
	for time.Now().Before(deadline) {
		m, err := g.store.LatestMessage(context.Background(), created.ID)
		if err == nil && m.Role == models.RoleAssistant {
			latest = m
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if latest == nil {
		t.Fatal("placeholder message never appeared")
	}
	if got := latest.DatasetIDs; len(got) != 2 {
		t.Fatalf("dataset ids = %v, want two entries", got)
	}

	g.hub.Publish(models.NewRunEvent(models.EventEnd, created.ID, latest.ID, latest))

	sawEnd := false
	for i := 0; i < 5; i++ {
		event, ok := readEvent(t, conn)
		if !ok {
			break
		}
		if event.Type == models.EventEnd {
			sawEnd = true
			break
		}
	}
	if !sawEnd {
		t.Fatal("never received the end event")
	}
}
