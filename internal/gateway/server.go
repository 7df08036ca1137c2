// Package gateway is the HTTP and WebSocket surface: session CRUD,
// message submission, the per-session event stream, and the execution
// substrate's job callback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/insightpilot/insightpilot/internal/dispatch"
	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/internal/store"
)

// Config holds the gateway's listen address.
type Config struct {
	Host string
	Port int
}

// Server serves the client-facing API.
type Server struct {
	config     Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	worker     *dispatch.Worker
	hub        *Hub
	auth       *Auth
	logger     *observability.Logger
	metrics    *observability.Metrics

	httpServer *http.Server
}

// NewServer wires the gateway.
func NewServer(
	config Config,
	st store.Store,
	dispatcher *dispatch.Dispatcher,
	worker *dispatch.Worker,
	hub *Hub,
	auth *Auth,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Server{
		config:     config,
		store:      st,
		dispatcher: dispatcher,
		worker:     worker,
		hub:        hub,
		auth:       auth,
		logger:     logger,
		metrics:    metrics,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /internal/jobs", s.handleJobCallback)

	authed := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }
	mux.Handle("POST /v1/chats", authed(s.handleCreateChat))
	mux.Handle("GET /v1/chats", authed(s.handleListChats))
	mux.Handle("GET /v1/chats/{id}", authed(s.handleGetChat))
	mux.Handle("PATCH /v1/chats/{id}", authed(s.handleRenameChat))
	mux.Handle("DELETE /v1/chats/{id}", authed(s.handleDeleteChat))
	mux.Handle("GET /v1/chats/{id}/messages", authed(s.handleListMessages))
	mux.Handle("POST /v1/chats/{id}/messages", authed(s.handleSubmitMessage))
	mux.Handle("GET /v1/chats/{id}/stream", authed(s.handleStream))

	return mux
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "gateway listening", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobCallback is the execution substrate's entry point: the
// in-process pool uses it when deployed split from the API, and retried
// deliveries are absorbed by the run loop's conditional transition.
func (s *Server) handleJobCallback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	if err := s.worker.Invoke(r.Context(), body.Token); err != nil {
		if errors.Is(err, dispatch.ErrBadJobToken) {
			writeError(w, http.StatusUnauthorized, "invalid job token")
			return
		}
		writeError(w, http.StatusInternalServerError, "job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store errors onto HTTP statuses. Forbidden maps
// to 404 so session ids do not leak across users.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden), errors.Is(err, store.ErrSessionDeleted):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDatasetsLocked):
		writeError(w, http.StatusConflict, "session datasets are locked; start a new chat to analyze different datasets")
	case errors.Is(err, dispatch.ErrSessionBusy):
		writeError(w, http.StatusConflict, dispatch.ErrSessionBusy.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
