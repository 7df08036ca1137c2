package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(&ExecuteResult{Output: "42\n"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 5*time.Second)
	result, err := client.Execute(context.Background(), &ExecuteRequest{Code: "print(42)", Language: "python"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Failed() || result.Output != "42\n" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteCodeFailureIsNotClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ExecuteResult{Error: "NameError: name 'x' is not defined", ExitCode: 1})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	result, err := client.Execute(context.Background(), &ExecuteRequest{Code: "x"})
	if err != nil {
		t.Fatalf("a failing program is a result, not a transport error: %v", err)
	}
	if !result.Failed() {
		t.Fatal("expected failed result")
	}
}

func TestExecuteRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(&ExecuteResult{Output: "ok"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	result, err := client.Execute(context.Background(), &ExecuteRequest{Code: "1"})
	if err != nil {
		t.Fatalf("Execute after retry: %v", err)
	}
	if result.Output != "ok" {
		t.Fatalf("unexpected output %q", result.Output)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestExecuteRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	if _, err := client.Execute(context.Background(), &ExecuteRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestExecuteNoSandboxConfigured(t *testing.T) {
	client := NewClient("", "", time.Second)
	if _, err := client.Execute(context.Background(), &ExecuteRequest{}); !errors.Is(err, ErrSandboxUnavailable) {
		t.Fatalf("expected ErrSandboxUnavailable, got %v", err)
	}
}
