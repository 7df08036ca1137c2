// Package sandbox is the HTTP client for the external code-execution
// environment. The environment is opaque from this side: a call either
// returns the program's output or an error string, and nothing here
// inspects or interprets the executed code.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/insightpilot/insightpilot/internal/backoff"
)

// ErrSandboxUnavailable indicates the execution environment could not
// be reached at all, as opposed to the submitted code failing.
var ErrSandboxUnavailable = errors.New("code execution environment unavailable")

// ExecuteRequest is one code execution job.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	// Inputs maps dataset ids to their raw content, made available to
	// the program as files.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// ExecuteResult is the environment's verdict on one job.
type ExecuteResult struct {
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration,omitempty"`
}

// Failed reports whether the submitted code itself failed.
func (r *ExecuteResult) Failed() bool { return r.Error != "" || r.ExitCode != 0 }

// Client talks to the execution environment over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a sandbox client. timeout bounds a single
// execution round trip.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute submits code and returns the environment's result. Transport
// failures are retried once with backoff; an HTTP response, even a
// failing one, is never retried here because the caller decides whether
// the provider should see the failure and adapt.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no sandbox configured", ErrSandboxUnavailable)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	var result *ExecuteResult
	err = backoff.Retry(ctx, backoff.SandboxPolicy(), 2, isTransportError, func(attempt int) error {
		result, err = c.doExecute(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doExecute(ctx context.Context, body []byte) (*ExecuteResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSandboxUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrSandboxUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox rejected request: status %d: %s", resp.StatusCode, truncate(string(data), 512))
	}

	var result ExecuteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	return &result, nil
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// 5xx and dial failures both wrap ErrSandboxUnavailable; a rejected
	// request (4xx) or decode failure does not.
	return errors.Is(err, ErrSandboxUnavailable)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
