// Package client provides a Go client library for the RepoManager API server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// DefaultTimeout covers the server's default turn timeout.
const DefaultTimeout = 330 * time.Second

// Client communicates with the RepoManager API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new RepoManager API client pointing at the given base URL
// (e.g. "http://127.0.0.1:7117").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// doRequest builds and executes an HTTP request.
// If body is non-nil it is JSON-encoded and sent as the request body.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// doJSON executes a request, checks for a 2xx status, and JSON-decodes
// the response body into target (when target is non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, target interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthz checks whether the API server is healthy.
func (c *Client) Healthz(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ---------------------------------------------------------------------------
// Agents and handoffs
// ---------------------------------------------------------------------------

// ListAgents returns the agents of the server's session.
func (c *Client) ListAgents(ctx context.Context) ([]*v1alpha1.Agent, error) {
	var out []*v1alpha1.Agent
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListHandoffs returns the handoff rules of the server's session.
func (c *Client) ListHandoffs(ctx context.Context) ([]*v1alpha1.Handoff, error) {
	var out []*v1alpha1.Handoff
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/handoffs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversation
// ---------------------------------------------------------------------------

// SendTurn runs one turn with input and returns the answer.
func (c *Client) SendTurn(ctx context.Context, input string) (*v1alpha1.TurnResponse, error) {
	var out v1alpha1.TurnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/turns", &v1alpha1.TurnRequest{Input: input}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the transcript of the server's session.
func (c *Client) History(ctx context.Context) ([]v1alpha1.HistoryEntry, error) {
	var out []v1alpha1.HistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTurns returns journaled turns. An empty session selects the server's
// current session; "all" selects every session.
func (c *Client) ListTurns(ctx context.Context, session string) ([]*v1alpha1.TurnRecord, error) {
	path := "/api/v1/turns"
	if session != "" {
		path += "?session=" + url.QueryEscape(session)
	}
	var out []*v1alpha1.TurnRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
