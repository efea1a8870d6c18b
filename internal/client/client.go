// Package client is a Go client for the pipelined HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	api "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// DefaultURL is where pipelined listens out of the box.
const DefaultURL = "http://localhost:9191"

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one pipelined server.
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithActor sets the identity sent with every mutating request.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the server health. A degraded server answers 503 with a
// body, which is decoded rather than treated as an error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp, http.StatusServiceUnavailable)
	return resp, err
}

// Submit starts a run for input.
func (c *Client) Submit(ctx context.Context, input string) (orchestrator.PipelineRun, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/runs", api.SubmitRequest{Input: input}, &resp)
	return resp.Run, err
}

// Get fetches one run.
func (c *Client) Get(ctx context.Context, id string) (orchestrator.PipelineRun, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &resp)
	return resp.Run, err
}

// List fetches all runs, optionally only those in status.
func (c *Client) List(ctx context.Context, status orchestrator.Status) ([]orchestrator.PipelineRun, error) {
	path := "/api/v1/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp api.RunsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Runs, err
}

// Context fetches the latest decisions of a run keyed by name.
func (c *Client) Context(ctx context.Context, id string) (map[string]contextstore.Decision, error) {
	var resp api.ContextResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/context", nil, &resp)
	return resp.Decisions, err
}

// Rollback rolls a paused run back to a checkpoint ID or name.
func (c *Client) Rollback(ctx context.Context, id, checkpoint string) (orchestrator.PipelineRun, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/rollback",
		api.RollbackRequest{Checkpoint: checkpoint, By: c.actor}, &resp)
	return resp.Run, err
}

// Resolve answers the pending approval of a paused run.
func (c *Client) Resolve(ctx context.Context, id string, d approval.Decision, note string) (orchestrator.PipelineRun, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/approval",
		api.ApprovalRequest{Decision: d, By: c.actor, Note: note}, &resp)
	return resp.Run, err
}

// Cancel stops a run.
func (c *Client) Cancel(ctx context.Context, id string) (orchestrator.PipelineRun, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/cancel",
		api.CancelRequest{By: c.actor}, &resp)
	return resp.Run, err
}

// Approvals lists the pending approval requests.
func (c *Client) Approvals(ctx context.Context) ([]approval.Request, error) {
	var resp api.ApprovalsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/approvals", nil, &resp)
	return resp.Pending, err
}

// Audit queries the audit log.
func (c *Client) Audit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q := url.Values{}
	if f.RunID != "" {
		q.Set("run_id", f.RunID)
	}
	if f.Subject != "" {
		q.Set("subject", f.Subject)
	}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.AfterSeq > 0 {
		q.Set("after", strconv.FormatUint(f.AfterSeq, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp api.AuditResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Events, err
}

// do sends one request and decodes a JSON reply into out. Status codes in
// accept are decoded like 2xx replies.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(api.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && !accepted(resp.StatusCode, accept) {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: readErr.Error()}
		}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func accepted(code int, accept []int) bool {
	for _, c := range accept {
		if c == code {
			return true
		}
	}
	return false
}
