package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBytes = 4 << 20

// RemoteRunner calls an agent over HTTP. The agent receives a JSON
// invocation and answers with a Result.
//
//	POST {endpoint}
//	{"run_id":..., "stage":..., "role":..., "hint":..., "attempt":..., "context":{...}}
//
// Status codes map onto the failure taxonomy: 429 and 5xx are transient,
// 422 is a validation failure, any other 4xx is permanent.
type RemoteRunner struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// RemoteOption configures a RemoteRunner.
type RemoteOption func(*RemoteRunner)

// WithBearerToken authenticates calls to the agent.
func WithBearerToken(token string) RemoteOption {
	return func(r *RemoteRunner) { r.token = token }
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *RemoteRunner) { r.httpClient = hc }
}

// NewRemoteRunner creates a runner for the agent at endpoint.
func NewRemoteRunner(endpoint string, opts ...RemoteOption) *RemoteRunner {
	r := &RemoteRunner{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type invocation struct {
	RunID   string         `json:"run_id"`
	Stage   string         `json:"stage"`
	Role    Role           `json:"role"`
	Hint    Hint           `json:"hint,omitempty"`
	Token   string         `json:"token,omitempty"`
	Attempt int            `json:"attempt"`
	Context map[string]any `json:"context"`
}

type agentError struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// Run invokes the agent.
func (r *RemoteRunner) Run(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(invocation{
		RunID:   req.RunID,
		Stage:   req.Stage,
		Role:    req.Role,
		Hint:    req.Hint,
		Token:   req.Token,
		Attempt: req.Attempt,
		Context: req.View.Values(),
	})
	if err != nil {
		return Result{}, &PermanentError{Stage: req.Stage, Reason: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &PermanentError{Stage: req.Stage, Reason: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return Result{}, err
		case errors.Is(err, context.DeadlineExceeded):
			return Result{}, &TransientError{Stage: req.Stage, Reason: ReasonTimeout, Err: err}
		}
		return Result{}, &TransientError{Stage: req.Stage, Reason: ReasonUnavailable, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &TransientError{Stage: req.Stage, Reason: ReasonUnavailable, Err: err}
	}

	if resp.StatusCode >= 300 {
		return Result{}, classifyStatus(req.Stage, resp.StatusCode, data)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, &PermanentError{Stage: req.Stage, Reason: "bad_response", Err: err}
	}
	return res, nil
}

func classifyStatus(stage string, status int, body []byte) error {
	var ae agentError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Error == "" {
		ae.Error = strings.TrimSpace(string(body))
	}
	cause := fmt.Errorf("agent returned HTTP %d: %s", status, ae.Error)

	switch {
	case status == http.StatusTooManyRequests:
		return &TransientError{Stage: stage, Reason: ReasonRateLimited, Err: cause}
	case status == http.StatusUnprocessableEntity:
		problems := ae.Problems
		if len(problems) == 0 {
			problems = []string{ae.Error}
		}
		return &ValidationError{Stage: stage, Problems: problems}
	case status >= 500:
		return &TransientError{Stage: stage, Reason: ReasonUnavailable, Err: cause}
	}
	return &PermanentError{Stage: stage, Reason: fmt.Sprintf("http_%d", status), Err: cause}
}
