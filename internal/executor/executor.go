// Package executor adapts the outbound action executor collaborator.
package executor

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
)

const defaultTimeout = 15 * time.Second

// Result is what the executor reports for one action.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Executor performs a governed action.
type Executor interface {
	Execute(ctx context.Context, action string, payload json.RawMessage) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, action string, payload json.RawMessage) (Result, error)

func (f Func) Execute(ctx context.Context, action string, payload json.RawMessage) (Result, error) {
	return f(ctx, action, payload)
}

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = errors.New("no action executor configured")

// Unconfigured fails every execution so approved work is recorded as failed
// rather than silently dropped.
type Unconfigured struct{}

func (Unconfigured) Execute(context.Context, string, json.RawMessage) (Result, error) {
	return Result{}, ErrNotConfigured
}

// HTTP posts {"action","payload"} to an endpoint and expects a Result body.
type HTTP struct {
	URL    string
	Header http.Header
	Client *http.Client
}

func NewHTTP(url string, timeoutSeconds int) *HTTP {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

type request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (h *HTTP) Execute(ctx context.Context, action string, payload json.RawMessage) (Result, error) {
	data, err := json.Marshal(request{Action: action, Payload: payload})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Result{}, fmt.Errorf("executor status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("decode executor response: %w", err)
	}
	return out, nil
}

// Err folds a reported failure into an error so callers handle one path.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("executor reported failure")
	}
	return errors.New(r.Error)
}
