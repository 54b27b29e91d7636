// Package backend implements the client side of the orchestrator REST API.
//
// All notification endpoints are best-effort: callers log and swallow
// returned errors, because results are also delivered via the result
// stream on the key-value bus.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// Client talks to the orchestrator REST API.
type Client struct {
	baseURL    string
	apiKey     string
	bearer     string
	hc         *http.Client
	maxRetries uint64
	initialInt time.Duration
	maxInt     time.Duration
}

// New constructs a Client from config.
func New(cfg config.Config) *Client {
	initial, maxInt := cfg.GetBackendBackoffConfig()
	return &Client{
		baseURL:    cfg.BackendBaseURL,
		apiKey:     cfg.BackendAPIKey,
		bearer:     cfg.BackendBearer,
		hc:         &http.Client{Timeout: cfg.BackendTimeout},
		maxRetries: uint64(cfg.BackendMaxRetries),
		initialInt: initial,
		maxInt:     maxInt,
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// NotifyStarted posts the "task started" notification. Best-effort for
// callers; duplicate notifications are acceptable at the message level.
func (c *Client) NotifyStarted(ctx context.Context, taskID, agentID string) error {
	body := map[string]string{"agent_id": agentID}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", body)
	return err
}

// NotifyCompleted posts the terminal result for a task.
func (c *Client) NotifyCompleted(ctx context.Context, r *domain.TaskResult) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+r.TaskID+"/complete", r)
	return err
}

// GetTask fetches a task by id. Returns domain.ErrNotFound on 404.
func (c *Client) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil)
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("op=backend.GetTask: decode envelope: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("op=backend.GetTask: decode task: %w", err)
	}
	return &t, nil
}

// retryableStatus reports whether an HTTP status warrants a retry.
func retryableStatus(code int) bool { return code >= 500 }

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("op=backend.do: encode body: %w", err)
		}
	}

	var out []byte
	op := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		} else if c.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+c.bearer)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			// Connection errors and timeouts are transient.
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = data
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("op=backend.do: %s %s: %w", method, path, domain.ErrNotFound))
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("op=backend.do: %s %s: status %d", method, path, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("op=backend.do: %s %s: status %d", method, path, resp.StatusCode))
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialInt
	expo.MaxInterval = c.maxInt
	b := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), c.maxRetries)

	if err := backoff.Retry(op, b); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Debug("backend request failed", slog.String("path", path), slog.Any("error", err))
		}
		return nil, err
	}
	return out, nil
}
