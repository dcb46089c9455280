// Package client implements the reconciling client: a bounded-retry API
// client, a websocket listener and an in-memory projection of server state
// that is kept eventually consistent through change events and full
// resyncs.
package client

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

	"github.com/taskwire/taskwire/model"
)

const (
	maxReadRetries = 3
	readRetryDelay = 3 * time.Second
)

// API is the request/response client. Reads are retried a bounded number
// of times on transport failure; writes are never retried automatically,
// a single failure is reported to the caller immediately.
type API struct {
	base       string
	http       *http.Client
	log        *slog.Logger
	retryDelay time.Duration
}

// NewAPI returns a client for the server at base (e.g. "http://host:8080").
func NewAPI(base string, opts ...APIOption) *API {
	a := &API{
		base:       base,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        slog.Default(),
		retryDelay: readRetryDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// APIOption configures an API client.
type APIOption func(*API)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		a.http = c
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) {
		a.log = l
	}
}

// getJSON fetches path into out, retrying transient failures.
func (a *API) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= maxReadRetries; attempt++ {
		err := a.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err
		a.log.Error("read failed", "path", path, "attempt", attempt, "error", err)
		if attempt == maxReadRetries {
			break
		}
		select {
		case <-time.After(a.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("client: %s after %d attempts: %w", path, maxReadRetries, lastErr)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// GetTasks fetches the full task list.
func (a *API) GetTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	if err := a.getJSON(ctx, "/api/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetUsers fetches the full user list.
func (a *API) GetUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := a.getJSON(ctx, "/api/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetTags fetches the full tag list.
func (a *API) GetTags(ctx context.Context) ([]model.Tag, error) {
	var tags []model.Tag
	if err := a.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// AddTask creates a task.
func (a *API) AddTask(ctx context.Context, task model.Task) (model.Task, error) {
	var saved model.Task
	if err := a.do(ctx, http.MethodPost, "/api/tasks", task, &saved); err != nil {
		return model.Task{}, err
	}
	return saved, nil
}

// UpdateTask writes the task's mutable fields; the server releases any lock
// as a side effect.
func (a *API) UpdateTask(ctx context.Context, id uint, task model.Task) (model.Task, error) {
	var saved model.Task
	if err := a.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d", id), task, &saved); err != nil {
		return model.Task{}, err
	}
	return saved, nil
}

// DeleteTask removes a task; deleting a missing id succeeds.
func (a *API) DeleteTask(ctx context.Context, id uint) error {
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, nil)
}

// SetCompletion flips the completion flag.
func (a *API) SetCompletion(ctx context.Context, id uint, done bool) (model.Task, error) {
	var saved model.Task
	if err := a.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d/complete", id), done, &saved); err != nil {
		return model.Task{}, err
	}
	return saved, nil
}

// LockTask requests the task's lock. A conflict is a soft false.
func (a *API) LockTask(ctx context.Context, id uint, owner string) (bool, error) {
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/lock", id), owner, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnlockTask releases the task's lock.
func (a *API) UnlockTask(ctx context.Context, id uint, owner string) (bool, error) {
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/unlock", id), owner, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
