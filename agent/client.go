// Package agent is the Go worker SDK for the switchyard control plane. A
// worker supplies a Handler; the client maintains the offer stream, races
// for claims, heartbeats while the handler runs, streams its output, and
// releases with the outcome.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

// Task is the unit of work handed to the Handler.
type Task struct {
	ID          string            `json:"id"`
	CodebaseID  string            `json:"codebase_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	AgentType   string            `json:"agent_type"`
	Model       string            `json:"model,omitempty"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handler executes one claimed task. Returning an error fails the task
// with that message; otherwise the returned string is the result. The
// context is cancelled when the server cancels the task or the client
// shuts down, and the handler is expected to stop promptly.
type Handler interface {
	Execute(ctx context.Context, task Task, out *Output) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task, out *Output) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, task Task, out *Output) (string, error) {
	return f(ctx, task, out)
}

// Client is one worker process's connection to the control plane. It runs
// one task at a time; run several clients for parallelism.
type Client struct {
	cfg     Config
	handler Handler
	http    *http.Client
	log     *zap.Logger

	mu      sync.Mutex
	current string             // task id being executed, "" when idle
	abort   context.CancelFunc // cancels the current handler
}

func New(cfg Config, handler Handler, log *zap.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		http:    &http.Client{}, // no timeout: the stream request lives for the connection
		log:     log.Named("agent"),
	}, nil
}

// Run connects and serves offers until ctx ends, reconnecting with backoff
// on stream loss.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("stream lost, reconnecting", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.cfg.ReconnectBackoff {
			backoff = c.cfg.ReconnectBackoff
		}
	}
}

// stream holds one SSE connection open and dispatches its events.
func (c *Client) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/v1/worker/tasks/stream", nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	req.Header.Set("X-Agent-Name", c.cfg.Name)
	req.Header.Set("X-Codebases", strings.Join(c.cfg.Codebases, ","))
	if len(c.cfg.Models) > 0 {
		req.Header.Set("X-Models", strings.Join(c.cfg.Models, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream rejected: %d", resp.StatusCode)
	}
	c.log.Info("stream open", zap.String("worker_id", c.cfg.WorkerID))

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.next()
		if err != nil {
			return err
		}
		switch ev.Kind {
		case bus.KindTaskCreated, bus.KindTaskStatus:
			if ev.Status != "pending" || len(ev.Task) == 0 {
				continue
			}
			var task Task
			if err := json.Unmarshal(ev.Task, &task); err != nil {
				continue
			}
			c.tryExecute(ctx, task)
		case bus.KindTaskCancelled:
			c.abortIfCurrent(ev.TaskID)
		case bus.KindEnd:
			return fmt.Errorf("server closed stream: %s", ev.Error)
		}
	}
}

// tryExecute races for the claim and, on winning, runs the handler to
// completion before returning to the stream. Losing the race is silent;
// the offer simply was not ours.
func (c *Client) tryExecute(ctx context.Context, task Task) {
	token, ok := c.claim(ctx, task.ID)
	if !ok {
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.current, c.abort = task.ID, cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.current, c.abort = "", nil
		c.mu.Unlock()
	}()

	c.log.Info("executing task", zap.String("task_id", task.ID), zap.String("title", task.Title))
	c.markRunning(execCtx, task.ID, token)

	hbCtx, stopHB := context.WithCancel(execCtx)
	go c.heartbeatLoop(hbCtx, task.ID, token)

	out := &Output{client: c, taskID: task.ID}
	result, err := c.handler.Execute(execCtx, task, out)
	stopHB()

	switch {
	case execCtx.Err() != nil && ctx.Err() == nil:
		// Server-side cancellation; the server's view is already terminal.
		c.log.Info("task cancelled by server", zap.String("task_id", task.ID))
	case err != nil:
		c.release(ctx, task.ID, token, "failed", "", err.Error())
	default:
		c.release(ctx, task.ID, token, "completed", result, "")
	}
}

func (c *Client) abortIfCurrent(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == taskID && c.abort != nil {
		c.abort()
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, taskID, token string) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := map[string]string{"status": "running", "claim_token": token}
			if _, err := c.post(ctx, http.MethodPut, "/v1/worker/tasks/"+taskID+"/status", body); err != nil {
				c.log.Warn("heartbeat failed", zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}
}

func (c *Client) claim(ctx context.Context, taskID string) (string, bool) {
	resp, err := c.post(ctx, http.MethodPost, "/v1/worker/tasks/claim", map[string]string{"task_id": taskID})
	if err != nil {
		c.log.Debug("claim attempt failed", zap.String("task_id", taskID), zap.Error(err))
		return "", false
	}
	var body struct {
		ClaimToken string `json:"claim_token"`
	}
	if err := json.Unmarshal(resp, &body); err != nil || body.ClaimToken == "" {
		return "", false
	}
	return body.ClaimToken, true
}

func (c *Client) markRunning(ctx context.Context, taskID, token string) {
	body := map[string]string{"status": "running", "claim_token": token}
	if _, err := c.post(ctx, http.MethodPut, "/v1/worker/tasks/"+taskID+"/status", body); err != nil {
		c.log.Warn("running report failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (c *Client) release(ctx context.Context, taskID, token, status, result, errMsg string) {
	body := map[string]string{
		"task_id":     taskID,
		"claim_token": token,
		"status":      status,
	}
	if result != "" {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	if _, err := c.post(ctx, http.MethodPost, "/v1/worker/tasks/release", body); err != nil {
		c.log.Error("release failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.log.Info("task released", zap.String("task_id", taskID), zap.String("status", status))
}

// Output streams incremental handler output back to the server.
type Output struct {
	client *Client
	taskID string
}

// Push appends one delta. Errors are returned so handlers may stop on a
// dead control plane, but deltas are advisory: losing one does not affect
// the task outcome.
func (o *Output) Push(ctx context.Context, delta string) error {
	_, err := o.client.post(ctx, http.MethodPost, "/v1/worker/tasks/"+o.taskID+"/output", map[string]string{"delta": delta})
	return err
}

// post sends a JSON request with the worker identity attached and returns
// the response body on 2xx.
func (c *Client) post(ctx context.Context, method, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("X-Worker-ID", c.cfg.WorkerID)
}
