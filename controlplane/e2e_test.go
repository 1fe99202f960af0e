package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/config"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// testServer runs the full component graph on the memory backing behind an
// httptest listener, the way a single-instance deployment runs it.
type testServer struct {
	srv  *Server
	http *httptest.Server
}

func startServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:           ":0",
		LogLevel:             "info",
		Store:                config.StoreConfig{Backing: "memory"},
		Auth:                 config.AuthConfig{Mode: "none"},
		Policy:               config.PolicyConfig{Mode: "allow_all"},
		Card:                 config.AgentCard{Name: "switchyard", Version: "test", Skills: []string{"general"}},
		LivenessWindow:       time.Minute,
		ClaimLease:           time.Minute,
		ReapInterval:         time.Hour, // swept manually where a test needs it
		IdempotencyTTL:       time.Hour,
		WebhookMaxAge:        time.Minute,
		WorkerGCGrace:        time.Hour,
		MaxAttempts:          3,
		EventBuffer:          64,
		CodebaseAutoRegister: true,
		SubmitRate:           1000,
		SubmitBurst:          1000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.bus.Start(ctx)
	srv.dispatcher.Start(ctx)
	srv.webhooks.Start(ctx)
	srv.hub.Start(ctx)

	ts := httptest.NewServer(srv.api.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.store.Close()
	})
	return &testServer{srv: srv, http: ts}
}

// call sends a JSON request and returns status plus decoded body bytes.
func (s *testServer) call(t *testing.T, method, path string, headers map[string]string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (s *testServer) submit(t *testing.T, body map[string]any, headers map[string]string) string {
	t.Helper()
	status, data := s.call(t, http.MethodPost, "/v1/tasks", headers, body)
	require.Equal(t, http.StatusCreated, status, "submit failed: %s", data)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func taskBody(codebase string) map[string]any {
	return map[string]any{
		"title":       "run the integration suite",
		"description": "execute the full integration suite and report failures",
		"codebase_id": codebase,
	}
}

// sseClient consumes one event stream over a real connection.
type sseClient struct {
	events <-chan bus.Event
	cancel context.CancelFunc
}

func (c *sseClient) close() { c.cancel() }

// next blocks for the next event, skipping keep-alives by construction.
func (c *sseClient) next(t *testing.T) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return bus.Event{}
	}
}

// nextOfKind discards events until one of the wanted kind arrives.
func (c *sseClient) nextOfKind(t *testing.T, kind bus.Kind) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			require.True(t, ok, "stream closed before %s arrived", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (c *sseClient) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %s for task %s", ev.Kind, ev.TaskID)
	case <-time.After(wait):
	}
}

func (s *testServer) openStream(t *testing.T, path string, headers map[string]string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.http.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := (&http.Client{}).Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		t.Fatalf("stream rejected with %d: %s", resp.StatusCode, body)
	}
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan bus.Event, 64)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var data strings.Builder
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			case line == "" && data.Len() > 0:
				var ev bus.Event
				if json.Unmarshal([]byte(data.String()), &ev) == nil {
					events <- ev
				}
				data.Reset()
			}
		}
	}()

	t.Cleanup(cancel)
	return &sseClient{events: events, cancel: cancel}
}

func workerHeaders(id string, codebases ...string) map[string]string {
	return map[string]string{
		"X-Worker-ID": id,
		"X-Codebases": strings.Join(codebases, ","),
	}
}

func TestFullTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	taskID := s.submit(t, taskBody("webapp"), nil)

	// Watcher follows the task's own event stream.
	watcher := s.openStream(t, "/v1/tasks/"+taskID+"/events", nil)
	defer watcher.close()

	// Worker connects and is offered the pending task.
	worker := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w1", "webapp"))
	defer worker.close()
	offer := worker.nextOfKind(t, bus.KindTaskCreated)
	require.Equal(t, taskID, offer.TaskID)
	require.NotEmpty(t, offer.Task, "offer carries the task snapshot")

	// Claim.
	status, data := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)
	var claim struct {
		ClaimToken    string    `json:"claim_token"`
		ClaimDeadline time.Time `json:"claim_deadline"`
	}
	require.NoError(t, json.Unmarshal(data, &claim))
	require.NotEmpty(t, claim.ClaimToken)
	require.True(t, claim.ClaimDeadline.After(time.Now()))

	// Report running, stream output, release completed.
	status, _ = s.call(t, http.MethodPut, "/v1/worker/tasks/"+taskID+"/status",
		workerHeaders("w1", "webapp"), map[string]string{"status": "running", "claim_token": claim.ClaimToken})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/"+taskID+"/output",
		workerHeaders("w1", "webapp"), map[string]string{"delta": "suite passed\n"})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/release",
		workerHeaders("w1", "webapp"), map[string]string{
			"task_id": taskID, "claim_token": claim.ClaimToken,
			"status": "completed", "result": "0 failures",
		})
	require.Equal(t, http.StatusOK, status)

	// The watcher observed the whole lifecycle in order.
	assert.Equal(t, taskID, watcher.nextOfKind(t, bus.KindTaskClaimed).TaskID)
	out := watcher.nextOfKind(t, bus.KindTaskOutput)
	assert.Equal(t, "suite passed\n", out.Delta)
	done := watcher.nextOfKind(t, bus.KindTaskCompleted)
	assert.Equal(t, "0 failures", done.Result)

	// The read model agrees.
	status, data = s.call(t, http.MethodGet, "/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var task store.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "0 failures", task.Result)
	assert.Equal(t, "suite passed\n", task.Output)
	assert.Equal(t, "w1", task.WorkerID)
	require.NotNil(t, task.CompletedAt)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	const claimants = 6
	type result struct {
		status int
		body   []byte
	}
	results := make(chan result, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status, body := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
				workerHeaders(fmt.Sprintf("w%d", n), "webapp"),
				map[string]string{"task_id": taskID})
			results <- result{status, body}
		}(i)
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for res := range results {
		switch res.status {
		case http.StatusOK:
			won++
		case http.StatusConflict:
			lost++
			// A lost race is a bare 409.
			assert.Empty(t, res.body)
		default:
			t.Fatalf("unexpected claim status %d: %s", res.status, res.body)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, claimants-1, lost)
}

func TestIdempotentSubmission(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	headers := map[string]string{"Idempotency-Key": "deploy-retry-1"}
	first := s.submit(t, taskBody("webapp"), headers)

	// The retry returns 200 with the original task, even with a new body.
	body := taskBody("webapp")
	body["title"] = "a different title after the client retried"
	status, data := s.call(t, http.MethodPost, "/v1/tasks", headers, body)
	require.Equal(t, http.StatusOK, status)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, first, resp.TaskID)

	// A fresh key creates a fresh task.
	other := s.submit(t, taskBody("webapp"), map[string]string{"Idempotency-Key": "deploy-retry-2"})
	assert.NotEqual(t, first, other)
}

func TestCancellationFlow(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	status, data := s.call(t, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var task store.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, store.StatusCancelled, task.Status)

	// Cancelling again conflicts; so does claiming the corpse.
	status, _ = s.call(t, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	status, body := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Empty(t, body)
}

func TestCancelAdvisoryReachesClaimHolder(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	worker := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w1", "webapp"))
	defer worker.close()
	worker.nextOfKind(t, bus.KindTaskCreated)

	status, _ := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, status)

	// The advisory arrives on the claim holder's own stream.
	advisory := worker.nextOfKind(t, bus.KindTaskCancelled)
	assert.Equal(t, taskID, advisory.TaskID)
	assert.Equal(t, "w1", advisory.WorkerID)
}

func TestWorkerStreamEligibility(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	worker := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w1", "frontend"))
	defer worker.close()

	// A task for another codebase never reaches this worker.
	s.submit(t, taskBody("backend"), nil)
	worker.expectNone(t, 300*time.Millisecond)

	matching := s.submit(t, taskBody("frontend"), nil)
	offer := worker.nextOfKind(t, bus.KindTaskCreated)
	assert.Equal(t, matching, offer.TaskID)

	// A global worker sees both buckets.
	roamer := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w2", store.GlobalCodebase))
	defer roamer.close()
	got := map[string]bool{}
	got[roamer.nextOfKind(t, bus.KindTaskCreated).TaskID] = true
	got[roamer.nextOfKind(t, bus.KindTaskCreated).TaskID] = true
	assert.Len(t, got, 2)
}

func TestWorkerStreamHeaderValidation(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	status, _ := s.call(t, http.MethodGet, "/v1/worker/tasks/stream",
		map[string]string{"X-Codebases": "webapp"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.call(t, http.MethodGet, "/v1/worker/tasks/stream",
		map[string]string{"X-Worker-ID": "w1"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReaperRequeuesAndReoffers(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	status, _ := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)

	// A second worker connects and sees nothing: the task is claimed.
	other := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w2", "webapp"))
	defer other.close()
	other.expectNone(t, 200*time.Millisecond)

	// The worker vanishes; the lease expires; the sweep requeues.
	s.srv.reaper.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, s.srv.reaper.Sweep(context.Background()))

	reoffer := other.nextOfKind(t, bus.KindTaskStatus)
	assert.Equal(t, taskID, reoffer.TaskID)
	assert.Equal(t, "pending", reoffer.Status)
	require.NotEmpty(t, reoffer.Task)

	status, data := s.call(t, http.MethodGet, "/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var task store.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, store.StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.WorkerID)

	// The second worker can now win the claim.
	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w2", "webapp"), map[string]string{"task_id": taskID})
	assert.Equal(t, http.StatusOK, status)
}

func TestStaleClaimTokenRejected(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	status, _ := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodPut, "/v1/worker/tasks/"+taskID+"/status",
		workerHeaders("w1", "webapp"), map[string]string{"status": "running", "claim_token": "forged"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/release",
		workerHeaders("w2", "webapp"), map[string]string{
			"task_id": taskID, "claim_token": "forged", "status": "completed",
		})
	assert.Equal(t, http.StatusConflict, status)
}

func TestWebhookFiresOnCompletion(t *testing.T) {
	t.Parallel()
	received := make(chan []byte, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	s := startServer(t, nil)
	body := taskBody("webapp")
	body["webhook_url"] = hook.URL
	taskID := s.submit(t, body, nil)

	status, data := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)
	var claim struct {
		ClaimToken string `json:"claim_token"`
	}
	require.NoError(t, json.Unmarshal(data, &claim))

	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/release",
		workerHeaders("w1", "webapp"), map[string]string{
			"task_id": taskID, "claim_token": claim.ClaimToken,
			"status": "completed", "result": "done",
		})
	require.Equal(t, http.StatusOK, status)

	select {
	case payload := <-received:
		var note struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
			Result string `json:"result"`
		}
		require.NoError(t, json.Unmarshal(payload, &note))
		assert.Equal(t, taskID, note.TaskID)
		assert.Equal(t, "completed", note.Status)
		assert.Equal(t, "done", note.Result)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestEventReplayAfterReconnect(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)
	taskID := s.submit(t, taskBody("webapp"), nil)

	status, data := s.call(t, http.MethodPost, "/v1/worker/tasks/claim",
		workerHeaders("w1", "webapp"), map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, status)
	var claim struct {
		ClaimToken string `json:"claim_token"`
	}
	require.NoError(t, json.Unmarshal(data, &claim))
	status, _ = s.call(t, http.MethodPost, "/v1/worker/tasks/release",
		workerHeaders("w1", "webapp"), map[string]string{
			"task_id": taskID, "claim_token": claim.ClaimToken,
			"status": "completed", "result": "done",
		})
	require.Equal(t, http.StatusOK, status)

	// Let the dispatcher deliver everything before reconnecting.
	require.Eventually(t, func() bool {
		evs, err := s.srv.store.ListEventsSince(context.Background(), bus.TaskTopic(taskID), 0, 10)
		return err == nil && len(evs) >= 3
	}, 2*time.Second, 20*time.Millisecond)

	// A subscriber reconnecting with Last-Event-ID replays the history it
	// missed, including the terminal event.
	watcher := s.openStream(t, "/v1/tasks/"+taskID+"/events", map[string]string{"Last-Event-ID": "1"})
	defer watcher.close()
	done := watcher.nextOfKind(t, bus.KindTaskCompleted)
	assert.Equal(t, taskID, done.TaskID)
	assert.Equal(t, "done", done.Result)
}

func TestAuthAndScopeEnforcement(t *testing.T) {
	t.Parallel()
	s := startServer(t, func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{
			Mode: "static",
			Tokens: map[string]string{
				"writer-token": "alice:tasks:write,tasks:read",
				"reader-token": "bob:tasks:read",
			},
		}
		cfg.Policy = config.PolicyConfig{Mode: "scopes"}
	})

	// No token.
	req, err := http.NewRequest(http.MethodGet, s.http.URL+"/v1/tasks", nil)
	require.NoError(t, err)
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Read-only principal cannot submit.
	status, _ := s.call(t, http.MethodPost, "/v1/tasks",
		map[string]string{"Authorization": "Bearer reader-token"}, taskBody("webapp"))
	assert.Equal(t, http.StatusForbidden, status)

	// Writer can, and the reader can then read it.
	status, data := s.call(t, http.MethodPost, "/v1/tasks",
		map[string]string{"Authorization": "Bearer writer-token"}, taskBody("webapp"))
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(data, &created))

	status, _ = s.call(t, http.MethodGet, "/v1/tasks/"+created.TaskID,
		map[string]string{"Authorization": "Bearer reader-token"}, nil)
	assert.Equal(t, http.StatusOK, status)

	// Health and discovery stay open.
	status, _ = s.call(t, http.MethodGet, "/healthz", map[string]string{"Authorization": ""}, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSubmitValidationOverHTTP(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	// Unknown fields are rejected, not ignored.
	status, _ := s.call(t, http.MethodPost, "/v1/tasks", nil, map[string]any{
		"title": "t", "description": "long enough description", "codebase_id": "c1",
		"surprise": true,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	body := taskBody("webapp")
	body["description"] = "short"
	status, data := s.call(t, http.MethodPost, "/v1/tasks", nil, body)
	assert.Equal(t, http.StatusBadRequest, status)
	var envelope struct {
		Error struct {
			Kind      string `json:"kind"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "invalid_argument", envelope.Error.Kind)
	assert.NotEmpty(t, envelope.Error.RequestID)
}

func TestListTasksPagination(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	for i := 0; i < 5; i++ {
		s.submit(t, taskBody("webapp"), nil)
	}

	status, data := s.call(t, http.MethodGet, "/v1/tasks?status=pending&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Tasks  []*store.Task `json:"tasks"`
		Cursor string        `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Tasks, 2)
	require.NotEmpty(t, page.Cursor)

	seen := map[string]bool{page.Tasks[0].ID: true, page.Tasks[1].ID: true}
	for page.Cursor != "" {
		status, data = s.call(t, http.MethodGet, "/v1/tasks?status=pending&limit=2&cursor="+page.Cursor, nil, nil)
		require.Equal(t, http.StatusOK, status)
		page.Tasks, page.Cursor = nil, ""
		require.NoError(t, json.Unmarshal(data, &page))
		for _, task := range page.Tasks {
			require.False(t, seen[task.ID], "task %s served twice", task.ID)
			seen[task.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	status, _ = s.call(t, http.MethodGet, "/v1/tasks?cursor=garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndDiscovery(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	status, data := s.call(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	status, data = s.call(t, http.MethodGet, "/.well-known/agent-card.json", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var card struct {
		Name         string `json:"name"`
		Capabilities struct {
			Streaming bool `json:"streaming"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(data, &card))
	assert.Equal(t, "switchyard", card.Name)
	assert.True(t, card.Capabilities.Streaming)

	status, _ = s.call(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestListWorkersShowsLiveness(t *testing.T) {
	t.Parallel()
	s := startServer(t, nil)

	worker := s.openStream(t, "/v1/worker/tasks/stream", workerHeaders("w1", "webapp"))
	defer worker.close()

	require.Eventually(t, func() bool {
		status, data := s.call(t, http.MethodGet, "/v1/workers", nil, nil)
		if status != http.StatusOK {
			return false
		}
		var resp struct {
			Workers []struct {
				ID   string `json:"id"`
				Live bool   `json:"live"`
			} `json:"workers"`
		}
		if json.Unmarshal(data, &resp) != nil {
			return false
		}
		return len(resp.Workers) == 1 && resp.Workers[0].ID == "w1" && resp.Workers[0].Live
	}, 2*time.Second, 20*time.Millisecond)
}
