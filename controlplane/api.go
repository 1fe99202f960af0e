package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/auth"
	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/config"
	"github.com/switchyardhq/switchyard/controlplane/fault"
	"github.com/switchyardhq/switchyard/controlplane/lifecycle"
	"github.com/switchyardhq/switchyard/controlplane/middleware"
	"github.com/switchyardhq/switchyard/controlplane/registry"
	"github.com/switchyardhq/switchyard/controlplane/scheduler"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// API is the HTTP translation layer. It parses, validates, and frames;
// every routing and transition decision lives in the components below it.
type API struct {
	cfg       *config.Config
	log       *zap.Logger
	store     store.Store
	lifecycle *lifecycle.Lifecycle
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	bus       *bus.Bus
	hub       *Hub

	verifier auth.Verifier
	decider  middleware.Decider
	limiter  *middleware.SubmitLimiter
}

// Routes assembles the full handler chain.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	authed := middleware.Authenticate(a.verifier)
	can := func(action string) func(http.Handler) http.Handler {
		return middleware.Authorize(a.decider, action)
	}
	handle := func(pattern string, h http.HandlerFunc, wrap ...func(http.Handler) http.Handler) {
		var handler http.Handler = h
		for i := len(wrap) - 1; i >= 0; i-- {
			handler = wrap[i](handler)
		}
		mux.Handle(pattern, handler)
	}

	// Task submission and read.
	handle("POST /v1/tasks", a.handleSubmit, authed, can(middleware.ActionSubmit), a.limiter.Limit)
	handle("GET /v1/tasks", a.handleListTasks, authed, can(middleware.ActionRead))
	handle("GET /v1/tasks/{task_id}", a.handleGetTask, authed, can(middleware.ActionRead))
	handle("DELETE /v1/tasks/{task_id}", a.handleCancelTask, authed, can(middleware.ActionCancel))
	handle("GET /v1/tasks/{task_id}/events", a.handleTaskEvents, authed, can(middleware.ActionSubscribe))

	// Worker surface.
	handle("GET /v1/worker/tasks/stream", a.handleWorkerStream, authed, can(middleware.ActionWorker))
	handle("POST /v1/worker/tasks/claim", a.handleClaim, authed, can(middleware.ActionWorker))
	handle("POST /v1/worker/tasks/release", a.handleRelease, authed, can(middleware.ActionWorker))
	handle("PUT /v1/worker/tasks/{task_id}/status", a.handleStatus, authed, can(middleware.ActionWorker))
	handle("POST /v1/worker/tasks/{task_id}/output", a.handleOutput, authed, can(middleware.ActionWorker))
	handle("PUT /v1/worker/codebases", a.handleSetCodebases, authed, can(middleware.ActionWorker))

	// Subscriber surface.
	handle("GET /v1/codebases/{id}/events", a.handleCodebaseEvents, authed, can(middleware.ActionSubscribe))
	handle("GET /v1/workers", a.handleListWorkers, authed, can(middleware.ActionRead))
	handle("GET /v1/dashboard/ws", a.hub.handleUpgrade, authed, can(middleware.ActionSubscribe))

	// Unauthenticated surface.
	handle("GET /.well-known/agent-card.json", a.handleAgentCard)
	handle("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.CORS(middleware.Metrics(mux)))
}

// --- Task endpoints ---

type submitRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	CodebaseID  string            `json:"codebase_id"`
	AgentType   string            `json:"agent_type,omitempty"`
	Model       string            `json:"model,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	NotifyEmail string            `json:"notify_email,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
}

type submitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	principal, _ := middleware.PrincipalFrom(r.Context())

	task, created, err := a.lifecycle.Submit(r.Context(), lifecycle.SubmitParams{
		Title:          req.Title,
		Description:    req.Description,
		CodebaseID:     req.CodebaseID,
		AgentType:      req.AgentType,
		Model:          req.Model,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
		NotifyEmail:    req.NotifyEmail,
		WebhookURL:     req.WebhookURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Scope:          principal.ID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if !created {
		// Idempotency replay: the original task, unchanged.
		code = http.StatusOK
	}
	respond(w, code, submitResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.lifecycle.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

type listResponse struct {
	Tasks  []*store.Task `json:"tasks"`
	Cursor string        `json:"cursor,omitempty"`
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tasks, next, err := a.lifecycle.List(r.Context(), store.TaskFilter{
		Status:     store.Status(q.Get("status")),
		CodebaseID: q.Get("codebase_id"),
		Limit:      limit,
		Cursor:     q.Get("cursor"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	respond(w, http.StatusOK, listResponse{Tasks: tasks, Cursor: next})
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.lifecycle.Cancel(r.Context(), r.PathValue("task_id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

// --- Discovery and health ---

type agentCard struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	URL          string   `json:"url,omitempty"`
	Capabilities struct {
		Streaming         bool `json:"streaming"`
		PushNotifications bool `json:"push_notifications"`
	} `json:"capabilities"`
	Skills []string `json:"skills"`
}

func (a *API) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := agentCard{
		Name:    a.cfg.Card.Name,
		Version: a.cfg.Card.Version,
		URL:     a.cfg.Card.URL,
		Skills:  a.cfg.Card.Skills,
	}
	card.Capabilities.Streaming = true
	card.Capabilities.PushNotifications = a.cfg.WebhookMaxAge > 0
	respond(w, http.StatusOK, card)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeError(w, r, fault.Wrap(fault.Unavailable, err, "store unreachable"))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.registry.List(r.Context())
	if err != nil {
		a.writeError(w, r, lifecycle.Translate(err))
		return
	}
	type view struct {
		*store.Worker
		Live bool `json:"live"`
	}
	views := make([]view, 0, len(workers))
	for _, wk := range workers {
		views = append(views, view{Worker: wk, Live: a.registry.Live(wk)})
	}
	respond(w, http.StatusOK, map[string]any{"workers": views})
}

// --- Shared plumbing ---

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.Invalid, err, "malformed request body")
	}
	return nil
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the fault envelope. Conflicts on the worker claim
// path are expected races and deliberately carry no body.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	reqID := middleware.RequestIDFrom(r.Context())

	if kind == fault.Internal {
		a.log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		a.log.Error("unclassified error",
			zap.String("request_id", reqID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":       kind,
			"message":    fault.MessageOf(err),
			"request_id": reqID,
		},
	})
}
