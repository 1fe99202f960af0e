// Package lifecycle enforces the task state machine above the store:
// admission validation, idempotent submission, worker status reports,
// output appends, and cancellation. It translates store sentinels into the
// API fault taxonomy so handlers never see raw storage errors.
package lifecycle

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/fault"
	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

const (
	maxTitleLen       = 200
	minDescriptionLen = 10
	maxDescriptionLen = 10000
	maxPriority       = 100
)

// Config carries the admission and lease policy.
type Config struct {
	// ClaimLease is how long a claim lives without a heartbeat.
	ClaimLease time.Duration

	// CodebaseAutoRegister creates a codebase row on first use instead of
	// rejecting unknown ids.
	CodebaseAutoRegister bool
}

// Lifecycle is the transition authority for tasks.
type Lifecycle struct {
	store store.Store
	cfg   Config
	log   *zap.Logger

	now func() time.Time
}

func New(st store.Store, cfg Config, log *zap.Logger) *Lifecycle {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	return &Lifecycle{
		store: st,
		cfg:   cfg,
		log:   log.Named("lifecycle"),
		now:   time.Now,
	}
}

// SubmitParams is one task submission after JSON decoding.
type SubmitParams struct {
	Title       string
	Description string
	CodebaseID  string
	AgentType   string
	Model       string
	Priority    int
	Metadata    map[string]string
	NotifyEmail string
	WebhookURL  string

	// IdempotencyKey plus Scope pin replays to the original task. Scope is
	// the authenticated principal so keys never collide across submitters.
	IdempotencyKey string
	Scope          string
}

// Submit validates and persists a new task, or replays the prior one when
// the idempotency key has been seen. created=false marks a replay.
func (l *Lifecycle) Submit(ctx context.Context, p SubmitParams) (task *store.Task, created bool, err error) {
	t, err := l.admit(ctx, p)
	if err != nil {
		return nil, false, err
	}

	var rec *store.IdempotencyRecord
	if p.IdempotencyKey != "" {
		rec = &store.IdempotencyRecord{
			Key:            p.IdempotencyKey,
			SubmitterScope: p.Scope,
			TaskID:         t.ID,
			CreatedAt:      l.now(),
		}
	}

	task, created, err = l.store.CreateTask(ctx, t, rec, store.TaskCreatedEvent)
	if err != nil {
		return nil, false, translate(err)
	}
	if created {
		observability.TasksSubmitted.WithLabelValues(string(task.AgentType)).Inc()
		l.log.Info("task admitted",
			zap.String("task_id", task.ID),
			zap.String("codebase_id", task.CodebaseID),
			zap.Int("priority", task.Priority))
	}
	return task, created, nil
}

// admit applies the validation rules and shapes the row to persist.
func (l *Lifecycle) admit(ctx context.Context, p SubmitParams) (*store.Task, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" || len(title) > maxTitleLen {
		return nil, fault.New(fault.Invalid, "title must be 1-%d characters", maxTitleLen)
	}
	if n := len(p.Description); n < minDescriptionLen || n > maxDescriptionLen {
		return nil, fault.New(fault.Invalid, "description must be %d-%d characters", minDescriptionLen, maxDescriptionLen)
	}
	agentType := store.AgentType(p.AgentType)
	if p.AgentType == "" {
		agentType = store.AgentGeneral
	}
	if !agentType.Valid() {
		return nil, fault.New(fault.Invalid, "unknown agent_type %q", p.AgentType)
	}
	if p.Priority < 0 || p.Priority > maxPriority {
		return nil, fault.New(fault.Invalid, "priority must be 0-%d", maxPriority)
	}
	if p.CodebaseID == "" {
		return nil, fault.New(fault.Invalid, "codebase_id is required")
	}
	if p.WebhookURL != "" {
		u, err := url.Parse(p.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fault.New(fault.Invalid, "webhook_url must be an absolute http(s) URL")
		}
	}
	if p.NotifyEmail != "" && !strings.Contains(p.NotifyEmail, "@") {
		return nil, fault.New(fault.Invalid, "notify_email is not an address")
	}

	if err := l.ensureCodebase(ctx, p.CodebaseID); err != nil {
		return nil, err
	}

	return &store.Task{
		ID:          uuid.NewString(),
		CodebaseID:  p.CodebaseID,
		Title:       title,
		Description: p.Description,
		AgentType:   agentType,
		Model:       p.Model,
		Priority:    p.Priority,
		Metadata:    p.Metadata,
		NotifyEmail: p.NotifyEmail,
		WebhookURL:  p.WebhookURL,
	}, nil
}

// ensureCodebase accepts the global bucket and known codebases, and
// auto-registers unknown ones when configured to.
func (l *Lifecycle) ensureCodebase(ctx context.Context, id string) error {
	if id == store.GlobalCodebase {
		return nil
	}
	_, err := l.store.GetCodebase(ctx, id)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return translate(err)
	case !l.cfg.CodebaseAutoRegister:
		return fault.New(fault.Invalid, "unknown codebase %q", id)
	}
	_, err = l.store.UpsertCodebase(ctx, &store.Codebase{ID: id, Name: id})
	if err != nil {
		return translate(err)
	}
	l.log.Info("auto-registered codebase", zap.String("codebase_id", id))
	return nil
}

// Get returns one task.
func (l *Lifecycle) Get(ctx context.Context, id string) (*store.Task, error) {
	t, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return t, nil
}

// List returns one page of tasks plus the next cursor.
func (l *Lifecycle) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, string, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", fault.New(fault.Invalid, "unknown status %q", f.Status)
	}
	tasks, next, err := l.store.ListTasks(ctx, f)
	if err != nil {
		return nil, "", translate(err)
	}
	return tasks, next, nil
}

// Cancel moves a non-terminal task to cancelled. For claimed or running
// tasks this is advisory to the worker, which observes the event on its
// subscription; the server's view is authoritative either way.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*store.Task, error) {
	t, err := l.store.CancelTask(ctx, id, store.TaskTerminalEvent)
	if err != nil {
		return nil, translate(err)
	}
	observability.TasksFinished.WithLabelValues(string(store.StatusCancelled)).Inc()
	l.log.Info("task cancelled", zap.String("task_id", t.ID), zap.String("worker_id", t.WorkerID))
	return t, nil
}

// ReportStatus handles a worker's status PUT: `running` promotes the claim
// and both statuses refresh the lease, so the PUT doubles as a heartbeat.
func (l *Lifecycle) ReportStatus(ctx context.Context, taskID, workerID, token, status string, meta map[string]string) (*store.Task, error) {
	deadline := l.now().Add(l.cfg.ClaimLease)
	switch store.Status(status) {
	case store.StatusRunning:
		t, err := l.store.MarkRunning(ctx, taskID, workerID, token, deadline, meta, store.TaskStatusEvent)
		if err != nil {
			return nil, translate(err)
		}
		return t, nil
	case store.StatusClaimed:
		if err := l.store.HeartbeatTask(ctx, taskID, workerID, token, deadline); err != nil {
			return nil, translate(err)
		}
		t, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, translate(err)
		}
		return t, nil
	default:
		return nil, fault.New(fault.Invalid, "status must be claimed or running, not %q", status)
	}
}

// AppendOutput appends a streaming delta, publishing task.output. The first
// delta on a claimed task promotes it to running.
func (l *Lifecycle) AppendOutput(ctx context.Context, taskID, workerID, delta string) (*store.Task, error) {
	if delta == "" {
		return nil, fault.New(fault.Invalid, "delta is required")
	}
	deadline := l.now().Add(l.cfg.ClaimLease)
	t, _, err := l.store.AppendOutput(ctx, taskID, workerID, delta, deadline,
		store.TaskOutputEvent(delta), store.TaskStatusEvent)
	if err != nil {
		return nil, translate(err)
	}
	return t, nil
}

// translate maps store sentinels onto the API fault taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fault.Wrap(fault.NotFound, err, "not found")
	case errors.Is(err, store.ErrNotPending):
		return fault.Wrap(fault.Conflict, err, "task is not pending")
	case errors.Is(err, store.ErrStaleClaim):
		return fault.Wrap(fault.Conflict, err, "stale claim")
	case errors.Is(err, store.ErrAlreadyTerminal):
		return fault.Wrap(fault.Conflict, err, "task already terminal")
	case errors.Is(err, store.ErrInvalidTransition):
		return fault.Wrap(fault.Conflict, err, "invalid transition")
	case errors.Is(err, store.ErrBadCursor):
		return fault.Wrap(fault.Invalid, err, "malformed cursor")
	default:
		return fault.Wrap(fault.Unavailable, err, "store unavailable")
	}
}

// Translate exposes the mapping to sibling components (scheduler, API).
func Translate(err error) error { return translate(err) }
