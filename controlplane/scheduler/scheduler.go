// Package scheduler is the routing core: it serves the per-worker offer
// stream, grants claims, and applies release outcomes. Placement is
// deliberately client-driven — every eligible worker sees every pending
// task and the atomic claim in the store arbitrates the race — so the
// scheduler itself holds no task state and scales horizontally.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/lifecycle"
	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/registry"
	"github.com/switchyardhq/switchyard/controlplane/store"
	"github.com/switchyardhq/switchyard/controlplane/webhook"
)

const backlogPage = 200

// Config carries the claim lease policy.
type Config struct {
	// ClaimLease is the initial claim_deadline horizon; heartbeats extend
	// it by the same amount.
	ClaimLease time.Duration
}

// Scheduler matches pending tasks to live eligible workers.
type Scheduler struct {
	store    store.Store
	bus      *bus.Bus
	registry *registry.Registry
	webhooks *webhook.Deliverer
	cfg      Config
	log      *zap.Logger

	now func() time.Time
}

func New(st store.Store, b *bus.Bus, reg *registry.Registry, wh *webhook.Deliverer, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	return &Scheduler{
		store:    st,
		bus:      b,
		registry: reg,
		webhooks: wh,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		now:      time.Now,
	}
}

// Start launches the queue-depth gauge refresh.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.store.CountTasksByStatus(ctx, store.StatusPending); err == nil {
					observability.QueueDepth.Set(float64(n))
				}
			}
		}
	}()
}

// StreamParams describe the worker opening an offer stream, as declared in
// its connection headers.
type StreamParams struct {
	WorkerID  string
	Name      string
	Codebases []string
	Models    []string

	// LastEventID suppresses live events the worker already saw before a
	// reconnect. The pending backlog is always replayed in full; claims are
	// idempotent against duplicates by construction.
	LastEventID int64
}

// Stream is one worker's live offer feed. Events arrive on C; Cancel
// releases the underlying subscriptions. The channel closes on Cancel or
// when the stream context ends.
type Stream struct {
	C            <-chan bus.Event
	ConnectionID string

	cancel context.CancelFunc
}

// Cancel tears the stream down. Safe to call more than once.
func (st *Stream) Cancel() { st.cancel() }

// Stream registers the worker and opens its offer feed: first the pending
// backlog it is eligible for, ordered (priority DESC, created_at ASC), then
// live offers as tasks are submitted or requeued, plus cancellation
// advisories for tasks it holds. A task may be claimed elsewhere between
// offer and claim attempt; that race is expected and non-fatal.
func (s *Scheduler) Stream(ctx context.Context, p StreamParams) (*Stream, error) {
	w, err := s.registry.Register(ctx, &store.Worker{
		ID:              p.WorkerID,
		Name:            p.Name,
		Codebases:       p.Codebases,
		ModelsSupported: p.Models,
	})
	if err != nil {
		return nil, lifecycle.Translate(err)
	}
	connectionID := uuid.NewString()
	if err := s.registry.MarkConnected(ctx, w.ID, connectionID); err != nil {
		return nil, lifecycle.Translate(err)
	}

	// Subscribe before the backlog scan so a submission arriving mid-scan
	// is never lost; duplicates are suppressed below instead.
	offers := s.bus.Subscribe(bus.PendingTopic, 0)
	advisories := s.bus.Subscribe(bus.WorkerTopic(w.ID), 0)

	backlog, err := s.pendingBacklog(ctx, w)
	if err != nil {
		offers.Cancel()
		advisories.Cancel()
		return nil, lifecycle.Translate(err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan bus.Event, bus.DefaultBufferSize)
	go s.pump(streamCtx, w, p, connectionID, backlog, offers, advisories, out)

	return &Stream{C: out, ConnectionID: connectionID, cancel: cancel}, nil
}

// pendingBacklog pages through pending tasks and keeps those the worker is
// eligible for, preserving the store's offer ordering.
func (s *Scheduler) pendingBacklog(ctx context.Context, w *store.Worker) ([]*store.Task, error) {
	var backlog []*store.Task
	cursor := ""
	for {
		page, next, err := s.store.ListTasks(ctx, store.TaskFilter{
			Status: store.StatusPending,
			Limit:  backlogPage,
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			if w.EligibleForCodebase(t.CodebaseID) && w.SupportsModel(t.Model) {
				backlog = append(backlog, t)
			}
		}
		if next == "" {
			return backlog, nil
		}
		cursor = next
	}
}

// pump merges the backlog and the live subscriptions into the worker's
// channel, filtering live offers by eligibility.
func (s *Scheduler) pump(ctx context.Context, w *store.Worker, p StreamParams, connectionID string, backlog []*store.Task, offers, advisories *bus.Subscription, out chan<- bus.Event) {
	defer close(out)
	defer offers.Cancel()
	defer advisories.Cancel()
	defer func() {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.registry.MarkDisconnected(bg, w.ID, connectionID); err != nil {
			s.log.Debug("disconnect bookkeeping failed", zap.String("worker_id", w.ID), zap.Error(err))
		}
	}()

	// offered suppresses the one duplicate a backlog scan can produce: a
	// task listed in the backlog whose task.created event also arrives on
	// the live subscription. Requeues arrive as task.status events and are
	// always re-offered.
	offered := make(map[string]struct{}, len(backlog))
	for _, t := range backlog {
		ev := store.TaskCreatedEvent(t)
		offered[t.ID] = struct{}{}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-offers.C():
			if !ok {
				return
			}
			if ev.ID != 0 && ev.ID <= p.LastEventID {
				continue
			}
			if ev.Kind == bus.KindTaskCreated {
				if _, dup := offered[ev.TaskID]; dup {
					continue
				}
				offered[ev.TaskID] = struct{}{}
			}
			if !s.eligibleForEvent(w, ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case ev, ok := <-advisories.C():
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eligibleForEvent applies the codebase and model predicate to a live
// offer. The model rides in the task snapshot; the codebase is on the
// envelope.
func (s *Scheduler) eligibleForEvent(w *store.Worker, ev bus.Event) bool {
	if !w.EligibleForCodebase(ev.CodebaseID) {
		return false
	}
	if len(ev.Task) == 0 {
		return true
	}
	var snap struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(ev.Task, &snap); err != nil {
		return false
	}
	return w.SupportsModel(snap.Model)
}

// Claim grants exclusive ownership of a pending task to the worker. Losing
// the race surfaces as a conflict; workers treat it as "move on".
func (s *Scheduler) Claim(ctx context.Context, workerID, taskID string) (*store.Task, error) {
	if err := s.registry.Heartbeat(ctx, workerID); err != nil {
		s.log.Debug("claim from unregistered worker", zap.String("worker_id", workerID))
	}

	token := uuid.NewString()
	deadline := s.now().Add(s.cfg.ClaimLease)
	t, err := s.store.ClaimTask(ctx, taskID, workerID, token, deadline, store.TaskClaimedEvent)
	if err != nil {
		if errors.Is(err, store.ErrNotPending) {
			observability.ClaimConflicts.Inc()
		}
		return nil, lifecycle.Translate(err)
	}
	observability.ClaimsGranted.Inc()
	s.log.Info("claim granted",
		zap.String("task_id", t.ID),
		zap.String("worker_id", workerID),
		zap.Time("deadline", deadline))
	return t, nil
}

// ReleaseParams is a worker's release request. Only terminal outcomes are
// accepted over the worker surface; requeue belongs to the reaper.
type ReleaseParams struct {
	TaskID     string
	WorkerID   string
	ClaimToken string
	Outcome    store.ReleaseOutcome
	Result     string
	Error      string
}

// Release finishes a claimed or running task, publishes the terminal event,
// and schedules the webhook notification if the task declares one.
func (s *Scheduler) Release(ctx context.Context, p ReleaseParams) (*store.Task, error) {
	if err := s.registry.Heartbeat(ctx, p.WorkerID); err != nil {
		s.log.Debug("release from unregistered worker", zap.String("worker_id", p.WorkerID))
	}

	t, err := s.store.ReleaseTask(ctx, store.ReleaseParams{
		TaskID:     p.TaskID,
		WorkerID:   p.WorkerID,
		ClaimToken: p.ClaimToken,
		Outcome:    p.Outcome,
		Result:     p.Result,
		Error:      p.Error,
	}, store.TaskTerminalEvent)
	if err != nil {
		return nil, lifecycle.Translate(err)
	}
	observability.TasksFinished.WithLabelValues(string(t.Status)).Inc()
	s.webhooks.Enqueue(t)
	s.log.Info("task released",
		zap.String("task_id", t.ID),
		zap.String("worker_id", p.WorkerID),
		zap.String("status", string(t.Status)))
	return t, nil
}
