// Package registry tracks connected workers: who is live, which codebases
// and models they declare, and which of them a task may be offered to. The
// store owns the rows; the registry owns the liveness policy.
package registry

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// Config carries the liveness and garbage-collection policy.
type Config struct {
	// LivenessWindow is how long after its last heartbeat a worker still
	// counts as live.
	LivenessWindow time.Duration

	// GCGrace is how long an unseen worker with no active claims keeps its
	// row before the sweep deletes it.
	GCGrace time.Duration
}

// Registry is the worker liveness and capability tracker.
type Registry struct {
	store store.Store
	cfg   Config
	log   *zap.Logger

	now func() time.Time
}

func New(st store.Store, cfg Config, log *zap.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 60 * time.Second
	}
	if cfg.GCGrace <= 0 {
		cfg.GCGrace = 15 * time.Minute
	}
	return &Registry{
		store: st,
		cfg:   cfg,
		log:   log.Named("registry"),
		now:   time.Now,
	}
}

// LivenessWindow exposes the configured window for eligibility callers.
func (r *Registry) LivenessWindow() time.Duration { return r.cfg.LivenessWindow }

// Register inserts or refreshes a worker and stamps its heartbeat. Declared
// codebases and models replace the previous declaration wholesale; the
// worker is the source of truth for its own capabilities.
func (r *Registry) Register(ctx context.Context, w *store.Worker) (*store.Worker, error) {
	w.Codebases = lo.Uniq(w.Codebases)
	w.ModelsSupported = lo.Uniq(w.ModelsSupported)
	stored, err := r.store.UpsertWorker(ctx, w)
	if err != nil {
		return nil, err
	}
	r.log.Info("worker registered",
		zap.String("worker_id", stored.ID),
		zap.Strings("codebases", stored.Codebases),
		zap.Int("models", len(stored.ModelsSupported)))
	return stored, nil
}

// Heartbeat bumps last_seen_at. Every worker-originated request routes
// through here, so liveness needs no dedicated ping.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	return r.store.TouchWorker(ctx, workerID, r.now())
}

// SetCodebases replaces the worker's declared codebase set.
func (r *Registry) SetCodebases(ctx context.Context, workerID string, codebases []string) error {
	return r.store.SetWorkerCodebases(ctx, workerID, lo.Uniq(codebases))
}

// MarkConnected records the live stream id for the worker.
func (r *Registry) MarkConnected(ctx context.Context, workerID, connectionID string) error {
	return r.store.SetWorkerConnection(ctx, workerID, connectionID)
}

// MarkDisconnected clears the stream id if it still belongs to this
// connection. A worker that reconnected already overwrote it; clearing then
// would orphan the new stream's record.
func (r *Registry) MarkDisconnected(ctx context.Context, workerID, connectionID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.ConnectionID != connectionID {
		return nil
	}
	return r.store.SetWorkerConnection(ctx, workerID, "")
}

// Get returns one worker row.
func (r *Registry) Get(ctx context.Context, workerID string) (*store.Worker, error) {
	return r.store.GetWorker(ctx, workerID)
}

// List returns all known workers with liveness evaluated at call time.
func (r *Registry) List(ctx context.Context) ([]*store.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Live reports whether the worker's last heartbeat is inside the window.
func (r *Registry) Live(w *store.Worker) bool {
	return r.now().Sub(w.LastSeenAt) < r.cfg.LivenessWindow
}

// Eligible returns the live workers the task may be offered to: declared
// codebase (or global bucket) and declared model when the task pins one.
func (r *Registry) Eligible(ctx context.Context, t *store.Task) ([]*store.Worker, error) {
	return r.store.ListEligibleWorkers(ctx, store.EligibilityConstraints{
		CodebaseID:     t.CodebaseID,
		Model:          t.Model,
		Now:            r.now(),
		LivenessWindow: r.cfg.LivenessWindow,
	})
}

// EligibleWorker applies the same predicate to a single worker row, used by
// offer streams to filter live events without a store round trip per event.
func (r *Registry) EligibleWorker(w *store.Worker, t *store.Task) bool {
	return r.Live(w) && w.EligibleForCodebase(t.CodebaseID) && w.SupportsModel(t.Model)
}

// Start launches the GC sweep, which deletes workers not seen for the grace
// period that hold no claims, and keeps the live-worker gauge current.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	now := r.now()
	removed, err := r.store.DeleteIdleWorkersBefore(ctx, now.Add(-r.cfg.GCGrace))
	if err != nil {
		r.log.Warn("worker gc sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		r.log.Info("garbage-collected idle workers", zap.Int("removed", removed))
	}

	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return
	}
	live := lo.CountBy(workers, r.Live)
	observability.LiveWorkers.Set(float64(live))
}
