// Package coordination holds the background actors that keep the system
// making progress: the reaper, which guarantees no task stays claimed
// forever, and the optional leader elector that gates it when several
// replicas share one durable store.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// eventRetention bounds how long delivered outbox rows stay replayable.
const eventRetention = time.Hour

// Leader gates the reaper in multi-replica deployments.
type Leader interface {
	IsLeader() bool
}

// AlwaysLeader is the single-instance default: no election, always sweep.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

// ReaperConfig carries the sweep policy.
type ReaperConfig struct {
	Interval       time.Duration
	MaxAttempts    int
	LivenessWindow time.Duration
	IdempotencyTTL time.Duration
}

// Reaper periodically returns expired claims to pending (or fails them once
// attempts run out), force-expires claims held by dead workers, and purges
// aged idempotency and outbox rows.
type Reaper struct {
	store  store.Store
	leader Leader
	cfg    ReaperConfig
	log    *zap.Logger

	// Now is replaceable in tests.
	Now func() time.Time
}

func NewReaper(st store.Store, leader Leader, cfg ReaperConfig, log *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 60 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if leader == nil {
		leader = AlwaysLeader{}
	}
	return &Reaper{
		store:  st,
		leader: leader,
		cfg:    cfg,
		log:    log.Named("reaper"),
		Now:    time.Now,
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.leader.IsLeader() {
				continue
			}
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full reaper pass. Exported so tests drive it directly
// with a pinned clock.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.Now()
	if err := r.reapClaims(ctx, now); err != nil {
		return fmt.Errorf("reap claims: %w", err)
	}
	if err := r.expireDeadWorkers(ctx, now); err != nil {
		return fmt.Errorf("expire dead workers: %w", err)
	}
	if _, err := r.store.PurgeIdempotencyBefore(ctx, now.Add(-r.cfg.IdempotencyTTL)); err != nil {
		return fmt.Errorf("purge idempotency: %w", err)
	}
	if _, err := r.store.PurgeEventsBefore(ctx, now.Add(-eventRetention)); err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	return nil
}

// reapClaims requeues expired claims while attempts remain, then fails
// them with worker_lost. The read and the transition are separate store
// operations on purpose: a heartbeat landing in between wins, and the
// conditional transition reports ErrNotExpired.
func (r *Reaper) reapClaims(ctx context.Context, now time.Time) error {
	expired, err := r.store.ReapExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range expired {
		if t.Attempts+1 < r.cfg.MaxAttempts {
			requeued, err := r.store.RequeueExpired(ctx, t.ID, now, store.TaskStatusEvent)
			if err != nil {
				if errors.Is(err, store.ErrNotExpired) {
					continue
				}
				return err
			}
			observability.ReaperActions.WithLabelValues("requeued").Inc()
			r.log.Info("requeued expired claim",
				zap.String("task_id", requeued.ID),
				zap.String("prior_worker", t.WorkerID),
				zap.Int("attempts", requeued.Attempts))
			continue
		}

		msg := fmt.Sprintf("worker_lost: claim lease expired %d times with no release", t.Attempts+1)
		failed, err := r.store.FailExpired(ctx, t.ID, now, msg, store.TaskTerminalEvent)
		if err != nil {
			if errors.Is(err, store.ErrNotExpired) {
				continue
			}
			return err
		}
		observability.ReaperActions.WithLabelValues("failed").Inc()
		observability.TasksFinished.WithLabelValues(string(store.StatusFailed)).Inc()
		r.log.Warn("failed task after exhausted attempts",
			zap.String("task_id", failed.ID),
			zap.String("prior_worker", t.WorkerID))
	}
	return nil
}

// expireDeadWorkers forces claim deadlines to now for workers outside the
// liveness window, so the next pass requeues their tasks without waiting
// out the full lease.
func (r *Reaper) expireDeadWorkers(ctx context.Context, now time.Time) error {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	cutoff := now.Add(-r.cfg.LivenessWindow)
	for _, w := range workers {
		if !w.LastSeenAt.Before(cutoff) || w.ActiveClaims == 0 {
			continue
		}
		n, err := r.store.ExpireWorkerClaims(ctx, w.ID, now)
		if err != nil {
			return err
		}
		if n > 0 {
			observability.ReaperActions.WithLabelValues("worker_expired").Inc()
			r.log.Warn("expired claims of dead worker",
				zap.String("worker_id", w.ID),
				zap.Int("claims", n))
		}
	}
	return nil
}
