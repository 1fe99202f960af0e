package store

import (
	"context"
	"time"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

// EventFn builds a wire event from the task row as it stands after the
// transition committed. Stores invoke builders inside the mutating
// transaction and append the results to the outbox, so subscribers never
// observe a state change without its event or an event without its state
// change. Event IDs are assigned by the store from a monotonic sequence.
type EventFn func(t *Task) bus.Event

// Store is the durable state backend. Two interchangeable backings exist:
// an in-memory single-process implementation and a postgres implementation
// using row-level conditional updates.
type Store interface {
	// --- Task operations ---

	// CreateTask persists a new task. When idem is non-nil and a live
	// record already exists for (scope, key), the previously created task
	// is returned with created=false and no new rows are written.
	CreateTask(ctx context.Context, t *Task, idem *IdempotencyRecord, evs ...EventFn) (task *Task, created bool, err error)

	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks returns one page ordered by (priority DESC, created_at
	// ASC, id ASC) plus the cursor for the next page ("" when exhausted).
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, string, error)

	// ClaimTask transitions pending -> claimed for exactly one caller.
	// Concurrent claimants on the same task: one wins, the rest get
	// ErrNotPending.
	ClaimTask(ctx context.Context, taskID, workerID, token string, deadline time.Time, evs ...EventFn) (*Task, error)

	// ReleaseTask finishes or requeues a claimed/running task. Token
	// mismatches return ErrStaleClaim; illegal edges return
	// ErrInvalidTransition or ErrAlreadyTerminal.
	ReleaseTask(ctx context.Context, p ReleaseParams, evs ...EventFn) (*Task, error)

	// HeartbeatTask extends the claim deadline without changing status.
	HeartbeatTask(ctx context.Context, taskID, workerID, token string, deadline time.Time) error

	// MarkRunning transitions claimed -> running and extends the lease.
	// On an already running task it just extends the lease; the event
	// builders are applied only when the status actually changed. A
	// non-nil meta is overlaid onto the task metadata either way.
	MarkRunning(ctx context.Context, taskID, workerID, token string, deadline time.Time, meta map[string]string, evs ...EventFn) (*Task, error)

	// AppendOutput appends a streaming delta and extends the lease as an
	// implicit heartbeat. A first delta on a claimed task promotes it to
	// running (transitioned=true), in which case runningEv is also
	// emitted. Either builder may be nil.
	AppendOutput(ctx context.Context, taskID, workerID, delta string, deadline time.Time, outputEv, runningEv EventFn) (task *Task, transitioned bool, err error)

	// CancelTask moves any non-terminal task to cancelled.
	CancelTask(ctx context.Context, taskID string, evs ...EventFn) (*Task, error)

	// ReapExpired returns tasks in claimed/running whose claim_deadline
	// passed. It only reads; the reaper applies decisions through
	// RequeueExpired / FailExpired so a concurrent heartbeat can still
	// win.
	ReapExpired(ctx context.Context, now time.Time) ([]*Task, error)

	// RequeueExpired returns an expired claim to pending and increments
	// attempts. ErrNotExpired if the deadline moved or state changed.
	RequeueExpired(ctx context.Context, taskID string, now time.Time, evs ...EventFn) (*Task, error)

	// FailExpired terminally fails an expired claim (attempts exhausted).
	FailExpired(ctx context.Context, taskID string, now time.Time, errMsg string, evs ...EventFn) (*Task, error)

	// CountTasksByStatus reports queue depth for metrics and dashboards.
	CountTasksByStatus(ctx context.Context, status Status) (int, error)

	// --- Worker operations ---

	// UpsertWorker inserts or refreshes a worker row, stamping
	// last_seen_at.
	UpsertWorker(ctx context.Context, w *Worker) (*Worker, error)

	GetWorker(ctx context.Context, id string) (*Worker, error)

	// TouchWorker bumps last_seen_at.
	TouchWorker(ctx context.Context, id string, now time.Time) error

	SetWorkerCodebases(ctx context.Context, id string, codebases []string) error

	// SetWorkerConnection records the live stream id; "" clears it.
	SetWorkerConnection(ctx context.Context, id, connectionID string) error

	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ListEligibleWorkers returns live workers matching the constraints.
	ListEligibleWorkers(ctx context.Context, c EligibilityConstraints) ([]*Worker, error)

	// DeleteIdleWorkersBefore garbage-collects workers not seen since
	// cutoff that hold no active claims. Returns how many were removed.
	DeleteIdleWorkersBefore(ctx context.Context, cutoff time.Time) (int, error)

	// ExpireWorkerClaims forces claim_deadline = now on every claimed or
	// running task owned by the worker, so the next reaper pass requeues
	// them. Returns how many claims were expired.
	ExpireWorkerClaims(ctx context.Context, workerID string, now time.Time) (int, error)

	// --- Codebase operations ---

	UpsertCodebase(ctx context.Context, cb *Codebase) (*Codebase, error)
	GetCodebase(ctx context.Context, id string) (*Codebase, error)
	ListCodebases(ctx context.Context) ([]*Codebase, error)

	// --- Idempotency operations ---

	// PurgeIdempotencyBefore removes records created before cutoff.
	PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error)

	// --- Outbox operations ---

	// FetchUndelivered returns the oldest undelivered outbox events.
	FetchUndelivered(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkDelivered stamps delivered_at on the given outbox ids.
	MarkDelivered(ctx context.Context, ids []int64) error

	// ListEventsSince replays a topic's events with id > afterID, oldest
	// first, for Last-Event-ID resumption.
	ListEventsSince(ctx context.Context, topicName string, afterID int64, limit int) ([]bus.Event, error)

	// PurgeEventsBefore removes delivered outbox rows created before
	// cutoff, bounding replay history.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// --- Lifecycle ---

	Ping(ctx context.Context) error
	Close()
}
