package store

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AgentType selects the worker behavior profile for a task.
type AgentType string

const (
	AgentBuild   AgentType = "build"
	AgentPlan    AgentType = "plan"
	AgentGeneral AgentType = "general"
	AgentExplore AgentType = "explore"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentBuild, AgentPlan, AgentGeneral, AgentExplore:
		return true
	default:
		return false
	}
}

// GlobalCodebase is the reserved routing bucket served by any worker that
// declares it.
const GlobalCodebase = "global"

// Task is a unit of agent work.
type Task struct {
	ID            string            `json:"id" db:"id"`
	CodebaseID    string            `json:"codebase_id" db:"codebase_id"`
	Title         string            `json:"title" db:"title"`
	Description   string            `json:"description" db:"description"`
	AgentType     AgentType         `json:"agent_type" db:"agent_type"`
	Model         string            `json:"model,omitempty" db:"model"`
	Priority      int               `json:"priority" db:"priority"`
	Status        Status            `json:"status" db:"status"`
	WorkerID      string            `json:"worker_id,omitempty" db:"worker_id"`
	ClaimToken    string            `json:"-" db:"claim_token"`
	ClaimDeadline *time.Time        `json:"claim_deadline,omitempty" db:"claim_deadline"`
	Attempts      int               `json:"attempts" db:"attempts"`
	Result        string            `json:"result,omitempty" db:"result"`
	Error         string            `json:"error,omitempty" db:"error"`
	Output        string            `json:"output,omitempty" db:"output"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
	NotifyEmail   string            `json:"notify_email,omitempty" db:"notify_email"`
	WebhookURL    string            `json:"webhook_url,omitempty" db:"webhook_url"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep copy so callers can never mutate store-owned rows.
func (t *Task) Clone() *Task {
	c := *t
	if t.ClaimDeadline != nil {
		d := *t.ClaimDeadline
		c.ClaimDeadline = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Worker is a registered remote executor.
type Worker struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Codebases       []string  `json:"codebases" db:"codebases"`
	ModelsSupported []string  `json:"models_supported,omitempty" db:"models_supported"`
	LastSeenAt      time.Time `json:"last_seen_at" db:"last_seen_at"`
	ConnectionID    string    `json:"connection_id,omitempty" db:"connection_id"`
	ActiveClaims    int       `json:"active_claims" db:"active_claims"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of the worker row.
func (w *Worker) Clone() *Worker {
	c := *w
	c.Codebases = append([]string(nil), w.Codebases...)
	c.ModelsSupported = append([]string(nil), w.ModelsSupported...)
	return &c
}

// ServesCodebase reports whether the worker declares the codebase.
func (w *Worker) ServesCodebase(id string) bool {
	for _, cb := range w.Codebases {
		if cb == id {
			return true
		}
	}
	return false
}

// EligibleForCodebase applies the routing rule: a worker serves a task's
// codebase when it declares that codebase, or when it declares the global
// bucket. Tasks in the global bucket are only matched by the second arm.
func (w *Worker) EligibleForCodebase(id string) bool {
	return w.ServesCodebase(id) || w.ServesCodebase(GlobalCodebase)
}

// SupportsModel reports whether the worker declares the model. An empty
// model constraint always matches.
func (w *Worker) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range w.ModelsSupported {
		if m == model {
			return true
		}
	}
	return false
}

// Codebase is a named routing bucket.
type Codebase struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Path      string    `json:"path,omitempty" db:"path"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord pins a submitter-scoped key to the task it created.
type IdempotencyRecord struct {
	Key            string    `json:"key" db:"key"`
	SubmitterScope string    `json:"submitter_scope" db:"submitter_scope"`
	TaskID         string    `json:"task_id" db:"task_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// OutboxEvent is a persisted wire event awaiting dispatch to the bus. ID is
// the per-store monotonic sequence and becomes the wire event id.
type OutboxEvent struct {
	ID          int64      `json:"id" db:"id"`
	Kind        string     `json:"kind" db:"kind"`
	TaskID      string     `json:"task_id" db:"task_id"`
	CodebaseID  string     `json:"codebase_id" db:"codebase_id"`
	WorkerID    string     `json:"worker_id" db:"worker_id"`
	Payload     []byte     `json:"payload" db:"payload"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// TaskFilter narrows and pages ListTasks. Cursor is the opaque value
// returned by a previous page; empty means start from the beginning.
type TaskFilter struct {
	Status     Status
	CodebaseID string
	Limit      int
	Cursor     string
}

// EligibilityConstraints describe the worker set a task may be offered to.
// Liveness is evaluated against Now minus LivenessWindow.
type EligibilityConstraints struct {
	CodebaseID     string
	Model          string
	Now            time.Time
	LivenessWindow time.Duration
}

// ReleaseOutcome is what a release does to a claimed or running task.
type ReleaseOutcome string

const (
	OutcomeCompleted ReleaseOutcome = "completed"
	OutcomeFailed    ReleaseOutcome = "failed"
	OutcomeCancelled ReleaseOutcome = "cancelled"
	// OutcomeRequeue returns the task to pending. It is reserved for the
	// reaper and explicit give-backs; the worker HTTP surface accepts only
	// terminal outcomes.
	OutcomeRequeue ReleaseOutcome = "requeue"
)

// ReleaseParams carries everything a release transition needs. ClaimToken
// must match the live claim unless Force is set (reaper paths, which
// already verified expiry conditions).
type ReleaseParams struct {
	TaskID     string
	WorkerID   string
	ClaimToken string
	Outcome    ReleaseOutcome
	Result     string
	Error      string
	Force      bool
}
