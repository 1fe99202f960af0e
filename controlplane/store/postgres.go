package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

// taskCols is the canonical column list; scanTask depends on this order.
const taskCols = `id, codebase_id, title, description, agent_type, model, priority, status,
	worker_id, claim_token, claim_deadline, attempts, result, error, output, metadata,
	notify_email, webhook_url, created_at, updated_at, completed_at`

const workerCols = `w.id, w.name, w.codebases, w.models_supported, w.last_seen_at, w.connection_id, w.created_at,
	(SELECT COUNT(*) FROM tasks t WHERE t.worker_id = w.id AND t.status IN ('claimed','running')) AS active_claims`

// Postgres implements Store on a pgx connection pool. Claims use
// single-statement conditional updates; multi-step transitions load the row
// FOR UPDATE inside a transaction that also writes the outbox rows.
type Postgres struct {
	pool *pgxpool.Pool

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.CodebaseID, &t.Title, &t.Description, &t.AgentType, &t.Model,
		&t.Priority, &t.Status, &t.WorkerID, &t.ClaimToken, &t.ClaimDeadline,
		&t.Attempts, &t.Result, &t.Error, &t.Output, &t.Metadata,
		&t.NotifyEmail, &t.WebhookURL, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	err := row.Scan(
		&w.ID, &w.Name, &w.Codebases, &w.ModelsSupported,
		&w.LastSeenAt, &w.ConnectionID, &w.CreatedAt, &w.ActiveClaims,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// insertEvents materializes the builders against the post-transition row
// and writes them to the outbox inside the caller's transaction.
func insertEvents(ctx context.Context, tx pgx.Tx, t *Task, fns []EventFn) error {
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		ev := fn(t.Clone())
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO task_events (kind, task_id, codebase_id, worker_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(ev.Kind), ev.TaskID, ev.CodebaseID, ev.WorkerID, payload, ev.At)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

// --- Task operations ---

func (s *Postgres) CreateTask(ctx context.Context, t *Task, idem *IdempotencyRecord, evs ...EventFn) (*Task, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	now := s.now()
	if idem != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (submitter_scope, key, task_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (submitter_scope, key) DO NOTHING
		`, idem.SubmitterScope, idem.Key, t.ID, now)
		if err != nil {
			return nil, false, err
		}
		if tag.RowsAffected() == 0 {
			existing, err := s.taskForIdempotencyKey(ctx, tx, idem)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				if err := tx.Commit(ctx); err != nil {
					return nil, false, err
				}
				return existing, false, nil
			}
			// The recorded task vanished; repoint the key at the new one.
			if _, err := tx.Exec(ctx, `
				UPDATE idempotency_keys SET task_id = $3, created_at = $4
				WHERE submitter_scope = $1 AND key = $2
			`, idem.SubmitterScope, idem.Key, t.ID, now); err != nil {
				return nil, false, err
			}
		}
	}

	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO tasks (id, codebase_id, title, description, agent_type, model, priority,
			status, worker_id, claim_token, attempts, result, error, output, metadata,
			notify_email, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', '', '', 0, '', '', '', $8, $9, $10, $11, $11)
		RETURNING `+taskCols,
		t.ID, t.CodebaseID, t.Title, t.Description, string(t.AgentType), t.Model,
		t.Priority, metadata, t.NotifyEmail, t.WebhookURL, now)
	created, err := scanTask(row)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if err := insertEvents(ctx, tx, created, evs); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Postgres) taskForIdempotencyKey(ctx context.Context, tx pgx.Tx, idem *IdempotencyRecord) (*Task, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE id = (SELECT task_id FROM idempotency_keys WHERE submitter_scope = $1 AND key = $2)
	`, idem.SubmitterScope, idem.Key)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CodebaseID != "" {
		args = append(args, f.CodebaseID)
		conds = append(conds, fmt.Sprintf("codebase_id = $%d", len(args)))
	}
	if f.Cursor != "" {
		cur, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		args = append(args, cur.Priority, cur.CreatedAt, cur.ID)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(priority < $%d OR (priority = $%d AND (created_at > $%d OR (created_at = $%d AND id > $%d))))",
			n-2, n-2, n-1, n-1, n))
	}

	query := `SELECT ` + taskCols + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY priority DESC, created_at ASC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, "", err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(tasks) > limit {
		tasks = tasks[:limit]
		next = encodeCursor(tasks[limit-1])
	}
	return tasks, next, nil
}

func (s *Postgres) ClaimTask(ctx context.Context, taskID, workerID, token string, deadline time.Time, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'claimed', worker_id = $2, claim_token = $3, claim_deadline = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskCols,
		taskID, workerID, token, deadline, s.now())
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.disambiguateClaim(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, t, evs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// disambiguateClaim turns a zero-row conditional claim into the precise
// sentinel: the task is missing or it is no longer pending.
func (s *Postgres) disambiguateClaim(ctx context.Context, taskID string) error {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s: %w", taskID, status, ErrNotPending)
}

// lockTask loads the row FOR UPDATE so a transition and its outbox rows
// commit atomically against concurrent writers.
func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (*Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) ReleaseTask(ctx context.Context, p ReleaseParams, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := lockTask(ctx, tx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", p.TaskID, t.Status, ErrAlreadyTerminal)
	}
	if t.Status != StatusClaimed && t.Status != StatusRunning {
		return nil, fmt.Errorf("task %s is %s: %w", p.TaskID, t.Status, ErrInvalidTransition)
	}
	if !p.Force {
		if t.WorkerID != p.WorkerID || p.ClaimToken == "" || t.ClaimToken != p.ClaimToken {
			return nil, fmt.Errorf("task %s: %w", p.TaskID, ErrStaleClaim)
		}
	}

	now := s.now()
	var row pgx.Row
	switch p.Outcome {
	case OutcomeCompleted:
		row = tx.QueryRow(ctx, `
			UPDATE tasks SET status = 'completed', result = $2, claim_token = '',
				claim_deadline = NULL, updated_at = $3, completed_at = $3
			WHERE id = $1 RETURNING `+taskCols, p.TaskID, p.Result, now)
	case OutcomeFailed:
		row = tx.QueryRow(ctx, `
			UPDATE tasks SET status = 'failed', error = $2, claim_token = '',
				claim_deadline = NULL, updated_at = $3, completed_at = $3
			WHERE id = $1 RETURNING `+taskCols, p.TaskID, p.Error, now)
	case OutcomeCancelled:
		row = tx.QueryRow(ctx, `
			UPDATE tasks SET status = 'cancelled', error = $2, claim_token = '',
				claim_deadline = NULL, updated_at = $3, completed_at = $3
			WHERE id = $1 RETURNING `+taskCols, p.TaskID, p.Error, now)
	case OutcomeRequeue:
		row = tx.QueryRow(ctx, `
			UPDATE tasks SET status = 'pending', worker_id = '', claim_token = '',
				claim_deadline = NULL, updated_at = $2
			WHERE id = $1 RETURNING `+taskCols, p.TaskID, now)
	default:
		return nil, fmt.Errorf("release outcome %q: %w", p.Outcome, ErrInvalidTransition)
	}

	updated, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, updated, evs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) HeartbeatTask(ctx context.Context, taskID, workerID, token string, deadline time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET claim_deadline = $4, updated_at = $5
		WHERE id = $1 AND worker_id = $2 AND claim_token = $3 AND status IN ('claimed','running')
	`, taskID, workerID, token, deadline, s.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.disambiguateStale(ctx, taskID)
	}
	return nil
}

// disambiguateStale maps a zero-row claim-guarded update onto the precise
// sentinel.
func (s *Postgres) disambiguateStale(ctx context.Context, taskID string) error {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, status, ErrAlreadyTerminal)
	}
	return fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
}

func (s *Postgres) MarkRunning(ctx context.Context, taskID, workerID, token string, deadline time.Time, meta map[string]string, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}
	if t.Status == StatusPending || t.WorkerID != workerID || token == "" || t.ClaimToken != token {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
	}

	merged := t.Metadata
	if len(meta) > 0 {
		if merged == nil {
			merged = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			merged[k] = v
		}
	}
	if merged == nil {
		merged = map[string]string{}
	}

	transitioned := t.Status == StatusClaimed
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', claim_deadline = $2, metadata = $3, updated_at = $4
		WHERE id = $1 RETURNING `+taskCols, taskID, deadline, merged, s.now())
	updated, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if transitioned {
		if err := insertEvents(ctx, tx, updated, evs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) AppendOutput(ctx context.Context, taskID, workerID, delta string, deadline time.Time, outputEv, runningEv EventFn) (*Task, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	t, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, false, err
	}
	if t.Status.Terminal() {
		return nil, false, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}
	if t.Status == StatusPending || t.WorkerID != workerID {
		return nil, false, fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
	}

	transitioned := t.Status == StatusClaimed
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET output = output || $2, status = 'running', claim_deadline = $3, updated_at = $4
		WHERE id = $1 RETURNING `+taskCols, taskID, delta, deadline, s.now())
	updated, err := scanTask(row)
	if err != nil {
		return nil, false, err
	}
	fns := []EventFn{outputEv}
	if transitioned {
		fns = append(fns, runningEv)
	}
	if err := insertEvents(ctx, tx, updated, fns); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return updated, transitioned, nil
}

func (s *Postgres) CancelTask(ctx context.Context, taskID string, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}

	row := tx.QueryRow(ctx, `
		UPDATE tasks SET status = 'cancelled', claim_token = '', claim_deadline = NULL,
			updated_at = $2, completed_at = $2
		WHERE id = $1 RETURNING `+taskCols, taskID, s.now())
	updated, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, updated, evs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) ReapExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE status IN ('claimed','running') AND claim_deadline < $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, t)
	}
	return expired, rows.Err()
}

func (s *Postgres) RequeueExpired(ctx context.Context, taskID string, now time.Time, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE tasks SET status = 'pending', worker_id = '', claim_token = '',
			claim_deadline = NULL, attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status IN ('claimed','running') AND claim_deadline < $2
		RETURNING `+taskCols, taskID, now)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotExpired)
	}
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, t, evs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) FailExpired(ctx context.Context, taskID string, now time.Time, errMsg string, evs ...EventFn) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE tasks SET status = 'failed', error = $3, claim_token = '',
			claim_deadline = NULL, attempts = attempts + 1, updated_at = $2, completed_at = $2
		WHERE id = $1 AND status IN ('claimed','running') AND claim_deadline < $2
		RETURNING `+taskCols, taskID, now, errMsg)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotExpired)
	}
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, t, evs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) CountTasksByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// --- Worker operations ---

func (s *Postgres) UpsertWorker(ctx context.Context, w *Worker) (*Worker, error) {
	now := s.now()
	codebases := w.Codebases
	if codebases == nil {
		codebases = []string{}
	}
	models := w.ModelsSupported
	if models == nil {
		models = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, name, codebases, models_supported, last_seen_at, connection_id, created_at)
		VALUES ($1, $2, $3, $4, $5, '', $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), workers.name),
			codebases = EXCLUDED.codebases,
			models_supported = EXCLUDED.models_supported,
			last_seen_at = EXCLUDED.last_seen_at
	`, w.ID, w.Name, codebases, models, now)
	if err != nil {
		return nil, err
	}
	return s.GetWorker(ctx, w.ID)
}

func (s *Postgres) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerCols+` FROM workers w WHERE w.id = $1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Postgres) TouchWorker(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET last_seen_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) SetWorkerCodebases(ctx context.Context, id string, codebases []string) error {
	if codebases == nil {
		codebases = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET codebases = $2, last_seen_at = $3 WHERE id = $1
	`, id, codebases, s.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) SetWorkerConnection(ctx context.Context, id, connectionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET connection_id = $2 WHERE id = $1`, id, connectionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerCols+` FROM workers w ORDER BY w.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *Postgres) ListEligibleWorkers(ctx context.Context, c EligibilityConstraints) ([]*Worker, error) {
	liveAfter := c.Now.Add(-c.LivenessWindow)
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerCols+` FROM workers w
		WHERE w.last_seen_at >= $1
		  AND ($2 = ANY(w.codebases) OR 'global' = ANY(w.codebases))
		  AND ($3 = '' OR $3 = ANY(w.models_supported))
		ORDER BY w.id
	`, liveAfter, c.CodebaseID, c.Model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *Postgres) DeleteIdleWorkersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workers w
		WHERE w.last_seen_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM tasks t
			WHERE t.worker_id = w.id AND t.status IN ('claimed','running')
		  )
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ExpireWorkerClaims(ctx context.Context, workerID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET claim_deadline = $2, updated_at = $2
		WHERE worker_id = $1 AND status IN ('claimed','running')
		  AND (claim_deadline IS NULL OR claim_deadline > $2)
	`, workerID, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Codebase operations ---

func (s *Postgres) UpsertCodebase(ctx context.Context, cb *Codebase) (*Codebase, error) {
	status := cb.Status
	if status == "" {
		status = "active"
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO codebases (id, name, path, worker_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), codebases.name),
			path = COALESCE(NULLIF(EXCLUDED.path, ''), codebases.path),
			worker_id = COALESCE(NULLIF(EXCLUDED.worker_id, ''), codebases.worker_id),
			status = EXCLUDED.status
		RETURNING id, name, path, worker_id, status, created_at
	`, cb.ID, cb.Name, cb.Path, cb.WorkerID, status, s.now())

	var out Codebase
	if err := row.Scan(&out.ID, &out.Name, &out.Path, &out.WorkerID, &out.Status, &out.CreatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Postgres) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	var cb Codebase
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, path, worker_id, status, created_at FROM codebases WHERE id = $1
	`, id).Scan(&cb.ID, &cb.Name, &cb.Path, &cb.WorkerID, &cb.Status, &cb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("codebase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

func (s *Postgres) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, path, worker_id, status, created_at FROM codebases ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Codebase
	for rows.Next() {
		var cb Codebase
		if err := rows.Scan(&cb.ID, &cb.Name, &cb.Path, &cb.WorkerID, &cb.Status, &cb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &cb)
	}
	return out, rows.Err()
}

// --- Idempotency operations ---

func (s *Postgres) PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Outbox operations ---

func (s *Postgres) FetchUndelivered(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, task_id, codebase_id, worker_id, payload, created_at, delivered_at
		FROM task_events WHERE delivered_at IS NULL ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEvent
	for rows.Next() {
		var row OutboxEvent
		if err := rows.Scan(&row.ID, &row.Kind, &row.TaskID, &row.CodebaseID,
			&row.WorkerID, &row.Payload, &row.CreatedAt, &row.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE task_events SET delivered_at = $2 WHERE id = ANY($1) AND delivered_at IS NULL
	`, ids, s.now())
	return err
}

func (s *Postgres) ListEventsSince(ctx context.Context, topicName string, afterID int64, limit int) ([]bus.Event, error) {
	if limit <= 0 {
		limit = 500
	}

	var col, id string
	switch {
	case strings.HasPrefix(topicName, "task:"):
		col, id = "task_id", strings.TrimPrefix(topicName, "task:")
	case strings.HasPrefix(topicName, "codebase:"):
		col, id = "codebase_id", strings.TrimPrefix(topicName, "codebase:")
	default:
		return nil, fmt.Errorf("topic %q does not support replay", topicName)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, payload FROM task_events
		WHERE `+col+` = $1 AND id > $2 ORDER BY id LIMIT $3
	`, id, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var (
			rowID   int64
			payload []byte
		)
		if err := rows.Scan(&rowID, &payload); err != nil {
			return nil, err
		}
		var ev bus.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode outbox event %d: %w", rowID, err)
		}
		ev.ID = rowID
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_events WHERE delivered_at IS NOT NULL AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Lifecycle ---

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}
