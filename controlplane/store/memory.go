package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

const (
	// outboxRetention bounds how many delivered events the memory backing
	// keeps for Last-Event-ID replay before pruning the oldest.
	outboxRetention = 4096

	defaultIdemTTL = 24 * time.Hour
)

// Memory is the single-process Store backing. All state lives behind one
// RWMutex; reads hand out clones so callers can never mutate store-owned
// rows. Idempotency records live in a TTL cache and expire on their own.
type Memory struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	workers   map[string]*Worker
	codebases map[string]*Codebase
	outbox    []*OutboxEvent
	seq       int64

	idem *gocache.Cache

	notify chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store. idemTTL <= 0 selects the
// 24h default.
func NewMemory(idemTTL time.Duration) *Memory {
	if idemTTL <= 0 {
		idemTTL = defaultIdemTTL
	}
	return &Memory{
		tasks:     make(map[string]*Task),
		workers:   make(map[string]*Worker),
		codebases: make(map[string]*Codebase),
		idem:      gocache.New(idemTTL, 10*time.Minute),
		notify:    make(chan struct{}, 1),
		now:       time.Now,
	}
}

// OutboxSignal fires after new outbox rows are appended. The dispatcher
// selects on it next to its poll ticker so events reach the bus without
// waiting out a full poll interval.
func (s *Memory) OutboxSignal() <-chan struct{} { return s.notify }

// appendEvents materializes the builders against the post-transition row
// and appends them to the outbox. Callers hold s.mu.
func (s *Memory) appendEvents(t *Task, fns []EventFn) {
	emitted := false
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		ev := fn(t.Clone())
		s.seq++
		payload, _ := json.Marshal(ev)
		s.outbox = append(s.outbox, &OutboxEvent{
			ID:         s.seq,
			Kind:       string(ev.Kind),
			TaskID:     ev.TaskID,
			CodebaseID: ev.CodebaseID,
			WorkerID:   ev.WorkerID,
			Payload:    payload,
			CreatedAt:  s.now(),
		})
		emitted = true
	}
	if emitted {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func idemKey(scope, key string) string { return scope + "\x00" + key }

// --- Task operations ---

func (s *Memory) CreateTask(ctx context.Context, t *Task, idem *IdempotencyRecord, evs ...EventFn) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idem != nil {
		if v, ok := s.idem.Get(idemKey(idem.SubmitterScope, idem.Key)); ok {
			if existing, live := s.tasks[v.(string)]; live {
				return existing.Clone(), false, nil
			}
		}
	}

	now := s.now()
	stored := t.Clone()
	stored.Status = StatusPending
	stored.WorkerID = ""
	stored.ClaimToken = ""
	stored.ClaimDeadline = nil
	stored.Attempts = 0
	stored.Result = ""
	stored.Error = ""
	stored.Output = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CompletedAt = nil
	s.tasks[stored.ID] = stored

	if idem != nil {
		s.idem.Set(idemKey(idem.SubmitterScope, idem.Key), stored.ID, gocache.DefaultExpiration)
	}
	s.appendEvents(stored, evs)
	return stored.Clone(), true, nil
}

func (s *Memory) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	var cur listCursor
	hasCur := false
	if f.Cursor != "" {
		c, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		cur, hasCur = c, true
	}

	s.mu.RLock()
	matched := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.CodebaseID != "" && t.CodebaseID != f.CodebaseID {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return taskLess(matched[i], matched[j]) })
	if hasCur {
		idx := sort.Search(len(matched), func(i int) bool { return cur.after(matched[i]) })
		matched = matched[idx:]
	}

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = encodeCursor(matched[limit-1])
	}
	return matched, next, nil
}

func (s *Memory) ClaimTask(ctx context.Context, taskID, workerID, token string, deadline time.Time, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotPending)
	}

	dl := deadline
	t.Status = StatusClaimed
	t.WorkerID = workerID
	t.ClaimToken = token
	t.ClaimDeadline = &dl
	t.UpdatedAt = s.now()

	s.appendEvents(t, evs)
	return t.Clone(), nil
}

func (s *Memory) ReleaseTask(ctx context.Context, p ReleaseParams, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.TaskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", p.TaskID, ErrNotFound)
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
	switch p.Outcome {
	case OutcomeCompleted:
		t.Status = StatusCompleted
		t.Result = p.Result
	case OutcomeFailed:
		t.Status = StatusFailed
		t.Error = p.Error
	case OutcomeCancelled:
		t.Status = StatusCancelled
		t.Error = p.Error
	case OutcomeRequeue:
		t.Status = StatusPending
		t.WorkerID = ""
		t.ClaimToken = ""
		t.ClaimDeadline = nil
		t.UpdatedAt = now
		s.appendEvents(t, evs)
		return t.Clone(), nil
	default:
		return nil, fmt.Errorf("release outcome %q: %w", p.Outcome, ErrInvalidTransition)
	}

	// Terminal: worker_id is kept for provenance, the claim is gone.
	t.ClaimToken = ""
	t.ClaimDeadline = nil
	t.UpdatedAt = now
	t.CompletedAt = &now
	s.appendEvents(t, evs)
	return t.Clone(), nil
}

// liveClaim verifies workerID/token hold the active claim on the task.
// Callers hold s.mu.
func (s *Memory) liveClaim(taskID, workerID, token string) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}
	if t.Status == StatusPending || t.WorkerID != workerID || token == "" || t.ClaimToken != token {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
	}
	return t, nil
}

func (s *Memory) HeartbeatTask(ctx context.Context, taskID, workerID, token string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.liveClaim(taskID, workerID, token)
	if err != nil {
		return err
	}
	dl := deadline
	t.ClaimDeadline = &dl
	t.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkRunning(ctx context.Context, taskID, workerID, token string, deadline time.Time, meta map[string]string, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.liveClaim(taskID, workerID, token)
	if err != nil {
		return nil, err
	}
	dl := deadline
	t.ClaimDeadline = &dl
	t.UpdatedAt = s.now()
	if len(meta) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			t.Metadata[k] = v
		}
	}
	if t.Status == StatusRunning {
		return t.Clone(), nil
	}
	t.Status = StatusRunning
	s.appendEvents(t, evs)
	return t.Clone(), nil
}

func (s *Memory) AppendOutput(ctx context.Context, taskID, workerID, delta string, deadline time.Time, outputEv, runningEv EventFn) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, false, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}
	if t.Status == StatusPending || t.WorkerID != workerID {
		return nil, false, fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
	}

	dl := deadline
	t.Output += delta
	t.ClaimDeadline = &dl
	t.UpdatedAt = s.now()

	transitioned := false
	if t.Status == StatusClaimed {
		t.Status = StatusRunning
		transitioned = true
	}
	fns := []EventFn{outputEv}
	if transitioned {
		fns = append(fns, runningEv)
	}
	s.appendEvents(t, fns)
	return t.Clone(), transitioned, nil
}

func (s *Memory) CancelTask(ctx context.Context, taskID string, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrAlreadyTerminal)
	}

	now := s.now()
	t.Status = StatusCancelled
	t.ClaimToken = ""
	t.ClaimDeadline = nil
	t.UpdatedAt = now
	t.CompletedAt = &now
	s.appendEvents(t, evs)
	return t.Clone(), nil
}

func (s *Memory) ReapExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	s.mu.RLock()
	var expired []*Task
	for _, t := range s.tasks {
		if t.Status != StatusClaimed && t.Status != StatusRunning {
			continue
		}
		if t.ClaimDeadline == nil || !t.ClaimDeadline.Before(now) {
			continue
		}
		expired = append(expired, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// expiredForUpdate re-verifies the expiry condition under the write lock.
// Callers hold s.mu.
func (s *Memory) expiredForUpdate(taskID string, now time.Time) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusClaimed && t.Status != StatusRunning {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotExpired)
	}
	if t.ClaimDeadline == nil || !t.ClaimDeadline.Before(now) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotExpired)
	}
	return t, nil
}

func (s *Memory) RequeueExpired(ctx context.Context, taskID string, now time.Time, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.expiredForUpdate(taskID, now)
	if err != nil {
		return nil, err
	}
	t.Status = StatusPending
	t.WorkerID = ""
	t.ClaimToken = ""
	t.ClaimDeadline = nil
	t.Attempts++
	t.UpdatedAt = now
	s.appendEvents(t, evs)
	return t.Clone(), nil
}

func (s *Memory) FailExpired(ctx context.Context, taskID string, now time.Time, errMsg string, evs ...EventFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.expiredForUpdate(taskID, now)
	if err != nil {
		return nil, err
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.ClaimToken = ""
	t.ClaimDeadline = nil
	t.Attempts++
	t.UpdatedAt = now
	completed := now
	t.CompletedAt = &completed
	s.appendEvents(t, evs)
	return t.Clone(), nil
}

func (s *Memory) CountTasksByStatus(ctx context.Context, status Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// --- Worker operations ---

// activeClaims counts claimed/running tasks owned by the worker. Callers
// hold s.mu.
func (s *Memory) activeClaims(workerID string) int {
	n := 0
	for _, t := range s.tasks {
		if t.WorkerID == workerID && (t.Status == StatusClaimed || t.Status == StatusRunning) {
			n++
		}
	}
	return n
}

func (s *Memory) UpsertWorker(ctx context.Context, w *Worker) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.workers[w.ID]
	if !ok {
		stored = &Worker{ID: w.ID, CreatedAt: now}
		s.workers[w.ID] = stored
	}
	if w.Name != "" {
		stored.Name = w.Name
	}
	stored.Codebases = append([]string(nil), w.Codebases...)
	stored.ModelsSupported = append([]string(nil), w.ModelsSupported...)
	stored.LastSeenAt = now

	out := stored.Clone()
	out.ActiveClaims = s.activeClaims(w.ID)
	return out, nil
}

func (s *Memory) GetWorker(ctx context.Context, id string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	out := w.Clone()
	out.ActiveClaims = s.activeClaims(id)
	return out, nil
}

func (s *Memory) TouchWorker(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	w.LastSeenAt = now
	return nil
}

func (s *Memory) SetWorkerCodebases(ctx context.Context, id string, codebases []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	w.Codebases = append([]string(nil), codebases...)
	w.LastSeenAt = s.now()
	return nil
}

func (s *Memory) SetWorkerConnection(ctx context.Context, id, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	w.ConnectionID = connectionID
	return nil
}

func (s *Memory) ListWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		c := w.Clone()
		c.ActiveClaims = s.activeClaims(w.ID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) ListEligibleWorkers(ctx context.Context, c EligibilityConstraints) ([]*Worker, error) {
	liveAfter := c.Now.Add(-c.LivenessWindow)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Worker
	for _, w := range s.workers {
		if w.LastSeenAt.Before(liveAfter) {
			continue
		}
		if !w.EligibleForCodebase(c.CodebaseID) {
			continue
		}
		if !w.SupportsModel(c.Model) {
			continue
		}
		cl := w.Clone()
		cl.ActiveClaims = s.activeClaims(w.ID)
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeleteIdleWorkersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.workers {
		if !w.LastSeenAt.Before(cutoff) {
			continue
		}
		if s.activeClaims(id) > 0 {
			continue
		}
		delete(s.workers, id)
		removed++
	}
	return removed, nil
}

func (s *Memory) ExpireWorkerClaims(ctx context.Context, workerID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, t := range s.tasks {
		if t.WorkerID != workerID {
			continue
		}
		if t.Status != StatusClaimed && t.Status != StatusRunning {
			continue
		}
		if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
			continue
		}
		dl := now
		t.ClaimDeadline = &dl
		t.UpdatedAt = now
		expired++
	}
	return expired, nil
}

// --- Codebase operations ---

func (s *Memory) UpsertCodebase(ctx context.Context, cb *Codebase) (*Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codebases[cb.ID]
	if !ok {
		stored = &Codebase{ID: cb.ID, CreatedAt: s.now()}
		s.codebases[cb.ID] = stored
	}
	if cb.Name != "" {
		stored.Name = cb.Name
	}
	if cb.Path != "" {
		stored.Path = cb.Path
	}
	if cb.WorkerID != "" {
		stored.WorkerID = cb.WorkerID
	}
	if cb.Status != "" {
		stored.Status = cb.Status
	} else if stored.Status == "" {
		stored.Status = "active"
	}
	out := *stored
	return &out, nil
}

func (s *Memory) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cb, ok := s.codebases[id]
	if !ok {
		return nil, fmt.Errorf("codebase %s: %w", id, ErrNotFound)
	}
	out := *cb
	return &out, nil
}

func (s *Memory) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Codebase, 0, len(s.codebases))
	for _, cb := range s.codebases {
		c := *cb
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Idempotency operations ---

// PurgeIdempotencyBefore evicts expired records. The TTL cache owns expiry
// for the memory backing, so cutoff is not consulted.
func (s *Memory) PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error) {
	before := s.idem.ItemCount()
	s.idem.DeleteExpired()
	return before - s.idem.ItemCount(), nil
}

// --- Outbox operations ---

func (s *Memory) FetchUndelivered(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboxEvent
	for _, row := range s.outbox {
		if row.DeliveredAt != nil {
			continue
		}
		c := *row
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, row := range s.outbox {
		if _, ok := set[row.ID]; ok && row.DeliveredAt == nil {
			d := now
			row.DeliveredAt = &d
		}
	}
	for len(s.outbox) > outboxRetention && s.outbox[0].DeliveredAt != nil {
		s.outbox = s.outbox[1:]
	}
	return nil
}

func (s *Memory) ListEventsSince(ctx context.Context, topicName string, afterID int64, limit int) ([]bus.Event, error) {
	if limit <= 0 {
		limit = 500
	}

	var matches func(row *OutboxEvent) bool
	switch {
	case strings.HasPrefix(topicName, "task:"):
		id := strings.TrimPrefix(topicName, "task:")
		matches = func(row *OutboxEvent) bool { return row.TaskID == id }
	case strings.HasPrefix(topicName, "codebase:"):
		id := strings.TrimPrefix(topicName, "codebase:")
		matches = func(row *OutboxEvent) bool { return row.CodebaseID == id }
	default:
		return nil, fmt.Errorf("topic %q does not support replay", topicName)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []bus.Event
	for _, row := range s.outbox {
		if row.ID <= afterID || !matches(row) {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode outbox event %d: %w", row.ID, err)
		}
		ev.ID = row.ID
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outbox[:0]
	purged := 0
	for _, row := range s.outbox {
		if row.DeliveredAt != nil && row.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	s.outbox = kept
	return purged, nil
}

// --- Lifecycle ---

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() {}
