package store

import (
	"encoding/json"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

// Event builders passed into store mutations. Each runs against the row as
// it stands after the transition, inside the same critical section, so the
// outbox always reflects exactly what happened.

// TaskCreatedEvent announces a freshly admitted task. The full task snapshot
// rides along so worker streams can offer it without a read-back.
func TaskCreatedEvent(t *Task) bus.Event {
	ev := baseEvent(bus.KindTaskCreated, t)
	ev.Status = string(t.Status)
	ev.Task = taskSnapshot(t)
	return ev
}

// TaskClaimedEvent announces a granted claim.
func TaskClaimedEvent(t *Task) bus.Event {
	ev := baseEvent(bus.KindTaskClaimed, t)
	ev.Status = string(t.Status)
	return ev
}

// TaskStatusEvent announces a status change that is neither a claim nor
// terminal. Requeued tasks carry their snapshot so they re-enter worker
// offer streams.
func TaskStatusEvent(t *Task) bus.Event {
	ev := baseEvent(bus.KindTaskStatus, t)
	ev.Status = string(t.Status)
	if t.Status == StatusPending {
		ev.Task = taskSnapshot(t)
	}
	return ev
}

// TaskOutputEvent carries one streaming delta. The accumulated output stays
// on the row; only the increment goes over the wire.
func TaskOutputEvent(delta string) EventFn {
	return func(t *Task) bus.Event {
		ev := baseEvent(bus.KindTaskOutput, t)
		ev.Delta = delta
		return ev
	}
}

// TaskTerminalEvent announces the final state, carrying result or error.
func TaskTerminalEvent(t *Task) bus.Event {
	var kind bus.Kind
	switch t.Status {
	case StatusCompleted:
		kind = bus.KindTaskCompleted
	case StatusFailed:
		kind = bus.KindTaskFailed
	default:
		kind = bus.KindTaskCancelled
	}
	ev := baseEvent(kind, t)
	ev.Status = string(t.Status)
	ev.Result = t.Result
	ev.Error = t.Error
	return ev
}

func baseEvent(kind bus.Kind, t *Task) bus.Event {
	return bus.Event{
		Kind:       kind,
		TaskID:     t.ID,
		CodebaseID: t.CodebaseID,
		WorkerID:   t.WorkerID,
		At:         t.UpdatedAt,
	}
}

func taskSnapshot(t *Task) json.RawMessage {
	raw, _ := json.Marshal(t)
	return raw
}
