package bus

import (
	"encoding/json"
	"time"
)

// Kind identifies what an event describes.
type Kind string

const (
	KindTaskCreated   Kind = "task.created"
	KindTaskClaimed   Kind = "task.claimed"
	KindTaskStatus    Kind = "task.status"
	KindTaskOutput    Kind = "task.output"
	KindTaskCompleted Kind = "task.completed"
	KindTaskFailed    Kind = "task.failed"
	KindTaskCancelled Kind = "task.cancelled"

	// KindDropped tells a subscriber how many events it lost while its
	// buffer was full. KindEnd closes a stream gracefully.
	KindDropped Kind = "dropped"
	KindEnd     Kind = "end"
)

// Terminal reports whether the kind marks the end of a task's lifecycle.
func (k Kind) Terminal() bool {
	switch k {
	case KindTaskCompleted, KindTaskFailed, KindTaskCancelled:
		return true
	default:
		return false
	}
}

// Event is the wire envelope carried on every topic and written verbatim to
// SSE and websocket clients. ID is monotonic per topic (it is the outbox
// sequence number). Task carries a full task snapshot on offer events so
// workers can decide whether to claim without a round trip.
type Event struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	TaskID     string          `json:"task_id,omitempty"`
	CodebaseID string          `json:"codebase_id,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	At         time.Time       `json:"at"`
	Status     string          `json:"status,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Count      uint64          `json:"count,omitempty"`
	Task       json.RawMessage `json:"task,omitempty"`
}

// Topic names. Task and codebase topics fan events out to API subscribers;
// the pending topic feeds worker offer streams; worker topics carry
// cancellation advisories to the claim holder; the firehose mirrors
// everything for the dashboard hub.
const (
	PendingTopic  = "tasks:pending"
	FirehoseTopic = "events:all"
)

func TaskTopic(id string) string     { return "task:" + id }
func CodebaseTopic(id string) string { return "codebase:" + id }
func WorkerTopic(id string) string   { return "worker:" + id }

// Topics returns the fan-out set for the event. The outbox dispatcher
// publishes each stored event to every topic returned here.
func (e Event) Topics() []string {
	topics := make([]string, 0, 5)
	topics = append(topics, FirehoseTopic)
	if e.TaskID != "" {
		topics = append(topics, TaskTopic(e.TaskID))
	}
	if e.CodebaseID != "" {
		topics = append(topics, CodebaseTopic(e.CodebaseID))
	}
	if e.Kind == KindTaskCreated || (e.Kind == KindTaskStatus && e.Status == "pending") {
		topics = append(topics, PendingTopic)
	}
	if e.Kind == KindTaskCancelled && e.WorkerID != "" {
		topics = append(topics, WorkerTopic(e.WorkerID))
	}
	return topics
}
