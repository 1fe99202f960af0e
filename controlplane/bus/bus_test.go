package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New(8)

	sub := b.Subscribe("task:t1", 0)
	defer sub.Cancel()

	b.Publish("task:t1", Event{ID: 1, Kind: KindTaskCreated, TaskID: "t1"})
	b.Publish("task:t2", Event{ID: 2, Kind: KindTaskCreated, TaskID: "t2"})

	select {
	case ev := <-sub.C():
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-sub.C():
		t.Fatalf("received event for foreign topic: %+v", ev)
	default:
	}
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	t.Parallel()
	b := New(8)

	// Buffer of four, ten publishes, no reads: the subscriber keeps the
	// four newest events and the dropped counter reads six.
	sub := b.Subscribe("task:t1", 4)
	defer sub.Cancel()

	for i := 1; i <= 10; i++ {
		b.Publish("task:t1", Event{ID: int64(i), Kind: KindTaskOutput, TaskID: "t1"})
	}

	var got []int64
	for i := 0; i < 4; i++ {
		select {
		case ev := <-sub.C():
			got = append(got, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("buffer should hold four events")
		}
	}
	assert.Equal(t, []int64{7, 8, 9, 10}, got)
	assert.Equal(t, uint64(6), sub.Dropped())

	// TakeDropped hands the count to the stream writer exactly once.
	assert.Equal(t, uint64(6), sub.TakeDropped())
	assert.Zero(t, sub.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()
	b := New(8)

	sub := b.Subscribe("task:t1", 2)
	require.Equal(t, 1, b.Subscribers("task:t1"))

	sub.Cancel()
	sub.Cancel() // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed after Cancel")
	assert.Zero(t, b.Subscribers("task:t1"))

	// Publishing to the now-empty topic must not panic.
	b.Publish("task:t1", Event{ID: 1, Kind: KindTaskOutput})
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	t.Parallel()
	b := New(8)

	const topicName = "codebase:web"
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := b.Subscribe(topicName, 2)
		wg.Add(2)
		go func(s *Subscription) {
			defer wg.Done()
			for range s.C() {
			}
		}(sub)
		go func(s *Subscription) {
			defer wg.Done()
			s.Cancel()
		}(sub)
	}
	for i := 0; i < 100; i++ {
		b.Publish(topicName, Event{ID: int64(i), Kind: KindTaskOutput})
	}
	wg.Wait()
	assert.Zero(t, b.Subscribers(topicName))
}

func TestReapIdleTopics(t *testing.T) {
	t.Parallel()
	b := New(8)

	b.Publish("task:idle", Event{ID: 1, Kind: KindTaskOutput})
	live := b.Subscribe("task:live", 2)
	defer live.Cancel()

	// Not yet past the grace period: both topics stay.
	b.reapIdleTopics(time.Now())
	assert.Len(t, b.topicNames(), 2)

	b.reapIdleTopics(time.Now().Add(topicGrace + time.Minute))
	names := b.topicNames()
	assert.NotContains(t, names, "task:idle", "idle topics are reaped")
	assert.Contains(t, names, "task:live", "subscribed topics survive")
}

func TestSubscribeDefaultCapacity(t *testing.T) {
	t.Parallel()
	b := New(3)
	sub := b.Subscribe("task:t1", 0)
	defer sub.Cancel()

	for i := 1; i <= 5; i++ {
		b.Publish("task:t1", Event{ID: int64(i), Kind: KindTaskOutput})
	}
	assert.Equal(t, uint64(2), sub.Dropped(), "bus default capacity applies")
}

func TestEventTopics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   Event
		want []string
	}{
		{
			name: "created fans to pending",
			ev:   Event{Kind: KindTaskCreated, TaskID: "t1", CodebaseID: "web"},
			want: []string{FirehoseTopic, "task:t1", "codebase:web", PendingTopic},
		},
		{
			name: "requeue fans to pending",
			ev:   Event{Kind: KindTaskStatus, Status: "pending", TaskID: "t1", CodebaseID: "web"},
			want: []string{FirehoseTopic, "task:t1", "codebase:web", PendingTopic},
		},
		{
			name: "claimed stays off pending",
			ev:   Event{Kind: KindTaskStatus, Status: "claimed", TaskID: "t1", CodebaseID: "web"},
			want: []string{FirehoseTopic, "task:t1", "codebase:web"},
		},
		{
			name: "cancel advises the claim holder",
			ev:   Event{Kind: KindTaskCancelled, TaskID: "t1", CodebaseID: "web", WorkerID: "w1"},
			want: []string{FirehoseTopic, "task:t1", "codebase:web", "worker:w1"},
		},
		{
			name: "cancel of unclaimed task has no worker topic",
			ev:   Event{Kind: KindTaskCancelled, TaskID: "t1", CodebaseID: "web"},
			want: []string{FirehoseTopic, "task:t1", "codebase:web"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ElementsMatch(t, tc.want, tc.ev.Topics())
		})
	}
}

func TestKindTerminal(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindTaskCompleted, KindTaskFailed, KindTaskCancelled} {
		assert.True(t, k.Terminal(), fmt.Sprintf("%s should be terminal", k))
	}
	for _, k := range []Kind{KindTaskCreated, KindTaskStatus, KindTaskOutput, KindDropped, KindEnd} {
		assert.False(t, k.Terminal(), fmt.Sprintf("%s should not be terminal", k))
	}
}

// topicNames is a test helper; production code never enumerates topics.
func (b *Bus) topicNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}
