package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

func recvEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestDispatcherDrainsOutboxInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemory(0)
	b := bus.New(16)
	d := NewDispatcher(s, b, zap.NewNop())

	sub := b.Subscribe(bus.FirehoseTopic, 16)
	defer sub.Cancel()

	task := newTask("web", 1)
	createdEv := func(t *Task) bus.Event {
		return bus.Event{Kind: bus.KindTaskCreated, TaskID: t.ID, CodebaseID: t.CodebaseID, At: time.Now()}
	}
	_, _, err := s.CreateTask(ctx, task, nil, createdEv)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, task.ID, "w1", "tok", time.Now().Add(time.Minute), statusEvent)
	require.NoError(t, err)

	d.Start(ctx)

	first := recvEvent(t, sub)
	assert.Equal(t, bus.KindTaskCreated, first.Kind)
	assert.Equal(t, int64(1), first.ID)

	second := recvEvent(t, sub)
	assert.Equal(t, bus.KindTaskStatus, second.Kind)
	assert.Equal(t, int64(2), second.ID)

	require.Eventually(t, func() bool {
		rows, err := s.FetchUndelivered(ctx, 10)
		return err == nil && len(rows) == 0
	}, 2*time.Second, 10*time.Millisecond, "outbox should drain")
}

func TestDispatcherFansOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemory(0)
	b := bus.New(16)
	d := NewDispatcher(s, b, zap.NewNop())

	task := newTask("web", 1)
	taskSub := b.Subscribe(bus.TaskTopic(task.ID), 16)
	defer taskSub.Cancel()
	codebaseSub := b.Subscribe(bus.CodebaseTopic("web"), 16)
	defer codebaseSub.Cancel()
	pendingSub := b.Subscribe(bus.PendingTopic, 16)
	defer pendingSub.Cancel()

	createdEv := func(t *Task) bus.Event {
		return bus.Event{Kind: bus.KindTaskCreated, TaskID: t.ID, CodebaseID: t.CodebaseID, At: time.Now()}
	}
	_, _, err := s.CreateTask(ctx, task, nil, createdEv)
	require.NoError(t, err)

	d.Start(ctx)

	for name, sub := range map[string]*bus.Subscription{
		"task": taskSub, "codebase": codebaseSub, "pending": pendingSub,
	} {
		ev := recvEvent(t, sub)
		assert.Equal(t, bus.KindTaskCreated, ev.Kind, "topic %s", name)
		assert.Equal(t, task.ID, ev.TaskID, "topic %s", name)
	}
}
