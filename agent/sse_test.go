package agent

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

func TestSSEReaderParsesFrames(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: task.created",
		`data: {"id":7,"kind":"task.created","task_id":"t1","codebase_id":"c1"}`,
		"",
		": keep-alive",
		"",
		"id: 9",
		"event: task.cancelled",
		`data: {"id":9,"kind":"task.cancelled","task_id":"t1"}`,
		"",
	}, "\n")

	r := newSSEReader(strings.NewReader(stream))

	ev, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, bus.KindTaskCreated, ev.Kind)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, "c1", ev.CodebaseID)
	assert.EqualValues(t, 7, ev.ID)

	ev, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, bus.KindTaskCancelled, ev.Kind)
	assert.EqualValues(t, 9, r.lastID)

	_, err = r.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEReaderSkipsUndecodableFrames(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		"data: this is not json",
		"",
		`data: {"id":3,"kind":"task.status","task_id":"t2","status":"pending"}`,
		"",
	}, "\n")

	r := newSSEReader(strings.NewReader(stream))
	ev, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, bus.KindTaskStatus, ev.Kind)
	assert.Equal(t, "t2", ev.TaskID)
}

func TestSSEReaderTracksNewestID(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		`data: {"id":12,"kind":"task.output","task_id":"t1","delta":"a"}`,
		"",
		`data: {"id":5,"kind":"task.output","task_id":"t1","delta":"b"}`,
		"",
	}, "\n")

	r := newSSEReader(strings.NewReader(stream))
	_, err := r.next()
	require.NoError(t, err)
	_, err = r.next()
	require.NoError(t, err)

	// Replayed older events never move the reconnect cursor backwards.
	assert.EqualValues(t, 12, r.lastID)
}
