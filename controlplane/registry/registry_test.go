package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory(0)
	reg := New(mem, Config{LivenessWindow: time.Minute, GCGrace: 15 * time.Minute}, zap.NewNop())

	now := time.Now()
	reg.now = func() time.Time { return now }
	return reg, mem, &now
}

func TestRegisterDeduplicatesDeclarations(t *testing.T) {
	t.Parallel()
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Register(ctx, &store.Worker{
		ID:              "w1",
		Name:            "builder",
		Codebases:       []string{"c1", "c1", "global"},
		ModelsSupported: []string{"anthropic:claude-sonnet-4", "anthropic:claude-sonnet-4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "global"}, w.Codebases)
	assert.Len(t, w.ModelsSupported, 1)
}

func TestEligibilityByCodebaseAndModel(t *testing.T) {
	t.Parallel()
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &store.Worker{ID: "c1-only", Codebases: []string{"c1"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &store.Worker{ID: "global", Codebases: []string{"global"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &store.Worker{
		ID:              "pinned",
		Codebases:       []string{"c1"},
		ModelsSupported: []string{"anthropic:claude-sonnet-4"},
	})
	require.NoError(t, err)

	ids := func(ws []*store.Worker) []string {
		out := make([]string, 0, len(ws))
		for _, w := range ws {
			out = append(out, w.ID)
		}
		return out
	}

	// c1 task: direct declaration or the global bucket both qualify.
	got, err := reg.Eligible(ctx, &store.Task{CodebaseID: "c1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1-only", "global", "pinned"}, ids(got))

	// c2 task: only the global worker.
	got, err = reg.Eligible(ctx, &store.Task{CodebaseID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"global"}, ids(got))

	// global task: only workers that themselves declare global.
	got, err = reg.Eligible(ctx, &store.Task{CodebaseID: store.GlobalCodebase})
	require.NoError(t, err)
	assert.Equal(t, []string{"global"}, ids(got))

	// Model-pinned task: only the worker declaring that model.
	got, err = reg.Eligible(ctx, &store.Task{CodebaseID: "c1", Model: "anthropic:claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pinned"}, ids(got))
}

func TestLivenessExpiresByTimeAlone(t *testing.T) {
	t.Parallel()
	reg, _, now := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Register(ctx, &store.Worker{ID: "w1", Codebases: []string{"global"}})
	require.NoError(t, err)
	assert.True(t, reg.Live(w))

	// No state transition happens; the clock alone decides.
	*now = now.Add(2 * time.Minute)
	assert.False(t, reg.Live(w))

	got, err := reg.Eligible(ctx, &store.Task{CodebaseID: store.GlobalCodebase})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, reg.Heartbeat(ctx, "w1"))
	got, err = reg.Eligible(ctx, &store.Task{CodebaseID: store.GlobalCodebase})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSweepDeletesIdleWorkersOnly(t *testing.T) {
	t.Parallel()
	reg, mem, now := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &store.Worker{ID: "idle", Codebases: []string{"global"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &store.Worker{ID: "claiming", Codebases: []string{"global"}})
	require.NoError(t, err)

	task := &store.Task{ID: "t1", CodebaseID: "global", Title: "t", Description: "long enough prompt", AgentType: store.AgentGeneral}
	_, _, err = mem.CreateTask(ctx, task, nil)
	require.NoError(t, err)
	_, err = mem.ClaimTask(ctx, "t1", "claiming", "token", now.Add(time.Hour))
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	reg.sweep(ctx)

	_, err = reg.Get(ctx, "idle")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Workers with active claims survive the sweep regardless of age.
	w, err := reg.Get(ctx, "claiming")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ActiveClaims)
}

func TestMarkDisconnectedIgnoresSupersededConnection(t *testing.T) {
	t.Parallel()
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &store.Worker{ID: "w1", Codebases: []string{"global"}})
	require.NoError(t, err)

	require.NoError(t, reg.MarkConnected(ctx, "w1", "conn-1"))
	require.NoError(t, reg.MarkConnected(ctx, "w1", "conn-2"))

	// The stale stream's teardown must not clear the live connection.
	require.NoError(t, reg.MarkDisconnected(ctx, "w1", "conn-1"))
	w, err := reg.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", w.ConnectionID)

	require.NoError(t, reg.MarkDisconnected(ctx, "w1", "conn-2"))
	w, err = reg.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, w.ConnectionID)
}
