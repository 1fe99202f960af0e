package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestTaskLifecycleProperties drives one task through random operation
// sequences and checks the structural invariants after every step:
// pending rows carry no claim, live claims are fully populated, terminal
// states are sticky, and attempts never decrease.
func TestTaskLifecycleProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewMemory(time.Hour)
		ctx := context.Background()
		task, _, err := s.CreateTask(ctx, newTask("global", 1), nil)
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		now := time.Now()
		workers := []string{"w1", "w2"}
		claimTokens := []string{"tok-a", "tok-b"}
		presented := []string{"tok-a", "tok-b", ""}
		outcomes := []ReleaseOutcome{OutcomeCompleted, OutcomeFailed, OutcomeCancelled, OutcomeRequeue}

		var terminalAs Status
		prevAttempts := 0

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			label := func(s string) string { return fmt.Sprintf("%s%d", s, i) }
			worker := rapid.SampledFrom(workers).Draw(rt, label("worker"))
			token := rapid.SampledFrom(presented).Draw(rt, label("token"))
			offset := rapid.IntRange(-120, 120).Draw(rt, label("offset"))
			deadline := now.Add(time.Duration(offset) * time.Second)

			switch rapid.IntRange(0, 6).Draw(rt, label("op")) {
			case 0:
				claimTok := rapid.SampledFrom(claimTokens).Draw(rt, label("claimTok"))
				_, _ = s.ClaimTask(ctx, task.ID, worker, claimTok, deadline)
			case 1:
				_ = s.HeartbeatTask(ctx, task.ID, worker, token, deadline)
			case 2:
				_, _ = s.MarkRunning(ctx, task.ID, worker, token, deadline, nil)
			case 3:
				_, _, _ = s.AppendOutput(ctx, task.ID, worker, "x", deadline, nil, nil)
			case 4:
				outcome := rapid.SampledFrom(outcomes).Draw(rt, label("outcome"))
				_, _ = s.ReleaseTask(ctx, ReleaseParams{
					TaskID: task.ID, WorkerID: worker, ClaimToken: token,
					Outcome: outcome, Result: "r", Error: "e",
				})
			case 5:
				_, _ = s.CancelTask(ctx, task.ID)
			case 6:
				_, _ = s.RequeueExpired(ctx, task.ID, now)
			}

			got, err := s.GetTask(ctx, task.ID)
			if err != nil {
				rt.Fatalf("get after step %d: %v", i, err)
			}

			switch {
			case got.Status == StatusPending:
				if got.WorkerID != "" || got.ClaimToken != "" || got.ClaimDeadline != nil {
					rt.Fatalf("pending task carries claim state: %+v", got)
				}
			case got.Status == StatusClaimed || got.Status == StatusRunning:
				if got.WorkerID == "" || got.ClaimToken == "" || got.ClaimDeadline == nil {
					rt.Fatalf("live claim missing fields: %+v", got)
				}
			case got.Status.Terminal():
				if got.CompletedAt == nil {
					rt.Fatalf("terminal task without completed_at: %+v", got)
				}
				if got.ClaimToken != "" || got.ClaimDeadline != nil {
					rt.Fatalf("terminal task still claims: %+v", got)
				}
			}

			if terminalAs != "" && got.Status != terminalAs {
				rt.Fatalf("terminal state %s changed to %s", terminalAs, got.Status)
			}
			if got.Status.Terminal() {
				terminalAs = got.Status
			}

			if got.Attempts < prevAttempts {
				rt.Fatalf("attempts decreased: %d -> %d", prevAttempts, got.Attempts)
			}
			prevAttempts = got.Attempts
		}
	})
}
