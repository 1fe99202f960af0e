package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/switchyardhq/switchyard/controlplane/fault"
	"github.com/switchyardhq/switchyard/controlplane/lifecycle"
	"github.com/switchyardhq/switchyard/controlplane/scheduler"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

// workerID pulls the stable worker identity from the request. Workers
// supply their own ids and keep them across reconnects.
func workerID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-Worker-ID"))
	if id == "" {
		return "", fault.New(fault.Invalid, "X-Worker-ID header is required")
	}
	return id, nil
}

type claimRequest struct {
	TaskID string `json:"task_id"`
}

type claimResponse struct {
	ClaimToken    string    `json:"claim_token"`
	ClaimDeadline time.Time `json:"claim_deadline"`
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.TaskID == "" {
		a.writeError(w, r, fault.New(fault.Invalid, "task_id is required"))
		return
	}

	task, err := a.scheduler.Claim(r.Context(), wid, req.TaskID)
	if err != nil {
		// Losing the claim race is routine; a bare 409 tells the worker to
		// move on to the next offer.
		if fault.KindOf(err) == fault.Conflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, claimResponse{
		ClaimToken:    task.ClaimToken,
		ClaimDeadline: *task.ClaimDeadline,
	})
}

type releaseRequest struct {
	TaskID     string `json:"task_id"`
	ClaimToken string `json:"claim_token"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	var outcome store.ReleaseOutcome
	switch req.Status {
	case "completed":
		outcome = store.OutcomeCompleted
	case "failed":
		outcome = store.OutcomeFailed
	case "cancelled":
		outcome = store.OutcomeCancelled
	default:
		a.writeError(w, r, fault.New(fault.Invalid, "status must be completed, failed, or cancelled"))
		return
	}

	task, err := a.scheduler.Release(r.Context(), scheduler.ReleaseParams{
		TaskID:     req.TaskID,
		WorkerID:   wid,
		ClaimToken: req.ClaimToken,
		Outcome:    outcome,
		Result:     req.Result,
		Error:      req.Error,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

type statusRequest struct {
	Status     string            `json:"status"`
	ClaimToken string            `json:"claim_token"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = a.registry.Heartbeat(r.Context(), wid)

	task, err := a.lifecycle.ReportStatus(r.Context(), r.PathValue("task_id"), wid, req.ClaimToken, req.Status, req.Metadata)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

type outputRequest struct {
	Delta string `json:"delta"`
}

func (a *API) handleOutput(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req outputRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = a.registry.Heartbeat(r.Context(), wid)

	task, err := a.lifecycle.AppendOutput(r.Context(), r.PathValue("task_id"), wid, req.Delta)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"task_id": task.ID, "status": string(task.Status)})
}

type codebasesRequest struct {
	Codebases []string `json:"codebases"`
}

func (a *API) handleSetCodebases(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req codebasesRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.registry.SetCodebases(r.Context(), wid, req.Codebases); err != nil {
		a.writeError(w, r, lifecycle.Translate(err))
		return
	}
	respond(w, http.StatusOK, map[string]any{"worker_id": wid, "codebases": req.Codebases})
}
