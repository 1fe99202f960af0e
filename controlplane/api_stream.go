package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/fault"
	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/scheduler"
)

const keepAliveInterval = 15 * time.Second

// sseWriter frames events for one SSE client.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fault.New(fault.Internal, "streaming unsupported by connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// event writes one framed event. A write error means the client is gone;
// the caller unsubscribes and returns.
func (s *sseWriter) event(ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment writes an SSE comment line, used for keep-alives.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// end closes the stream gracefully. Clients treat a socket error without
// an end event as reconnectable.
func (s *sseWriter) end(reason string) {
	_ = s.event(bus.Event{Kind: bus.KindEnd, At: time.Now(), Error: reason})
}

// lastEventID parses the resumption header; 0 means from now.
func lastEventID(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// handleWorkerStream serves the per-worker offer stream: eligible pending
// backlog first, then live offers and cancellation advisories.
func (a *API) handleWorkerStream(w http.ResponseWriter, r *http.Request) {
	wid, err := workerID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	codebases := splitList(r.Header.Get("X-Codebases"))
	if len(codebases) == 0 {
		a.writeError(w, r, fault.New(fault.Invalid, "X-Codebases header is required"))
		return
	}

	stream, err := a.scheduler.Stream(r.Context(), scheduler.StreamParams{
		WorkerID:    wid,
		Name:        r.Header.Get("X-Agent-Name"),
		Codebases:   codebases,
		Models:      splitList(r.Header.Get("X-Models")),
		LastEventID: lastEventID(r),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer stream.Cancel()

	sse, err := newSSEWriter(w)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	observability.StreamSubscribers.WithLabelValues("worker").Inc()
	defer observability.StreamSubscribers.WithLabelValues("worker").Dec()
	a.log.Info("worker stream opened", zap.String("worker_id", wid), zap.Strings("codebases", codebases))

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			sse.end("server shutting down")
			return
		case <-keepAlive.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-stream.C:
			if !ok {
				sse.end("")
				return
			}
			if err := sse.event(ev); err != nil {
				return
			}
		}
	}
}

// handleCodebaseEvents serves the codebase progress stream.
func (a *API) handleCodebaseEvents(w http.ResponseWriter, r *http.Request) {
	a.streamTopic(w, r, bus.CodebaseTopic(r.PathValue("id")), "codebase")
}

// handleTaskEvents serves the single-task progress stream.
func (a *API) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	a.streamTopic(w, r, bus.TaskTopic(r.PathValue("task_id")), "task")
}

// streamTopic subscribes the client to one topic, replaying outbox history
// past Last-Event-ID first so a reconnecting subscriber misses nothing the
// retention window still holds.
func (a *API) streamTopic(w http.ResponseWriter, r *http.Request, topic, kind string) {
	// Subscribe before replay; events landing during replay are deduped by
	// id below.
	sub := a.bus.Subscribe(topic, a.cfg.EventBuffer)
	defer sub.Cancel()

	sse, err := newSSEWriter(w)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	observability.StreamSubscribers.WithLabelValues(kind).Inc()
	defer observability.StreamSubscribers.WithLabelValues(kind).Dec()

	lastID := lastEventID(r)
	if lastID > 0 {
		replay, err := a.store.ListEventsSince(r.Context(), topic, lastID, 0)
		if err != nil {
			a.log.Warn("event replay failed", zap.String("topic", topic), zap.Error(err))
		}
		for _, ev := range replay {
			if err := sse.event(ev); err != nil {
				return
			}
			lastID = ev.ID
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			sse.end("server shutting down")
			return
		case <-keepAlive.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				sse.end("")
				return
			}
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			// Surface buffer overruns when delivery resumes so the client
			// can refetch state from the task read endpoint.
			if n := sub.TakeDropped(); n > 0 {
				drop := bus.Event{Kind: bus.KindDropped, At: time.Now(), Count: n}
				if err := sse.event(drop); err != nil {
					return
				}
			}
			if err := sse.event(ev); err != nil {
				return
			}
			lastID = ev.ID
		}
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
