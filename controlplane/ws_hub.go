package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/registry"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

const (
	maxDashboardConns = 200
	statsInterval     = 5 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are same-deployment web UIs; CORS already gates the rest
	// of the surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub mirrors the event firehose plus periodic stats snapshots to
// dashboard websocket clients. One broadcaster goroutine serves every
// client; a client that cannot keep up is dropped, not buffered.
type Hub struct {
	store    store.Store
	bus      *bus.Bus
	registry *registry.Registry
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// wsFrame is the single message shape sent to dashboards.
type wsFrame struct {
	Type  string     `json:"type"` // "event" or "stats"
	Event *bus.Event `json:"event,omitempty"`
	Stats *statsView `json:"stats,omitempty"`
}

type statsView struct {
	Pending     int       `json:"pending"`
	Claimed     int       `json:"claimed"`
	Running     int       `json:"running"`
	LiveWorkers int       `json:"live_workers"`
	At          time.Time `json:"at"`
}

func NewHub(st store.Store, b *bus.Bus, reg *registry.Registry, log *zap.Logger) *Hub {
	return &Hub{
		store:    st,
		bus:      b,
		registry: reg,
		log:      log.Named("hub"),
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Start launches the broadcaster.
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	sub := h.bus.Subscribe(bus.FirehoseTopic, 0)
	defer sub.Cancel()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(wsFrame{Type: "event", Event: &ev})
		case <-ticker.C:
			h.broadcast(wsFrame{Type: "stats", Stats: h.snapshot(ctx)})
		}
	}
}

func (h *Hub) snapshot(ctx context.Context) *statsView {
	s := &statsView{At: time.Now()}
	s.Pending, _ = h.store.CountTasksByStatus(ctx, store.StatusPending)
	s.Claimed, _ = h.store.CountTasksByStatus(ctx, store.StatusClaimed)
	s.Running, _ = h.store.CountTasksByStatus(ctx, store.StatusRunning)
	if workers, err := h.registry.List(ctx); err == nil {
		for _, w := range workers {
			if h.registry.Live(w) {
				s.LiveWorkers++
			}
		}
	}
	return s
}

func (h *Hub) broadcast(frame wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			delete(h.clients, conn)
			conn.Close()
			observability.StreamSubscribers.WithLabelValues("dashboard").Dec()
			h.log.Debug("dropped slow dashboard client", zap.Error(err))
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// handleUpgrade accepts a dashboard websocket connection.
func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := len(h.clients) >= maxDashboardConns
	h.mu.Unlock()
	if full {
		http.Error(w, "dashboard connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	observability.StreamSubscribers.WithLabelValues("dashboard").Inc()

	// Reader loop discards client frames and detects disconnect.
	go func() {
		defer func() {
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				observability.StreamSubscribers.WithLabelValues("dashboard").Dec()
			}
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
