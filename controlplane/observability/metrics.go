// Package observability holds the prometheus metric set for the control
// plane. Metrics are package-level promauto vars so any component can
// record without carrying a registry around.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts admitted task submissions by agent type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_tasks_submitted_total",
		Help: "Tasks accepted through the submission endpoint",
	}, []string{"agent_type"})

	// TasksFinished counts tasks reaching a terminal state.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_tasks_finished_total",
		Help: "Tasks that reached a terminal state",
	}, []string{"status"})

	// ClaimsGranted counts successful claims.
	ClaimsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_claims_granted_total",
		Help: "Claims granted to workers",
	})

	// ClaimConflicts counts claim attempts that lost the race.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_claim_conflicts_total",
		Help: "Claim attempts rejected because the task was not pending",
	})

	// QueueDepth tracks the number of pending tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_queue_depth",
		Help: "Current number of pending tasks",
	})

	// LiveWorkers tracks workers inside the liveness window.
	LiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_live_workers",
		Help: "Workers whose last heartbeat is within the liveness window",
	})

	// StreamSubscribers tracks open SSE/websocket streams by kind.
	StreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchyard_stream_subscribers",
		Help: "Currently connected event stream subscribers",
	}, []string{"kind"}) // worker, codebase, task, dashboard

	// EventsDropped counts events evicted from full subscriber buffers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_events_dropped_total",
		Help: "Events dropped from slow subscriber buffers",
	})

	// OutboxLag tracks undelivered outbox rows (dispatcher backlog).
	OutboxLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_outbox_lag",
		Help: "Outbox events not yet handed to the bus",
	})

	// WebhookDeliveries counts webhook outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_webhook_deliveries_total",
		Help: "Webhook delivery attempts by final outcome",
	}, []string{"outcome"}) // delivered, exhausted, expired

	// ReaperActions counts reaper decisions.
	ReaperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_reaper_actions_total",
		Help: "Reaper actions by kind",
	}, []string{"action"}) // requeued, failed, worker_expired

	// RateLimited counts submissions rejected by the per-principal limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_rate_limited_total",
		Help: "Requests rejected by the per-principal rate limiter",
	})

	// HTTPDuration tracks handler latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switchyard_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	// LeaderStatus reports whether this replica currently runs the reaper.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_leader_status",
		Help: "Reaper leadership (1 = leader, 0 = follower)",
	})
)
