// Package webhook delivers terminal-state notifications to submitter
// callback URLs. Delivery is best-effort and fully decoupled from the task
// lifecycle: a webhook that never succeeds changes nothing about the task.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/observability"
	"github.com/switchyardhq/switchyard/controlplane/store"
)

const (
	queueDepth     = 1024
	workers        = 4
	requestTimeout = 10 * time.Second
	firstDelay     = 2 * time.Second
	maxDelay       = 5 * time.Minute
)

// payload is the JSON body POSTed to the callback URL.
type payload struct {
	TaskID      string     `json:"task_id"`
	CodebaseID  string     `json:"codebase_id"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type delivery struct {
	url      string
	body     []byte
	enqueued time.Time
}

// Deliverer runs a small worker pool draining a bounded queue of outbound
// notifications. Each notification is retried with exponential backoff and
// jitter until it succeeds or outlives MaxAge.
type Deliverer struct {
	client *http.Client
	queue  chan delivery
	maxAge time.Duration
	log    *zap.Logger
}

func New(maxAge time.Duration, log *zap.Logger) *Deliverer {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Deliverer{
		client: &http.Client{Timeout: requestTimeout},
		queue:  make(chan delivery, queueDepth),
		maxAge: maxAge,
		log:    log.Named("webhook"),
	}
}

// Start launches the delivery workers.
func (d *Deliverer) Start(ctx context.Context) {
	for i := 0; i < workers; i++ {
		go d.worker(ctx)
	}
}

// Enqueue schedules a notification for the task's terminal state. A no-op
// when the task declares no webhook. A full queue drops the notification
// with a log line rather than blocking the release path.
func (d *Deliverer) Enqueue(t *store.Task) {
	if t.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(payload{
		TaskID:      t.ID,
		CodebaseID:  t.CodebaseID,
		Status:      string(t.Status),
		Result:      t.Result,
		Error:       t.Error,
		Attempts:    t.Attempts,
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		return
	}
	select {
	case d.queue <- delivery{url: t.WebhookURL, body: body, enqueued: time.Now()}:
	default:
		observability.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.log.Warn("webhook queue full, dropping notification",
			zap.String("task_id", t.ID), zap.String("url", t.WebhookURL))
	}
}

func (d *Deliverer) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dv := <-d.queue:
			d.deliver(ctx, dv)
		}
	}
}

// deliver retries the POST with backoff until success or the notification
// outlives the max age. Any 2xx counts as delivered.
func (d *Deliverer) deliver(ctx context.Context, dv delivery) {
	ctx, cancel := context.WithDeadline(ctx, dv.enqueued.Add(d.maxAge))
	defer cancel()

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return d.post(ctx, dv)
		},
		retry.Context(ctx),
		retry.Attempts(0), // bounded by the max-age deadline, not a count
		retry.Delay(firstDelay),
		retry.MaxDelay(maxDelay),
		retry.MaxJitter(time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		observability.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return
	}
	outcome := "exhausted"
	if ctx.Err() != nil {
		outcome = "expired"
	}
	observability.WebhookDeliveries.WithLabelValues(outcome).Inc()
	d.log.Warn("webhook delivery gave up",
		zap.String("url", dv.url),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

func (d *Deliverer) post(ctx context.Context, dv delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dv.url, bytes.NewReader(dv.body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
