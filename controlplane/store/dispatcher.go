package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/observability"
)

const (
	dispatchPoll  = 50 * time.Millisecond
	dispatchBatch = 256
)

// notifier is implemented by backings that can signal new outbox rows. The
// dispatcher falls back to pure polling otherwise.
type notifier interface {
	OutboxSignal() <-chan struct{}
}

// Dispatcher drains the outbox into the event bus in id order. One
// dispatcher runs per process; with the postgres backing several servers
// each run one, so delivery to the bus is at-least-once and stream handlers
// dedupe on event id.
type Dispatcher struct {
	store Store
	bus   *bus.Bus
	log   *zap.Logger

	poll   time.Duration
	signal <-chan struct{}
}

func NewDispatcher(st Store, b *bus.Bus, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		store: st,
		bus:   b,
		log:   log.Named("dispatcher"),
		poll:  dispatchPoll,
	}
	if n, ok := st.(notifier); ok {
		d.signal = n.OutboxSignal()
	}
	return d
}

// Start launches the drain loop and returns.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.signal: // nil for backings without signaling; never fires then
		}
		if err := d.drain(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("outbox drain failed", zap.Error(err))
		}
	}
}

// drain publishes every undelivered event and marks it delivered, looping
// until the outbox is empty so a burst is not paced by the poll interval.
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		rows, err := d.store.FetchUndelivered(ctx, dispatchBatch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}
		observability.OutboxLag.Set(float64(len(rows)))

		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			var ev bus.Event
			if err := json.Unmarshal(row.Payload, &ev); err != nil {
				d.log.Error("dropping undecodable outbox event",
					zap.Int64("id", row.ID), zap.Error(err))
				ids = append(ids, row.ID)
				continue
			}
			ev.ID = row.ID
			for _, topic := range ev.Topics() {
				d.bus.Publish(topic, ev)
			}
			ids = append(ids, row.ID)
		}
		if err := d.store.MarkDelivered(ctx, ids); err != nil {
			return err
		}
		if len(rows) < dispatchBatch {
			observability.OutboxLag.Set(0)
			return nil
		}
	}
}
