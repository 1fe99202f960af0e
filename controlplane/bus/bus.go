// Package bus is the in-process event broker. Topics are created implicitly,
// every subscriber owns a bounded buffer, and a full buffer drops the oldest
// undelivered event rather than blocking the publisher or disconnecting the
// subscriber.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchyardhq/switchyard/controlplane/observability"
)

// DefaultBufferSize is the per-subscriber queue depth when none is given.
const DefaultBufferSize = 256

// topicGrace is how long an empty topic may sit idle before it is reaped.
const topicGrace = 5 * time.Minute

type topic struct {
	subs    map[*Subscription]struct{}
	lastPub atomic.Int64 // unix nanos of the most recent publish
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	defaultCap int
}

// New creates a Bus. bufferSize <= 0 falls back to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		topics:     make(map[string]*topic),
		defaultCap: bufferSize,
	}
}

// Publish delivers ev to every subscriber of the named topic. It never
// blocks: a subscriber whose buffer is full loses its oldest queued event
// and its dropped counter is incremented.
func (b *Bus) Publish(topicName string, ev Event) {
	t := b.topicFor(topicName)
	t.lastPub.Store(time.Now().UnixNano())

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range t.subs {
		sub.offer(ev)
	}
}

// Subscribe registers a new subscription on the named topic. capacity <= 0
// uses the bus default. The caller must Cancel the subscription when done.
func (b *Bus) Subscribe(topicName string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = b.defaultCap
	}
	sub := &Subscription{
		bus:   b,
		topic: topicName,
		ch:    make(chan Event, capacity),
	}
	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[topicName] = t
	}
	t.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Start launches the topic janitor, which removes topics that have no
// subscribers and have not seen a publish for the grace period.
func (b *Bus) Start(ctx context.Context) {
	go b.loop(ctx)
}

func (b *Bus) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapIdleTopics(time.Now())
		}
	}
}

func (b *Bus) reapIdleTopics(now time.Time) {
	cutoff := now.Add(-topicGrace).UnixNano()
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		if len(t.subs) == 0 && t.lastPub.Load() < cutoff {
			delete(b.topics, name)
		}
	}
}

// Subscribers reports the number of subscriptions on a topic.
func (b *Bus) Subscribers(topicName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	return len(t.subs)
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{subs: make(map[*Subscription]struct{})}
	b.topics[name] = t
	return t
}

// Subscription is one subscriber's handle on a topic. The channel is owned
// by the bus; only the bus writes to it and it is closed on Cancel.
type Subscription struct {
	bus     *Bus
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive channel. It is closed when the subscription is
// cancelled.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the topic name this subscription is bound to.
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns the number of events dropped since the last TakeDropped.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// TakeDropped returns the dropped count and resets it to zero. Stream
// writers call this before each delivery to surface a `dropped` event when
// delivery resumes.
func (s *Subscription) TakeDropped() uint64 { return s.dropped.Swap(0) }

// Cancel removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if t, ok := s.bus.topics[s.topic]; ok {
			delete(t.subs, s)
		}
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// offer enqueues ev, evicting the oldest queued event if the buffer is
// full. Callers hold the bus read lock, so offer never races Cancel's
// close.
func (s *Subscription) offer(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
		observability.EventsDropped.Inc()
	default:
		// Reader drained the buffer between the two selects.
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		observability.EventsDropped.Inc()
	}
}
