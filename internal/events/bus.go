// Package events fans deployment and canary lifecycle events out to
// interested consumers. Subscribers declare which events they care
// about and how much lag they tolerate; publishing never blocks the
// engine.
package events

import (
	"sync"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/metrics"
)

// Filter selects the events a subscription receives. A nil filter
// receives everything.
type Filter func(core.Event) bool

// EndpointChanges matches the events that carry a newly active service
// endpoint: a finished blue-green switch or a rollback.
func EndpointChanges(event core.Event) bool {
	switch event.(type) {
	case *core.DeploymentCompleted, *core.RollbackCompleted:
		return true
	}
	return false
}

// CanaryLifecycle matches every canary release event.
func CanaryLifecycle(event core.Event) bool {
	switch event.(type) {
	case *core.CanaryStarted, *core.CanaryEvaluated,
		*core.CanaryReleaseCompleted, *core.CanaryReleaseAborted:
		return true
	}
	return false
}

// Subscription is one consumer's view of the bus. Events the consumer
// does not drain in time are dropped, never buffered unboundedly.
type Subscription struct {
	bus    *Bus
	ch     chan core.Event
	filter Filter
}

// Events returns the channel the subscription's events arrive on. It is
// closed by Close.
func (s *Subscription) Events() <-chan core.Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.drop(s)
}

// Bus implements core.EventSink and fans events out to subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers an event to every subscription whose filter matches.
// A subscription with a full buffer loses the event; the engine never
// waits on a slow consumer.
func (b *Bus) Publish(event core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Subscribe registers a consumer. buffer is the number of undrained
// events the subscription holds before dropping; filter narrows which
// events arrive (nil for all).
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		bus:    b,
		ch:     make(chan core.Event, buffer),
		filter: filter,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
