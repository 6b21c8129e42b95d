// Package events implements the in-process publish/subscribe bus (C11):
// typed SessionEvent/SecurityEvent/BipEvent/ScriptEvent channels, and the
// Correlator that joins session activity with externally-produced BIP
// events by declared identity.
package events

import (
	"sync"
	"time"
)

// Kind names the event channel an event belongs to.
type Kind string

const (
	KindSession  Kind = "session"
	KindSecurity Kind = "security"
	KindBip      Kind = "bip"
	KindScript   Kind = "script"
)

// Event is the envelope every publication carries: a kind-scoped channel
// tag, a type name within that channel, a timestamp, and a free-form
// payload specific to Type.
type Event struct {
	Kind      Kind
	Type      string
	Timestamp time.Time
	Payload   interface{}
}

// Handler receives events delivered on a subscription. It must not call
// back into the Bus synchronously — doing so risks deadlock, per the
// concurrency contract in spec.md §5.
type Handler func(Event)

// Bus is a single-process, in-memory pub/sub with one independent,
// order-preserving delivery queue per subscriber per channel. Delivery is
// best-effort: a slow subscriber drops events rather than blocking
// publication to others.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*subscription
}

type subscription struct {
	inbox  chan Event
	closed chan struct{}
}

// queueDepth bounds each subscriber's inbox; publication to a full inbox
// drops the event instead of blocking.
const queueDepth = 256

// NewBus returns a ready Bus.
func NewBus() *Bus {
	return &Bus{subs: map[Kind][]*subscription{}}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// delivery and release resources.
type Subscription struct {
	bus  *Bus
	kind Kind
	sub  *subscription
}

// Subscribe registers handler for every event published on kind. Delivery
// to handler happens on a dedicated goroutine per subscription, so one
// slow handler cannot stall another subscriber or the publisher.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &subscription{inbox: make(chan Event, queueDepth), closed: make(chan struct{})}

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-sub.inbox:
				handler(evt)
			case <-sub.closed:
				return
			}
		}
	}()

	return &Subscription{bus: b, kind: kind, sub: sub}
}

// Unsubscribe stops delivery to this subscription.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.kind]
	for i, sub := range subs {
		if sub == s.sub {
			s.bus.subs[s.kind] = append(subs[:i], subs[i+1:]...)
			close(sub.closed)
			return
		}
	}
}

// Publish delivers evt to every current subscriber of evt.Kind. Order is
// preserved per channel per subscriber; publication never blocks on a
// slow subscriber — a full inbox drops the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[evt.Kind]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.inbox <- evt:
		default:
			// best-effort delivery: drop rather than stall the publisher
		}
	}
}
