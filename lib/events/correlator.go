package events

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CorrelatedEvent is the Correlator's output: a BipEvent joined to the
// session it was matched to.
type CorrelatedEvent struct {
	SessionID string
	BipEvent  BipEvent
	MatchedBy string
}

// IdentityResolver maps a declared identity (e.g. a PSK identity or ICCID)
// to the live session id it corresponds to, if any. Implemented by the
// session store.
type IdentityResolver interface {
	ResolveIdentity(identity string) (sessionID string, ok bool)
}

type bufferedBip struct {
	event     BipEvent
	receivedAt time.Time
}

// Correlator buffers recent BipEvents in a time window and joins them to
// Sessions by the identity declared in the event. Unmatched events are
// dropped once they exceed retention.
type Correlator struct {
	bus       *Bus
	resolver  IdentityResolver
	clock     clockwork.Clock
	retention time.Duration

	mu     sync.Mutex
	buffer []bufferedBip
}

// NewCorrelator returns a Correlator that publishes CorrelatedEvent values
// onto bus's KindBip channel as type "Correlated" once joined.
func NewCorrelator(bus *Bus, resolver IdentityResolver, clock clockwork.Clock, retention time.Duration) *Correlator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = 30 * time.Second
	}
	return &Correlator{bus: bus, resolver: resolver, clock: clock, retention: retention}
}

// Ingest accepts one externally-produced BipEvent. If it can be matched to
// a live session immediately, it is published as a CorrelatedEvent;
// otherwise it is buffered for up to c.retention awaiting a match.
func (c *Correlator) Ingest(evt BipEvent) {
	if sessionID, ok := c.resolver.ResolveIdentity(evt.SessionID); ok {
		c.publish(sessionID, evt, "immediate")
		return
	}

	c.mu.Lock()
	c.pruneLocked()
	c.buffer = append(c.buffer, bufferedBip{event: evt, receivedAt: c.clock.Now()})
	c.mu.Unlock()
}

// Sweep re-attempts matching for every buffered event and drops entries
// older than retention. Intended to be called periodically.
func (c *Correlator) Sweep() {
	c.mu.Lock()
	c.pruneLocked()
	remaining := c.buffer[:0]
	for _, b := range c.buffer {
		if sessionID, ok := c.resolver.ResolveIdentity(b.event.SessionID); ok {
			c.mu.Unlock()
			c.publish(sessionID, b.event, "buffered")
			c.mu.Lock()
			continue
		}
		remaining = append(remaining, b)
	}
	c.buffer = remaining
	c.mu.Unlock()
}

func (c *Correlator) pruneLocked() {
	cutoff := c.clock.Now().Add(-c.retention)
	kept := c.buffer[:0]
	for _, b := range c.buffer {
		if b.receivedAt.After(cutoff) {
			kept = append(kept, b)
		}
	}
	c.buffer = kept
}

func (c *Correlator) publish(sessionID string, evt BipEvent, matchedBy string) {
	c.bus.Publish(Event{
		Kind:      KindBip,
		Type:      "Correlated",
		Timestamp: c.clock.Now(),
		Payload:   CorrelatedEvent{SessionID: sessionID, BipEvent: evt, MatchedBy: matchedBy},
	})
}
