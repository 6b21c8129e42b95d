package session

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/cardlink/ota-admin-server/lib/events"
)

// ErrInvalidStateTransition is returned when a requested state change is
// not a legal single-step move in the session DAG.
var ErrInvalidStateTransition = trace.BadParameter("invalid session state transition")

// ErrSessionNotFound is returned by operations on an unknown session id.
var ErrSessionNotFound = trace.NotFound("session not found")

// StoreConfig configures a Store.
type StoreConfig struct {
	// Bus receives SessionEvent publications. Required.
	Bus *events.Bus
	// Clock is used for timestamps and the idle sweep. Defaults to the
	// real clock.
	Clock clockwork.Clock
	// IdleTimeout is how long a session may go without activity before
	// the sweep force-closes it with ReasonTimeout.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
	// MaxAge bounds how long a Closed session is retained before
	// PurgeClosed removes it.
	MaxAge time.Duration
	// Logger receives structured log entries. Defaults to a
	// component-scoped logrus.Entry.
	Logger *logrus.Entry
}

// CheckAndSetDefaults validates required fields and fills optional ones.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("Bus must be provided")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAge == 0 {
		c.MaxAge = time.Hour
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "SessionStore")
	}
	return nil
}

// Store owns every live and recently-closed Session. Mutations are
// serialized by an internal mutex; event publication happens outside the
// lock so a slow subscriber cannot stall a session mutation.
type Store struct {
	cfg StoreConfig

	mu       sync.Mutex
	sessions map[string]*Session

	closeC chan struct{}
}

// NewStore constructs a Store from cfg.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg, sessions: map[string]*Session{}, closeC: make(chan struct{})}, nil
}

// CreateSession starts a new Session in StateHandshaking.
func (s *Store) CreateSession(clientEndpoint string, metadata map[string]string) *Session {
	now := s.cfg.Clock.Now()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	sess := &Session{
		ID:             newSessionID(),
		State:          StateHandshaking,
		ClientEndpoint: clientEndpoint,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       md,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.cfg.Bus.Publish(events.Event{
		Kind:      events.KindSession,
		Type:      events.SessionStarted,
		Timestamp: now,
		Payload:   sess.Clone(),
	})

	return sess.Clone()
}

// Get returns a read-only snapshot of the session, or ErrSessionNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ResolveIdentity implements events.IdentityResolver: it maps a declared
// identity (checked against both PskIdentity and the "identity" metadata
// key) to the id of a live, non-closed session.
func (s *Store) ResolveIdentity(identity string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.State == StateClosed {
			continue
		}
		if sess.PskIdentity == identity || sess.Metadata["identity"] == identity {
			return sess.ID, true
		}
	}
	return "", false
}

// SetState transitions id to newState if legal, updates LastActivityAt,
// and publishes a StateChanged event. Transitioning to the current state
// is itself an error (transitions must advance).
func (s *Store) SetState(id string, newState State) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State == newState || !CanTransition(sess.State, newState) {
		s.mu.Unlock()
		return trace.Wrap(ErrInvalidStateTransition, "cannot move from %s to %s", sess.State, newState)
	}
	sess.State = newState
	sess.LastActivityAt = s.cfg.Clock.Now()
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.cfg.Bus.Publish(events.Event{
		Kind:      events.KindSession,
		Type:      events.SessionStateChanged,
		Timestamp: snapshot.LastActivityAt,
		Payload:   snapshot,
	})
	return nil
}

// SetTlsInfo records the negotiated PSK-TLS parameters and the identity
// presented by the client.
func (s *Store) SetTlsInfo(id string, info TlsSessionInfo) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.TlsInfo = &info
	sess.PskIdentity = info.PskIdentity
	sess.LastActivityAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	return nil
}

// RecordExchange appends exch to id's exchange log with a
// server-assigned, monotonically increasing sequence number, and
// publishes ExchangeRecorded. Fails if the session is already Closed.
func (s *Store) RecordExchange(id string, exch Exchange) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State == StateClosed {
		s.mu.Unlock()
		return trace.BadParameter("cannot record an exchange on a closed session")
	}
	exch.SequenceNo = len(sess.ExchangeLog) + 1
	exch.Timestamp = s.cfg.Clock.Now()
	sess.ExchangeLog = append(sess.ExchangeLog, exch)
	sess.LastActivityAt = exch.Timestamp
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.cfg.Bus.Publish(events.Event{
		Kind:      events.KindSession,
		Type:      events.SessionExchangeRecorded,
		Timestamp: exch.Timestamp,
		Payload:   snapshot,
	})
	return nil
}

// Close force-closes id with reason. Idempotent: closing an
// already-closed session is a no-op that returns the existing record
// without publishing a duplicate Ended event.
func (s *Store) Close(id string, reason CloseReason) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.State == StateClosed {
		snapshot := sess.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}

	previous := sess.State
	now := s.cfg.Clock.Now()
	sess.State = StateClosed
	sess.CloseReason = reason
	sess.LastActivityAt = now
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.cfg.Bus.Publish(events.Event{
		Kind:      events.KindSession,
		Type:      events.SessionEnded,
		Timestamp: now,
		Payload: events.SessionEndedPayload{
			SessionID:     id,
			Reason:        string(reason),
			PreviousState: string(previous),
			Duration:      now.Sub(snapshot.CreatedAt),
			CommandCount:  len(snapshot.ExchangeLog),
		},
	})
	return snapshot, nil
}

// ActiveSessions returns a snapshot of every non-closed session.
func (s *Store) ActiveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.State != StateClosed {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// AllSessions returns a snapshot of every session, closed or not.
func (s *Store) AllSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// PurgeClosed removes Closed sessions whose LastActivityAt is older than
// s.cfg.MaxAge.
func (s *Store) PurgeClosed() int {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.MaxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, sess := range s.sessions {
		if sess.State == StateClosed && sess.LastActivityAt.Before(cutoff) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged
}

// sweepOnce force-closes any session idle beyond IdleTimeout.
func (s *Store) sweepOnce() {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var toClose []string
	for id, sess := range s.sessions {
		if sess.State != StateClosed && sess.LastActivityAt.Before(cutoff) {
			toClose = append(toClose, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toClose {
		if _, err := s.Close(id, ReasonTimeout); err != nil {
			s.cfg.Logger.WithError(err).WithField("session_id", id).Warn("Failed to close idle session.")
		}
	}
}

// RunSweep blocks, force-closing idle sessions and purging Closed sessions
// older than MaxAge every SweepInterval, until Stop is called. Run it on
// its own goroutine.
func (s *Store) RunSweep() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweepOnce()
			s.PurgeClosed()
		case <-s.closeC:
			return
		}
	}
}

// Stop halts the sweep loop and closes every active session with
// ReasonServerShutdown.
func (s *Store) Stop() {
	close(s.closeC)
	for _, sess := range s.ActiveSessions() {
		_, _ = s.Close(sess.ID, ReasonServerShutdown)
	}
}
