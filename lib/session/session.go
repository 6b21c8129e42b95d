// Package session implements the OTA session lifecycle: the state
// machine, the append-only APDU exchange log, and the background idle
// sweep (C7).
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is a position in the session lifecycle DAG.
type State string

const (
	StateHandshaking State = "Handshaking"
	StateConnected   State = "Connected"
	StateActive      State = "Active"
	StateClosed      State = "Closed"
)

// CloseReason records why a session reached StateClosed.
type CloseReason string

const (
	ReasonNormal                CloseReason = "Normal"
	ReasonTimeout               CloseReason = "Timeout"
	ReasonConnectionInterrupted CloseReason = "ConnectionInterrupted"
	ReasonClientRequested       CloseReason = "ClientRequested"
	ReasonServerShutdown        CloseReason = "ServerShutdown"
)

// validTransitions is an explicit adjacency map of the state DAG, mirroring
// the original's VALID_TRANSITIONS dict rather than an if/else chain.
var validTransitions = map[State]map[State]bool{
	StateHandshaking: {StateConnected: true, StateClosed: true},
	StateConnected:   {StateActive: true, StateClosed: true},
	StateActive:      {StateClosed: true},
	StateClosed:      {},
}

// CanTransition reports whether from -> to is a legal single-step move.
func CanTransition(from, to State) bool {
	next, ok := validTransitions[from]
	return ok && next[to]
}

// TlsSessionInfo captures the negotiated PSK-TLS parameters for a session.
type TlsSessionInfo struct {
	CipherSuite     string
	PskIdentity     string
	ProtocolVersion string
	HandshakeMs     int64
	ClientEndpoint  string
}

// Exchange is one append-only APDU round trip within a Session.
type Exchange struct {
	SequenceNo   int
	CommandHex   string
	CommandLabel string
	ResponseHex  string
	SW           uint16
	LatencyMs    int64
	Timestamp    time.Time
}

// Session is the server's view of one end-to-end OTA admin conversation.
// Callers never mutate a Session directly; all mutation routes through the
// Store, which validates transitions and serializes access.
type Session struct {
	ID             string
	State          State
	ClientEndpoint string
	CreatedAt      time.Time
	LastActivityAt time.Time
	TlsInfo        *TlsSessionInfo
	PskIdentity    string
	ExchangeLog    []Exchange
	CloseReason    CloseReason
	Metadata       map[string]string
}

// newSessionID returns a fresh 128-bit random identifier.
func newSessionID() string {
	return uuid.New().String()
}

// Clone returns a deep-enough copy safe to hand to callers as a read-only
// snapshot.
func (s *Session) Clone() *Session {
	clone := *s
	clone.ExchangeLog = append([]Exchange(nil), s.ExchangeLog...)
	clone.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	if s.TlsInfo != nil {
		info := *s.TlsInfo
		clone.TlsInfo = &info
	}
	return &clone
}
