package admin

import (
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/cardlink/ota-admin-server/lib/events"
	"github.com/cardlink/ota-admin-server/lib/psktls"
	"github.com/cardlink/ota-admin-server/lib/ratelimit"
	"github.com/cardlink/ota-admin-server/lib/session"
)

// DefaultAdminPath is the SCP81 admin endpoint path used when Config
// doesn't override it.
const DefaultAdminPath = "/cardlink/ota"

// DefaultAllowedContentTypes are the admin content-type variants accepted
// on an incoming POST (spec.md §6, §9 Open Questions).
var DefaultAllowedContentTypes = []string{
	"application/vnd.globalplatform.card-content-mgt",
	"application/octet-stream",
}

// Config configures a Server.
type Config struct {
	// Listener accepts raw TCP connections. Required.
	Listener net.Listener
	// TLS configures the PSK-TLS handshake performed on each connection.
	// Required.
	TLS psktls.Config
	// Sessions is the session store backing every accepted connection.
	// Required.
	Sessions *session.Store
	// Bus receives SecurityEvent publications for handshake failures.
	// Required.
	Bus *events.Bus
	// Mismatches tracks repeated PSK mismatches per client IP. Required.
	Mismatches *ratelimit.MismatchTracker
	// NewDispenser constructs a fresh Dispenser for each accepted session
	// (a Dispenser is typically a Script Runner, which is stateful and
	// cannot be shared across concurrent sessions). Required.
	NewDispenser func(sessionID string) (Dispenser, error)
	// AdminPath is the HTTP path the driver accepts POSTs on.
	AdminPath string
	// AllowedContentTypes are the admin Content-Type values accepted on
	// an incoming POST with a non-empty body.
	AllowedContentTypes []string
	// RequestReadTimeout bounds how long the driver waits for each POST.
	RequestReadTimeout time.Duration
	// Clock timestamps the events the server publishes.
	Clock clockwork.Clock
	// Logger receives structured diagnostics.
	Logger *logrus.Entry
}

// CheckAndSetDefaults validates required fields and fills optional ones.
func (c *Config) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("Listener must be provided")
	}
	if c.TLS.Policy == nil || c.TLS.Keys == nil {
		return trace.BadParameter("TLS.Policy and TLS.Keys must be provided")
	}
	if c.Sessions == nil {
		return trace.BadParameter("Sessions must be provided")
	}
	if c.Bus == nil {
		return trace.BadParameter("Bus must be provided")
	}
	if c.Mismatches == nil {
		return trace.BadParameter("Mismatches must be provided")
	}
	if c.NewDispenser == nil {
		return trace.BadParameter("NewDispenser must be provided")
	}
	if c.AdminPath == "" {
		c.AdminPath = DefaultAdminPath
	}
	if len(c.AllowedContentTypes) == 0 {
		c.AllowedContentTypes = DefaultAllowedContentTypes
	}
	if c.RequestReadTimeout == 0 {
		c.RequestReadTimeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "Admin")
	}
	return nil
}

// Server accepts TCP connections, performs the PSK-TLS handshake on each,
// and drives the SCP81 admin dialog to completion.
type Server struct {
	cfg     Config
	ctSet   contentTypeSet
	closing chan struct{}
}

// NewServer constructs a Server from cfg.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	psktls.WarnIfNullCiphersEnabled(cfg.TLS.Policy, cfg.Logger)
	return &Server{
		cfg:     cfg,
		ctSet:   newContentTypeSet(cfg.AllowedContentTypes),
		closing: make(chan struct{}),
	}, nil
}

// Serve accepts connections until the listener is closed, handling each
// on its own goroutine. It returns once Accept starts reporting the
// listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			if isClosedNetworkError(err) {
				return trace.Wrap(err, "admin listener is closed")
			}
			select {
			case <-s.closing:
				return trace.Wrap(net.ErrClosed, "admin listener is closed")
			case <-time.After(time.Second):
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// Close stops Serve from accepting further connections.
func (s *Server) Close() error {
	close(s.closing)
	return s.cfg.Listener.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	clientEndpoint := conn.RemoteAddr().String()
	clientIP, _, _ := net.SplitHostPort(clientEndpoint)

	tlsConn, info, err := psktls.Server(conn, s.cfg.TLS)
	if err != nil {
		conn.Close()
		s.handleHandshakeFailure(err, clientIP, clientEndpoint)
		return
	}

	sess := s.cfg.Sessions.CreateSession(clientEndpoint, map[string]string{"identity": info.PSKIdentity})
	if err := s.cfg.Sessions.SetTlsInfo(sess.ID, session.TlsSessionInfo{
		CipherSuite:     info.CipherSuite.Name(),
		PskIdentity:     info.PSKIdentity,
		ProtocolVersion: info.ProtocolVersion,
		HandshakeMs:     info.HandshakeMs,
		ClientEndpoint:  clientEndpoint,
	}); err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to record TLS session info.")
	}
	if err := s.cfg.Sessions.SetState(sess.ID, session.StateConnected); err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to mark session Connected.")
	}
	if err := s.cfg.Sessions.SetState(sess.ID, session.StateActive); err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to mark session Active.")
	}

	dispenser, err := s.cfg.NewDispenser(sess.ID)
	if err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to construct a dispenser for session; closing.")
		if _, closeErr := s.cfg.Sessions.Close(sess.ID, session.ReasonConnectionInterrupted); closeErr != nil {
			s.cfg.Logger.WithError(closeErr).Warn("Failed to close session.")
		}
		tlsConn.Close()
		return
	}

	reason := runDriverLoop(tlsConn, tlsConn, sess, s.cfg.Sessions, dispenser, driverConfig{
		adminPath:           s.cfg.AdminPath,
		allowedContentTypes: s.ctSet,
		readTimeout:         s.cfg.RequestReadTimeout,
		logger:              s.cfg.Logger,
	})

	if _, err := s.cfg.Sessions.Close(sess.ID, reason); err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to close session.")
	}
	tlsConn.Close()
}

func (s *Server) handleHandshakeFailure(err error, clientIP, clientEndpoint string) {
	he, ok := err.(*psktls.HandshakeError)
	alert := psktls.AlertInternalError
	if ok {
		alert = he.Alert
	}

	eventType := events.SecurityHandshakeFailed
	if alert == psktls.AlertUnknownPSKIdentity {
		eventType = events.SecurityPskMismatch
		if s.cfg.Mismatches.RecordMismatch(clientIP, "") {
			s.cfg.Bus.Publish(events.Event{
				Kind:      events.KindSecurity,
				Type:      events.SecurityPskRepeatedMismatch,
				Timestamp: s.cfg.Clock.Now(),
				Payload:   events.PskRepeatedMismatchPayload{ClientIP: clientIP},
			})
		}
	}

	s.cfg.Logger.WithError(err).WithField("client", clientEndpoint).Warn("PSK-TLS handshake failed.")
	s.cfg.Bus.Publish(events.Event{
		Kind:      events.KindSecurity,
		Type:      eventType,
		Timestamp: s.cfg.Clock.Now(),
		Payload:   clientEndpoint,
	})
}

func isClosedNetworkError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
