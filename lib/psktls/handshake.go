package psktls

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// handshakeMsgType is the TLS handshake message type (RFC 5246 §7.4).
type handshakeMsgType uint8

const (
	msgClientHello       handshakeMsgType = 1
	msgServerHello       handshakeMsgType = 2
	msgServerKeyExchange handshakeMsgType = 12
	msgServerHelloDone   handshakeMsgType = 14
	msgClientKeyExchange handshakeMsgType = 16
	msgFinished          handshakeMsgType = 20
)

// KeyResolver resolves a PSK identity to its key. lib/keystore.Store
// satisfies this interface directly.
type KeyResolver interface {
	GetKey(identity string) ([]byte, bool)
}

// Config configures a server-side handshake.
type Config struct {
	// Policy is the enabled cipher-suite set. Required.
	Policy *Policy
	// Keys resolves PSK identities. Required.
	Keys KeyResolver
	// Clock times the handshake for HandshakeMs. The timeout deadline is
	// set from the real time.
	Clock clockwork.Clock
	// HandshakeTimeout bounds how long the handshake may take before it
	// fails with AlertHandshakeFailure. Defaults to 30s.
	HandshakeTimeout time.Duration
	// Logger receives handshake diagnostics. Key material is never logged.
	Logger *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Policy == nil {
		return trace.BadParameter("Policy must be provided")
	}
	if c.Keys == nil {
		return trace.BadParameter("Keys must be provided")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "PSKTLS")
	}
	return nil
}

// Info describes a completed handshake's negotiated parameters.
type Info struct {
	CipherSuite     CipherSuite
	PSKIdentity     string
	ProtocolVersion string
	HandshakeMs     int64
}

// WarnIfNullCiphersEnabled logs the startup banner required whenever a
// policy includes a NULL-integrity suite. Call once at process start.
func WarnIfNullCiphersEnabled(policy *Policy, log *logrus.Entry) {
	if !policy.HasNullCiphers() {
		return
	}
	log.Warn("════════════════════════════════════════════════════════════")
	log.Warn("NULL-integrity cipher suites are ENABLED. Traffic on these")
	log.Warn("suites carries NO encryption and NO integrity protection.")
	log.Warn("This is intended for interoperability testing only.")
	log.Warn("════════════════════════════════════════════════════════════")
}

// Server performs a server-side PSK-TLS handshake over conn and, on
// success, returns a *Conn ready for application data together with the
// negotiated Info. On failure it returns a *HandshakeError (possibly
// wrapped) describing the alert that was sent to the peer.
func Server(conn net.Conn, cfg Config) (*Conn, Info, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, Info{}, trace.Wrap(err)
	}

	start := cfg.Clock.Now()
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	hs := &serverHandshake{conn: conn, cfg: cfg}
	info, err := hs.run()
	if err != nil {
		hs.sendAlert(alertFromError(err))
		return nil, Info{}, err
	}
	info.HandshakeMs = cfg.Clock.Now().Sub(start).Milliseconds()

	if info.CipherSuite.IsNull() {
		cfg.Logger.WithField("client", conn.RemoteAddr().String()).
			Warn("Connection established with a NULL cipher suite: traffic is unencrypted.")
	}

	c := &Conn{
		conn:   conn,
		client: hs.clientCipher,
		server: hs.serverCipher,
	}
	return c, info, nil
}

func alertFromError(err error) Alert {
	if he, ok := err.(*HandshakeError); ok {
		return he.Alert
	}
	return AlertInternalError
}

// serverHandshake holds the transient state of one in-progress handshake.
type serverHandshake struct {
	conn net.Conn
	cfg  Config

	clientRandom, serverRandom []byte
	suite                      CipherSuite
	pskIdentity                string

	clientCipher, serverCipher *recordCipher
}

func (hs *serverHandshake) run() (Info, error) {
	clientHello, err := hs.readHandshakeMessage(msgClientHello)
	if err != nil {
		return Info{}, err
	}
	offered, err := parseClientHello(clientHello)
	if err != nil {
		return Info{}, err
	}
	hs.clientRandom = offered.random

	suite, ok := hs.cfg.Policy.Negotiate(offered.cipherSuites)
	if !ok {
		return Info{}, newHandshakeError(AlertHandshakeFailure, "no overlapping cipher suite with client offer")
	}
	hs.suite = suite

	hs.serverRandom = make([]byte, 32)
	if _, err := rand.Read(hs.serverRandom); err != nil {
		return Info{}, trace.Wrap(err)
	}
	if err := hs.writeHandshakeMessage(msgServerHello, encodeServerHello(hs.serverRandom, suite)); err != nil {
		return Info{}, err
	}

	// ServerKeyExchange carries a PSK identity hint; this server sends an
	// empty hint and lets the client name an identity in its own message.
	if err := hs.writeHandshakeMessage(msgServerKeyExchange, encodePSKIdentityHint("")); err != nil {
		return Info{}, err
	}
	if err := hs.writeHandshakeMessage(msgServerHelloDone, nil); err != nil {
		return Info{}, err
	}

	cke, err := hs.readHandshakeMessage(msgClientKeyExchange)
	if err != nil {
		return Info{}, err
	}
	identity, err := parsePSKIdentity(cke)
	if err != nil {
		return Info{}, err
	}
	hs.pskIdentity = identity

	psk, ok := hs.cfg.Keys.GetKey(identity)
	if !ok {
		return Info{}, newHandshakeError(AlertUnknownPSKIdentity, "unknown PSK identity")
	}

	premaster := pskPremasterSecret(psk)
	master := masterSecret(premaster, hs.clientRandom, hs.serverRandom)
	km := deriveKeyMaterial(suite, master, hs.clientRandom, hs.serverRandom)

	clientCipher, err := newRecordCipher(suite, km.clientMACKey, km.clientWriteKey)
	if err != nil {
		return Info{}, trace.Wrap(err)
	}
	serverCipher, err := newRecordCipher(suite, km.serverMACKey, km.serverWriteKey)
	if err != nil {
		return Info{}, trace.Wrap(err)
	}
	hs.clientCipher, hs.serverCipher = clientCipher, serverCipher

	if err := hs.readChangeCipherSpec(); err != nil {
		return Info{}, err
	}
	if _, err := hs.readEncryptedHandshakeMessage(msgFinished, clientCipher); err != nil {
		return Info{}, err
	}

	if err := hs.writeChangeCipherSpec(); err != nil {
		return Info{}, err
	}
	if err := hs.writeEncryptedHandshakeMessage(msgFinished, []byte("server finished"), serverCipher); err != nil {
		return Info{}, err
	}

	return Info{CipherSuite: suite, PSKIdentity: identity, ProtocolVersion: "TLSv1.2"}, nil
}

// readRecord reads one TLS record header and payload from the connection.
func (hs *serverHandshake) readRecord() (recordType, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(hs.conn, header[:]); err != nil {
		return 0, nil, wrapReadError(err)
	}
	length := binary.BigEndian.Uint16(header[3:5])
	if length > maxRecordPayload+2048 {
		return 0, nil, newHandshakeError(AlertRecordOverflow, "record too large")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(hs.conn, payload); err != nil {
		return 0, nil, wrapReadError(err)
	}
	return recordType(header[0]), payload, nil
}

func wrapReadError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return newHandshakeError(AlertHandshakeFailure, "handshake timed out")
	}
	return newHandshakeError(AlertHandshakeFailure, "connection closed during handshake: %v", err)
}

func (hs *serverHandshake) writeRecord(rt recordType, payload []byte) error {
	var header [5]byte
	header[0] = byte(rt)
	header[1], header[2] = recordVersionMajor, recordVersionMinor
	binary.BigEndian.PutUint16(header[3:5], uint16(len(payload)))
	if _, err := hs.conn.Write(header[:]); err != nil {
		return trace.Wrap(err)
	}
	_, err := hs.conn.Write(payload)
	return trace.Wrap(err)
}

func (hs *serverHandshake) readHandshakeMessage(want handshakeMsgType) ([]byte, error) {
	rt, payload, err := hs.readRecord()
	if err != nil {
		return nil, err
	}
	if rt != recordTypeHandshake {
		return nil, newHandshakeError(AlertUnexpectedMessage, "expected handshake record, got type %d", rt)
	}
	if len(payload) < 4 {
		return nil, newHandshakeError(AlertDecodeError, "handshake message too short")
	}
	got := handshakeMsgType(payload[0])
	if got != want {
		return nil, newHandshakeError(AlertUnexpectedMessage, "expected handshake message %d, got %d", want, got)
	}
	return payload[4:], nil
}

func (hs *serverHandshake) writeHandshakeMessage(t handshakeMsgType, body []byte) error {
	var header [4]byte
	header[0] = byte(t)
	length := len(body)
	header[1], header[2], header[3] = byte(length>>16), byte(length>>8), byte(length)
	return hs.writeRecord(recordTypeHandshake, append(header[:], body...))
}

func (hs *serverHandshake) readChangeCipherSpec() error {
	rt, payload, err := hs.readRecord()
	if err != nil {
		return err
	}
	if rt != recordTypeChangeCipherSpec || len(payload) != 1 || payload[0] != 1 {
		return newHandshakeError(AlertUnexpectedMessage, "expected ChangeCipherSpec")
	}
	return nil
}

func (hs *serverHandshake) writeChangeCipherSpec() error {
	return hs.writeRecord(recordTypeChangeCipherSpec, []byte{1})
}

func (hs *serverHandshake) readEncryptedHandshakeMessage(want handshakeMsgType, rc *recordCipher) ([]byte, error) {
	rt, ciphertext, err := hs.readRecord()
	if err != nil {
		return nil, err
	}
	if rt != recordTypeHandshake {
		return nil, newHandshakeError(AlertUnexpectedMessage, "expected encrypted handshake record")
	}
	plaintext, err := rc.open(rt, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 4 || handshakeMsgType(plaintext[0]) != want {
		return nil, newHandshakeError(AlertUnexpectedMessage, "unexpected encrypted handshake message")
	}
	return plaintext[4:], nil
}

func (hs *serverHandshake) writeEncryptedHandshakeMessage(t handshakeMsgType, body []byte, rc *recordCipher) error {
	var header [4]byte
	header[0] = byte(t)
	length := len(body)
	header[1], header[2], header[3] = byte(length>>16), byte(length>>8), byte(length)
	plaintext := append(header[:], body...)

	sealed, err := rc.seal(recordTypeHandshake, plaintext)
	if err != nil {
		return trace.Wrap(err)
	}
	return hs.writeRecord(recordTypeHandshake, sealed)
}

func (hs *serverHandshake) sendAlert(alert Alert) {
	_ = hs.writeRecord(recordTypeAlert, []byte{2, byte(alert)}) // level 2 = fatal
}

// --- handshake message bodies ---

type clientHelloBody struct {
	random       []byte
	cipherSuites []CipherSuite
}

func parseClientHello(body []byte) (clientHelloBody, error) {
	r := bytes.NewReader(body)
	var legacyVersion [2]byte
	if _, err := io.ReadFull(r, legacyVersion[:]); err != nil {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated ClientHello version")
	}

	random := make([]byte, 32)
	if _, err := io.ReadFull(r, random); err != nil {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated ClientHello random")
	}

	var sessIDLen [1]byte
	if _, err := io.ReadFull(r, sessIDLen[:]); err != nil {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated ClientHello session id length")
	}
	if _, err := io.CopyN(io.Discard, r, int64(sessIDLen[0])); err != nil {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated ClientHello session id")
	}

	var suiteLen [2]byte
	if _, err := io.ReadFull(r, suiteLen[:]); err != nil {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated ClientHello cipher suite length")
	}
	n := binary.BigEndian.Uint16(suiteLen[:])
	if n == 0 || n%2 != 0 {
		return clientHelloBody{}, newHandshakeError(AlertDecodeError, "invalid cipher suite list length")
	}
	suites := make([]CipherSuite, 0, n/2)
	for i := uint16(0); i < n; i += 2 {
		var raw [2]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return clientHelloBody{}, newHandshakeError(AlertDecodeError, "truncated cipher suite list")
		}
		suites = append(suites, CipherSuite(binary.BigEndian.Uint16(raw[:])))
	}

	return clientHelloBody{random: random, cipherSuites: suites}, nil
}

func encodeServerHello(serverRandom []byte, suite CipherSuite) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(recordVersionMajor)
	buf.WriteByte(recordVersionMinor)
	buf.Write(serverRandom)
	buf.WriteByte(0) // session id length: stateless, no resumption
	var suiteBytes [2]byte
	binary.BigEndian.PutUint16(suiteBytes[:], uint16(suite))
	buf.Write(suiteBytes[:])
	buf.WriteByte(0) // compression method: null
	return buf.Bytes()
}

// encodePSKIdentityHint encodes a ServerKeyExchange body carrying a
// (possibly empty) PSK identity hint (RFC 4279 §2).
func encodePSKIdentityHint(hint string) []byte {
	buf := new(bytes.Buffer)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(hint)))
	buf.Write(l[:])
	buf.WriteString(hint)
	return buf.Bytes()
}

// parsePSKIdentity parses a ClientKeyExchange body carrying the client's
// chosen PSK identity (RFC 4279 §2).
func parsePSKIdentity(body []byte) (string, error) {
	if len(body) < 2 {
		return "", newHandshakeError(AlertDecodeError, "truncated ClientKeyExchange")
	}
	n := binary.BigEndian.Uint16(body[:2])
	if int(n) > len(body)-2 {
		return "", newHandshakeError(AlertDecodeError, "ClientKeyExchange identity length overruns message")
	}
	return string(body[2 : 2+n]), nil
}
