// Package admin implements the SCP81 HTTP-POST-over-TLS admin dialog: the
// accept loop that terminates PSK-TLS connections and the per-connection
// driver loop that dispenses APDU script chunks in response to the
// client's POSTs (C10).
package admin

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardlink/ota-admin-server/lib/apdu"
	"github.com/cardlink/ota-admin-server/lib/session"
)

// adminContentType is the content-type the server always sends on a 200
// response with a script chunk.
const adminContentType = "application/vnd.globalplatform.card-content-mgt"

// Dispenser produces the next chunk of command APDUs to send to the
// client. It is implemented by the Script Runner (C12); the driver is
// decoupled from Runner internals through this interface seam.
type Dispenser interface {
	// Next is called once per POST. lastResponse is the card-response
	// bytes from the client's request body (on the session's first request
	// this is that POST's body, normally empty). It returns the next chunk of command bytes to send, or
	// done=true once the script is exhausted (the driver then replies
	// 204 and ends the loop).
	Next(sessionID string, lastResponse []byte) (chunk []byte, done bool, err error)
}

// deadliner is the subset of net.Conn the driver loop needs to enforce a
// per-request read timeout.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// driverConfig bundles the per-connection dependencies the driver loop
// needs, trimmed from the listener's full Config.
type driverConfig struct {
	adminPath           string
	allowedContentTypes contentTypeSet
	readTimeout         time.Duration
	logger              *logrus.Entry
}

// pendingCommand is the last chunk dispensed to the client, held until the
// client's next POST body arrives so the two can be recorded as one
// APDUExchange round trip.
type pendingCommand struct {
	hex    string
	sentAt time.Time
}

// runDriverLoop implements the HTTP-POST-over-TLS loop of spec.md §4.10:
// accept a POST, hand its body (if any) to the Dispenser as the last
// card response, and reply either with the next chunk (200) or end of
// session (204). It returns the CloseReason the caller should pass to
// session.Store.Close.
func runDriverLoop(conn io.ReadWriteCloser, deadlines deadliner, sess *session.Session, store *session.Store, dispenser Dispenser, cfg driverConfig) session.CloseReason {
	reader := bufio.NewReader(conn)
	var pending *pendingCommand

	for {
		if cfg.readTimeout > 0 {
			_ = deadlines.SetReadDeadline(time.Now().Add(cfg.readTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err == io.EOF {
				return session.ReasonClientRequested
			}
			cfg.logger.WithError(err).WithField("session_id", sess.ID).Warn("Connection interrupted while reading admin request.")
			return session.ReasonConnectionInterrupted
		}

		if req.Method != http.MethodPost || req.URL.Path != cfg.adminPath {
			writeResponse(conn, http.StatusBadRequest, "", nil)
			return session.ReasonConnectionInterrupted
		}

		if ct := req.Header.Get("Content-Type"); req.ContentLength > 0 && ct != "" && !cfg.allowedContentTypes.allows(ct) {
			writeResponse(conn, http.StatusBadRequest, "", []byte("unsupported content-type"))
			return session.ReasonConnectionInterrupted
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		req.Body.Close()
		if err != nil {
			writeResponse(conn, http.StatusBadRequest, "", []byte("malformed request body"))
			return session.ReasonConnectionInterrupted
		}

		receivedAt := time.Now()
		if pending != nil {
			exchange := session.Exchange{
				CommandHex:  pending.hex,
				ResponseHex: strings.ToUpper(hex.EncodeToString(body)),
				LatencyMs:   receivedAt.Sub(pending.sentAt).Milliseconds(),
			}
			if len(body) >= 2 {
				if sw, err := apdu.ParseSW(body[len(body)-2:]); err == nil {
					exchange.SW = uint16(sw)
				}
			}
			if err := store.RecordExchange(sess.ID, exchange); err != nil {
				cfg.logger.WithError(err).WithField("session_id", sess.ID).Debug("Could not record exchange; session likely already closed.")
			}
		}

		chunk, done, err := dispenser.Next(sess.ID, body)
		if err != nil {
			cfg.logger.WithError(err).WithField("session_id", sess.ID).Warn("Dispenser failed; closing session.")
			writeResponse(conn, http.StatusInternalServerError, "", nil)
			return session.ReasonConnectionInterrupted
		}

		if done {
			writeResponse(conn, http.StatusNoContent, "", nil)
			return session.ReasonNormal
		}

		pending = &pendingCommand{hex: strings.ToUpper(hex.EncodeToString(chunk)), sentAt: time.Now()}
		writeResponse(conn, http.StatusOK, adminContentType, chunk)
	}
}

func writeResponse(w io.Writer, status int, contentType string, body []byte) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	if len(body) > 0 {
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	_ = resp.Write(w)
}

// contentTypeSet is a small allow-list of admin content-type variants,
// matched case-insensitively per SCP81's tolerance for legacy values.
type contentTypeSet map[string]bool

func newContentTypeSet(values []string) contentTypeSet {
	set := make(contentTypeSet, len(values))
	for _, v := range values {
		set[normalizeContentType(v)] = true
	}
	return set
}

func (s contentTypeSet) allows(contentType string) bool {
	return s[normalizeContentType(contentType)]
}

func normalizeContentType(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == ';' || c == ' ' {
			break // ignore parameters such as charset
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
