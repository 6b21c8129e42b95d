package psktls

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
)

// Conn is a net.Conn wrapping an established PSK-TLS session: every Read
// and Write moves application-data records through the negotiated
// record ciphers.
type Conn struct {
	conn   net.Conn
	client *recordCipher // decrypts inbound records
	server *recordCipher // encrypts outbound records

	readBuf []byte
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		var header [5]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return 0, err
		}
		rt := recordType(header[0])
		length := binary.BigEndian.Uint16(header[3:5])
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return 0, err
		}
		if rt == recordTypeAlert {
			return 0, io.EOF
		}
		if rt != recordTypeApplicationData {
			return 0, trace.BadParameter("unexpected record type %d on established connection", rt)
		}
		plaintext, err := c.client.open(rt, payload)
		if err != nil {
			return 0, err
		}
		c.readBuf = plaintext
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	const maxFragment = maxRecordPayload
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFragment {
			chunk = chunk[:maxFragment]
		}
		sealed, err := c.server.seal(recordTypeApplicationData, chunk)
		if err != nil {
			return total, trace.Wrap(err)
		}
		var header [5]byte
		header[0] = byte(recordTypeApplicationData)
		header[1], header[2] = recordVersionMajor, recordVersionMinor
		binary.BigEndian.PutUint16(header[3:5], uint16(len(sealed)))
		if _, err := c.conn.Write(header[:]); err != nil {
			return total, err
		}
		if _, err := c.conn.Write(sealed); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *Conn) Close() error                       { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
