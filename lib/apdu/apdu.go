// Package apdu parses and emits ISO 7816-4 command/response APDUs and
// classifies status words for the SCP81 admin dialog.
package apdu

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// Case is the ISO 7816-4 command case (1 through 4, inclusive).
type Case int

const (
	Case1 Case = iota + 1
	Case2
	Case3
	Case4
)

// Command is an immutable, already-validated APDU command.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               int
	HasLe            bool
	Extended         bool
	raw              []byte
}

// Bytes returns the encoded form. Round-trips to the same fields per the
// parse/encode invariant.
func (c *Command) Bytes() []byte {
	return append([]byte(nil), c.raw...)
}

// Hex returns the upper-case hex encoding of Bytes.
func (c *Command) Hex() string {
	return strings.ToUpper(hex.EncodeToString(c.Bytes()))
}

// Case classifies the command by the presence of Lc/data and Le.
func (c *Command) Case() Case {
	switch {
	case len(c.Data) == 0 && !c.HasLe:
		return Case1
	case len(c.Data) == 0 && c.HasLe:
		return Case2
	case len(c.Data) > 0 && !c.HasLe:
		return Case3
	default:
		return Case4
	}
}

// ParseHex decodes a hex string into a Command. Enforces: even length,
// strict hex alphabet, decoded size >= 4 bytes (CLA/INS/P1/P2).
func ParseHex(s string) (*Command, error) {
	if len(s)%2 != 0 {
		return nil, trace.BadParameter("apdu: hex string has odd length")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, trace.BadParameter("apdu: invalid hex: %v", err)
	}
	return Parse(raw)
}

// Parse decodes raw bytes into a Command.
func Parse(raw []byte) (*Command, error) {
	if len(raw) < 4 {
		return nil, trace.BadParameter("apdu: command must decode to at least 4 bytes, got %d", len(raw))
	}
	c := &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], raw: append([]byte(nil), raw...)}

	rest := raw[4:]
	switch len(rest) {
	case 0:
		// case 1: no data, no Le
	case 1:
		c.HasLe = true
		c.Le = int(rest[0])
		if c.Le == 0 {
			c.Le = 256
		}
	default:
		lc := int(rest[0])
		if lc == 0 && len(rest) >= 3 {
			// extended length: 3-byte Lc when data byte 5 is 0x00
			extLc := int(rest[1])<<8 | int(rest[2])
			if len(rest) >= 3+extLc {
				c.Extended = true
				c.Data = rest[3 : 3+extLc]
				tail := rest[3+extLc:]
				if err := parseExtendedLe(c, tail); err != nil {
					return nil, trace.Wrap(err)
				}
				return c, nil
			}
		}
		if len(rest) < 1+lc {
			return nil, trace.BadParameter("apdu: Lc=%d exceeds remaining bytes", lc)
		}
		c.Data = rest[1 : 1+lc]
		tail := rest[1+lc:]
		switch len(tail) {
		case 0:
			// case 3: Lc + data, no Le
		case 1:
			c.HasLe = true
			c.Le = int(tail[0])
			if c.Le == 0 {
				c.Le = 256
			}
		default:
			return nil, trace.BadParameter("apdu: unexpected trailing bytes after Le")
		}
	}
	return c, nil
}

func parseExtendedLe(c *Command, tail []byte) error {
	switch len(tail) {
	case 0:
	case 2:
		c.HasLe = true
		c.Le = int(tail[0])<<8 | int(tail[1])
		if c.Le == 0 {
			c.Le = 65536
		}
	default:
		return trace.BadParameter("apdu: unexpected trailing bytes after extended Le")
	}
	return nil
}

// StatusWord is the 16-bit SW1SW2 trailer of every APDU response.
type StatusWord uint16

// Class is the coarse outcome classification of a StatusWord.
type Class int

const (
	ClassSuccess Class = iota
	ClassWarningWithData
	ClassRetryable
	ClassClientError
	ClassUnsupported
	ClassCardError
	ClassUnknown
)

// ParseSW decodes a 2-byte status word.
func ParseSW(b []byte) (StatusWord, error) {
	if len(b) != 2 {
		return 0, trace.BadParameter("apdu: status word must be exactly 2 bytes, got %d", len(b))
	}
	return StatusWord(uint16(b[0])<<8 | uint16(b[1])), nil
}

// Class classifies the status word: Success(9000), Retryable(62xx),
// WarningWithData(61xx,63xx), ClientError(6Axx,6Bxx),
// Unsupported(6Dxx,6Exx), CardError(6Fxx), Unknown.
func (sw StatusWord) Class() Class {
	switch {
	case sw == 0x9000:
		return ClassSuccess
	case sw&0xFF00 == 0x6200:
		return ClassRetryable
	case sw&0xFF00 == 0x6100 || sw&0xFF00 == 0x6300:
		return ClassWarningWithData
	case sw&0xFF00 == 0x6A00 || sw&0xFF00 == 0x6B00:
		return ClassClientError
	case sw&0xFF00 == 0x6D00 || sw&0xFF00 == 0x6E00:
		return ClassUnsupported
	case sw&0xFF00 == 0x6F00:
		return ClassCardError
	default:
		return ClassUnknown
	}
}

var swLabels = map[StatusWord]string{
	0x9000: "Success",
	0x6A82: "File not found",
	0x6A86: "Incorrect P1/P2",
	0x6A88: "Referenced data not found",
	0x6D00: "INS not supported",
	0x6E00: "CLA not supported",
	0x6700: "Wrong length",
	0x6982: "Security status not satisfied",
	0x6983: "Authentication method blocked",
	0x6985: "Conditions of use not satisfied",
}

// Label returns a short human-readable description of the status word,
// falling back to a generic label for unrecognized values.
func (sw StatusWord) Label() string {
	if label, ok := swLabels[sw]; ok {
		return label
	}
	return fmt.Sprintf("Unknown (SW=%04X)", uint16(sw))
}

// Hex returns the upper-case 4-hex-digit form of the status word.
func (sw StatusWord) Hex() string {
	return fmt.Sprintf("%04X", uint16(sw))
}
