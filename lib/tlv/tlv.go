// Package tlv parses and emits BER-TLV, the encoding SCP81 envelopes and
// GlobalPlatform card profile fields use.
package tlv

import (
	"encoding/hex"
	"fmt"

	"github.com/gravitational/trace"
)

// constructedMask is bit 6 (0x20) of the leading tag byte.
const constructedMask = 0x20

// multiByteTagMask is the low 5 bits of the leading tag byte; all ones
// (0x1F) signals a second tag byte follows.
const multiByteTagMask = 0x1F

const (
	lengthLongForm1 = 0x81
	lengthLongForm2 = 0x82
	lengthLongForm3 = 0x83
	lengthIndefinite = 0x80
	lengthShortMax   = 0x80
)

// TLV is one parsed tag-length-value node. Constructed tags carry their
// parsed children in Children; if child parsing fails the raw value is
// kept instead and Children is nil.
type TLV struct {
	TagBytes    []byte
	Length      int
	Value       []byte
	Constructed bool
	Children    []*TLV
}

// Tag returns the tag as a big-endian integer.
func (t *TLV) Tag() uint32 {
	var v uint32
	for _, b := range t.TagBytes {
		v = v<<8 | uint32(b)
	}
	return v
}

// TagHex returns the upper-case hex form of the tag bytes.
func (t *TLV) TagHex() string {
	return fmt.Sprintf("%X", t.TagBytes)
}

// ToHex returns the upper-case hex encoding of ToBytes.
func (t *TLV) ToHex() string {
	return fmt.Sprintf("%X", t.ToBytes())
}

// ToBytes re-encodes the node: tag || length || value.
func (t *TLV) ToBytes() []byte {
	out := make([]byte, 0, len(t.TagBytes)+4+len(t.Value))
	out = append(out, t.TagBytes...)
	out = append(out, EncodeLength(len(t.Value))...)
	out = append(out, t.Value...)
	return out
}

// Find returns the first direct child with the given tag, recursing only
// if recursive is true.
func (t *TLV) Find(tag uint32, recursive bool) *TLV {
	for _, c := range t.Children {
		if c.Tag() == tag {
			return c
		}
	}
	if recursive {
		for _, c := range t.Children {
			if found := c.Find(tag, true); found != nil {
				return found
			}
		}
	}
	return nil
}

// FindAll returns every direct child with the given tag.
func (t *TLV) FindAll(tag uint32) []*TLV {
	var out []*TLV
	for _, c := range t.Children {
		if c.Tag() == tag {
			out = append(out, c)
		}
	}
	return out
}

// ParseError carries the byte offset at which parsing failed.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tlv: parse error at offset %d: %s", e.Offset, e.Reason)
}

// Parse parses a single TLV node starting at the beginning of b and
// returns the node plus the number of bytes consumed.
func Parse(b []byte) (*TLV, int, error) {
	return parseOne(b, 0)
}

// ParseAll parses a top-level sequence of TLV nodes, skipping 0x00/0xFF
// padding bytes between them.
func ParseAll(b []byte) ([]*TLV, error) {
	var out []*TLV
	pos := 0
	for pos < len(b) {
		if b[pos] == 0x00 || b[pos] == 0xFF {
			pos++
			continue
		}
		node, n, err := parseOne(b[pos:], pos)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, node)
		pos += n
	}
	return out, nil
}

func parseOne(b []byte, baseOffset int) (*TLV, int, error) {
	tagBytes, pos, err := parseTag(b, baseOffset)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	length, lengthLen, err := parseLength(b[pos:], baseOffset+pos)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	pos += lengthLen

	if pos+length > len(b) {
		return nil, 0, &ParseError{Offset: baseOffset + pos, Reason: "unexpected end of input"}
	}
	value := b[pos : pos+length]
	pos += length

	constructed := tagBytes[0]&constructedMask != 0
	node := &TLV{TagBytes: tagBytes, Length: length, Value: value, Constructed: constructed}

	if constructed {
		if children, cerr := ParseAll(value); cerr == nil {
			node.Children = children
		}
		// on child-parse failure the raw value is kept, Children stays nil
	}

	return node, pos, nil
}

func parseTag(b []byte, baseOffset int) ([]byte, int, error) {
	if len(b) == 0 {
		return nil, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading tag"}
	}
	if b[0]&multiByteTagMask != multiByteTagMask {
		return b[0:1], 1, nil
	}
	if len(b) < 2 {
		return nil, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading multi-byte tag"}
	}
	return b[0:2], 2, nil
}

func parseLength(b []byte, baseOffset int) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading length"}
	}
	first := b[0]
	if first < lengthShortMax {
		return int(first), 1, nil
	}
	if first == lengthIndefinite {
		return 0, 0, &ParseError{Offset: baseOffset, Reason: "indefinite length form is not supported"}
	}
	switch first {
	case lengthLongForm1:
		if len(b) < 2 {
			return 0, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading long-form length"}
		}
		return int(b[1]), 2, nil
	case lengthLongForm2:
		if len(b) < 3 {
			return 0, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading long-form length"}
		}
		return int(b[1])<<8 | int(b[2]), 3, nil
	case lengthLongForm3:
		if len(b) < 4 {
			return 0, 0, &ParseError{Offset: baseOffset, Reason: "unexpected end of input reading long-form length"}
		}
		return int(b[1])<<16 | int(b[2])<<8 | int(b[3]), 4, nil
	default:
		return 0, 0, &ParseError{Offset: baseOffset, Reason: "unsupported length form"}
	}
}

// EncodeLength returns the minimal-form BER length encoding.
func EncodeLength(length int) []byte {
	switch {
	case length < lengthShortMax:
		return []byte{byte(length)}
	case length <= 0xFF:
		return []byte{lengthLongForm1, byte(length)}
	case length <= 0xFFFF:
		return []byte{lengthLongForm2, byte(length >> 8), byte(length)}
	default:
		return []byte{lengthLongForm3, byte(length >> 16), byte(length >> 8), byte(length)}
	}
}

// Build constructs a TLV node from a tag and raw value. Constructed follows
// the tag's constructed bit; Children is left empty.
func Build(tag uint32, value []byte) (*TLV, error) {
	tagBytes, err := encodeTag(tag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &TLV{TagBytes: tagBytes, Length: len(value), Value: value, Constructed: tagBytes[0]&constructedMask != 0}, nil
}

// BuildConstructed constructs a constructed TLV node from a tag and a set
// of already-built children.
func BuildConstructed(tag uint32, children ...*TLV) (*TLV, error) {
	tagBytes, err := encodeTag(tag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tagBytes[0] |= constructedMask

	var value []byte
	for _, c := range children {
		value = append(value, c.ToBytes()...)
	}
	return &TLV{TagBytes: tagBytes, Length: len(value), Value: value, Constructed: true, Children: children}, nil
}

func encodeTag(tag uint32) ([]byte, error) {
	switch {
	case tag <= 0xFF:
		return []byte{byte(tag)}, nil
	case tag <= 0xFFFF:
		return []byte{byte(tag >> 8), byte(tag)}, nil
	default:
		return nil, trace.BadParameter("tlv: tag value %#x exceeds two bytes", tag)
	}
}

// ParseHex is a convenience wrapper around ParseAll for hex-encoded input.
func ParseHex(s string) ([]*TLV, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, trace.BadParameter("tlv: invalid hex: %v", err)
	}
	return ParseAll(b)
}
