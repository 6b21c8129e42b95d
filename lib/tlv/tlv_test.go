package tlv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseShortForm(t *testing.T) {
	b := []byte{0x80, 0x02, 0x01, 0x02}
	node, n, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint32(0x80), node.Tag())
	require.Equal(t, []byte{0x01, 0x02}, node.Value)
	require.False(t, node.Constructed)
}

func TestParseLongForm(t *testing.T) {
	value := make([]byte, 200)
	b := append([]byte{0x5F, 0x20, 0x81, byte(len(value))}, value...)
	node, n, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, 200, node.Length)
}

func TestParseMultiByteTag(t *testing.T) {
	b := []byte{0x5F, 0x20, 0x01, 0x42}
	node, _, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, []byte{0x5F, 0x20}, node.TagBytes)
}

func TestParseConstructedRecurses(t *testing.T) {
	child := []byte{0x80, 0x01, 0x09}
	b := append([]byte{0xE0, byte(len(child))}, child...)
	node, _, err := Parse(b)
	require.NoError(t, err)
	require.True(t, node.Constructed)
	require.Len(t, node.Children, 1)
	require.Equal(t, uint32(0x80), node.Children[0].Tag())
}

func TestParseIndefiniteLengthRejected(t *testing.T) {
	b := []byte{0x80, 0x80}
	_, _, err := Parse(b)
	require.Error(t, err)
}

func TestParseAllSkipsPadding(t *testing.T) {
	b := []byte{0x00, 0xFF, 0x80, 0x01, 0x01, 0x00}
	nodes, err := ParseAll(b)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestRoundTrip(t *testing.T) {
	original := []byte{0xE0, 0x05, 0x80, 0x01, 0x09, 0x81, 0x00}
	node, n, err := Parse(original)
	require.NoError(t, err)
	require.Equal(t, len(original), n)
	require.Equal(t, original, node.ToBytes())
}

func TestEncodeLengthMinimalForm(t *testing.T) {
	require.Equal(t, []byte{0x05}, EncodeLength(5))
	require.Equal(t, []byte{0x81, 0xFF}, EncodeLength(255))
	require.Equal(t, []byte{0x82, 0x01, 0x00}, EncodeLength(256))
}

func TestBuildAndBuildConstructed(t *testing.T) {
	leaf, err := Build(0x80, []byte{0x01, 0x02})
	require.NoError(t, err)

	parent, err := BuildConstructed(0xE0, leaf)
	require.NoError(t, err)
	require.True(t, parent.Constructed)

	reparsed, _, err := Parse(parent.ToBytes())
	require.NoError(t, err)
	require.Len(t, reparsed.Children, 1)
	require.Equal(t, leaf.Value, reparsed.Children[0].Value)
}

func TestTagTooLargeRejected(t *testing.T) {
	_, err := Build(0x1000000, nil)
	require.Error(t, err)
}

func TestUnexpectedEndOfInput(t *testing.T) {
	_, _, err := Parse([]byte{0x80, 0x05, 0x01})
	require.Error(t, err)
}
