package apdu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHexCase1(t *testing.T) {
	cmd, err := ParseHex("00A40400")
	require.NoError(t, err)
	require.Equal(t, Case1, cmd.Case())
	require.Equal(t, "00A40400", cmd.Hex())
}

func TestParseHexCase2(t *testing.T) {
	cmd, err := ParseHex("00A4040010")
	require.NoError(t, err)
	require.Equal(t, Case2, cmd.Case())
	require.True(t, cmd.HasLe)
	require.Equal(t, 16, cmd.Le)
}

func TestParseHexCase3(t *testing.T) {
	cmd, err := ParseHex("00A4040008A000000151000000")
	require.NoError(t, err)
	require.Equal(t, Case3, cmd.Case())
	require.Len(t, cmd.Data, 8)
}

func TestParseHexCase4(t *testing.T) {
	cmd, err := ParseHex("00A4040008A00000015100000000")
	require.NoError(t, err)
	require.Equal(t, Case4, cmd.Case())
	require.True(t, cmd.HasLe)
}

func TestParseRejectsOddLength(t *testing.T) {
	_, err := ParseHex("00A404")
	require.Error(t, err)
}

func TestParseRejectsTooShort(t *testing.T) {
	_, err := ParseHex("00A4")
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	hexStr := "00A4040007A000000151000000"
	cmd, err := ParseHex(hexStr)
	require.NoError(t, err)
	require.Equal(t, hexStr, cmd.Hex())
}

func TestStatusWordClassification(t *testing.T) {
	cases := []struct {
		sw    StatusWord
		class Class
	}{
		{0x9000, ClassSuccess},
		{0x6210, ClassRetryable},
		{0x6310, ClassWarningWithData},
		{0x6A82, ClassClientError},
		{0x6B00, ClassClientError},
		{0x6D00, ClassUnsupported},
		{0x6E00, ClassUnsupported},
		{0x6F00, ClassCardError},
		{0x1234, ClassUnknown},
	}
	for _, c := range cases {
		require.Equal(t, c.class, c.sw.Class(), "sw=%04X", uint16(c.sw))
	}
}

func TestStatusWordLabel(t *testing.T) {
	require.Equal(t, "Success", StatusWord(0x9000).Label())
	require.Equal(t, "File not found", StatusWord(0x6A82).Label())
	require.Contains(t, StatusWord(0xABCD).Label(), "Unknown")
}

func TestParseSWRejectsWrongLength(t *testing.T) {
	_, err := ParseSW([]byte{0x90})
	require.Error(t, err)
}
