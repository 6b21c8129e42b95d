package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	m.AddKey("card_001", []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10})

	key, ok := m.GetKey("card_001")
	require.True(t, ok)
	require.Len(t, key, 16)
	require.True(t, m.IdentityExists("card_001"))
	require.False(t, m.IdentityExists("ghost"))

	m.RemoveKey("card_001")
	require.False(t, m.IdentityExists("card_001"))
}

func TestMemoryStoreKeyIsCopied(t *testing.T) {
	m := NewMemoryStore()
	original := []byte{0x01, 0x02}
	m.AddKey("id", original)
	original[0] = 0xFF

	key, _ := m.GetKey("id")
	require.Equal(t, byte(0x01), key[0])
}

func TestFileStoreLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  card_001: "0123456789ABCDEF0123456789ABCDEF"
  card_002: "FEDCBA9876543210FEDCBA9876543210"
`), 0o644))

	fs, err := NewFileStore(path, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"card_001", "card_002"}, fs.ListIdentities())

	key, ok := fs.GetKey("card_001")
	require.True(t, ok)
	require.Len(t, key, 16)

	_, ok = fs.GetKey("ghost")
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  card_003: "0011223344556677001122334455667F"
`), 0o644))
	require.NoError(t, fs.Reload())

	require.False(t, fs.IdentityExists("card_001"))
	require.True(t, fs.IdentityExists("card_003"))
}

func TestFileStoreRejectsBadHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  card_001: "not-hex"
`), 0o644))

	_, err := NewFileStore(path, nil)
	require.Error(t, err)
}
