package keystore

import (
	"encoding/hex"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// keyFile is the on-disk shape: a `keys:` mapping of identity -> hex key.
type keyFile struct {
	Keys map[string]string `yaml:"keys"`
}

// FileStore is a Store backed by a YAML key file, loaded eagerly and
// reloadable on demand. Safe for concurrent use.
type FileStore struct {
	path string
	log  *logrus.Entry

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewFileStore loads path and returns a ready FileStore.
func NewFileStore(path string, log *logrus.Entry) (*FileStore, error) {
	if log == nil {
		log = logrus.WithField(trace.Component, "KeyStore")
	}
	fs := &FileStore{path: path, log: log}
	if err := fs.Reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return fs, nil
}

// Reload re-reads the key file and atomically swaps the in-memory map.
func (fs *FileStore) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	var doc keyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return trace.BadParameter("invalid key file: %v", err)
	}

	keys := make(map[string][]byte, len(doc.Keys))
	for identity, hexKey := range doc.Keys {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return trace.BadParameter("key for identity %q is not valid hex", identity)
		}
		if len(keyBytes) < minKeyLength {
			fs.log.WithField("identity", identity).Warn("PSK key is shorter than the recommended minimum of 16 bytes.")
		}
		keys[identity] = keyBytes
		fs.log.WithField("identity", identity).Debug("Loaded PSK identity.")
	}

	fs.mu.Lock()
	fs.keys = keys
	fs.mu.Unlock()
	return nil
}

// GetKey implements Store.
func (fs *FileStore) GetKey(identity string) ([]byte, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	key, ok := fs.keys[identity]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// IdentityExists implements Store.
func (fs *FileStore) IdentityExists(identity string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, ok := fs.keys[identity]
	return ok
}

// ListIdentities implements Store.
func (fs *FileStore) ListIdentities() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, 0, len(fs.keys))
	for identity := range fs.keys {
		out = append(out, identity)
	}
	return out
}

var _ Store = (*FileStore)(nil)
