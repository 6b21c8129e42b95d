// Package keystore implements the PSK identity -> key lookup abstraction
// (C6). Every implementation must uphold one contract: key material never
// appears in a log line, error message, or emitted event — only the
// identity string is loggable.
package keystore

import (
	"github.com/gravitational/trace"
)

// minKeyLength is the length below which a key load logs a warning.
const minKeyLength = 16

// Store resolves a PSK identity to its key. Implementations: FileStore
// (YAML-backed), MemoryStore (tests), and a repository-backed variant left
// as an interface seam for an external backend (no concrete driver is
// wired — see DESIGN.md).
type Store interface {
	// GetKey returns the raw key bytes for identity, or ok=false if the
	// identity is unknown. Never returns an error that echoes key bytes.
	GetKey(identity string) (key []byte, ok bool)
	// IdentityExists reports whether identity has a registered key.
	IdentityExists(identity string) bool
	// ListIdentities returns every known identity. Never includes keys.
	ListIdentities() []string
}

// ErrUnknownIdentity is returned by callers that need an error value for
// an unresolved identity; the message intentionally carries no key
// material, matching the security contract in C6.
var ErrUnknownIdentity = trace.NotFound("unknown PSK identity")
