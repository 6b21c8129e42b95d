package admin

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardlink/ota-admin-server/lib/events"
	"github.com/cardlink/ota-admin-server/lib/psktls"
	"github.com/cardlink/ota-admin-server/lib/ratelimit"
	"github.com/cardlink/ota-admin-server/lib/session"
)

type memoryKeyResolver map[string][]byte

func (m memoryKeyResolver) GetKey(identity string) ([]byte, bool) {
	k, ok := m[identity]
	return k, ok
}

func validListenerConfig(t *testing.T) Config {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	bus := events.NewBus()
	store, err := session.NewStore(session.StoreConfig{Bus: bus})
	require.NoError(t, err)

	return Config{
		Listener: ln,
		TLS: psktls.Config{
			Policy: psktls.DefaultPolicy(),
			Keys:   memoryKeyResolver{"card-1": []byte("0123456789ABCDEF")},
		},
		Sessions:   store,
		Bus:        bus,
		Mismatches: ratelimit.NewMismatchTracker(nil, 0, 1),
		NewDispenser: func(sessionID string) (Dispenser, error) {
			return &fakeDispenser{}, nil
		},
	}
}

func TestNewServerRequiresDispenserFactory(t *testing.T) {
	cfg := validListenerConfig(t)
	cfg.NewDispenser = nil
	_, err := NewServer(cfg)
	require.Error(t, err)
}

func TestNewServerSucceedsWithValidConfig(t *testing.T) {
	cfg := validListenerConfig(t)
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Close())
}
