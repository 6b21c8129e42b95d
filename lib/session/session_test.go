package session

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cardlink/ota-admin-server/lib/events"
)

func newTestStore(t *testing.T, idleTimeout time.Duration) (*Store, *events.Bus, clockwork.FakeClock) {
	bus := events.NewBus()
	clock := clockwork.NewFakeClock()
	store, err := NewStore(StoreConfig{Bus: bus, Clock: clock, IdleTimeout: idleTimeout, SweepInterval: time.Second, MaxAge: time.Hour})
	require.NoError(t, err)
	return store, bus, clock
}

func TestCreateSessionStartsHandshaking(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)
	require.Equal(t, StateHandshaking, sess.State)
}

func TestValidTransitionSequence(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)

	require.NoError(t, store.SetState(sess.ID, StateConnected))
	require.NoError(t, store.SetState(sess.ID, StateActive))
	require.NoError(t, store.SetState(sess.ID, StateClosed))

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateClosed, got.State)
}

func TestInvalidTransitionRejected(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)

	err := store.SetState(sess.ID, StateActive)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSetStateToCurrentStateIsError(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)

	err := store.SetState(sess.ID, StateHandshaking)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)

	first, err := store.Close(sess.ID, ReasonNormal)
	require.NoError(t, err)

	second, err := store.Close(sess.ID, ReasonClientRequested)
	require.NoError(t, err)
	require.Equal(t, first.CloseReason, second.CloseReason)
}

func TestRecordExchangeSequenceNumbersAreGapless(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)
	require.NoError(t, store.SetState(sess.ID, StateConnected))
	require.NoError(t, store.SetState(sess.ID, StateActive))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordExchange(sess.ID, Exchange{CommandHex: "00A4040000"}))
	}

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.ExchangeLog, 3)
	for i, exch := range got.ExchangeLog {
		require.Equal(t, i+1, exch.SequenceNo)
	}
}

func TestRecordExchangeFailsOnClosedSession(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)
	_, err := store.Close(sess.ID, ReasonNormal)
	require.NoError(t, err)

	err = store.RecordExchange(sess.ID, Exchange{CommandHex: "00"})
	require.Error(t, err)
}

func TestIdleSweepClosesStaleSessions(t *testing.T) {
	store, bus, clock := newTestStore(t, 2*time.Second)

	endedC := make(chan events.SessionEndedPayload, 1)
	sub := bus.Subscribe(events.KindSession, func(e events.Event) {
		if e.Type == events.SessionEnded {
			endedC <- e.Payload.(events.SessionEndedPayload)
		}
	})
	defer sub.Unsubscribe()

	sess := store.CreateSession("10.0.0.1:1234", nil)
	clock.Advance(3 * time.Second)
	store.sweepOnce()

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateClosed, got.State)
	require.Equal(t, ReasonTimeout, got.CloseReason)

	select {
	case payload := <-endedC:
		require.Equal(t, sess.ID, payload.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Ended event")
	}
}

func TestResolveIdentity(t *testing.T) {
	store, _, _ := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)
	require.NoError(t, store.SetTlsInfo(sess.ID, TlsSessionInfo{PskIdentity: "card_001"}))

	sessionID, ok := store.ResolveIdentity("card_001")
	require.True(t, ok)
	require.Equal(t, sess.ID, sessionID)

	_, ok = store.ResolveIdentity("ghost")
	require.False(t, ok)
}

func TestPurgeClosedRemovesOldSessions(t *testing.T) {
	store, _, clock := newTestStore(t, time.Minute)
	sess := store.CreateSession("10.0.0.1:1234", nil)
	_, err := store.Close(sess.ID, ReasonNormal)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	purged := store.PurgeClosed()
	require.Equal(t, 1, purged)

	_, err = store.Get(sess.ID)
	require.Error(t, err)
}
