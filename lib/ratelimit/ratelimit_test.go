package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestWindowThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewWindow(clock, 60*time.Second, 3)

	require.False(t, w.Record())
	require.False(t, w.Record())
	require.True(t, w.Record())
}

func TestWindowPrunesOldEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewWindow(clock, 10*time.Second, 2)

	require.False(t, w.Record())
	clock.Advance(20 * time.Second)
	require.False(t, w.Record())
	require.Equal(t, 1, w.Count())
}

func TestMismatchTrackerKeyedByClientIP(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewMismatchTracker(clock, 60*time.Second, 3)

	require.False(t, tr.RecordMismatch("10.0.0.1", "identity-a"))
	require.False(t, tr.RecordMismatch("10.0.0.1", "identity-b"))
	require.True(t, tr.RecordMismatch("10.0.0.1", "identity-c"))

	// a different client IP has its own independent window
	require.False(t, tr.RecordMismatch("10.0.0.2", "identity-a"))
}

func TestMismatchTrackerSpacedBeyondWindowNeverTrips(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewMismatchTracker(clock, 10*time.Second, 3)

	require.False(t, tr.RecordMismatch("10.0.0.1", "a"))
	clock.Advance(11 * time.Second)
	require.False(t, tr.RecordMismatch("10.0.0.1", "b"))
	clock.Advance(11 * time.Second)
	require.False(t, tr.RecordMismatch("10.0.0.1", "c"))
}

func TestErrorRateEngineIndependentPerKind(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := NewErrorRateEngine(clock, time.Minute, 2)

	require.False(t, e.RecordError(KindPskMismatch))
	require.True(t, e.RecordError(KindPskMismatch))
	require.False(t, e.RecordError(KindHandshakeFailed))
}
