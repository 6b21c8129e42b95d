package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardlink/ota-admin-server/lib/events"
	"github.com/cardlink/ota-admin-server/lib/scripts"
)

func newTestScript(cmds ...scripts.Command) scripts.Script {
	return scripts.Script{ID: "script-1", Name: "test", Commands: cmds}
}

func subscribeScript(bus *events.Bus) <-chan events.Event {
	ch := make(chan events.Event, 32)
	bus.Subscribe(events.KindScript, func(e events.Event) { ch <- e })
	return ch
}

func TestRunnerRunsToExhaustion(t *testing.T) {
	bus := events.NewBus()
	ch := subscribeScript(bus)

	script := newTestScript(
		scripts.Command{Hex: "00A4040000", Name: "select"},
		scripts.Command{Hex: "80F28000", Name: "status"},
	)
	r, err := New(script, Config{Bus: bus})
	require.NoError(t, err)

	chunk, done, err := r.Next("sess-1", nil)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "\x00\xa4\x04\x00\x00", string(chunk))

	chunk, done, err = r.Next("sess-1", []byte{0x90, 0x00})
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "\x80\xf2\x80\x00", string(chunk))

	chunk, done, err = r.Next("sess-1", []byte{0x90, 0x00})
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, chunk)

	require.True(t, r.Done())
	summary := r.Summary()
	require.Equal(t, StopExhausted, summary.StopReason)
	require.Equal(t, 2, summary.Successes)
	require.Equal(t, 2, summary.TotalCommands)
	require.Equal(t, -1, summary.FirstFailureIdx)

	evt1 := <-ch
	require.Equal(t, events.ScriptRunStarted, evt1.Type)
	evt2 := <-ch
	require.Equal(t, events.ScriptRunCompleted, evt2.Type)
	completed, ok := evt2.Payload.(Summary)
	require.True(t, ok)
	require.Equal(t, StopExhausted, completed.StopReason)
}

func TestRunnerStopsOnFirstNonSuccess(t *testing.T) {
	bus := events.NewBus()
	script := newTestScript(
		scripts.Command{Hex: "00A4040000"},
		scripts.Command{Hex: "80F28000"},
	)
	r, err := New(script, Config{Bus: bus, StopOnFirstNonSuccess: true})
	require.NoError(t, err)

	_, done, err := r.Next("sess-1", nil)
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = r.Next("sess-1", []byte{0x6A, 0x82})
	require.NoError(t, err)
	require.True(t, done)

	summary := r.Summary()
	require.Equal(t, StopNonSuccess, summary.StopReason)
	require.Equal(t, 0, summary.FirstFailureIdx)
	require.Equal(t, uint16(0x6A82), summary.FirstFailureSW)
}

func TestRunnerStopsOnFirstCardError(t *testing.T) {
	bus := events.NewBus()
	script := newTestScript(
		scripts.Command{Hex: "00A4040000"},
		scripts.Command{Hex: "80F28000"},
	)
	r, err := New(script, Config{Bus: bus, StopOnFirstCardError: true})
	require.NoError(t, err)

	_, _, err = r.Next("sess-1", nil)
	require.NoError(t, err)

	_, done, err := r.Next("sess-1", []byte{0x6F, 0x00})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, StopCardError, r.Summary().StopReason)
}

func TestRunnerStopsOnMaxConsecutiveRetryable(t *testing.T) {
	bus := events.NewBus()
	script := newTestScript(
		scripts.Command{Hex: "00A4040000"},
		scripts.Command{Hex: "80F28000"},
		scripts.Command{Hex: "80F28100"},
	)
	r, err := New(script, Config{Bus: bus, MaxConsecutiveRetryable: 2})
	require.NoError(t, err)

	_, _, err = r.Next("sess-1", nil)
	require.NoError(t, err)

	_, done, err := r.Next("sess-1", []byte{0x62, 0x83})
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = r.Next("sess-1", []byte{0x62, 0x83})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, StopConsecutiveRetry, r.Summary().StopReason)
	require.Equal(t, 2, r.Summary().Retries)
}

func TestRunnerHonorsStopOnFailureDirective(t *testing.T) {
	bus := events.NewBus()
	script := newTestScript(
		scripts.Command{Hex: "00A4040000", StopOnFailure: true},
		scripts.Command{Hex: "80F28000"},
	)
	r, err := New(script, Config{Bus: bus})
	require.NoError(t, err)

	_, _, err = r.Next("sess-1", nil)
	require.NoError(t, err)

	_, done, err := r.Next("sess-1", []byte{0x6A, 0x86})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, StopDirective, r.Summary().StopReason)
}

func TestRunnerRejectsMissingBus(t *testing.T) {
	_, err := New(newTestScript(), Config{})
	require.Error(t, err)
}

func TestRunnerObserveIgnoresShortResponse(t *testing.T) {
	bus := events.NewBus()
	script := newTestScript(
		scripts.Command{Hex: "00A4040000"},
		scripts.Command{Hex: "80F28000"},
	)
	r, err := New(script, Config{Bus: bus, StopOnFirstNonSuccess: true})
	require.NoError(t, err)

	_, _, err = r.Next("sess-1", nil)
	require.NoError(t, err)

	_, done, err := r.Next("sess-1", []byte{0x90})
	require.NoError(t, err)
	require.False(t, done)
}
