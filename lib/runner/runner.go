// Package runner implements the Script Runner (C12): it drives a Script
// against a Session through the admin driver (C10), dispensing one
// command chunk per round trip and stopping when the script is exhausted
// or a configured stop condition fires.
package runner

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cardlink/ota-admin-server/lib/apdu"
	"github.com/cardlink/ota-admin-server/lib/events"
	"github.com/cardlink/ota-admin-server/lib/scripts"
)

// Config configures a Runner's stop policy.
type Config struct {
	// StopOnFirstNonSuccess ends the script at the first response whose
	// status word is not in apdu.ClassSuccess.
	StopOnFirstNonSuccess bool
	// StopOnFirstCardError ends the script at the first response whose
	// status word classifies as apdu.ClassCardError.
	StopOnFirstCardError bool
	// MaxConsecutiveRetryable ends the script once this many consecutive
	// apdu.ClassRetryable responses have been observed. Zero disables
	// this stop condition.
	MaxConsecutiveRetryable int
	// Clock is used to time the run. Defaults to the real clock.
	Clock clockwork.Clock
	// Bus receives ScriptEvent publications. Required.
	Bus *events.Bus
}

func (c *Config) checkAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("Bus must be provided")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// StopReason records why a run ended.
type StopReason string

const (
	StopExhausted        StopReason = "Exhausted"
	StopNonSuccess       StopReason = "NonSuccess"
	StopCardError        StopReason = "CardError"
	StopConsecutiveRetry StopReason = "ConsecutiveRetryable"
	StopDirective        StopReason = "ScriptDirective"
)

// Summary is the final result record of a completed run.
type Summary struct {
	SessionID       string
	ScriptID        string
	TotalCommands   int
	Successes       int
	Retries         int
	FirstFailureIdx int // -1 if no failure occurred
	FirstFailureSW  uint16
	StopReason      StopReason
	Duration        time.Duration
}

// Runner drives one Script to completion and implements
// lib/admin.Dispenser so an admin.Server can use it directly as the
// per-connection chunk source.
type Runner struct {
	cfg    Config
	script scripts.Script

	index            int
	started          time.Time
	summary          Summary
	consecutiveRetry int
	done             bool
}

// New constructs a Runner for script under cfg.
func New(script scripts.Script, cfg Config) (*Runner, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{
		cfg:    cfg,
		script: script,
		summary: Summary{
			ScriptID:        script.ID,
			TotalCommands:   len(script.Commands),
			FirstFailureIdx: -1,
		},
	}, nil
}

// Next implements lib/admin.Dispenser. lastResponse is the card's
// response to the previous command; it is ignored on the first call. It returns
// the next command's bytes, or done=true once the script is finished.
func (r *Runner) Next(sessionID string, lastResponse []byte) ([]byte, bool, error) {
	if r.started.IsZero() {
		r.started = r.cfg.Clock.Now()
		r.summary.SessionID = sessionID
		r.cfg.Bus.Publish(events.Event{
			Kind:      events.KindScript,
			Type:      events.ScriptRunStarted,
			Timestamp: r.started,
			Payload:   r.script.ID,
		})
	}

	if r.index > 0 {
		if stop, reason := r.observe(lastResponse); stop {
			r.finish(reason)
			return nil, true, nil
		}
	}

	if r.index >= len(r.script.Commands) {
		r.finish(StopExhausted)
		return nil, true, nil
	}

	cmd := r.script.Commands[r.index]
	chunk, err := cmd.ToBytes()
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	r.index++
	return chunk, false, nil
}

// observe classifies lastResponse's trailing status word against the
// previous command (index r.index-1) and reports whether a stop
// condition fires.
func (r *Runner) observe(lastResponse []byte) (bool, StopReason) {
	if len(lastResponse) < 2 {
		return false, ""
	}
	sw, err := apdu.ParseSW(lastResponse[len(lastResponse)-2:])
	if err != nil {
		return false, ""
	}
	class := sw.Class()
	prevIdx := r.index - 1
	prevCmd := r.script.Commands[prevIdx]

	switch class {
	case apdu.ClassSuccess, apdu.ClassWarningWithData:
		r.summary.Successes++
		r.consecutiveRetry = 0
	case apdu.ClassRetryable:
		r.summary.Retries++
		r.consecutiveRetry++
	default:
		r.consecutiveRetry = 0
	}

	if r.summary.FirstFailureIdx < 0 && class != apdu.ClassSuccess && class != apdu.ClassWarningWithData {
		r.summary.FirstFailureIdx = prevIdx
		r.summary.FirstFailureSW = uint16(sw)
	}

	if prevCmd.StopOnFailure && class != apdu.ClassSuccess {
		return true, StopDirective
	}
	if r.cfg.StopOnFirstCardError && class == apdu.ClassCardError {
		return true, StopCardError
	}
	if r.cfg.StopOnFirstNonSuccess && class != apdu.ClassSuccess {
		return true, StopNonSuccess
	}
	if r.cfg.MaxConsecutiveRetryable > 0 && r.consecutiveRetry >= r.cfg.MaxConsecutiveRetryable {
		return true, StopConsecutiveRetry
	}
	return false, ""
}

func (r *Runner) finish(reason StopReason) {
	if reason == "" {
		reason = StopExhausted
	}
	r.summary.StopReason = reason
	r.summary.Duration = r.cfg.Clock.Now().Sub(r.started)
	r.done = true

	r.cfg.Bus.Publish(events.Event{
		Kind:      events.KindScript,
		Type:      events.ScriptRunCompleted,
		Timestamp: r.cfg.Clock.Now(),
		Payload:   r.summary,
	})
}

// Summary returns the run's result record. Valid once Next has returned
// done=true; before that it reflects partial progress.
func (r *Runner) Summary() Summary {
	return r.summary
}

// Done reports whether the run has finished, one way or another.
func (r *Runner) Done() bool {
	return r.done
}
