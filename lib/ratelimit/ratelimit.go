// Package ratelimit implements the PSK-mismatch tracker and the per-kind
// sliding-window error-rate detector (C8).
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is a self-pruning sliding window of occurrence timestamps for one
// key (an IP address, for the mismatch tracker; an error kind, for the
// error-rate engine).
type Window struct {
	clock          clockwork.Clock
	windowDuration time.Duration
	threshold      int

	mu         sync.Mutex
	timestamps []time.Time
}

// NewWindow returns a ready Window.
func NewWindow(clock clockwork.Clock, windowDuration time.Duration, threshold int) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{clock: clock, windowDuration: windowDuration, threshold: threshold}
}

// Record appends an occurrence at now, prunes entries older than the
// window, and reports whether the count has reached the threshold.
func (w *Window) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)
	w.timestamps = append(w.timestamps, now)
	return len(w.timestamps) >= w.threshold
}

// Count returns the current in-window occurrence count without recording
// a new one.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.clock.Now())
	return len(w.timestamps)
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.windowDuration)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept
}

// MismatchTracker tracks PSK-identity mismatches keyed by client IP (not
// by identity, per spec.md §4.8 — repeated mismatches from a single
// source are the attack signal, regardless of which identities it tries).
type MismatchTracker struct {
	clock          clockwork.Clock
	windowDuration time.Duration
	threshold      int

	mu       sync.Mutex
	byClient map[string]*Window
}

// NewMismatchTracker returns a ready MismatchTracker.
func NewMismatchTracker(clock clockwork.Clock, windowDuration time.Duration, threshold int) *MismatchTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MismatchTracker{
		clock:          clock,
		windowDuration: windowDuration,
		threshold:      threshold,
		byClient:       map[string]*Window{},
	}
}

// RecordMismatch records a mismatch attempt (identity is accepted for
// call-site symmetry with the original but is never stored or logged by
// this tracker) from clientIP and reports whether the count in the
// current window has reached the threshold.
func (t *MismatchTracker) RecordMismatch(clientIP, identity string) bool {
	t.mu.Lock()
	window, ok := t.byClient[clientIP]
	if !ok {
		window = NewWindow(t.clock, t.windowDuration, t.threshold)
		t.byClient[clientIP] = window
	}
	t.mu.Unlock()

	return window.Record()
}

// ErrorRateEngine owns one Window per error kind and reports threshold
// crossings for each independently.
type ErrorRateEngine struct {
	clock          clockwork.Clock
	windowDuration time.Duration
	threshold      int

	mu     sync.Mutex
	byKind map[string]*Window
}

// NewErrorRateEngine returns a ready ErrorRateEngine. Each distinct kind
// passed to RecordError gets its own independently-thresholded Window.
func NewErrorRateEngine(clock clockwork.Clock, windowDuration time.Duration, threshold int) *ErrorRateEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ErrorRateEngine{
		clock:          clock,
		windowDuration: windowDuration,
		threshold:      threshold,
		byKind:         map[string]*Window{},
	}
}

// RecordError records one occurrence of kind and reports whether that
// kind's window has reached the threshold.
func (e *ErrorRateEngine) RecordError(kind string) bool {
	e.mu.Lock()
	window, ok := e.byKind[kind]
	if !ok {
		window = NewWindow(e.clock, e.windowDuration, e.threshold)
		e.byKind[kind] = window
	}
	e.mu.Unlock()

	return window.Record()
}

// Common error kinds, matching the original's {psk_mismatch,
// connection_interrupted, handshake_failed} windows (spec.md §4.8).
const (
	KindPskMismatch           = "psk_mismatch"
	KindConnectionInterrupted = "connection_interrupted"
	KindHandshakeFailed       = "handshake_failed"
)
