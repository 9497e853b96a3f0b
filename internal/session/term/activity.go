package term

import (
	"bytes"
	"regexp"
	"sync"
	"time"
)

// ActivityState describes what an agent worker appears to be doing, inferred
// from its terminal output stream. States are transient and never persisted.
type ActivityState string

const (
	// ActivityUnknown is the initial state before any output has been seen.
	ActivityUnknown ActivityState = "unknown"
	// ActivityIdle means the worker has been silent for the idle window.
	ActivityIdle ActivityState = "idle"
	// ActivityActive means the worker is producing sustained output.
	ActivityActive ActivityState = "active"
	// ActivityAsking means the output tail looks like an interactive prompt
	// waiting for user input.
	ActivityAsking ActivityState = "asking"
)

// Prompt shapes emitted by the supported coding agents when they need a
// decision from the user.
var (
	doYouWantPattern   = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+`)
	enterSelectPattern = regexp.MustCompile(`(?i)enter\s+to\s+select`)
	yesNoPattern       = regexp.MustCompile(`(?i)\[?y/n\]?`)
	selectionPattern   = regexp.MustCompile(`(?m)^[\s]*[❯>]\s*\d+\.`)
	workingPattern     = regexp.MustCompile(`(?i)\(\s*(esc|ctrl\+c)\s+to\s+interrupt\s*\)`)
)

// ansiEscapePattern strips CSI/OSC sequences before prompt matching so cursor
// styling does not split the text we match against.
var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

const (
	// activityTailSize bounds the output tail kept for prompt matching.
	activityTailSize = 4 * 1024

	// DefaultActiveWindow and DefaultActiveLines define sustained output: at
	// least DefaultActiveLines newline-terminated chunks within the window.
	DefaultActiveWindow = 2 * time.Second
	DefaultActiveLines  = 3

	// DefaultIdleAfter is the silence window after which a worker that has
	// produced output is considered idle.
	DefaultIdleAfter = 10 * time.Second
)

// ActivityCallback receives the new state on every real transition. It is
// invoked outside the detector lock.
type ActivityCallback func(state ActivityState)

// ActivityDetector infers an activity state from a raw terminal byte stream.
// Feed it the same bytes the PTY read loop broadcasts; it owns an idle timer
// and fires the callback on state changes only.
type ActivityDetector struct {
	mu    sync.Mutex
	state ActivityState
	tail  []byte

	lineTimes []time.Time

	activeWindow time.Duration
	activeLines  int
	idleAfter    time.Duration

	idleTimer *time.Timer
	onChange  ActivityCallback
	closed    bool
}

// NewActivityDetector creates a detector in the unknown state using the
// default windows.
func NewActivityDetector(onChange ActivityCallback) *ActivityDetector {
	return &ActivityDetector{
		state:        ActivityUnknown,
		activeWindow: DefaultActiveWindow,
		activeLines:  DefaultActiveLines,
		idleAfter:    DefaultIdleAfter,
		onChange:     onChange,
	}
}

// SetWindows overrides the detection windows. Used by tests; zero values keep
// the current setting.
func (d *ActivityDetector) SetWindows(activeWindow, idleAfter time.Duration, activeLines int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if activeWindow > 0 {
		d.activeWindow = activeWindow
	}
	if idleAfter > 0 {
		d.idleAfter = idleAfter
	}
	if activeLines > 0 {
		d.activeLines = activeLines
	}
}

// State returns the current activity state.
func (d *ActivityDetector) State() ActivityState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Feed processes a chunk of terminal output.
func (d *ActivityDetector) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	d.feedAt(data, time.Now())
}

func (d *ActivityDetector) feedAt(data []byte, now time.Time) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.appendTail(data)
	if n := bytes.Count(data, []byte("\n")); n > 0 {
		for i := 0; i < n; i++ {
			d.lineTimes = append(d.lineTimes, now)
		}
	}
	d.pruneLines(now)
	d.resetIdleTimerLocked()

	next := d.classifyLocked()
	cb := d.transitionLocked(next)
	d.mu.Unlock()

	if cb != nil {
		cb(next)
	}
}

// classifyLocked decides the state from the current tail and line rate. A
// prompt in the tail wins over sustained output unless the agent is visibly
// still working.
func (d *ActivityDetector) classifyLocked() ActivityState {
	tail := ansiEscapePattern.ReplaceAll(d.tail, nil)

	working := workingPattern.Match(tail)
	if !working && d.looksLikePrompt(tail) {
		return ActivityAsking
	}
	if working || len(d.lineTimes) >= d.activeLines {
		return ActivityActive
	}
	// Not enough signal to change anything.
	return d.state
}

func (d *ActivityDetector) looksLikePrompt(tail []byte) bool {
	// Only the last part of the tail matters; an answered prompt scrolls away
	// under subsequent output.
	const promptScan = 1024
	if len(tail) > promptScan {
		tail = tail[len(tail)-promptScan:]
	}
	return doYouWantPattern.Match(tail) ||
		enterSelectPattern.Match(tail) ||
		yesNoPattern.Match(tail) ||
		selectionPattern.Match(tail)
}

// markIdle fires when the idle timer elapses with no intervening output.
func (d *ActivityDetector) markIdle() {
	d.mu.Lock()
	if d.closed || d.state == ActivityUnknown {
		d.mu.Unlock()
		return
	}
	cb := d.transitionLocked(ActivityIdle)
	d.mu.Unlock()

	if cb != nil {
		cb(ActivityIdle)
	}
}

// transitionLocked updates the state and returns the callback to invoke, or
// nil when the state did not change.
func (d *ActivityDetector) transitionLocked(next ActivityState) ActivityCallback {
	if next == d.state || next == ActivityUnknown {
		return nil
	}
	d.state = next
	return d.onChange
}

func (d *ActivityDetector) appendTail(data []byte) {
	d.tail = append(d.tail, data...)
	if len(d.tail) > activityTailSize {
		d.tail = append(d.tail[:0:0], d.tail[len(d.tail)-activityTailSize:]...)
	}
}

func (d *ActivityDetector) pruneLines(now time.Time) {
	cutoff := now.Add(-d.activeWindow)
	i := 0
	for i < len(d.lineTimes) && d.lineTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		d.lineTimes = append(d.lineTimes[:0:0], d.lineTimes[i:]...)
	}
}

func (d *ActivityDetector) resetIdleTimerLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.idleAfter, d.markIdle)
}

// Close stops the idle timer and suppresses further callbacks.
func (d *ActivityDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}
