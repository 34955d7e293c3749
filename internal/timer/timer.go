// Package timer implements the focus/break countdown state machine.
//
// The countdown is wall-clock correct: each tick computes elapsed whole
// seconds from clock timestamps rather than counting ticks, so a process
// that was suspended catches up to the right remaining time on the next
// wake-up.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Cycle is the countdown kind.
type Cycle string

// Status is the run state.
type Status string

const (
	Focus Cycle = "focus"
	Break Cycle = "break"

	Idle    Status = "idle"
	Running Status = "running"
	Paused  Status = "paused"
)

const (
	tickInterval = 500 * time.Millisecond

	DefaultFocusMinutes = 25
	DefaultBreakMinutes = 5
	MaxFocusMinutes     = 300
	MaxBreakMinutes     = 180
)

// Crediter receives finalized focus durations, in seconds.
type Crediter interface {
	Credit(user string, seconds int)
}

// State is a read-only view of the timer.
type State struct {
	Cycle     Cycle
	Status    Status
	Remaining int
	Planned   int
}

// Timer is the focus/break finite state machine. All mutation goes through
// its methods; ticks run on an internal goroutine while Running.
type Timer struct {
	mu    sync.Mutex
	clock clockwork.Clock

	focusMinutes int
	breakMinutes int

	cycle     Cycle
	status    Status
	remaining int
	planned   int
	lastTick  time.Time

	focusActive bool

	user     string
	crediter Crediter
	notify   func(string)
	onChange func(State)

	tickStop chan struct{}
}

// New creates an idle focus timer for the given display name. notify
// receives human-readable event lines and may be nil.
func New(clock clockwork.Clock, user string, crediter Crediter, notify func(string)) *Timer {
	t := &Timer{
		clock:        clock,
		focusMinutes: DefaultFocusMinutes,
		breakMinutes: DefaultBreakMinutes,
		cycle:        Focus,
		status:       Idle,
		user:         user,
		crediter:     crediter,
		notify:       notify,
	}
	t.remaining = t.durationSeconds(Focus)
	t.planned = t.remaining
	return t
}

// SetOnChange registers a hook invoked after every state change.
func (t *Timer) SetOnChange(fn func(State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// State returns the current timer state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// Start begins a fresh countdown for the given cycle. An active, uncredited
// focus session is finalized first.
func (t *Timer) Start(cycle Cycle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(cycle)
}

// Pause stops the countdown; only valid while Running.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Running {
		return
	}
	t.status = Paused
	t.stopTickerLocked()
	t.changedLocked()
}

// Resume restarts a paused countdown with a fresh timestamp baseline, so
// the paused interval does not count as elapsed time.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Paused {
		return
	}
	t.status = Running
	t.lastTick = t.clock.Now()
	t.startTickerLocked()
	t.event("timer resumed")
	t.changedLocked()
}

// Reset finalizes any active focus session and re-enters idle focus with a
// fresh configured duration.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finalizeLocked()
	t.stopTickerLocked()
	t.cycle = Focus
	t.status = Idle
	t.remaining = t.durationSeconds(Focus)
	t.planned = t.remaining
	t.lastTick = time.Time{}
	t.event("timer reset")
	t.changedLocked()
}

// SkipBreak abandons the current break and starts a focus cycle. It has no
// effect outside a break.
func (t *Timer) SkipBreak() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cycle != Break {
		return
	}
	t.event("break skipped, back to focus")
	t.startLocked(Focus)
}

// SetFocusMinutes updates the configured focus duration. While the timer is
// idle on a focus cycle the remaining time follows immediately; otherwise
// the new duration applies from the next start. Invalid input falls back to
// the default.
func (t *Timer) SetFocusMinutes(minutes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focusMinutes = clampMinutes(minutes, DefaultFocusMinutes, MaxFocusMinutes)
	if t.status == Idle && t.cycle == Focus {
		t.remaining = t.durationSeconds(Focus)
		t.planned = t.remaining
		t.changedLocked()
	}
}

// SetBreakMinutes updates the configured break duration, mirroring
// SetFocusMinutes for the break cycle.
func (t *Timer) SetBreakMinutes(minutes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.breakMinutes = clampMinutes(minutes, DefaultBreakMinutes, MaxBreakMinutes)
	if t.status == Idle && t.cycle == Break {
		t.remaining = t.durationSeconds(Break)
		t.planned = t.remaining
		t.changedLocked()
	}
}

// Finalize credits any active focus session and marks it inactive. It is
// idempotent and is invoked on completion, reset and disconnect.
func (t *Timer) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalizeLocked()
}

// Stop halts the tick goroutine without touching timer state. Used on
// session teardown.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTickerLocked()
}

func (t *Timer) startLocked(cycle Cycle) {
	t.finalizeLocked()

	t.cycle = cycle
	t.remaining = t.durationSeconds(cycle)
	t.planned = t.remaining
	if cycle == Focus {
		t.focusActive = true
		t.event("focus started")
	} else {
		t.event("break started")
	}
	t.status = Running
	t.lastTick = t.clock.Now()
	t.startTickerLocked()
	t.changedLocked()
}

// tick advances the countdown by the elapsed whole seconds since the last
// tick timestamp, clamped at zero.
func (t *Timer) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != Running {
		return
	}
	now := t.clock.Now()
	delta := int(now.Sub(t.lastTick) / time.Second)
	if delta <= 0 {
		return
	}
	t.lastTick = now
	t.remaining -= delta
	if t.remaining <= 0 {
		t.remaining = 0
		t.completeLocked()
		return
	}
	t.changedLocked()
}

func (t *Timer) completeLocked() {
	t.stopTickerLocked()
	if t.cycle == Focus {
		t.finalizeLocked()
		t.event("focus complete, starting break")
		t.startLocked(Break)
		return
	}
	t.event("break over, ready for the next focus")
	t.cycle = Focus
	t.status = Idle
	t.remaining = t.durationSeconds(Focus)
	t.planned = t.remaining
	t.lastTick = time.Time{}
	t.changedLocked()
}

func (t *Timer) finalizeLocked() {
	if !t.focusActive {
		return
	}
	t.focusActive = false
	if t.cycle != Focus || t.planned <= 0 {
		return
	}
	effective := t.planned - t.remaining
	if effective < 0 {
		effective = 0
	}
	if effective > t.planned {
		effective = t.planned
	}
	if effective > 0 && t.crediter != nil {
		t.crediter.Credit(t.user, effective)
		log.Debug().
			Str("user", t.user).
			Int("seconds", effective).
			Msg("focus session credited")
	}
}

func (t *Timer) startTickerLocked() {
	t.stopTickerLocked()
	stop := make(chan struct{})
	t.tickStop = stop
	ticker := t.clock.NewTicker(tickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				t.tick()
			case <-stop:
				return
			}
		}
	}()
}

func (t *Timer) stopTickerLocked() {
	if t.tickStop != nil {
		close(t.tickStop)
		t.tickStop = nil
	}
}

func (t *Timer) durationSeconds(cycle Cycle) int {
	if cycle == Focus {
		return t.focusMinutes * 60
	}
	return t.breakMinutes * 60
}

func (t *Timer) stateLocked() State {
	return State{Cycle: t.cycle, Status: t.status, Remaining: t.remaining, Planned: t.planned}
}

func (t *Timer) changedLocked() {
	if t.onChange != nil {
		t.onChange(t.stateLocked())
	}
}

func (t *Timer) event(text string) {
	if t.notify != nil {
		t.notify(text)
	}
}

func clampMinutes(minutes, fallback, max int) int {
	if minutes <= 0 {
		return fallback
	}
	if minutes > max {
		return max
	}
	return minutes
}
