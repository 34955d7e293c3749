package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCrediter struct {
	mu      sync.Mutex
	credits []int
}

func (r *recordingCrediter) Credit(user string, seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = append(r.credits, seconds)
}

func (r *recordingCrediter) all() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.credits...)
}

func newTestTimer(t *testing.T) (*Timer, *clockwork.FakeClock, *recordingCrediter) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	credits := &recordingCrediter{}
	tm := New(clock, "alice", credits, nil)
	t.Cleanup(tm.Stop)
	return tm, clock, credits
}

func TestInitialState(t *testing.T) {
	tm, _, _ := newTestTimer(t)

	st := tm.State()
	require.Equal(t, Focus, st.Cycle)
	require.Equal(t, Idle, st.Status)
	require.Equal(t, DefaultFocusMinutes*60, st.Remaining)
	require.Equal(t, st.Remaining, st.Planned)
}

func TestFocusCompletionCreditsAndStartsBreak(t *testing.T) {
	tm, clock, credits := newTestTimer(t)

	tm.Start(Focus)
	require.Equal(t, Running, tm.State().Status)
	require.Equal(t, 1500, tm.State().Remaining)

	clock.BlockUntil(1)
	clock.Advance(1500 * time.Second)

	require.Eventually(t, func() bool {
		st := tm.State()
		return st.Cycle == Break && st.Status == Running
	}, time.Second, time.Millisecond, "focus should auto-transition to break")

	require.Equal(t, []int{1500}, credits.all())
	require.Equal(t, DefaultBreakMinutes*60, tm.State().Planned)
}

func TestBreakCompletionReturnsToIdleFocus(t *testing.T) {
	tm, clock, credits := newTestTimer(t)

	tm.Start(Break)
	clock.BlockUntil(1)
	clock.Advance(time.Duration(DefaultBreakMinutes) * time.Minute)

	require.Eventually(t, func() bool {
		st := tm.State()
		return st.Cycle == Focus && st.Status == Idle
	}, time.Second, time.Millisecond, "break should return to idle focus")

	require.Empty(t, credits.all())
	require.Equal(t, DefaultFocusMinutes*60, tm.State().Remaining)
}

func TestResetMidFocusCreditsElapsedOnly(t *testing.T) {
	tm, clock, credits := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)
	clock.Advance(600 * time.Second)

	require.Eventually(t, func() bool {
		return tm.State().Remaining == 900
	}, time.Second, time.Millisecond)

	tm.Reset()
	require.Equal(t, []int{600}, credits.all())

	st := tm.State()
	require.Equal(t, Idle, st.Status)
	require.Equal(t, Focus, st.Cycle)
	require.Equal(t, 1500, st.Remaining)

	// A second finalize is a no-op.
	tm.Finalize()
	require.Equal(t, []int{600}, credits.all())
}

func TestPauseFreezesWallClock(t *testing.T) {
	tm, clock, _ := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)
	clock.Advance(60 * time.Second)
	require.Eventually(t, func() bool {
		return tm.State().Remaining == 1440
	}, time.Second, time.Millisecond)

	tm.Pause()
	require.Equal(t, Paused, tm.State().Status)

	// Time passing while paused must not count as elapsed.
	clock.Advance(300 * time.Second)
	require.Equal(t, 1440, tm.State().Remaining)

	tm.Resume()
	clock.BlockUntil(1)
	clock.Advance(40 * time.Second)
	require.Eventually(t, func() bool {
		return tm.State().Remaining == 1400
	}, time.Second, time.Millisecond)
}

func TestPauseOnlyFromRunning(t *testing.T) {
	tm, _, _ := newTestTimer(t)

	tm.Pause()
	require.Equal(t, Idle, tm.State().Status)

	tm.Resume()
	require.Equal(t, Idle, tm.State().Status)
}

func TestSuspendedProcessCatchesUp(t *testing.T) {
	tm, clock, _ := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)

	// A single late wake-up after a long suspension reports the full
	// elapsed time, not one tick's worth.
	clock.Advance(720 * time.Second)
	require.Eventually(t, func() bool {
		return tm.State().Remaining == 1500-720
	}, time.Second, time.Millisecond)
}

func TestSkipBreak(t *testing.T) {
	tm, clock, _ := newTestTimer(t)

	tm.SkipBreak() // not on a break; ignored
	require.Equal(t, Idle, tm.State().Status)

	tm.Start(Break)
	clock.BlockUntil(1)
	tm.SkipBreak()

	st := tm.State()
	require.Equal(t, Focus, st.Cycle)
	require.Equal(t, Running, st.Status)
	require.Equal(t, 1500, st.Remaining)
}

func TestStartWhileFocusActiveFinalizesPrevious(t *testing.T) {
	tm, clock, credits := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)
	clock.Advance(300 * time.Second)
	require.Eventually(t, func() bool {
		return tm.State().Remaining == 1200
	}, time.Second, time.Millisecond)

	tm.Start(Focus)
	require.Equal(t, []int{300}, credits.all())
	require.Equal(t, 1500, tm.State().Remaining)
}

func TestDurationConfiguration(t *testing.T) {
	tm, _, _ := newTestTimer(t)

	// Matching idle cycle updates remaining immediately.
	tm.SetFocusMinutes(50)
	require.Equal(t, 3000, tm.State().Remaining)

	// Invalid input falls back to the default.
	tm.SetFocusMinutes(-3)
	require.Equal(t, DefaultFocusMinutes*60, tm.State().Remaining)

	// Values above the cap clamp.
	tm.SetFocusMinutes(1000)
	require.Equal(t, MaxFocusMinutes*60, tm.State().Remaining)

	// The non-active cycle's duration does not touch remaining.
	tm.SetFocusMinutes(25)
	tm.SetBreakMinutes(10)
	require.Equal(t, 1500, tm.State().Remaining)
}

func TestDurationChangeIgnoredWhileRunning(t *testing.T) {
	tm, clock, _ := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)
	tm.SetFocusMinutes(50)
	assert.Equal(t, 1500, tm.State().Remaining)

	tm.Pause()
	tm.SetFocusMinutes(100)
	assert.Equal(t, 1500, tm.State().Remaining)
}

func TestRemainingNeverNegative(t *testing.T) {
	tm, clock, credits := newTestTimer(t)

	tm.Start(Focus)
	clock.BlockUntil(1)
	// Overshoot well past the end of focus and break alike.
	clock.Advance(3 * time.Hour)

	require.Eventually(t, func() bool {
		return tm.State().Remaining >= 0 && len(credits.all()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []int{1500}, credits.all())
}
