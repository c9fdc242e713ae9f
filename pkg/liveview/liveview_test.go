package liveview_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftnote-labs/shiftnote/core/pkg/liveview"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newSupervisor(clock *fakeClock, hooks liveview.Hooks) *liveview.Supervisor {
	return liveview.NewSupervisor(liveview.Options{
		LockAfter:  90 * time.Second,
		PurgeAfter: 15 * time.Minute,
		Hold:       380 * time.Millisecond,
		RevealFor:  8 * time.Second,
		Clock:      clock,
	}, hooks)
}

// TestLockAfterIdle verifies the view locks at the idle threshold and
// activity before it defers the lock.
func TestLockAfterIdle(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	locks := 0
	s := newSupervisor(clock, liveview.Hooks{OnLock: func() { locks++ }})

	clock.Advance(60 * time.Second)
	s.Tick()
	assert.False(t, s.Locked())

	s.Touch()
	clock.Advance(60 * time.Second)
	s.Tick()
	assert.False(t, s.Locked(), "touch reset the idle clock")

	clock.Advance(40 * time.Second)
	s.Tick()
	assert.True(t, s.Locked())
	assert.Equal(t, 1, locks)

	s.Tick()
	assert.Equal(t, 1, locks, "lock fires once per lock transition")
}

// TestPurgeFiresIndependentlyOfLock verifies the destructive purge fires
// at its own threshold even though the view locked long before.
func TestPurgeFiresIndependentlyOfLock(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	purges := 0
	s := newSupervisor(clock, liveview.Hooks{OnPurge: func() { purges++ }})

	clock.Advance(2 * time.Minute)
	s.Tick()
	require.True(t, s.Locked())
	assert.Zero(t, purges)

	clock.Advance(14 * time.Minute)
	s.Tick()
	assert.Equal(t, 1, purges)

	s.Tick()
	assert.Equal(t, 1, purges)
}

// TestUnlockIsExplicit verifies activity never unlocks; only Unlock does,
// and it resets the idle clock.
func TestUnlockIsExplicit(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	unlocks := 0
	s := newSupervisor(clock, liveview.Hooks{OnUnlock: func() { unlocks++ }})

	clock.Advance(2 * time.Minute)
	s.Tick()
	require.True(t, s.Locked())

	s.Touch()
	assert.True(t, s.Locked(), "activity alone never unlocks")

	assert.True(t, s.Unlock())
	assert.False(t, s.Locked())
	assert.Equal(t, 1, unlocks)

	assert.False(t, s.Unlock(), "unlocking an unlocked view reports false")
}

// TestReveal_HoldDuration verifies a reveal requires the full hold and
// expires on its own.
func TestReveal_HoldDuration(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(clock, liveview.Hooks{})

	s.PressStart("Patient A-3f2a")
	clock.Advance(100 * time.Millisecond)
	assert.False(t, s.PressEnd("Patient A-3f2a"), "short press must not reveal")

	s.PressStart("Patient A-3f2a")
	clock.Advance(400 * time.Millisecond)
	assert.True(t, s.PressEnd("Patient A-3f2a"))
	assert.True(t, s.Revealed("Patient A-3f2a"))

	clock.Advance(9 * time.Second)
	assert.False(t, s.Revealed("Patient A-3f2a"), "reveal auto-expires")
}

// TestReveal_PerAliasExpiry verifies reveals expire independently.
func TestReveal_PerAliasExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(clock, liveview.Hooks{})

	s.PressStart("a")
	clock.Advance(time.Second)
	require.True(t, s.PressEnd("a"))

	clock.Advance(5 * time.Second)
	s.PressStart("b")
	clock.Advance(time.Second)
	require.True(t, s.PressEnd("b"))

	clock.Advance(3 * time.Second)
	assert.False(t, s.Revealed("a"), "first reveal expired")
	assert.True(t, s.Revealed("b"), "second reveal still active")
}

// TestReveal_NoOpWhileLocked verifies the press-and-hold gesture does
// nothing on a locked view.
func TestReveal_NoOpWhileLocked(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(clock, liveview.Hooks{})

	clock.Advance(2 * time.Minute)
	s.Tick()
	require.True(t, s.Locked())

	s.PressStart("a")
	clock.Advance(time.Second)
	assert.False(t, s.PressEnd("a"))
	assert.False(t, s.Revealed("a"))
}

// TestLockClearsReveals verifies in-flight reveals and holds vanish when
// the lock engages.
func TestLockClearsReveals(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(clock, liveview.Hooks{})

	s.PressStart("a")
	clock.Advance(time.Second)
	require.True(t, s.PressEnd("a"))
	require.True(t, s.Revealed("a"))

	clock.Advance(2 * time.Minute)
	s.Tick()
	require.True(t, s.Locked())

	s.Unlock()
	assert.False(t, s.Revealed("a"), "reveal does not survive a lock cycle")
}
