// Package liveview supervises the live handover view: idle-timeout screen
// lock, a longer destructive memory-purge threshold, and press-and-hold
// reveal of aliased fields with per-alias auto-expiry.
package liveview

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults matching production configuration.
const (
	DefaultLockAfter  = 90 * time.Second
	DefaultPurgeAfter = 15 * time.Minute
	DefaultHold       = 380 * time.Millisecond
	DefaultRevealFor  = 8 * time.Second
)

// Clock abstracts wall time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Hooks are invoked on supervisory transitions. All are optional.
type Hooks struct {
	// OnLock obscures sensitive renders and is audited by the caller.
	OnLock func()
	// OnPurge destructively purges session-memory audio/transcript state.
	// It fires on the longer idle threshold even if a lock already
	// happened, and is logged as a distinct audit action by the caller.
	OnPurge func()
	// OnUnlock is called on the explicit unlock action.
	OnUnlock func()
}

// Options tune the supervisor thresholds.
type Options struct {
	LockAfter  time.Duration
	PurgeAfter time.Duration
	Hold       time.Duration
	RevealFor  time.Duration
	Clock      Clock
}

func (o Options) withDefaults() Options {
	if o.LockAfter <= 0 {
		o.LockAfter = DefaultLockAfter
	}
	if o.PurgeAfter <= 0 {
		o.PurgeAfter = DefaultPurgeAfter
	}
	if o.Hold <= 0 {
		o.Hold = DefaultHold
	}
	if o.RevealFor <= 0 {
		o.RevealFor = DefaultRevealFor
	}
	if o.Clock == nil {
		o.Clock = wallClock{}
	}
	return o
}

// Supervisor tracks last-interaction time at 1 Hz and owns reveal state.
type Supervisor struct {
	opts  Options
	hooks Hooks

	mu        sync.Mutex
	lastInput time.Time
	locked    bool
	purged    bool
	holds     map[string]time.Time
	reveals   map[string]time.Time
}

// NewSupervisor creates an unlocked supervisor with the idle clock
// starting now.
func NewSupervisor(opts Options, hooks Hooks) *Supervisor {
	o := opts.withDefaults()
	return &Supervisor{
		opts:      o,
		hooks:     hooks,
		lastInput: o.Clock.Now(),
		holds:     make(map[string]time.Time),
		reveals:   make(map[string]time.Time),
	}
}

// Run drives Tick at 1 Hz until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.Tick()
	}
}

// Touch records pointer/keyboard/touch/focus activity. It never unlocks;
// unlocking is a separate explicit action.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInput = s.opts.Clock.Now()
}

// Tick evaluates the idle thresholds once.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	now := s.opts.Clock.Now()
	idle := now.Sub(s.lastInput)

	var fireLock, firePurge bool
	if !s.locked && idle >= s.opts.LockAfter {
		s.locked = true
		// Any in-flight reveal state clears with the lock.
		s.holds = make(map[string]time.Time)
		s.reveals = make(map[string]time.Time)
		fireLock = true
	}
	if !s.purged && idle >= s.opts.PurgeAfter {
		s.purged = true
		firePurge = true
	}
	for alias, until := range s.reveals {
		if !now.Before(until) {
			delete(s.reveals, alias)
		}
	}
	s.mu.Unlock()

	if fireLock && s.hooks.OnLock != nil {
		s.hooks.OnLock()
	}
	if firePurge && s.hooks.OnPurge != nil {
		s.hooks.OnPurge()
	}
}

// Locked reports whether the live view is locked.
func (s *Supervisor) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Unlock is the single explicit user action that unlocks the view and
// resets the idle clock. Returns false if the view was not locked.
func (s *Supervisor) Unlock() bool {
	s.mu.Lock()
	wasLocked := s.locked
	s.locked = false
	s.purged = false
	s.lastInput = s.opts.Clock.Now()
	s.mu.Unlock()

	if wasLocked && s.hooks.OnUnlock != nil {
		s.hooks.OnUnlock()
	}
	return wasLocked
}

// PressStart begins a press-and-hold on an aliased field. No-op while
// locked.
func (s *Supervisor) PressStart(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.lastInput = s.opts.Clock.Now()
	s.holds[alias] = s.opts.Clock.Now()
}

// PressEnd completes a press. The field reveals only if the press was
// sustained for the hold duration and the view is unlocked; the reveal
// then auto-expires independently per alias.
func (s *Supervisor) PressEnd(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, ok := s.holds[alias]
	delete(s.holds, alias)
	if !ok || s.locked {
		return false
	}
	now := s.opts.Clock.Now()
	s.lastInput = now
	if now.Sub(started) < s.opts.Hold {
		return false
	}
	s.reveals[alias] = now.Add(s.opts.RevealFor)
	return true
}

// Revealed reports whether an alias is currently revealed.
func (s *Supervisor) Revealed(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return false
	}
	until, ok := s.reveals[alias]
	if !ok {
		return false
	}
	if !s.opts.Clock.Now().Before(until) {
		delete(s.reveals, alias)
		return false
	}
	return true
}
