package vault

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Autosaver debounces vault writes so per-keystroke and per-segment
// mutations do not thrash storage. The last staged payload wins.
type Autosaver struct {
	store Store
	delay time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string][]byte
}

// NewAutosaver wraps a store with a write debounce. A zero delay defaults
// to 700ms.
func NewAutosaver(store Store, delay time.Duration, log *slog.Logger) *Autosaver {
	if delay <= 0 {
		delay = 700 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Autosaver{store: store, delay: delay, log: log, pending: make(map[string][]byte)}
}

// Stage records the latest payload for a session and (re)starts the
// debounce window. The write happens delay after the last mutation.
func (a *Autosaver) Stage(sessionID string, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	a.pending[sessionID] = cp

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() {
		if err := a.Flush(context.Background()); err != nil {
			a.log.Warn("vault autosave failed", "error", err)
		}
	})
}

// Flush writes all staged payloads immediately.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	staged := a.pending
	a.pending = make(map[string][]byte)
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	var firstErr error
	for id, payload := range staged {
		if err := a.store.Save(ctx, id, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops any staged payload for the session without writing it.
func (a *Autosaver) Discard(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, sessionID)
}
