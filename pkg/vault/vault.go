// Package vault provides encrypted, TTL-bound local storage for a
// session's raw transcript. Key material lives only in process memory;
// crypto-shred makes a record permanently unrecoverable.
package vault

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for reads of absent, expired, or shredded
	// session ids.
	ErrNotFound = errors.New("vault: record not found")

	// ErrShredded is returned when key material for a session was
	// destroyed while its ciphertext was still addressable.
	ErrShredded = errors.New("vault: key material destroyed")
)

// Record is a stored ciphertext payload keyed by session id. Plaintext key
// material is process-scoped and never part of the record.
type Record struct {
	SessionID  string
	Ciphertext []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Store is the uniform contract over the durable (sqlite) vault and the
// memory-only vault.
type Store interface {
	// Save encrypts and stores the payload for the session, creating the
	// record on first write and replacing it afterwards.
	Save(ctx context.Context, sessionID string, payload []byte) error

	// Load decrypts the stored payload. Only the same session id that
	// wrote a record may recover it.
	Load(ctx context.Context, sessionID string) ([]byte, error)

	// Delete is a soft delete; TTL sweep would eventually do the same.
	Delete(ctx context.Context, sessionID string) error

	// Shred destroys key material and overwrites ciphertext so the record
	// is unrecoverable even if storage is inspected directly. This is the
	// only irreversible deletion path.
	Shred(ctx context.Context, sessionID string) error

	// PurgeExpired removes records past their expiry, returning the count.
	PurgeExpired(ctx context.Context) (int, error)

	Close() error
}

// Clock abstracts wall-clock access for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Options tune record lifetime and sweep cadence.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         Clock
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = wallClock{}
	}
	return o
}

// RunSweeper purges expired records on the store's sweep interval until the
// context is cancelled. Expiry removal never requires a read.
func RunSweeper(ctx context.Context, s Store, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = s.PurgeExpired(ctx)
		}
	}
}
