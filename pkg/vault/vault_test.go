package vault_test

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/shiftnote-labs/shiftnote/core/pkg/vault"
)

// fakeClock lets tests move time past the TTL without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openVault(t *testing.T, clock vault.Clock) (*vault.SQLiteVault, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "vault.db")
	v, err := vault.OpenSQLite(dsn, vault.Options{TTL: 24 * time.Hour, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, dsn
}

// TestSQLiteVault_RoundTrip verifies save/load under the same session id.
func TestSQLiteVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := openVault(t, nil)

	payload := []byte(`{"segments":[{"raw_text":"pain score rising"}]}`)
	require.NoError(t, v.Save(ctx, "sess-1", payload))

	got, err := v.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = v.Load(ctx, "sess-2")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

// TestSQLiteVault_CiphertextAtRest verifies the database bytes never
// contain the plaintext payload.
func TestSQLiteVault_CiphertextAtRest(t *testing.T) {
	ctx := context.Background()
	v, dsn := openVault(t, nil)

	secret := []byte("patient complained of chest pain overnight")
	require.NoError(t, v.Save(ctx, "sess-1", secret))

	var ct []byte
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	row := db.QueryRow(`SELECT ciphertext FROM vault_records WHERE session_id = ?`, "sess-1")
	require.NoError(t, row.Scan(&ct))

	assert.False(t, bytes.Contains(ct, secret), "stored bytes must not contain plaintext")
}

// TestSQLiteVault_Shred verifies a shredded record is gone from storage
// and unrecoverable even after a re-save under the same id uses new keys.
func TestSQLiteVault_Shred(t *testing.T) {
	ctx := context.Background()
	v, dsn := openVault(t, nil)

	require.NoError(t, v.Save(ctx, "sess-1", []byte("raw transcript")))
	require.NoError(t, v.Shred(ctx, "sess-1"))

	_, err := v.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM vault_records`).Scan(&n))
	assert.Zero(t, n, "shredded row must not remain")

	// The id stays usable; a later save derives fresh key material.
	require.NoError(t, v.Save(ctx, "sess-1", []byte("new draft")))
	got, err := v.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new draft"), got)
}

// TestSQLiteVault_TTLExpiry verifies expired records read as absent
// before the sweep and are removed by PurgeExpired.
func TestSQLiteVault_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	v, _ := openVault(t, clock)

	require.NoError(t, v.Save(ctx, "sess-1", []byte("draft")))

	clock.Advance(25 * time.Hour)
	_, err := v.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	n, err := v.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestSQLiteVault_SaveRefreshesExpiry verifies subsequent writes push the
// expiry forward.
func TestSQLiteVault_SaveRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	v, _ := openVault(t, clock)

	require.NoError(t, v.Save(ctx, "sess-1", []byte("v1")))
	clock.Advance(20 * time.Hour)
	require.NoError(t, v.Save(ctx, "sess-1", []byte("v2")))

	clock.Advance(5 * time.Hour)
	got, err := v.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryVault(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	m := vault.NewMemory(vault.Options{TTL: time.Hour, Clock: clock})

	require.NoError(t, m.Save(ctx, "sess-1", []byte("draft")))
	got, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("draft"), got)

	require.NoError(t, m.Shred(ctx, "sess-1"))
	_, err = m.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.NoError(t, m.Save(ctx, "sess-2", []byte("draft")))
	clock.Advance(2 * time.Hour)
	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestAutosaver_Debounce verifies rapid staging collapses to one write of
// the final payload.
func TestAutosaver_Debounce(t *testing.T) {
	ctx := context.Background()
	m := vault.NewMemory(vault.Options{TTL: time.Hour})
	saver := vault.NewAutosaver(m, 30*time.Millisecond, nil)

	saver.Stage("sess-1", []byte("v1"))
	saver.Stage("sess-1", []byte("v2"))
	saver.Stage("sess-1", []byte("v3"))

	_, err := m.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, vault.ErrNotFound, "nothing flushes inside the debounce window")

	require.Eventually(t, func() bool {
		got, err := m.Load(ctx, "sess-1")
		return err == nil && bytes.Equal(got, []byte("v3"))
	}, time.Second, 10*time.Millisecond)
}

// TestAutosaver_Discard verifies a discarded draft never reaches storage.
func TestAutosaver_Discard(t *testing.T) {
	ctx := context.Background()
	m := vault.NewMemory(vault.Options{TTL: time.Hour})
	saver := vault.NewAutosaver(m, 10*time.Millisecond, nil)

	saver.Stage("sess-1", []byte("draft"))
	saver.Discard("sess-1")
	require.NoError(t, saver.Flush(ctx))

	time.Sleep(30 * time.Millisecond)
	_, err := m.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

// TestAutosaver_FlushImmediate verifies Flush bypasses the debounce.
func TestAutosaver_FlushImmediate(t *testing.T) {
	ctx := context.Background()
	m := vault.NewMemory(vault.Options{TTL: time.Hour})
	saver := vault.NewAutosaver(m, time.Minute, nil)

	saver.Stage("sess-1", []byte("draft"))
	require.NoError(t, saver.Flush(ctx))

	got, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("draft"), got)
}
