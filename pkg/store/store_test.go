package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftnote-labs/shiftnote/core/pkg/store"
	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openStore(t *testing.T, clock store.Clock) *store.SessionStore {
	t.Helper()
	s, err := store.OpenSessionStore(filepath.Join(t.TempDir(), "store.db"), 30*24*time.Hour, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func approvedResult(id string) *structuring.Result {
	return &structuring.Result{
		SessionID: id,
		DutyType:  structuring.DutyNight,
		GlobalTop: []structuring.RankedItem{{Text: "[NAME] desaturating", Score: 4, Badge: "urgent"}},
		Safety: structuring.Safety{
			PhiSafe: true, ExportAllowed: true, PersistAllowed: true,
		},
	}
}

// TestSave_RefusesUnapprovedResult verifies the persistence gate: no
// safety approval, no write, regardless of how the result got here.
func TestSave_RefusesUnapprovedResult(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, nil)

	res := approvedResult("sess-1")
	res.Safety.PersistAllowed = false
	_, err := s.Save(ctx, res)
	assert.ErrorIs(t, err, store.ErrNotPersistable)

	_, err = s.Save(ctx, nil)
	assert.ErrorIs(t, err, store.ErrNotPersistable)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// TestSaveGetRoundTrip verifies approved results persist and read back
// intact.
func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, nil)

	rec, err := s.Save(ctx, approvedResult("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ID)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, structuring.DutyNight, got.Result.DutyType)
	assert.Equal(t, "[NAME] desaturating", got.Result.GlobalTop[0].Text)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

// TestTTL verifies expired records read as absent and purge removes them.
func TestTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := openStore(t, clock)

	_, err := s.Save(ctx, approvedResult("sess-1"))
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	_, err = s.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, nil)

	_, err := s.Save(ctx, approvedResult("sess-1"))
	require.NoError(t, err)
	_, err = s.Save(ctx, approvedResult("sess-2"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteAll(ctx))
	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
