// Package store provides the durable, local-only stores that outlive a
// session: guard-approved structured results and the append-only audit log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
)

var (
	// ErrNotPersistable rejects any result the de-identification guard
	// has not approved. There is no bypass for this check.
	ErrNotPersistable = errors.New("store: result not approved for persistence")

	ErrRecordNotFound = errors.New("store: record not found")
)

// SessionRecord is the only artifact allowed to outlive a session.
type SessionRecord struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	Result    *structuring.Result `json:"result"`
}

// Clock abstracts wall time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// SessionStore is a TTL-bound keyed store for sanitized structured results.
type SessionStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock Clock
}

// OpenSessionStore opens (or creates) the store at the given sqlite DSN.
func OpenSessionStore(dsn string, ttl time.Duration, clock Clock) (*SessionStore, error) {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = wallClock{}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	s := &SessionStore{db: db, ttl: ttl, clock: clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS handover_sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		result JSON NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Save persists a guard-approved result. It refuses, unconditionally, any
// result whose safety block does not carry PersistAllowed.
func (s *SessionStore) Save(ctx context.Context, res *structuring.Result) (*SessionRecord, error) {
	if res == nil || !res.Safety.PersistAllowed {
		return nil, ErrNotPersistable
	}
	now := s.clock.Now().UTC()
	rec := &SessionRecord{
		ID:        res.SessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Result:    res,
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("store: marshal result: %w", err)
	}
	query := `
	INSERT INTO handover_sessions (id, created_at, expires_at, result)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, result = excluded.result`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(), payload); err != nil {
		return nil, fmt.Errorf("store: save %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Get loads one record by id. Expired records read as absent.
func (s *SessionStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, expires_at, result FROM handover_sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// List returns unexpired records, newest first.
func (s *SessionStore) List(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, expires_at, result FROM handover_sessions
		 WHERE expires_at > ? ORDER BY created_at DESC`, s.clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one record by id.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM handover_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every record.
func (s *SessionStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM handover_sessions`)
	if err != nil {
		return fmt.Errorf("store: delete all: %w", err)
	}
	return nil
}

// PurgeExpired removes expired records, returning the count.
func (s *SessionStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM handover_sessions WHERE expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SessionStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		createdMs int64
		expiresMs int64
		payload   []byte
	)
	if err := row.Scan(&rec.ID, &createdMs, &expiresMs, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	if err := json.Unmarshal(payload, &rec.Result); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &rec, nil
}
