package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Audit actions recorded for policy- and security-relevant transitions.
// One terse, non-identifying record per transition; never transcript text.
const (
	ActionPolicyBlocked = "policy_blocked"
	ActionSyncBlocked   = "remote_sync_blocked"
	ActionLock          = "view_locked"
	ActionUnlock        = "view_unlocked"
	ActionReveal        = "field_revealed"
	ActionShred         = "session_shredded"
	ActionPurge         = "full_purge"
	ActionMemoryPurge   = "idle_memory_purge"
	ActionPipelineRun   = "pipeline_run"
	ActionSessionSave   = "session_saved"
	ActionExport        = "session_exported"
)

// AuditEvent is one append-only log record. Detail carries only category
// and terse non-identifying context.
type AuditEvent struct {
	ID       string    `json:"id"`
	Seq      int64     `json:"seq"`
	Action   string    `json:"action"`
	Session  string    `json:"session_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

// AuditLog is an append-only, capped, hash-chained log with its own TTL,
// purged independently of the session store.
type AuditLog struct {
	mu    sync.Mutex
	db    *sql.DB
	cap   int
	ttl   time.Duration
	clock Clock
	head  string
	seq   int64
}

// OpenAuditLog opens (or creates) the log at the given sqlite DSN.
func OpenAuditLog(dsn string, capEntries int, ttl time.Duration, clock Clock) (*AuditLog, error) {
	if capEntries <= 0 {
		capEntries = 5000
	}
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	if clock == nil {
		clock = wallClock{}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	l := &AuditLog{db: db, cap: capEntries, ttl: ttl, clock: clock}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		action TEXT NOT NULL,
		session_id TEXT,
		detail TEXT,
		at INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (l *AuditLog) loadHead() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&l.seq, &l.head); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("audit: load head: %w", err)
	}
	return nil
}

// Append records one event, linking it to the previous entry's hash. The
// oldest entries are dropped once the cap is exceeded; the chain head is
// unaffected by capping.
func (l *AuditLog) Append(ctx context.Context, action, sessionID, detail string) (*AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := &AuditEvent{
		ID:       uuid.New().String(),
		Seq:      l.seq + 1,
		Action:   action,
		Session:  sessionID,
		Detail:   detail,
		At:       l.clock.Now().UTC(),
		PrevHash: l.head,
	}
	hash, err := hashEvent(ev)
	if err != nil {
		return nil, err
	}
	ev.Hash = hash

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (seq, id, action, session_id, detail, at, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.ID, ev.Action, ev.Session, ev.Detail, ev.At.UnixMilli(), ev.PrevHash, ev.Hash); err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}

	l.seq = ev.Seq
	l.head = ev.Hash

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE seq <= ?`, l.seq-int64(l.cap)); err != nil {
		return nil, fmt.Errorf("audit: cap: %w", err)
	}
	return ev, nil
}

// List returns retained events in append order.
func (l *AuditLog) List(ctx context.Context) ([]AuditEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, id, action, session_id, detail, at, prev_hash, hash
		 FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var atMs int64
		var session, detail sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Action, &session, &detail, &atMs, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Session = session.String
		ev.Detail = detail.String
		ev.At = time.UnixMilli(atMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VerifyChain checks that retained entries still link and hash correctly.
func (l *AuditLog) VerifyChain(ctx context.Context) error {
	events, err := l.List(ctx)
	if err != nil {
		return err
	}
	for i, ev := range events {
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return fmt.Errorf("audit: chain broken at seq %d", ev.Seq)
		}
		h, err := hashEvent(&AuditEvent{
			ID: ev.ID, Seq: ev.Seq, Action: ev.Action, Session: ev.Session,
			Detail: ev.Detail, At: ev.At, PrevHash: ev.PrevHash,
		})
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return fmt.Errorf("audit: hash mismatch at seq %d", ev.Seq)
		}
	}
	return nil
}

// PurgeExpired removes entries past the log's own TTL.
func (l *AuditLog) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := l.clock.Now().Add(-l.ttl).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (l *AuditLog) Close() error { return l.db.Close() }

// hashEvent computes the SHA-256 of the JCS-canonicalized entry, excluding
// the Hash field itself.
func hashEvent(ev *AuditEvent) (string, error) {
	data, err := json.Marshal(map[string]any{
		"id":         ev.ID,
		"seq":        ev.Seq,
		"action":     ev.Action,
		"session_id": ev.Session,
		"detail":     ev.Detail,
		"at":         ev.At.UnixMilli(),
		"prev_hash":  ev.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
