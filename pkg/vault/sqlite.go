package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteVault stores ciphertext records in a local sqlite database. The
// database never sees plaintext or key material.
type SQLiteVault struct {
	db   *sql.DB
	keys *keyring
	opts Options
}

// OpenSQLite opens (or creates) the vault database at the given DSN and
// generates a fresh process-scoped master key.
func OpenSQLite(dsn string, opts Options) (*SQLiteVault, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vault: open db: %w", err)
	}
	keys, err := newKeyring()
	if err != nil {
		db.Close()
		return nil, err
	}
	v := &SQLiteVault{db: db, keys: keys, opts: opts.withDefaults()}
	if err := v.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *SQLiteVault) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS vault_records (
		session_id TEXT PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`
	_, err := v.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("vault: migrate: %w", err)
	}
	return nil
}

// Save encrypts and upserts the payload. Expiry is refreshed on every
// write; creation time is kept from the first write.
func (v *SQLiteVault) Save(ctx context.Context, sessionID string, payload []byte) error {
	ct, err := v.keys.seal(sessionID, payload)
	if err != nil {
		return err
	}
	now := v.opts.Clock.Now()
	query := `
	INSERT INTO vault_records (session_id, ciphertext, created_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET ciphertext = excluded.ciphertext, expires_at = excluded.expires_at`
	_, err = v.db.ExecContext(ctx, query, sessionID, ct, now.UnixMilli(), now.Add(v.opts.TTL).UnixMilli())
	if err != nil {
		return fmt.Errorf("vault: save %s: %w", sessionID, err)
	}
	return nil
}

// Load decrypts the record for the session id. Expired records read as
// absent even before the sweep removes them.
func (v *SQLiteVault) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var ct []byte
	var expiresAt int64
	row := v.db.QueryRowContext(ctx,
		`SELECT ciphertext, expires_at FROM vault_records WHERE session_id = ?`, sessionID)
	if err := row.Scan(&ct, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault: load %s: %w", sessionID, err)
	}
	if v.opts.Clock.Now().UnixMilli() >= expiresAt {
		return nil, ErrNotFound
	}
	return v.keys.open(sessionID, ct)
}

// Delete is the soft path: the row goes away but, had it been copied
// beforehand, the key material could still open it within this process.
func (v *SQLiteVault) Delete(ctx context.Context, sessionID string) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM vault_records WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("vault: delete %s: %w", sessionID, err)
	}
	return nil
}

// Shred overwrites the stored ciphertext with random bytes, deletes the
// row, and destroys the session's key material, in that order. After Shred
// the record is unrecoverable even under direct storage inspection.
func (v *SQLiteVault) Shred(ctx context.Context, sessionID string) error {
	junk := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, junk); err != nil {
		return fmt.Errorf("vault: shred %s: %w", sessionID, err)
	}
	if _, err := v.db.ExecContext(ctx,
		`UPDATE vault_records SET ciphertext = ? WHERE session_id = ?`, junk, sessionID); err != nil {
		return fmt.Errorf("vault: shred overwrite %s: %w", sessionID, err)
	}
	if err := v.Delete(ctx, sessionID); err != nil {
		return err
	}
	v.keys.shred(sessionID)
	return nil
}

// PurgeExpired removes expired rows without reading their contents.
func (v *SQLiteVault) PurgeExpired(ctx context.Context) (int, error) {
	res, err := v.db.ExecContext(ctx,
		`DELETE FROM vault_records WHERE expires_at <= ?`, v.opts.Clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("vault: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (v *SQLiteVault) Close() error { return v.db.Close() }
