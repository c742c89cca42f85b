// Package identity persists the gateway operator's credentials: the
// password hash, the TOTP secret and enrolled passkeys.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		password_hash TEXT NOT NULL DEFAULT '',
		totp_secret TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS passkeys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		credential BLOB NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Options describes parameters for opening an identity store.
type Options struct {
	DBPath string
}

// Store provides access to the identity database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open initialises the identity store at opts.DBPath.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, fmt.Errorf("identity: database path required")
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, dbPath: opts.DBPath}, nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetPasswordHash stores the operator's bcrypt hash.
func (s *Store) SetPasswordHash(ctx context.Context, hash string) error {
	return s.upsertIdentity(ctx, "password_hash", hash)
}

// PasswordHash returns the stored bcrypt hash.
func (s *Store) PasswordHash(ctx context.Context) (string, error) {
	return s.identityColumn(ctx, "password_hash")
}

// SetTOTPSecret stores the shared TOTP secret.
func (s *Store) SetTOTPSecret(ctx context.Context, secret string) error {
	return s.upsertIdentity(ctx, "totp_secret", secret)
}

// TOTPSecret returns the stored TOTP secret.
func (s *Store) TOTPSecret(ctx context.Context) (string, error) {
	return s.identityColumn(ctx, "totp_secret")
}

// Passkey is one enrolled WebAuthn credential, serialized by the auth
// layer.
type Passkey struct {
	ID         string
	Name       string
	Credential []byte
	CreatedAt  time.Time
}

// AddPasskey stores a serialized credential under id, replacing any
// previous credential with the same id.
func (s *Store) AddPasskey(ctx context.Context, id, name string, credential []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passkeys (id, name, credential) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, credential = excluded.credential`,
		id, name, credential)
	if err != nil {
		return fmt.Errorf("identity: add passkey: %w", err)
	}
	return nil
}

// Passkeys returns every enrolled credential.
func (s *Store) Passkeys(ctx context.Context) ([]Passkey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, credential, created_at FROM passkeys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("identity: list passkeys: %w", err)
	}
	defer rows.Close()

	var keys []Passkey
	for rows.Next() {
		var (
			key       Passkey
			createdAt string
		)
		if err := rows.Scan(&key.ID, &key.Name, &key.Credential, &createdAt); err != nil {
			return nil, fmt.Errorf("identity: scan passkey: %w", err)
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			key.CreatedAt = ts
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate passkeys: %w", err)
	}
	return keys, nil
}

// RemovePasskey deletes one credential.
func (s *Store) RemovePasskey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM passkeys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("identity: remove passkey: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: remove passkey: %w", err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "passkey", Key: id}
	}
	return nil
}

func (s *Store) upsertIdentity(ctx context.Context, column, value string) error {
	stmt := fmt.Sprintf(
		`INSERT INTO identity (id, %s) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET %s = excluded.%s, updated_at = CURRENT_TIMESTAMP`,
		column, column, column)
	if _, err := s.db.ExecContext(ctx, stmt, value); err != nil {
		return fmt.Errorf("identity: set %s: %w", column, err)
	}
	return nil
}

func (s *Store) identityColumn(ctx context.Context, column string) (string, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM identity WHERE id = 1`, column)
	var value string
	err := s.db.QueryRowContext(ctx, stmt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && value == "") {
		return "", NotFoundError{Entity: column}
	}
	if err != nil {
		return "", fmt.Errorf("identity: load %s: %w", column, err)
	}
	return value, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("identity: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("identity: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("identity: apply schema statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("identity: commit schema transaction: %w", err)
	}
	return nil
}
