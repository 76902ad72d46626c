package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/verdantgrid/grassmon/internal/domain"
)

const sessionDBName = "session.db"

// EncryptedSessionStore implements domain.SessionStore using a SQLCipher
// encrypted SQLite database. It caches the authenticated API session used
// for manifest fetches and keeps a run history. Credentials never land here.
type EncryptedSessionStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedSessionStore opens (or creates) the encrypted session database.
// The key is applied as the SQLCipher passphrase via the PRAGMA-key DSN.
func NewEncryptedSessionStore(dataDir string, key []byte) (*EncryptedSessionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, sessionDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedSessionStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedSessionStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		name TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		strategy TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Token returns the cached session token, or "" when none is stored.
func (s *EncryptedSessionStore) Token() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM session WHERE name = 'api'`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session token: %w", err)
	}
	return token, nil
}

// StoreToken persists a new session token, replacing any previous one.
func (s *EncryptedSessionStore) StoreToken(token string) error {
	_, err := s.db.Exec(
		`INSERT INTO session (name, token, updated_at) VALUES ('api', ?, strftime('%s','now'))
		 ON CONFLICT(name) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token)
	if err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	return nil
}

// RecordRun appends one run history row.
func (s *EncryptedSessionStore) RecordRun(rec domain.RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, outcome, strategy, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Outcome, rec.Strategy, rec.Started.Unix())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit run records, newest first.
func (s *EncryptedSessionStore) RecentRuns(limit int) ([]domain.RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, outcome, strategy, started_at FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}
	defer rows.Close()

	var recs []domain.RunRecord
	for rows.Next() {
		var rec domain.RunRecord
		var started int64
		if err := rows.Scan(&rec.ID, &rec.Outcome, &rec.Strategy, &started); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		rec.Started = time.Unix(started, 0)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close releases the underlying database.
func (s *EncryptedSessionStore) Close() error {
	return s.db.Close()
}

// Ensure EncryptedSessionStore implements domain.SessionStore.
var _ domain.SessionStore = (*EncryptedSessionStore)(nil)
