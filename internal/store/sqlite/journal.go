// Package sqlite persists session snapshot blobs to a local SQLite file.
// The journal is operator-facing history: the agent never restores from
// it implicitly, the host drives restore through the protocol.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// keepPerSession bounds journal growth; older rows are pruned on insert.
const keepPerSession = 10

// Journal is a single-writer SQLite store for snapshot blobs.
type Journal struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Open creates the journal, initializing the database with WAL mode and
// schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("snapshot journal opened", "path", path)
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session    TEXT    NOT NULL,
			data       BLOB    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_session_snapshots_session
			ON session_snapshots (session, created_at);
	`)
	return err
}

// Save appends a snapshot blob for a session and prunes old entries,
// keeping the most recent keepPerSession rows per session.
func (j *Journal) Save(sessionID string, blob []byte) error {
	_, err := j.db.Exec(`INSERT INTO session_snapshots (session, data) VALUES (?, ?)`, sessionID, blob)
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err = j.db.Exec(`
		DELETE FROM session_snapshots
		WHERE session = ? AND id NOT IN (
			SELECT id FROM session_snapshots
			WHERE session = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, sessionID, sessionID, keepPerSession)
	if err != nil {
		slog.Warn("prune snapshots", "session", sessionID, "err", err)
	}

	return nil
}

// ReadLatest returns the most recent snapshot blob for a session, or nil
// if none exists.
func (j *Journal) ReadLatest(sessionID string) ([]byte, error) {
	var data []byte
	err := j.db.QueryRow(`
		SELECT data FROM session_snapshots
		WHERE session = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return data, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
