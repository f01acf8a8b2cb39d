package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is the timestamp format used for SQLite datetime values.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// Entry is one transcript line: a user or assistant turn bound to a
// session key.
type Entry struct {
	ID        int64
	SessionKey string
	Role      string
	Content   string
	Channel   string
	Sender    string
	CreatedAt time.Time
}

// Store is the SQLite-backed conversation transcript. Each session key
// owns an ordered sequence of entries; resetting a session clears only
// that key's rows.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the transcript database at
// workspace/history/history.db.
func Open(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "history")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	dbPath := filepath.Join(dir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps readers unblocked while the bridge loop appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		channel     TEXT NOT NULL DEFAULT '',
		sender      TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_key, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DBPath returns the path to the database file.
func (s *Store) DBPath() string {
	return s.dbPath
}

// Append records one transcript entry.
func (s *Store) Append(e Entry) error {
	if e.SessionKey == "" {
		return fmt.Errorf("append transcript: empty session key")
	}
	_, err := s.db.Exec(
		`INSERT INTO transcript (session_key, role, content, channel, sender) VALUES (?, ?, ?, ?, ?)`,
		e.SessionKey, e.Role, e.Content, e.Channel, e.Sender,
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a session, oldest first.
func (s *Store) Recent(sessionKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_key, role, content, channel, sender, created_at
		 FROM (SELECT * FROM transcript WHERE session_key = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Role, &e.Content, &e.Channel, &e.Sender, &created); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry for one session key.
func (s *Store) Clear(sessionKey string) error {
	if _, err := s.db.Exec(`DELETE FROM transcript WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// Count returns the number of entries stored for a session key.
func (s *Store) Count(sessionKey string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transcript WHERE session_key = ?`, sessionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcript: %w", err)
	}
	return n, nil
}

// parseTime parses a timestamp string, trying sqliteTimeFormat first
// then RFC3339.
func parseTime(s string) time.Time {
	if t, err := time.Parse(sqliteTimeFormat, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
