package overwatch

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id         TEXT PRIMARY KEY,
	slot       INTEGER NOT NULL,
	score      INTEGER NOT NULL,
	verdict    TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	directive  TEXT NOT NULL DEFAULT '',
	emitted    INTEGER NOT NULL DEFAULT 0,
	fallback   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_slot_created ON verdicts(slot, created_at);
`

// timeLayout is fixed width so created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists verdicts. Several instances share one database file; rows
// are scoped by slot.
type Store struct {
	db   *sql.DB
	slot int
}

// OpenStore opens (or creates) the verdict database at path.
func OpenStore(path string, slot int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, slot: slot}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts a verdict.
func (s *Store) Save(v Verdict) error {
	_, err := s.db.Exec(`
		INSERT INTO verdicts (id, slot, score, verdict, kind, directive, emitted, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, s.slot, v.Score, v.Verdict, string(v.Kind), v.Directive,
		boolToInt(v.Emitted), boolToInt(v.Fallback),
		v.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save verdict %q: %w", v.ID, err)
	}
	return nil
}

// Recent returns up to n verdicts, newest first.
func (s *Store) Recent(n int) ([]Verdict, error) {
	rows, err := s.db.Query(`
		SELECT id, score, verdict, kind, directive, emitted, fallback, created_at
		FROM verdicts WHERE slot = ?
		ORDER BY created_at DESC LIMIT ?`, s.slot, n)
	if err != nil {
		return nil, fmt.Errorf("load verdicts: %w", err)
	}
	defer rows.Close()

	var out []Verdict
	for rows.Next() {
		var (
			v                 Verdict
			kind, createdAt   string
			emitted, fallback int
		)
		if err := rows.Scan(&v.ID, &v.Score, &v.Verdict, &kind, &v.Directive, &emitted, &fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Kind = Kind(kind)
		v.Emitted = emitted != 0
		v.Fallback = fallback != 0
		v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// LastEmitted returns when a directive of the given kind was last emitted.
func (s *Store) LastEmitted(kind Kind) (time.Time, bool, error) {
	var createdAt string
	err := s.db.QueryRow(`
		SELECT created_at FROM verdicts
		WHERE slot = ? AND kind = ? AND emitted = 1
		ORDER BY created_at DESC LIMIT 1`, s.slot, string(kind)).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last %s: %w", kind, err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse timestamp %q: %w", createdAt, err)
	}
	return t, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
