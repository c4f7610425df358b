// Package audit provides the append-only heal-cycle audit log, backed by
// SQLite. Every heal phase transition and reload lifecycle event lands
// here so partial failures remain auditable after the fact.
package audit

import (
	"database/sql"
	"sync"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audit record.
type Entry struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is the append-only audit store.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (and if necessary creates) the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	l := &Log{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS heal_cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_heal_cycles_provider
			ON heal_cycles(provider, created_at);
	`)
	return err
}

// Append records one event. Append-only; there is no update or delete
// path.
func (l *Log) Append(provider, phase, status, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Audit failures must never fail the operation being audited.
	l.db.Exec(
		`INSERT INTO heal_cycles (provider, phase, status, detail) VALUES (?, ?, ?, ?)`,
		provider, phase, status, detail,
	)
}

// Recent returns the newest entries for a provider, most recent first.
// Pass an empty provider for all providers.
func (l *Log) Recent(provider string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if provider == "" {
		rows, err = l.db.Query(
			`SELECT id, provider, phase, status, COALESCE(detail, ''), created_at
			 FROM heal_cycles ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.db.Query(
			`SELECT id, provider, phase, status, COALESCE(detail, ''), created_at
			 FROM heal_cycles WHERE provider = ? ORDER BY id DESC LIMIT ?`, provider, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Provider, &e.Phase, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
