package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schema creates the messages table on first open. Embedded as a literal
// rather than a loaded asset file, since this backend is a small, one-table
// adjunct rather than a migration-managed store.
const schema = `
CREATE TABLE IF NOT EXISTS history_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	history_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_messages_history_id ON history_messages(history_id, id);
`

// SQLiteBackend persists conversation history to a SQLite database,
// surviving process restarts.
//
// Grounded on the reference codebase's bus.SQLiteEventStore: same
// sql.Open("sqlite", dsn) + WAL-mode + schema-on-open shape, adapted from
// an append-only event log to a single message table keyed by history id.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite-backed history store.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) GetHistory(ctx context.Context, historyID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT role, content FROM history_messages WHERE history_id = ? ORDER BY id ASC`, historyID)
	if err != nil {
		return nil, fmt.Errorf("history: get: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (b *SQLiteBackend) AppendMessage(ctx context.Context, historyID string, msg Message) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO history_messages (history_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		historyID, msg.Role, msg.Content, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ClearHistory(ctx context.Context, historyID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM history_messages WHERE history_id = ?`, historyID)
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
