// Package outbox keeps the latest unsynced snapshot of each project in a
// local SQLite file so edits survive a remote-store outage or a restart.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one pending snapshot. Payload is opaque to the outbox.
type Entry struct {
	ProjectID string
	Payload   []byte
	Attempts  int
	LastError string
	QueuedAt  time.Time
}

type Outbox struct {
	db *sql.DB
}

// Open creates or opens the outbox at path. Use ":memory:" in tests.
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	// One writer keeps SQLite away from SQLITE_BUSY and makes :memory: a
	// single shared database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_snapshots (
			project_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			queued_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores payload as the pending snapshot for projectID, replacing any
// older one. The attempt counter survives replacement.
func (o *Outbox) Put(ctx context.Context, projectID string, payload []byte, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO pending_snapshots (project_id, payload, attempts, last_error, queued_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			payload=excluded.payload,
			attempts=pending_snapshots.attempts + 1,
			last_error=excluded.last_error,
			queued_at=excluded.queued_at
	`, projectID, payload, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("queue snapshot %s: %w", projectID, err)
	}
	return nil
}

func (o *Outbox) Get(ctx context.Context, projectID string) (Entry, bool, error) {
	var e Entry
	err := o.db.QueryRowContext(ctx, `
		SELECT project_id, payload, attempts, last_error, queued_at
		FROM pending_snapshots WHERE project_id = ?
	`, projectID).Scan(&e.ProjectID, &e.Payload, &e.Attempts, &e.LastError, &e.QueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read snapshot %s: %w", projectID, err)
	}
	return e, true, nil
}

// Pending lists queued snapshots, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT project_id, payload, attempts, last_error, queued_at
		FROM pending_snapshots ORDER BY queued_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ProjectID, &e.Payload, &e.Attempts, &e.LastError, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove drops the pending snapshot only if it was queued at or before
// queuedAt, so a newer edit queued mid-sync is not lost.
func (o *Outbox) Remove(ctx context.Context, projectID string, queuedAt time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		DELETE FROM pending_snapshots WHERE project_id = ? AND queued_at <= ?
	`, projectID, queuedAt)
	if err != nil {
		return fmt.Errorf("remove snapshot %s: %w", projectID, err)
	}
	return nil
}

// Discard drops the pending snapshot unconditionally.
func (o *Outbox) Discard(ctx context.Context, projectID string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM pending_snapshots WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("discard snapshot %s: %w", projectID, err)
	}
	return nil
}

func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT count(*) FROM pending_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending snapshots: %w", err)
	}
	return n, nil
}
