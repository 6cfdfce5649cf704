// Package audit provides a write-only, append-only log of orchestrator
// lifecycle events (connection admitted/evicted, session created/closed,
// auth failures) backed by SQLite in WAL mode, for post-incident review.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kterminus/orchestrator/internal/shared"
)

// Kind identifies the category of an audited event.
type Kind string

const (
	KindMachineConnected    Kind = "machine_connected"
	KindMachineDisconnected Kind = "machine_disconnected"
	KindSessionCreated      Kind = "session_created"
	KindSessionClosed       Kind = "session_closed"
	KindAuthFailure         Kind = "auth_failure"
)

// Log is a write-only audit trail.
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at dbPath in WAL mode.
func Open(dbPath string) (*Log, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create db directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer audit log; WAL allows concurrent readers elsewhere
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("audit: initialize schema: %w", err)
	}
	return l, nil
}

func (l *Log) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		machine_id TEXT,
		session_id TEXT,
		peer_address TEXT,
		detail_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_machine ON events(machine_id) WHERE machine_id IS NOT NULL;
	`
	_, err := l.db.Exec(schema)
	return err
}

// Entry is one audited event.
type Entry struct {
	OccurredAt  time.Time
	Kind        Kind
	MachineID   string
	SessionID   string
	PeerAddress string
	Detail      any
}

// Record appends an entry to the audit log. Failures are retried against
// SQLITE_BUSY, since the log may be written from several goroutines
// (health monitor, SSH server, control plane) concurrently.
func (l *Log) Record(ctx context.Context, e Entry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}

	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO events (occurred_at, kind, machine_id, session_id, peer_address, detail_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.OccurredAt.Unix(), string(e.Kind), nullIfEmpty(e.MachineID), nullIfEmpty(e.SessionID), nullIfEmpty(e.PeerAddress), string(detailJSON),
		)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shared.IsSQLiteConflictError(err) {
			return fmt.Errorf("audit: insert event: %w", err)
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return fmt.Errorf("audit: insert event after %d attempts: %w", maxRetries, lastErr)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
