// Package storage persists observed movements and chat to SQLite. The sink
// is write-only and best-effort: a storage failure is logged by the caller
// and never disturbs the live session.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"empirectl/internal/state"
)

//go:embed schema.sql
var schemaSQL string

// Sink receives world observations as they happen.
type Sink interface {
	RecordMovement(ctx context.Context, m state.Movement, at time.Time) error
	RecordChat(ctx context.Context, sender, message string, at time.Time) error
	Close() error
}

// SQLite is a Sink backed by a local database file. WAL mode keeps ad-hoc
// reads from blocking the writer; a single connection avoids SQLITE_BUSY.
type SQLite struct {
	db *sql.DB
}

var _ Sink = (*SQLite)(nil)

// Open creates or opens the database at path and applies the schema.
// Idempotent across restarts.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordMovement appends one lifecycle observation. Every state the
// movement passes through gets its own row; the log is append-only.
func (s *SQLite) RecordMovement(ctx context.Context, m state.Movement, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO movement_events
			(movement_id, state, type, owner_id, owner_name,
			 target_id, target_name, target_x, target_y, kingdom_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.State.String(), m.Type, m.OwnerID, m.OwnerName,
		m.Target.ID, m.Target.Name, m.Target.X, m.Target.Y, m.KingdomID,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: record movement %d: %w", m.ID, err)
	}
	return nil
}

// RecordChat appends one alliance chat line.
func (s *SQLite) RecordChat(ctx context.Context, sender, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (sender, message, received_at)
		VALUES (?, ?, ?)`,
		sender, message, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: record chat: %w", err)
	}
	return nil
}

// Nop discards everything. Used when no database path is configured.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) RecordMovement(context.Context, state.Movement, time.Time) error { return nil }
func (Nop) RecordChat(context.Context, string, string, time.Time) error     { return nil }
func (Nop) Close() error                                                    { return nil }
