// ABOUTME: SQLite-backed audit ledger for agent/task lifecycle events using modernc.org/sqlite.
// ABOUTME: Automatic schema creation; a bus subscriber drains events into it asynchronously.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrEventNotFound is returned when a requested event does not exist.
var ErrEventNotFound = errors.New("event not found")

// Event is one persisted lifecycle occurrence.
type Event struct {
	ID        string
	Topic     string
	SubjectID string // task or agent id the event is about
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Ledger persists lifecycle events to SQLite for audit and replay.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger opens (or creates) the ledger database at path. Parent
// directories are created as needed and the schema is applied on open.
func NewLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer at a time. Funnel every connection through a
	// single handle and let contending writers wait instead of failing with
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// WAL for concurrent reads during writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("event ledger opened", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_id, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// SaveEvent appends an event, assigning id and timestamp when unset.
func (l *Ledger) SaveEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, topic, subject_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Topic, ev.SubjectID, payload, ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving event: %w", err)
	}
	return nil
}

// GetEvent returns one event by id.
func (l *Ledger) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, topic, subject_id, payload, created_at FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// ListEvents returns up to limit events on a topic, oldest first. An empty
// topic lists across all topics.
func (l *Ledger) ListEvents(ctx context.Context, topic string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, topic, subject_id, payload, created_at FROM events`
	args := []any{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsSince returns up to limit events created at or after t, oldest
// first.
func (l *Ledger) ListEventsSince(ctx context.Context, t time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, topic, subject_id, payload, created_at FROM events
		 WHERE created_at >= ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		t.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsBySubject returns up to limit events about one task or agent,
// oldest first.
func (l *Ledger) ListEventsBySubject(ctx context.Context, subjectID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, topic, subject_id, payload, created_at FROM events
		 WHERE subject_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payload, createdAt string
	if err := row.Scan(&ev.ID, &ev.Topic, &ev.SubjectID, &payload, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing event created_at: %w", err)
	}
	ev.CreatedAt = ts
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
