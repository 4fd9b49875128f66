package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArchive stores purged audit events in a SQLite database.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the archive at path and runs migrations.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit archive: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit archive: wal: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			seq        INTEGER NOT NULL,
			timestamp  TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent      TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject);
		CREATE INDEX IF NOT EXISTS idx_audit_seq ON audit_events(seq);
	`)
	if err != nil {
		return fmt.Errorf("audit archive: migrate: %w", err)
	}
	return nil
}

// Store implements Archive. Events already archived are ignored.
func (a *SQLiteArchive) Store(ctx context.Context, events []Event) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit archive: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (id, seq, timestamp, event_type, agent, subject, action, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("audit archive: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("audit archive: encode metadata for %s: %w", ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, int64(ev.Seq), ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.Type), ev.Agent, ev.Subject, ev.Action, ev.Status, string(meta)); err != nil {
			return fmt.Errorf("audit archive: insert %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit archive: commit: %w", err)
	}
	return nil
}

// Load returns archived events matching filter in timestamp order.
func (a *SQLiteArchive) Load(ctx context.Context, filter Filter) ([]Event, error) {
	query := "SELECT id, seq, timestamp, event_type, agent, subject, action, status, metadata FROM audit_events WHERE 1=1"
	var args []any

	if filter.Subject != "" {
		query += " AND subject = ?"
		args = append(args, filter.Subject)
	}
	if filter.Agent != "" {
		query += " AND agent = ?"
		args = append(args, filter.Agent)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY seq"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit archive: load: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			seq       int64
			ts, typ   string
			metaBytes string
		)
		if err := rows.Scan(&ev.ID, &seq, &ts, &typ, &ev.Agent, &ev.Subject, &ev.Action, &ev.Status, &metaBytes); err != nil {
			return nil, fmt.Errorf("audit archive: scan: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Type = EventType(typ)
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit archive: parse timestamp for %s: %w", ev.ID, err)
		}
		if err := json.Unmarshal([]byte(metaBytes), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("audit archive: decode metadata for %s: %w", ev.ID, err)
		}
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		// Time bounds and types are applied in Go so they share Filter.Match semantics.
		if filter.Match(ev) {
			events = append(events, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit archive: rows: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool { return less(events[i], events[j]) })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}

// Count returns the number of archived events.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("audit archive: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
