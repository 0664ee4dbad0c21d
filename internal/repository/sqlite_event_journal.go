package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ts        INTEGER NOT NULL,
    entity_id TEXT    NOT NULL,
    kind      TEXT    NOT NULL,
    detail    TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts        ON events(ts);
`

// SQLiteJournal is a single-node event store for deployments without
// ClickHouse. Timestamps are stored as unix nanoseconds.
type SQLiteJournal struct {
	db        *sql.DB
	retention time.Duration
}

var _ domrepo.EventStore = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) the journal at path. ":memory:" keeps
// it in process. Events older than retention are pruned by Init; zero keeps
// everything.
func NewSQLiteJournal(path string, retention time.Duration) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	// sqlite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteJournal{db: db, retention: retention}, nil
}

// Init applies the schema and prunes expired rows.
func (j *SQLiteJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("apply journal schema: %w", err)
	}
	if j.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-j.retention).UnixNano()
	if _, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Emit(ctx context.Context, e models.Event) error {
	detail, err := encodeDetail(e.Detail)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (ts, entity_id, kind, detail) VALUES (?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.EntityID, string(e.Kind), detail,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Query returns events at or after since, oldest first. An empty entityID
// matches every entity. With limit > 0 only the newest limit events are
// returned.
func (j *SQLiteJournal) Query(ctx context.Context, entityID string, since time.Time, limit int) ([]models.Event, error) {
	var (
		where = []string{"ts >= ?"}
		args  = []any{since.UnixNano()}
	)
	if entityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, entityID)
	}
	q := `SELECT ts, entity_id, kind, detail FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ts     int64
			e      models.Event
			kind   string
			detail string
		)
		if err := rows.Scan(&ts, &e.EntityID, &kind, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = models.EventKind(kind)
		if e.Detail, err = decodeDetail(detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func encodeDetail(d map[string]any) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode event detail: %w", err)
	}
	return string(b), nil
}

func decodeDetail(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var d map[string]any
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("decode event detail: %w", err)
	}
	return d, nil
}
