package repository

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
	pkgch "RevEngine/pkg/clickhouse"
	applogger "RevEngine/pkg/logger"
)

// CHEventStore keeps the event trail in ClickHouse for long-range analysis.
type CHEventStore struct {
	ch    *pkgch.Client
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.EventStore = (*CHEventStore)(nil)

func NewCHEventStore(ch *pkgch.Client, table string, l *applogger.Logger) *CHEventStore {
	if table == "" {
		table = "engine_events"
	}
	return &CHEventStore{ch: ch, db: ch.DB(), table: table, l: l}
}

// Init creates the table if it does not exist.
func (s *CHEventStore) Init(ctx context.Context) error {
	if err := s.ch.InitSchema(ctx, eventSchema(s.table)); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func eventSchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            ts        DateTime64(6, 'UTC'),
            entity_id String,
            kind      LowCardinality(String),
            detail    String
        )
        ENGINE = MergeTree
        PARTITION BY toYYYYMM(ts)
        ORDER BY (entity_id, ts)
    `, table)}
}

// eventQuery builds the newest-first window read by Query. An empty
// entityID matches every entity; limit <= 0 means no limit.
func eventQuery(table, entityID string, since time.Time, limit int) (string, []any) {
	q := fmt.Sprintf(`
        SELECT ts, entity_id, kind, detail
        FROM %s
        WHERE ts >= ? AND (? = '' OR entity_id = ?)
        ORDER BY ts DESC`, table)
	args := []any{since.UTC(), entityID, entityID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return q, args
}

func (s *CHEventStore) Emit(ctx context.Context, e models.Event) error {
	detail, err := encodeDetail(e.Detail)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (ts, entity_id, kind, detail) VALUES (?, ?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, q, e.Timestamp.UTC(), e.EntityID, string(e.Kind), detail); err != nil {
		s.l.Error("clickhouse insert event error",
			applogger.String("table", s.table),
			applogger.String("kind", string(e.Kind)),
			applogger.Error(err),
		)
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Query has the same contract as SQLiteJournal.Query.
func (s *CHEventStore) Query(ctx context.Context, entityID string, since time.Time, limit int) ([]models.Event, error) {
	start := time.Now()
	q, args := eventQuery(s.table, entityID, since, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse query events error", applogger.String("entity_id", entityID), applogger.Error(err))
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]models.Event, 0, max(limit, 0))
	for rows.Next() {
		var (
			e      models.Event
			kind   string
			detail string
		)
		if err := rows.Scan(&e.Timestamp, &e.EntityID, &kind, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
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

	s.l.Debug("clickhouse query events ok",
		applogger.String("entity_id", entityID),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *CHEventStore) Close() error { return nil }
