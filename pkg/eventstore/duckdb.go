package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// DuckDBStore persists events in a DuckDB database via database/sql.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore opens (or creates) the event index at dbPath.
func NewDuckDBStore(dbPath string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event index: %w", err)
	}

	store := &DuckDBStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate event index: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *DuckDBStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			timeline_id    TEXT NOT NULL,
			id             TEXT NOT NULL,
			generation     BIGINT NOT NULL,
			ts             BIGINT NOT NULL,
			message        TEXT,
			timestamp_desc TEXT,
			attributes     JSON,
			tags           JSON,
			PRIMARY KEY (timeline_id, id, generation)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_timeline_ts ON events(timeline_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_generation ON events(timeline_id, generation)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// BulkUpsert indexes a batch of events inside one transaction. Each event
// is written as a version at the batch's generation; mutating an id leaves
// the versions earlier generations read. Re-running the same batch replaces
// its own generation's versions.
func (s *DuckDBStore) BulkUpsert(ctx context.Context, timelineID string, generation uint64, events []*model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.IngestIO(err, timelineID)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (timeline_id, id, generation, ts, message, timestamp_desc, attributes, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (timeline_id, id, generation) DO UPDATE SET
			ts = excluded.ts,
			message = excluded.message,
			timestamp_desc = excluded.timestamp_desc,
			attributes = excluded.attributes,
			tags = excluded.tags
	`)
	if err != nil {
		return sferrors.IngestIO(err, timelineID)
	}
	defer stmt.Close()

	for _, ev := range events {
		attrsJSON, _ := json.Marshal(ev.Attributes)
		tagsJSON, _ := json.Marshal(ev.Tags)

		if _, err := stmt.ExecContext(ctx, timelineID, ev.ID, generation, ev.Timestamp,
			ev.Message, ev.TimestampDesc, string(attrsJSON), string(tagsJSON)); err != nil {
			return sferrors.IngestIO(err, timelineID)
		}
	}

	if err := tx.Commit(); err != nil {
		return sferrors.IngestIO(err, timelineID)
	}

	return nil
}

// Search returns matching events ordered by timestamp. A generation pin
// selects, per event id, the newest version at or below the pin; the
// remaining filters apply to that selected version.
func (s *DuckDBStore) Search(ctx context.Context, f Filter) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inner := `
		SELECT *, row_number() OVER (PARTITION BY id ORDER BY generation DESC) AS rn
		FROM events WHERE timeline_id = ?`
	args := []any{f.TimelineID}

	if f.Generation > 0 {
		inner += ` AND generation <= ?`
		args = append(args, f.Generation)
	}

	query := `
		SELECT timeline_id, id, generation, ts, message, timestamp_desc, attributes, tags
		FROM (` + inner + `) WHERE rn = 1`

	if f.Since != 0 {
		query += ` AND ts >= ?`
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		query += ` AND ts <= ?`
		args = append(args, f.Until)
	}
	if f.Query != "" {
		query += ` AND lower(message) LIKE ?`
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
	}

	query += ` ORDER BY ts, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "event search failed")
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev := &model.Event{}
		var attrsJSON, tagsJSON sql.NullString

		if err := rows.Scan(&ev.TimelineID, &ev.ID, &ev.Generation, &ev.Timestamp,
			&ev.Message, &ev.TimestampDesc, &attrsJSON, &tagsJSON); err != nil {
			return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "event scan failed")
		}

		if attrsJSON.Valid && attrsJSON.String != "null" {
			json.Unmarshal([]byte(attrsJSON.String), &ev.Attributes)
		}
		if tagsJSON.Valid && tagsJSON.String != "null" {
			json.Unmarshal([]byte(tagsJSON.String), &ev.Tags)
		}

		events = append(events, ev)
	}

	return events, rows.Err()
}

// DeleteTimeline removes all events of a timeline.
func (s *DuckDBStore) DeleteTimeline(ctx context.Context, timelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timeline_id = ?`, timelineID)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "timeline delete failed")
	}
	return nil
}

// Close closes the database connection.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
