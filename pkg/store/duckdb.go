package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// DuckDBStore persists core state in a DuckDB database.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore opens (or creates) the store at dbPath.
func NewDuckDBStore(dbPath string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DuckDBStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *DuckDBStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sketches (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS timelines (
			id         TEXT PRIMARY KEY,
			sketch_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			source     TEXT,
			generation BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS ingest_batches (
			id          TEXT PRIMARY KEY,
			timeline_id TEXT NOT NULL,
			generation  BIGINT NOT NULL,
			event_count INTEGER NOT NULL,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			sketch_id        TEXT NOT NULL,
			timeline_id      TEXT NOT NULL,
			analyzer         TEXT NOT NULL,
			generation       BIGINT NOT NULL,
			status           TEXT NOT NULL,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL DEFAULT 3,
			version          BIGINT NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at       TIMESTAMP,
			finished_at      TIMESTAMP,
			error_message    TEXT,
			result_ref       TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id          TEXT PRIMARY KEY,
			sketch_id   TEXT NOT NULL,
			timeline_id TEXT,
			session_id  TEXT NOT NULL,
			generation  BIGINT NOT NULL,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL,
			payload     JSON,
			created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_timelines_sketch ON timelines(sketch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(timeline_id, analyzer, generation)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_sketch ON artifacts(sketch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

// --- Sketch operations ---

// CreateSketch persists a sketch.
func (s *DuckDBStore) CreateSketch(ctx context.Context, sk *model.Sketch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sketches (id, name, created_at) VALUES (?, ?, ?)
	`, sk.ID, sk.Name, sk.CreatedAt)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "sketch insert failed")
	}
	return nil
}

// GetSketch returns a sketch by id.
func (s *DuckDBStore) GetSketch(ctx context.Context, id string) (*model.Sketch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk := &model.Sketch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM sketches WHERE id = ?
	`, id).Scan(&sk.ID, &sk.Name, &sk.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, sferrors.Newf(sferrors.CodeUnknownTimeline, "sketch %s not found", id)
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "sketch query failed")
	}
	return sk, nil
}

// ListSketches returns all sketches.
func (s *DuckDBStore) ListSketches(ctx context.Context) ([]*model.Sketch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM sketches ORDER BY created_at`)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "sketch list failed")
	}
	defer rows.Close()

	var result []*model.Sketch
	for rows.Next() {
		sk := &model.Sketch{}
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.CreatedAt); err != nil {
			continue
		}
		result = append(result, sk)
	}
	return result, rows.Err()
}

// DeleteSketch removes a sketch and cascades to everything it owns.
func (s *DuckDBStore) DeleteSketch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "sketch delete failed")
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM artifacts WHERE sketch_id = ?`,
		`DELETE FROM sessions WHERE sketch_id = ?`,
		`DELETE FROM ingest_batches WHERE timeline_id IN (SELECT id FROM timelines WHERE sketch_id = ?)`,
		`DELETE FROM timelines WHERE sketch_id = ?`,
		`DELETE FROM sketches WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return sferrors.Wrap(err, sferrors.CodeStoreIO, "sketch delete failed")
		}
	}

	return tx.Commit()
}

// --- Timeline operations ---

// CreateTimeline persists a timeline.
func (s *DuckDBStore) CreateTimeline(ctx context.Context, t *model.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timelines (id, sketch_id, name, source, generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SketchID, t.Name, t.Source, t.Generation, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "timeline insert failed")
	}
	return nil
}

// GetTimeline returns a timeline by id.
func (s *DuckDBStore) GetTimeline(ctx context.Context, id string) (*model.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &model.Timeline{}
	var source sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sketch_id, name, source, generation, created_at, updated_at
		FROM timelines WHERE id = ?
	`, id).Scan(&t.ID, &t.SketchID, &t.Name, &source, &t.Generation, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sferrors.Newf(sferrors.CodeUnknownTimeline, "timeline %s not found", id)
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "timeline query failed")
	}
	if source.Valid {
		t.Source = source.String
	}
	return t, nil
}

// ListTimelines returns the timelines of a sketch.
func (s *DuckDBStore) ListTimelines(ctx context.Context, sketchID string) ([]*model.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sketch_id, name, source, generation, created_at, updated_at
		FROM timelines WHERE sketch_id = ? ORDER BY created_at
	`, sketchID)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "timeline list failed")
	}
	defer rows.Close()

	var result []*model.Timeline
	for rows.Next() {
		t := &model.Timeline{}
		var source sql.NullString
		if err := rows.Scan(&t.ID, &t.SketchID, &t.Name, &source, &t.Generation, &t.CreatedAt, &t.UpdatedAt); err != nil {
			continue
		}
		if source.Valid {
			t.Source = source.String
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ApplyBatch records a batch and moves the timeline generation forward in
// one transaction.
func (s *DuckDBStore) ApplyBatch(ctx context.Context, batch *model.IngestBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "batch apply failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_batches (id, timeline_id, generation, event_count, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, batch.ID, batch.TimelineID, batch.Generation, batch.EventCount, batch.AppliedAt); err != nil {
		return sferrors.Newf(sferrors.CodeDuplicateBatch, "batch %s already applied", batch.ID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE timelines SET generation = ?, updated_at = ? WHERE id = ?
	`, batch.Generation, batch.AppliedAt, batch.TimelineID)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "generation update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sferrors.Newf(sferrors.CodeUnknownTimeline, "timeline %s not found", batch.TimelineID)
	}

	return tx.Commit()
}

// GetBatch returns a recorded batch, or nil when unknown.
func (s *DuckDBStore) GetBatch(ctx context.Context, batchID string) (*model.IngestBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &model.IngestBatch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timeline_id, generation, event_count, applied_at
		FROM ingest_batches WHERE id = ?
	`, batchID).Scan(&b.ID, &b.TimelineID, &b.Generation, &b.EventCount, &b.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "batch query failed")
	}
	return b, nil
}

// --- Session operations ---

// CreateSession persists a new session, enforcing the at-most-one
// non-terminal invariant per (timeline, analyzer, generation).
func (s *DuckDBStore) CreateSession(ctx context.Context, sess *model.AnalyzerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "session create failed")
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE timeline_id = ? AND analyzer = ? AND generation = ?
		  AND status NOT IN ('DONE', 'ERROR', 'CANCELLED', 'SKIPPED_DEPENDENCY_FAILED')
	`, sess.TimelineID, sess.Analyzer, sess.Generation).Scan(&existing)
	if err == nil {
		return sferrors.New(sferrors.CodeDuplicateSession, "non-terminal session exists").
			WithContext("key", sess.Key()).
			WithContext("existing", existing)
	}
	if err != sql.ErrNoRows {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "session lookup failed")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, sketch_id, timeline_id, analyzer, generation, status,
			attempt_count, max_retries, version, cancel_requested, created_at,
			started_at, finished_at, error_message, result_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.SketchID, sess.TimelineID, sess.Analyzer, sess.Generation, string(sess.Status),
		sess.AttemptCount, sess.MaxRetries, sess.Version, sess.CancelRequested, sess.CreatedAt,
		sess.StartedAt, sess.FinishedAt, sess.ErrorMessage, sess.ResultRef); err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "session insert failed")
	}

	return tx.Commit()
}

const sessionColumns = `id, sketch_id, timeline_id, analyzer, generation, status,
	attempt_count, max_retries, version, cancel_requested, created_at,
	started_at, finished_at, error_message, result_ref`

func scanSession(row interface{ Scan(...any) error }) (*model.AnalyzerSession, error) {
	sess := &model.AnalyzerSession{}
	var status string
	var startedAt, finishedAt sql.NullTime
	var errMsg, resultRef sql.NullString

	err := row.Scan(&sess.ID, &sess.SketchID, &sess.TimelineID, &sess.Analyzer, &sess.Generation,
		&status, &sess.AttemptCount, &sess.MaxRetries, &sess.Version, &sess.CancelRequested,
		&sess.CreatedAt, &startedAt, &finishedAt, &errMsg, &resultRef)
	if err != nil {
		return nil, err
	}

	sess.Status = model.SessionStatus(status)
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		sess.FinishedAt = &finishedAt.Time
	}
	if errMsg.Valid {
		sess.ErrorMessage = errMsg.String
	}
	if resultRef.Valid {
		sess.ResultRef = resultRef.String
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *DuckDBStore) GetSession(ctx context.Context, id string) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, sferrors.Newf(sferrors.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session query failed")
	}
	return sess, nil
}

// FindActiveSession returns the non-terminal session for the key, or nil.
func (s *DuckDBStore) FindActiveSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE timeline_id = ? AND analyzer = ? AND generation = ?
		  AND status NOT IN ('DONE', 'ERROR', 'CANCELLED', 'SKIPPED_DEPENDENCY_FAILED')
	`, timelineID, analyzer, generation))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session lookup failed")
	}
	return sess, nil
}

// FindSession returns the newest session for the key regardless of status.
func (s *DuckDBStore) FindSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE timeline_id = ? AND analyzer = ? AND generation = ?
		ORDER BY created_at DESC LIMIT 1
	`, timelineID, analyzer, generation))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session lookup failed")
	}
	return sess, nil
}

// ListSessions returns sessions for a timeline (generation 0 = all).
func (s *DuckDBStore) ListSessions(ctx context.Context, timelineID string, generation uint64) ([]*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE timeline_id = ?`
	args := []any{timelineID}
	if generation > 0 {
		query += ` AND generation = ?`
		args = append(args, generation)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session list failed")
	}
	defer rows.Close()

	var result []*model.AnalyzerSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UpdateSession performs the compare-and-set write, validating the status
// change against the session state machine.
func (s *DuckDBStore) UpdateSession(ctx context.Context, sess *model.AnalyzerSession) (*model.AnalyzerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session update failed")
	}
	defer tx.Rollback()

	stored, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sess.ID))
	if err == sql.ErrNoRows {
		return nil, sferrors.Newf(sferrors.CodeSessionNotFound, "session %s not found", sess.ID)
	}
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session read failed")
	}

	if stored.Version != sess.Version {
		return nil, sferrors.StaleSession(sess.ID, sess.Version, stored.Version)
	}
	if err := ValidateTransition(stored, sess.Status); err != nil {
		return nil, err
	}

	newVersion := stored.Version + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, attempt_count = ?, version = ?,
			cancel_requested = ?, started_at = ?, finished_at = ?,
			error_message = ?, result_ref = ?
		WHERE id = ? AND version = ?
	`, string(sess.Status), sess.AttemptCount, newVersion, sess.CancelRequested,
		sess.StartedAt, sess.FinishedAt, sess.ErrorMessage, sess.ResultRef,
		sess.ID, sess.Version)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sferrors.StaleSession(sess.ID, sess.Version, -1)
	}

	if err := tx.Commit(); err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "session update failed")
	}

	updated := sess.Clone()
	updated.Version = newVersion
	return updated, nil
}

// --- Artifact operations ---

// CreateArtifacts persists a session's artifacts in one transaction.
func (s *DuckDBStore) CreateArtifacts(ctx context.Context, artifacts []*model.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeStoreIO, "artifact insert failed")
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		payloadJSON := marshalJSON(a.Payload)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, sketch_id, timeline_id, session_id, generation, kind, name, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.SketchID, a.TimelineID, a.SessionID, a.Generation, string(a.Kind), a.Name, payloadJSON, a.CreatedAt); err != nil {
			return sferrors.Wrap(err, sferrors.CodeStoreIO, "artifact insert failed")
		}
	}

	return tx.Commit()
}

// ListArtifacts returns all artifacts of a sketch.
func (s *DuckDBStore) ListArtifacts(ctx context.Context, sketchID string) ([]*model.Artifact, error) {
	return s.queryArtifacts(ctx, `sketch_id = ?`, sketchID)
}

// ListSessionArtifacts returns the artifacts committed by one session.
func (s *DuckDBStore) ListSessionArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error) {
	return s.queryArtifacts(ctx, `session_id = ?`, sessionID)
}

func (s *DuckDBStore) queryArtifacts(ctx context.Context, where string, arg any) ([]*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sketch_id, timeline_id, session_id, generation, kind, name, payload, created_at
		FROM artifacts WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeStoreIO, "artifact list failed")
	}
	defer rows.Close()

	var result []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		var kind string
		var timelineID, payloadJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.SketchID, &timelineID, &a.SessionID, &a.Generation,
			&kind, &a.Name, &payloadJSON, &a.CreatedAt); err != nil {
			continue
		}
		a.Kind = model.ArtifactKind(kind)
		if timelineID.Valid {
			a.TimelineID = timelineID.String
		}
		if payloadJSON.Valid {
			unmarshalJSON(payloadJSON.String, &a.Payload)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
