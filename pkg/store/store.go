// Package store provides persistent storage for sketches, timelines, ingest
// batches, analyzer sessions and artifacts. The session records are the
// single source of truth shared across workers; every session write is
// guarded by optimistic compare-and-set on the record's version.
package store

import (
	"context"

	"github.com/sketchflow/sketchflow/internal/model"
)

// Store is the persistence interface for all core state.
type Store interface {
	SketchStore
	TimelineStore
	SessionStore
	ArtifactStore

	Close() error
}

// SketchStore manages investigation workspaces.
type SketchStore interface {
	CreateSketch(ctx context.Context, s *model.Sketch) error
	GetSketch(ctx context.Context, id string) (*model.Sketch, error)
	ListSketches(ctx context.Context) ([]*model.Sketch, error)

	// DeleteSketch removes the sketch and cascades to its timelines,
	// sessions, batches and artifacts.
	DeleteSketch(ctx context.Context, id string) error
}

// TimelineStore manages timeline records and ingest-batch idempotency.
type TimelineStore interface {
	CreateTimeline(ctx context.Context, t *model.Timeline) error
	GetTimeline(ctx context.Context, id string) (*model.Timeline, error)
	ListTimelines(ctx context.Context, sketchID string) ([]*model.Timeline, error)

	// ApplyBatch records an applied ingest batch and sets the timeline's
	// generation to batch.Generation in one atomic step.
	ApplyBatch(ctx context.Context, batch *model.IngestBatch) error

	// GetBatch returns the batch record for an id. A lookup miss returns
	// nil with no error.
	GetBatch(ctx context.Context, batchID string) (*model.IngestBatch, error)
}

// SessionStore is the versioned record of every analyzer run.
type SessionStore interface {
	// CreateSession persists a new session. It fails with
	// CodeDuplicateSession if a non-terminal session already exists for the
	// same (timeline, analyzer, generation) key.
	CreateSession(ctx context.Context, s *model.AnalyzerSession) error

	GetSession(ctx context.Context, id string) (*model.AnalyzerSession, error)

	// FindActiveSession returns the non-terminal session for the key, or
	// nil when none exists.
	FindActiveSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error)

	// FindSession returns the most recent session for the key regardless
	// of status, or nil when none exists.
	FindSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error)

	// ListSessions returns sessions for a timeline, optionally restricted
	// to one generation (0 = all).
	ListSessions(ctx context.Context, timelineID string, generation uint64) ([]*model.AnalyzerSession, error)

	// UpdateSession writes the session under compare-and-set: the stored
	// version must equal s.Version or the write fails with
	// CodeStaleSession. The status change is validated against the session
	// state machine (CodeIllegalTransition). On success the stored version
	// is incremented and the updated record returned.
	UpdateSession(ctx context.Context, s *model.AnalyzerSession) (*model.AnalyzerSession, error)
}

// ArtifactStore manages committed sketch artifacts.
type ArtifactStore interface {
	// CreateArtifacts persists a session's artifacts in one batch.
	CreateArtifacts(ctx context.Context, artifacts []*model.Artifact) error

	ListArtifacts(ctx context.Context, sketchID string) ([]*model.Artifact, error)
	ListSessionArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error)
}
