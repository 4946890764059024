// Package model defines the core data structures for Sketchflow.
package model

import (
	"fmt"
	"time"
)

// Sketch is an investigation workspace. It owns timelines and the
// artifacts committed by successful analyzer sessions.
type Sketch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Timeline is an append-capable collection of events bound to one sketch.
// Generation is a monotonic counter bumped on every applied ingest batch;
// it is the unit of "what analyzers have seen".
type Timeline struct {
	ID         string    `json:"id"`
	SketchID   string    `json:"sketch_id"`
	Name       string    `json:"name"`
	Source     string    `json:"source,omitempty"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is a single timestamped forensic record. Events are immutable once
// indexed; the core only ever reads them back through the event store.
type Event struct {
	// ID is unique within a timeline.
	ID string `json:"id"`

	// TimelineID identifies the owning timeline.
	TimelineID string `json:"timeline_id"`

	// Generation is the ingest generation that indexed this event.
	Generation uint64 `json:"generation"`

	// Timestamp in nanoseconds since Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// Message is the human-readable event description.
	Message string `json:"message"`

	// TimestampDesc describes what the timestamp means
	// (e.g. "Creation Time", "Last Written").
	TimestampDesc string `json:"timestamp_desc"`

	// Attributes holds additional source-specific fields.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Tags applied by analyzers or users.
	Tags []string `json:"tags,omitempty"`
}

// Time returns the event timestamp as a time.Time in UTC.
func (e *Event) Time() time.Time {
	return time.Unix(0, e.Timestamp).UTC()
}

// AnalyzerDefinition describes one registered analyzer: its declared
// dependencies, timeout budget and retry cap. The dependency graph over all
// registered definitions must stay acyclic.
type AnalyzerDefinition struct {
	Name        string        `yaml:"name" json:"name"`
	DisplayName string        `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	DependsOn   []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SessionKey returns the idempotency key for a run of this analyzer against
// a timeline generation.
func (d *AnalyzerDefinition) SessionKey(timelineID string, generation uint64) string {
	return fmt.Sprintf("%s:%s:%d", timelineID, d.Name, generation)
}

// SessionStatus is the lifecycle state of an analyzer session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusRunning   SessionStatus = "RUNNING"
	StatusDone      SessionStatus = "DONE"
	StatusError     SessionStatus = "ERROR"
	StatusCancelled SessionStatus = "CANCELLED"

	// StatusSkippedDependency marks sessions whose dependency chain failed
	// or was cancelled before they ever ran.
	StatusSkippedDependency SessionStatus = "SKIPPED_DEPENDENCY_FAILED"
)

// Terminal reports whether the status is a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled, StatusSkippedDependency:
		return true
	}
	return false
}

// AnalyzerSession is one tracked attempt lineage of running an analyzer
// against a timeline generation. Version implements optimistic concurrency:
// every write must present the writer's last-read version.
type AnalyzerSession struct {
	ID         string        `json:"id"`
	SketchID   string        `json:"sketch_id"`
	TimelineID string        `json:"timeline_id"`
	Analyzer   string        `json:"analyzer"`
	Generation uint64        `json:"generation"`
	Status     SessionStatus `json:"status"`

	AttemptCount int   `json:"attempt_count"`
	MaxRetries   int   `json:"max_retries"`
	Version      int64 `json:"version"`

	// CancelRequested is observed cooperatively by the analyzer runtime at
	// its next checkpoint.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
}

// Key returns the (timeline, analyzer, generation) idempotency key.
func (s *AnalyzerSession) Key() string {
	return fmt.Sprintf("%s:%s:%d", s.TimelineID, s.Analyzer, s.Generation)
}

// Clone returns a deep-enough copy for handing across goroutines.
func (s *AnalyzerSession) Clone() *AnalyzerSession {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ArtifactKind discriminates artifact payloads.
type ArtifactKind string

const (
	ArtifactTag         ArtifactKind = "tag"
	ArtifactSavedSearch ArtifactKind = "saved_search"
	ArtifactStory       ArtifactKind = "story"
)

// Artifact is a result committed to a sketch by a successful session:
// a tag set on events, a saved search, or a narrative entry. Immutable
// after commit; superseded only by a newer generation's session.
type Artifact struct {
	ID         string       `json:"id"`
	SketchID   string       `json:"sketch_id"`
	TimelineID string       `json:"timeline_id"`
	SessionID  string       `json:"session_id"`
	Generation uint64       `json:"generation"`
	Kind       ArtifactKind `json:"kind"`
	Name       string       `json:"name"`

	// Payload is kind-specific: tagged event ids, a query string, or
	// narrative text.
	Payload map[string]any `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IngestBatch records an applied ingest batch for idempotent replays.
type IngestBatch struct {
	ID         string    `json:"id"`
	TimelineID string    `json:"timeline_id"`
	Generation uint64    `json:"generation"`
	EventCount int       `json:"event_count"`
	AppliedAt  time.Time `json:"applied_at"`
}
