// Package eventstore adapts timeline events to and from the external
// searchable document store. It is pure protocol translation: bulk upsert of
// events for a timeline, and filtered reads scoped to a generation snapshot.
package eventstore

import (
	"context"

	"github.com/sketchflow/sketchflow/internal/model"
)

// Filter selects events for a read. Zero values mean "unbounded".
type Filter struct {
	// TimelineID is required.
	TimelineID string

	// Generation caps the snapshot: only events indexed at or before this
	// generation are returned, so in-flight ingestion never changes what an
	// already-scheduled session observes. 0 means latest.
	Generation uint64

	// Since/Until bound the event timestamp range (ns since epoch).
	Since int64
	Until int64

	// Query is a substring match against the event message.
	Query string

	// Limit caps the number of returned events. 0 means no cap.
	Limit int
}

// Store is the adapter interface to the document store.
type Store interface {
	// BulkUpsert indexes a batch of events for a timeline at the given
	// generation. Events carrying an already-indexed id are replaced.
	BulkUpsert(ctx context.Context, timelineID string, generation uint64, events []*model.Event) error

	// Search returns events matching the filter, ordered by timestamp.
	Search(ctx context.Context, f Filter) ([]*model.Event, error)

	// DeleteTimeline removes all events of a timeline (sketch deletion
	// cascade).
	DeleteTimeline(ctx context.Context, timelineID string) error

	// Close releases the underlying connection.
	Close() error
}
