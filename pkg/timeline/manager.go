// Package timeline implements the ingestion path: registering timelines and
// applying event batches. Batches are the unit of both idempotency and
// generation advancement; replaying a batch id is a no-op that reports the
// generation the batch produced the first time.
package timeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/store"
)

// Manager coordinates timeline registration and batch ingestion. Ingestion
// is serialized per timeline so generation numbers are assigned one at a
// time even under concurrent callers.
type Manager struct {
	store  store.Store
	events eventstore.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex // timelineID -> ingest lock
}

// NewManager creates a Manager over the given state and event stores.
func NewManager(st store.Store, events eventstore.Store) *Manager {
	return &Manager{
		store:  st,
		events: events,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) timelineLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// RegisterTimeline creates a new empty timeline inside a sketch.
func (m *Manager) RegisterTimeline(ctx context.Context, sketchID, name, source string) (*model.Timeline, error) {
	if _, err := m.store.GetSketch(ctx, sketchID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &model.Timeline{
		ID:        uuid.New().String(),
		SketchID:  sketchID,
		Name:      name,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateTimeline(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// IngestBatch validates and indexes a batch of events, then advances the
// timeline generation. The returned generation identifies the snapshot the
// batch produced.
//
// Replaying a batchID that was already applied returns the original
// generation without touching the index. A failed index write leaves the
// generation untouched so the batch can be retried under the same id.
func (m *Manager) IngestBatch(ctx context.Context, timelineID, batchID string, events []*model.Event) (uint64, error) {
	if len(events) == 0 {
		return 0, sferrors.New(sferrors.CodeInvalidEvent, "empty batch")
	}
	for i, ev := range events {
		if err := validateEvent(ev); err != nil {
			return 0, sferrors.Wrapf(err, sferrors.CodeInvalidEvent, "event %d invalid", i)
		}
	}

	lock := m.timelineLock(timelineID)
	lock.Lock()
	defer lock.Unlock()

	if applied, err := m.store.GetBatch(ctx, batchID); err != nil {
		return 0, err
	} else if applied != nil {
		return applied.Generation, nil
	}

	t, err := m.store.GetTimeline(ctx, timelineID)
	if err != nil {
		return 0, err
	}
	generation := t.Generation + 1

	if err := m.events.BulkUpsert(ctx, timelineID, generation, events); err != nil {
		return 0, sferrors.IngestIO(err, timelineID)
	}

	batch := &model.IngestBatch{
		ID:         batchID,
		TimelineID: timelineID,
		Generation: generation,
		EventCount: len(events),
		AppliedAt:  time.Now().UTC(),
	}
	if err := m.store.ApplyBatch(ctx, batch); err != nil {
		// A concurrent replay of the same id can win the race between our
		// GetBatch and ApplyBatch; treat that as the idempotent path.
		if sferrors.IsCode(err, sferrors.CodeDuplicateBatch) {
			if applied, gerr := m.store.GetBatch(ctx, batchID); gerr == nil && applied != nil {
				return applied.Generation, nil
			}
		}
		return 0, err
	}

	return generation, nil
}

// validateEvent enforces the mandatory event fields.
func validateEvent(ev *model.Event) error {
	if ev.ID == "" {
		return sferrors.New(sferrors.CodeInvalidEvent, "missing event id")
	}
	if strings.TrimSpace(ev.Message) == "" {
		return sferrors.New(sferrors.CodeInvalidEvent, "missing message")
	}
	if ev.TimestampDesc == "" {
		return sferrors.New(sferrors.CodeInvalidEvent, "missing timestamp_desc")
	}
	if ev.Timestamp <= 0 {
		return sferrors.New(sferrors.CodeInvalidTimestamp, "timestamp must be positive")
	}
	return nil
}
