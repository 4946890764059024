package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sketchflow/sketchflow/internal/model"
)

// MemoryStore is an in-process Store for tests and single-node mode.
type MemoryStore struct {
	mu sync.RWMutex

	// event versions per timeline, keyed by event id. Versions are kept
	// sorted by generation ascending; a generation-pinned read picks the
	// newest version at or below its pin, so a later batch mutating an
	// event never changes what an earlier snapshot sees.
	events map[string]map[string][]*model.Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]map[string][]*model.Event),
	}
}

// BulkUpsert indexes events as new versions at the batch's generation.
// Re-ingesting an id at the same generation replaces that version in
// place; versions written by other generations are left untouched.
func (s *MemoryStore) BulkUpsert(ctx context.Context, timelineID string, generation uint64, events []*model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.events[timelineID]
	if !ok {
		byID = make(map[string][]*model.Event, len(events))
		s.events[timelineID] = byID
	}

	for _, ev := range events {
		c := *ev
		c.TimelineID = timelineID
		c.Generation = generation

		versions := byID[c.ID]
		replaced := false
		for i, v := range versions {
			if v.Generation == generation {
				versions[i] = &c
				replaced = true
				break
			}
		}
		if !replaced {
			versions = append(versions, &c)
			sort.Slice(versions, func(i, j int) bool {
				return versions[i].Generation < versions[j].Generation
			})
		}
		byID[c.ID] = versions
	}

	return nil
}

// Search returns matching events ordered by timestamp.
func (s *MemoryStore) Search(ctx context.Context, f Filter) ([]*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.events[f.TimelineID]
	result := make([]*model.Event, 0, len(byID))

	for _, versions := range byID {
		var ev *model.Event
		for i := len(versions) - 1; i >= 0; i-- {
			if f.Generation == 0 || versions[i].Generation <= f.Generation {
				ev = versions[i]
				break
			}
		}
		if ev == nil {
			continue
		}
		if f.Since != 0 && ev.Timestamp < f.Since {
			continue
		}
		if f.Until != 0 && ev.Timestamp > f.Until {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(ev.Message), strings.ToLower(f.Query)) {
			continue
		}
		c := *ev
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp == result[j].Timestamp {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp < result[j].Timestamp
	})

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}

	return result, nil
}

// DeleteTimeline drops all events of a timeline.
func (s *MemoryStore) DeleteTimeline(ctx context.Context, timelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, timelineID)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
