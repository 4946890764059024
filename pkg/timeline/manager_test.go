package timeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *eventstore.MemoryStore, string) {
	t.Helper()

	st := store.NewMemoryStore()
	es := eventstore.NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateSketch(ctx, &model.Sketch{ID: "sk-1", Name: "case", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSketch: %v", err)
	}

	m := NewManager(st, es)
	tl, err := m.RegisterTimeline(ctx, "sk-1", "syslog", "server.log")
	if err != nil {
		t.Fatalf("RegisterTimeline: %v", err)
	}
	return m, es, tl.ID
}

func batchEvents(n int, start time.Time) []*model.Event {
	events := make([]*model.Event, n)
	for i := range events {
		events[i] = &model.Event{
			ID:            fmt.Sprintf("ev-%s-%03d", start.Format("150405"), i),
			Timestamp:     start.Add(time.Duration(i) * time.Second).UnixNano(),
			Message:       fmt.Sprintf("login from 10.0.0.%d", i),
			TimestampDesc: "Event Time",
		}
	}
	return events
}

func TestIngestBatchAdvancesGeneration(t *testing.T) {
	m, es, tlID := newTestManager(t)
	ctx := context.Background()

	gen, err := m.IngestBatch(ctx, tlID, "batch-1", batchEvents(5, time.Unix(1000, 0)))
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}

	gen, err = m.IngestBatch(ctx, tlID, "batch-2", batchEvents(3, time.Unix(2000, 0)))
	if err != nil {
		t.Fatalf("second IngestBatch: %v", err)
	}
	if gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}

	events, err := es.Search(ctx, eventstore.Filter{TimelineID: tlID, Generation: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(events) != 8 {
		t.Errorf("indexed events = %d, want 8", len(events))
	}
}

func TestIngestBatchIdempotent(t *testing.T) {
	m, es, tlID := newTestManager(t)
	ctx := context.Background()

	events := batchEvents(5, time.Unix(1000, 0))
	gen1, err := m.IngestBatch(ctx, tlID, "batch-1", events)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// Replaying the same batch id neither re-indexes nor bumps the
	// generation.
	gen2, err := m.IngestBatch(ctx, tlID, "batch-1", events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if gen2 != gen1 {
		t.Errorf("replay generation = %d, want %d", gen2, gen1)
	}

	indexed, _ := es.Search(ctx, eventstore.Filter{TimelineID: tlID, Generation: gen1})
	if len(indexed) != 5 {
		t.Errorf("indexed events = %d, want 5", len(indexed))
	}
}

func TestIngestBatchValidation(t *testing.T) {
	m, _, tlID := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		event    *model.Event
		wantCode sferrors.Code
	}{
		{"missing message", &model.Event{ID: "e1", Timestamp: 1, TimestampDesc: "Event Time"}, sferrors.CodeInvalidEvent},
		{"missing timestamp_desc", &model.Event{ID: "e1", Timestamp: 1, Message: "x"}, sferrors.CodeInvalidEvent},
		{"zero timestamp", &model.Event{ID: "e1", Message: "x", TimestampDesc: "Event Time"}, sferrors.CodeInvalidEvent},
		{"missing id", &model.Event{Timestamp: 1, Message: "x", TimestampDesc: "Event Time"}, sferrors.CodeInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.IngestBatch(ctx, tlID, "batch-"+tt.name, []*model.Event{tt.event})
			if !sferrors.IsCode(err, tt.wantCode) {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}

	if _, err := m.IngestBatch(ctx, tlID, "batch-empty", nil); !sferrors.IsCode(err, sferrors.CodeInvalidEvent) {
		t.Errorf("empty batch: expected %s, got %v", sferrors.CodeInvalidEvent, err)
	}

	// Nothing above may have advanced the generation.
	gen, err := m.IngestBatch(ctx, tlID, "batch-good", batchEvents(1, time.Unix(1000, 0)))
	if err != nil {
		t.Fatalf("good batch: %v", err)
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1 after rejected batches", gen)
	}
}

func TestIngestBatchUnknownTimeline(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.IngestBatch(context.Background(), "no-such", "batch-1", batchEvents(1, time.Unix(1000, 0)))
	if !sferrors.IsCode(err, sferrors.CodeUnknownTimeline) {
		t.Errorf("expected %s, got %v", sferrors.CodeUnknownTimeline, err)
	}
}

func TestIngestBatchConcurrent(t *testing.T) {
	m, _, tlID := newTestManager(t)
	ctx := context.Background()

	const batches = 20
	var wg sync.WaitGroup
	gens := make([]uint64, batches)

	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gen, err := m.IngestBatch(ctx, tlID, fmt.Sprintf("batch-%d", i),
				batchEvents(2, time.Unix(int64(1000*(i+1)), 0)))
			if err != nil {
				t.Errorf("batch %d: %v", i, err)
				return
			}
			gens[i] = gen
		}(i)
	}
	wg.Wait()

	// Every batch got a distinct generation in 1..batches.
	seen := make(map[uint64]bool)
	for i, g := range gens {
		if g < 1 || g > batches {
			t.Errorf("batch %d generation %d out of range", i, g)
		}
		if seen[g] {
			t.Errorf("generation %d assigned twice", g)
		}
		seen[g] = true
	}
}
