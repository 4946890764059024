package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
)

func seedEvents(t *testing.T) *eventstore.MemoryStore {
	t.Helper()
	es := eventstore.NewMemoryStore()

	events := []*model.Event{
		{
			ID: "ev-1", Timestamp: time.Unix(1000, 0).UnixNano(),
			Message: "first event", TimestampDesc: "Event Time",
			Tags:       []string{"auth", "ssh"},
			Attributes: map[string]any{"hostname": "web-01"},
		},
		{
			ID: "ev-2", Timestamp: time.Unix(2000, 0).UnixNano(),
			Message: "second event", TimestampDesc: "Event Time",
		},
	}
	if err := es.BulkUpsert(context.Background(), "tl-1", 1, events); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	// A later generation the export must not see.
	if err := es.BulkUpsert(context.Background(), "tl-1", 2, []*model.Event{{
		ID: "ev-3", Timestamp: time.Unix(3000, 0).UnixNano(),
		Message: "late event", TimestampDesc: "Event Time",
	}}); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	return es
}

func TestExportCSV(t *testing.T) {
	es := seedEvents(t)
	path := filepath.Join(t.TempDir(), "out.csv")

	n, err := New(es).Export(context.Background(), "tl-1", 1, path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d events, want 2", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 { // header + 2 rows
		t.Fatalf("rows = %d, want 3", len(records))
	}
	if records[0][0] != "id" || records[0][4] != "message" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][0] != "ev-1" || records[1][5] != "auth,ssh" {
		t.Errorf("row 1 = %v", records[1])
	}
	if !strings.Contains(records[1][6], `"hostname":"web-01"`) {
		t.Errorf("attributes column = %q", records[1][6])
	}
	if records[2][6] != "" {
		t.Errorf("empty attributes should stay empty, got %q", records[2][6])
	}
}

func TestExportSnapshotBound(t *testing.T) {
	es := seedEvents(t)
	path := filepath.Join(t.TempDir(), "out.csv")

	// Generation 2 sees all three events.
	n, err := New(es).Export(context.Background(), "tl-1", 2, path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 3 {
		t.Errorf("exported %d events, want 3", n)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	es := seedEvents(t)
	_, err := New(es).Export(context.Background(), "tl-1", 1, filepath.Join(t.TempDir(), "out.xml"))
	if err == nil {
		t.Fatal("expected format error")
	}
}

func TestWriteParquet(t *testing.T) {
	es := seedEvents(t)
	events, err := es.Search(context.Background(), eventstore.Filter{TimelineID: "tl-1", Generation: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteParquet(&buf, events); err != nil {
		t.Fatalf("WriteParquet: %v", err)
	}

	data := buf.Bytes()
	if len(data) < 8 {
		t.Fatalf("output too small: %d bytes", len(data))
	}
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Error("output is not a Parquet file")
	}
}

func TestExportParquetFile(t *testing.T) {
	es := seedEvents(t)
	path := filepath.Join(t.TempDir(), "out.parquet")

	n, err := New(es).Export(context.Background(), "tl-1", 1, path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d events, want 2", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("output missing: %v", err)
	}
}
