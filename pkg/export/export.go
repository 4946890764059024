// Package export writes a timeline generation out to CSV or Parquet.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
)

// Exporter reads events from the index and writes them to a file.
type Exporter struct {
	events eventstore.Store
}

// New creates an Exporter.
func New(events eventstore.Store) *Exporter {
	return &Exporter{events: events}
}

// Export writes the timeline snapshot at generation to path, picking the
// format from the extension (.csv or .parquet).
func (e *Exporter) Export(ctx context.Context, timelineID string, generation uint64, path string) (int, error) {
	events, err := e.events.Search(ctx, eventstore.Filter{
		TimelineID: timelineID,
		Generation: generation,
	})
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = writeAtomic(path, func(f *os.File) error {
			return WriteCSV(f, events)
		})
	case ".parquet":
		err = writeAtomic(path, func(f *os.File) error {
			return WriteParquet(f, events)
		})
	default:
		return 0, fmt.Errorf("unsupported export format %s", filepath.Ext(path))
	}
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// writeAtomic writes through a temp file and renames on success.
func writeAtomic(path string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}

// WriteCSV writes events as CSV with the mandatory columns first and the
// union of attributes flattened into a JSON column.
func WriteCSV(w io.Writer, events []*model.Event) error {
	cw := csv.NewWriter(w)

	header := []string{"id", "datetime", "timestamp", "timestamp_desc", "message", "tags", "attributes"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, ev := range events {
		attrs := ""
		if len(ev.Attributes) > 0 {
			data, err := json.Marshal(ev.Attributes)
			if err != nil {
				return fmt.Errorf("failed to marshal attributes for %s: %w", ev.ID, err)
			}
			attrs = string(data)
		}
		record := []string{
			ev.ID,
			ev.Time().Format(time.RFC3339Nano),
			strconv.FormatInt(ev.Timestamp, 10),
			ev.TimestampDesc,
			ev.Message,
			strings.Join(ev.Tags, ","),
			attrs,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
