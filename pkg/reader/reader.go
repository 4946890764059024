// Package reader turns forensic source files (CSV, JSONL, XLSX) into event
// chunks ready for ingestion. Every row must carry the three mandatory
// fields: message, datetime (or a bare timestamp), and timestamp_desc.
package reader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/internal/pool"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// Options tunes a read.
type Options struct {
	// ChunkSize is the number of events handed to the callback at a time
	// (0 = 10000).
	ChunkSize int

	// HeaderMap renames source columns to canonical fields before
	// validation, e.g. {"msg": "message", "time": "datetime"}.
	HeaderMap map[string]string

	// Delimiter overrides the CSV field separator (0 = comma, or tab for
	// .tsv files).
	Delimiter rune
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return pool.DefaultChunkSize
	}
	return o.ChunkSize
}

// ChunkFunc receives one chunk of parsed events. The slice is reused after
// the call returns; retain copies, not the slice.
type ChunkFunc func(chunk []*model.Event) error

// ReadFile dispatches on the file extension: .csv/.tsv, .jsonl/.ndjson,
// and .xlsx are supported.
func ReadFile(ctx context.Context, path string, opts Options, fn ChunkFunc) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return readCSVFile(ctx, path, opts, fn)
	case ".jsonl", ".ndjson":
		return readJSONLFile(ctx, path, opts, fn)
	case ".xlsx":
		return ReadXLSX(ctx, path, opts, fn)
	default:
		return sferrors.Newf(sferrors.CodeIngestIO, "unsupported source format %s", filepath.Ext(path))
	}
}

// canonical field names after header mapping.
const (
	fieldMessage       = "message"
	fieldDatetime      = "datetime"
	fieldTimestamp     = "timestamp"
	fieldTimestampDesc = "timestamp_desc"
	fieldTag           = "tag"
)

// rename applies the header map to a source column name.
func (o Options) rename(column string) string {
	if mapped, ok := o.HeaderMap[column]; ok {
		return mapped
	}
	return column
}

// buildEvent validates one row's values (already header-mapped) and turns
// them into an event. row is the 1-based source row for error context.
func buildEvent(values map[string]any, row int) (*model.Event, error) {
	ev := &model.Event{
		ID:         uuid.New().String(),
		Attributes: make(map[string]any),
	}

	var rawTime string
	for key, val := range values {
		switch key {
		case fieldMessage:
			ev.Message = toString(val)
		case fieldTimestampDesc:
			ev.TimestampDesc = toString(val)
		case fieldDatetime:
			rawTime = toString(val)
		case fieldTimestamp:
			if rawTime == "" {
				rawTime = toString(val)
			}
		case fieldTag:
			ev.Tags = splitTags(toString(val))
		default:
			ev.Attributes[key] = val
		}
	}

	if strings.TrimSpace(ev.Message) == "" {
		return nil, sferrors.Newf(sferrors.CodeInvalidEvent, "row %d: missing message", row)
	}
	if ev.TimestampDesc == "" {
		return nil, sferrors.Newf(sferrors.CodeInvalidEvent, "row %d: missing timestamp_desc", row)
	}
	if rawTime == "" {
		return nil, sferrors.Newf(sferrors.CodeInvalidEvent, "row %d: missing datetime", row)
	}

	ts, err := pool.ParseTimestampNanos(rawTime)
	if err != nil {
		return nil, sferrors.Newf(sferrors.CodeInvalidTimestamp, "row %d: unparseable datetime %q", row, rawTime)
	}
	ev.Timestamp = ts

	if len(ev.Attributes) == 0 {
		ev.Attributes = nil
	}
	return ev, nil
}

// splitTags parses a tag column: comma or whitespace separated.
func splitTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

// checkHeader verifies the mandatory columns are present after mapping.
func checkHeader(columns []string) error {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, required := range []string{fieldMessage, fieldTimestampDesc} {
		if !seen[required] {
			return sferrors.Newf(sferrors.CodeMissingColumn, "missing mandatory column %s", required)
		}
	}
	if !seen[fieldDatetime] && !seen[fieldTimestamp] {
		return sferrors.New(sferrors.CodeMissingColumn, "missing mandatory column datetime")
	}
	return nil
}

// chunker accumulates events and flushes full chunks to the callback,
// recycling the slice between flushes.
type chunker struct {
	pool  *pool.EventChunkPool
	chunk *[]*model.Event
	size  int
	fn    ChunkFunc
}

func newChunker(size int, fn ChunkFunc) *chunker {
	p := pool.NewEventChunkPool(size)
	return &chunker{pool: p, chunk: p.Get(), size: size, fn: fn}
}

func (c *chunker) add(ev *model.Event) error {
	*c.chunk = append(*c.chunk, ev)
	if len(*c.chunk) >= c.size {
		return c.flush()
	}
	return nil
}

func (c *chunker) flush() error {
	if len(*c.chunk) == 0 {
		return nil
	}
	err := c.fn(*c.chunk)
	c.pool.Put(c.chunk)
	c.chunk = c.pool.Get()
	return err
}
