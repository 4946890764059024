package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/sketchflow/sketchflow/internal/model"
)

const exportBatchSize = 8192

// eventSchema is the Arrow schema for exported events. Attributes and tags
// are serialized as strings; the timestamp is epoch nanoseconds.
var eventSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "timestamp_desc", Type: arrow.BinaryTypes.String},
	{Name: "message", Type: arrow.BinaryTypes.String},
	{Name: "tags", Type: arrow.BinaryTypes.String},
	{Name: "attributes", Type: arrow.BinaryTypes.String},
}, nil)

// WriteParquet writes events as a Parquet file with snappy compression.
func WriteParquet(w io.Writer, events []*model.Event) error {
	meta := arrow.NewMetadata(
		[]string{"sketchflow.created_at", "sketchflow.rows"},
		[]string{time.Now().UTC().Format(time.RFC3339), fmt.Sprintf("%d", len(events))},
	)
	schema := arrow.NewSchema(eventSchema.Fields(), &meta)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("sketchflow"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, w, writerProps, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	alloc := memory.DefaultAllocator
	for start := 0; start < len(events); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(events) {
			end = len(events)
		}
		record, err := buildRecord(alloc, schema, events[start:end])
		if err != nil {
			writer.Close()
			return err
		}
		err = writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write batch: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func buildRecord(alloc memory.Allocator, schema *arrow.Schema, events []*model.Event) (arrow.Record, error) {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	ids := builder.Field(0).(*array.StringBuilder)
	timestamps := builder.Field(1).(*array.Int64Builder)
	descs := builder.Field(2).(*array.StringBuilder)
	messages := builder.Field(3).(*array.StringBuilder)
	tags := builder.Field(4).(*array.StringBuilder)
	attrs := builder.Field(5).(*array.StringBuilder)

	for _, ev := range events {
		ids.Append(ev.ID)
		timestamps.Append(ev.Timestamp)
		descs.Append(ev.TimestampDesc)
		messages.Append(ev.Message)
		tags.Append(strings.Join(ev.Tags, ","))

		if len(ev.Attributes) > 0 {
			data, err := json.Marshal(ev.Attributes)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal attributes for %s: %w", ev.ID, err)
			}
			attrs.Append(string(data))
		} else {
			attrs.Append("")
		}
	}

	return builder.NewRecord(), nil
}
