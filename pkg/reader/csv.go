package reader

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// ReadCSV streams a CSV source in chunks. The first record is the header;
// rows shorter than the header fail the read.
func ReadCSV(ctx context.Context, r io.Reader, opts Options, fn ChunkFunc) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}

	header, err := cr.Read()
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "failed to read header")
	}
	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = opts.rename(strings.TrimSpace(col))
	}
	if err := checkHeader(columns); err != nil {
		return err
	}

	c := newChunker(opts.chunkSize(), fn)
	row := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sferrors.Wrapf(err, sferrors.CodeIngestIO, "row %d: read failed", row+1)
		}
		row++

		if len(record) < len(columns) {
			return sferrors.Newf(sferrors.CodeInvalidEvent, "row %d: %d fields, header has %d", row, len(record), len(columns))
		}

		values := make(map[string]any, len(columns))
		for i, col := range columns {
			values[col] = record[i]
		}
		ev, err := buildEvent(values, row)
		if err != nil {
			return err
		}
		if err := c.add(ev); err != nil {
			return err
		}
	}

	return c.flush()
}

func readCSVFile(ctx context.Context, path string, opts Options, fn ChunkFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "failed to open source")
	}
	defer f.Close()

	if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}
	return ReadCSV(ctx, f, opts, fn)
}
