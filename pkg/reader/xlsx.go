package reader

import (
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// ReadXLSX streams the first sheet of an Excel workbook in chunks. The
// first row is the header.
func ReadXLSX(ctx context.Context, path string, opts Options, fn ChunkFunc) error {
	xlFile, err := excelize.OpenFile(path)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "failed to open xlsx")
	}
	defer xlFile.Close()

	sheetName := xlFile.GetSheetName(0)
	if sheetName == "" {
		sheets := xlFile.GetSheetList()
		if len(sheets) == 0 {
			return sferrors.New(sferrors.CodeIngestIO, "no sheets in workbook")
		}
		sheetName = sheets[0]
	}

	// Streaming row reader keeps memory flat on large workbooks.
	rows, err := xlFile.Rows(sheetName)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "failed to read rows")
	}
	defer rows.Close()

	if !rows.Next() {
		return sferrors.New(sferrors.CodeIngestIO, "workbook is empty")
	}
	header, err := rows.Columns()
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
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		row++

		cols, err := rows.Columns()
		if err != nil {
			return sferrors.Wrapf(err, sferrors.CodeIngestIO, "row %d: read failed", row)
		}

		values := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(cols) {
				values[col] = cols[i]
			} else {
				values[col] = ""
			}
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
