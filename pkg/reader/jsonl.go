package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/sketchflow/sketchflow/internal/pool"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// maxJSONLine bounds a single JSONL record.
const maxJSONLine = 4 * 1024 * 1024

var linePool = pool.NewBufferPool(pool.DefaultBufferSize)

// ReadJSONL streams newline-delimited JSON in chunks. Each line is one
// object; keys are header-mapped the same way CSV columns are.
func ReadJSONL(ctx context.Context, r io.Reader, opts Options, fn ChunkFunc) error {
	scanner := bufio.NewScanner(r)
	buf := linePool.Get()
	defer linePool.Put(buf)
	scanner.Buffer(*buf, maxJSONLine)

	c := newChunker(opts.chunkSize(), fn)
	row := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		row++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			return sferrors.Wrapf(err, sferrors.CodeInvalidEvent, "row %d: invalid JSON", row)
		}

		values := make(map[string]any, len(raw))
		for key, val := range raw {
			values[opts.rename(key)] = val
		}
		ev, err := buildEvent(values, row)
		if err != nil {
			return err
		}
		if err := c.add(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "read failed")
	}

	return c.flush()
}

func readJSONLFile(ctx context.Context, path string, opts Options, fn ChunkFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeIngestIO, "failed to open source")
	}
	defer f.Close()
	return ReadJSONL(ctx, f, opts, fn)
}
