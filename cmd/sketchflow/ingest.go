package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/reader"
	"github.com/sketchflow/sketchflow/pkg/tui"
)

var (
	ingestTimeline  string
	ingestSketch    string
	ingestName      string
	ingestChunkSize int
	ingestHeaderMap []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <input-file>",
	Short: "Ingest a timeline source file",
	Long: `Ingest events from a source file into a timeline.

Supported formats: CSV, TSV, JSONL, NDJSON, XLSX. Every row needs a
message, a timestamp_desc and either a datetime or a numeric timestamp
column; use --map to rename source columns onto those fields.

Each file chunk is applied as an idempotent batch: re-running the same
ingest against the same timeline does not duplicate events or advance
the generation again.

Examples:
  sketchflow ingest evtx.csv --timeline 4f6c...
  sketchflow ingest auth.jsonl --sketch 9a1b... --name "auth log"
  sketchflow ingest export.xlsx --timeline 4f6c... --map "Time=datetime" --map "Details=message"`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTimeline, "timeline", "", "Timeline id to append to")
	ingestCmd.Flags().StringVar(&ingestSketch, "sketch", "", "Sketch id to register a new timeline under")
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "Name for the new timeline (defaults to the file name)")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "Events per ingest batch (0=default)")
	ingestCmd.Flags().StringSliceVar(&ingestHeaderMap, "map", nil, "Column rename, source=canonical (repeatable)")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("input file not found: %s", inputPath)
	}

	headerMap, err := parseHeaderMap(ingestHeaderMap)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	timelineID := ingestTimeline
	if timelineID == "" {
		if ingestSketch == "" {
			return fmt.Errorf("either --timeline or --sketch is required")
		}
		name := ingestName
		if name == "" {
			name = filepath.Base(inputPath)
		}
		t, err := a.timelines.RegisterTimeline(ctx, ingestSketch, name, inputPath)
		if err != nil {
			return err
		}
		timelineID = t.ID
		tui.Muted("Registered timeline " + t.ID)
	}

	start := time.Now()
	bar := tui.ShowProgress(-1, "Ingesting "+filepath.Base(inputPath))

	var total int64
	var generation uint64
	chunkIndex := 0

	opts := reader.Options{ChunkSize: ingestChunkSize, HeaderMap: headerMap}
	err = reader.ReadFile(ctx, inputPath, opts, func(chunk []*model.Event) error {
		batchID := batchID(inputPath, chunkIndex)
		chunkIndex++

		gen, err := a.timelines.IngestBatch(ctx, timelineID, batchID, chunk)
		if err != nil {
			return err
		}
		generation = gen
		total += int64(len(chunk))
		bar.Add(len(chunk))
		return nil
	})
	bar.Finish()
	if err != nil {
		return err
	}

	tui.Success(fmt.Sprintf("Ingested %s events in %s", tui.FormatCount(total), time.Since(start).Round(time.Millisecond)))
	tui.Muted(fmt.Sprintf("  timeline %s now at generation %d", timelineID, generation))
	return nil
}

// batchID derives a replay-stable batch id from the source file and chunk
// position.
func batchID(path string, chunk int) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return fmt.Sprintf("file:%s:%d", abs, chunk)
}

func parseHeaderMap(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		source, canonical, ok := strings.Cut(pair, "=")
		if !ok || source == "" || canonical == "" {
			return nil, fmt.Errorf("invalid --map %q, want source=canonical", pair)
		}
		m[source] = canonical
	}
	return m, nil
}
