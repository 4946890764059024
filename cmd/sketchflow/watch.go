package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/reader"
	"github.com/sketchflow/sketchflow/pkg/tui"
	"github.com/sketchflow/sketchflow/pkg/watch"
)

var watchSketch string

var watchCmd = &cobra.Command{
	Use:   "watch <dir>...",
	Short: "Watch spool directories and ingest dropped files",
	Long: `Watch one or more directories for new timeline source files and ingest
each file as its own timeline when it settles.

Files already ingested in this run are skipped; a file whose ingestion
fails is retried on its next write.

Examples:
  sketchflow watch /var/spool/sketchflow --sketch 9a1b...
  sketchflow watch ./drops ./exports --sketch 9a1b...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchSketch, "sketch", "", "Sketch id to register timelines under (required)")
	watchCmd.MarkFlagRequired("sketch")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watch.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	w.OnFile = func(path string) error {
		return ingestDrop(ctx, a, path)
	}
	w.OnError = func(path string, err error) {
		tui.Failure(fmt.Sprintf("%s: %v", path, err))
	}

	for _, dir := range args {
		if err := w.Watch(dir); err != nil {
			return err
		}
		tui.Muted("Watching " + dir)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err = w.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// ingestDrop registers a timeline for one dropped file and streams it in.
func ingestDrop(ctx context.Context, a *app, path string) error {
	t, err := a.timelines.RegisterTimeline(ctx, watchSketch, filepath.Base(path), path)
	if err != nil {
		return err
	}

	var total int64
	chunkIndex := 0
	err = reader.ReadFile(ctx, path, reader.Options{}, func(chunk []*model.Event) error {
		id := batchID(path, chunkIndex)
		chunkIndex++

		if _, err := a.timelines.IngestBatch(ctx, t.ID, id, chunk); err != nil {
			return err
		}
		total += int64(len(chunk))
		return nil
	})
	if err != nil {
		return err
	}

	tui.Success(fmt.Sprintf("Ingested %s (%s events) as timeline %s", filepath.Base(path), tui.FormatCount(total), t.ID))
	return nil
}
