package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/pkg/archive"
	"github.com/sketchflow/sketchflow/pkg/export"
	"github.com/sketchflow/sketchflow/pkg/tui"
)

var (
	exportTimeline   string
	exportGeneration uint64
	exportOutput     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export timeline events to CSV or Parquet",
	Long: `Export a timeline's events to a flat file. The output format follows
the file extension: .csv or .parquet.

Exports read a generation snapshot, so an export taken while ingestion
is running reflects a consistent point in time.

Examples:
  sketchflow export --timeline 4f6c... -o events.parquet
  sketchflow export --timeline 4f6c... --generation 3 -o gen3.csv`,
	RunE: runExport,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <sketch-id>",
	Short: "Archive a sketch to the configured backend",
	Long: `Pack a sketch, its timelines, events, sessions and artifacts into a
tar.gz archive and store it in the archive backend (local directory, or
S3 when a bucket is configured).`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive-key>",
	Short: "Restore a sketch from an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List stored archives",
	RunE:  runArchives,
}

func init() {
	exportCmd.Flags().StringVar(&exportTimeline, "timeline", "", "Timeline id (required)")
	exportCmd.Flags().Uint64Var(&exportGeneration, "generation", 0, "Generation snapshot to export (0=latest)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file, .csv or .parquet (required)")
	exportCmd.MarkFlagRequired("timeline")
	exportCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(archivesCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	n, err := export.New(a.events).Export(context.Background(), exportTimeline, exportGeneration, exportOutput)
	if err != nil {
		return err
	}

	tui.Success(fmt.Sprintf("Exported %s events to %s in %s", tui.FormatCount(int64(n)), exportOutput, time.Since(start).Round(time.Millisecond)))
	return nil
}

// archiveBackend picks S3 when a bucket is configured, the local directory
// backend otherwise.
func archiveBackend(ctx context.Context, a *app) (archive.Backend, error) {
	if a.cfg.Storage.S3Bucket != "" {
		scfg := archive.DefaultS3Config(a.cfg.Storage.S3Bucket)
		scfg.Region = a.cfg.Storage.S3Region
		if a.cfg.Storage.S3Prefix != "" {
			scfg.Prefix = a.cfg.Storage.S3Prefix
		}
		return archive.NewS3Backend(ctx, scfg)
	}
	return archive.NewLocalBackend(a.cfg.Storage.ArchiveDir)
}

func runArchive(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	backend, err := archiveBackend(ctx, a)
	if err != nil {
		return err
	}

	key, err := archive.New(a.store, a.events, backend).Archive(ctx, args[0])
	if err != nil {
		return err
	}

	tui.Success("Archived sketch " + args[0])
	tui.Muted("  key: " + key)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	backend, err := archiveBackend(ctx, a)
	if err != nil {
		return err
	}

	sk, err := archive.New(a.store, a.events, backend).Restore(ctx, args[0])
	if err != nil {
		return err
	}

	tui.Success(fmt.Sprintf("Restored sketch %s", sk.Name))
	tui.Muted("  id: " + sk.ID)
	return nil
}

func runArchives(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	backend, err := archiveBackend(ctx, a)
	if err != nil {
		return err
	}

	keys, err := backend.List(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		tui.Muted("No archives.")
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}
