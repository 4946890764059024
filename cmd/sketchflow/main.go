// Sketchflow - forensic timeline ingestion and analysis.
// Ingests timestamped events from CSV, JSONL and XLSX sources and runs
// dependency-ordered analyzers against them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sketchflow",
	Short: "Sketchflow - timeline ingestion and analysis for investigations",
	Long: `Sketchflow manages forensic investigation sketches: append-only event
timelines, idempotent batch ingestion and an analyzer scheduler that runs
registered analyzers in dependency order against timeline snapshots.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}
