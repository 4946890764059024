package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/pkg/config"
	"github.com/sketchflow/sketchflow/pkg/server"
	"github.com/sketchflow/sketchflow/pkg/telemetry"
	"github.com/sketchflow/sketchflow/pkg/tui"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the Sketchflow HTTP server with the analyzer worker pool.

The server provides:
  - Sketch and timeline management
  - Idempotent batch ingestion
  - Analyzer scheduling and session status
  - Artifact listing

Examples:
  sketchflow serve                 # Start on default port (8080)
  sketchflow serve --port 3000     # Start on custom port
  sketchflow serve --host 0.0.0.0  # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	cfg := config.Global().Get()

	serveCmd.Flags().IntVarP(&servePort, "port", "p", cfg.Server.Port, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Server.Host, "Host to bind to")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional OTLP tracing
	if a.cfg.Telemetry.Enabled {
		tcfg := telemetry.DefaultOTLPConfig()
		if a.cfg.Telemetry.Endpoint != "" {
			tcfg.Endpoint = a.cfg.Telemetry.Endpoint
		}
		tcfg.ServiceVersion = version

		exporter := telemetry.NewOTLPExporter(tcfg)
		shutdown, err := exporter.Init(ctx)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	a.scheduler.Start(ctx)

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	srv := server.NewServer(server.Config{
		Addr:      addr,
		Store:     a.store,
		Events:    a.events,
		Registry:  a.registry,
		Timelines: a.timelines,
		Scheduler: a.scheduler,
	})

	tui.Header(version)
	fmt.Println()
	tui.Muted(fmt.Sprintf("  Listening on http://%s", addr))
	tui.Muted("  Press Ctrl+C to stop")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return a.scheduler.Stop()

	case err := <-errChan:
		return err
	}
}
