package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/tui"
)

var (
	analyzeTimeline   string
	analyzeGeneration uint64
	analyzeWait       bool
	analyzeTimeout    time.Duration

	statusTimeline   string
	statusGeneration uint64
	statusArtifacts  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <analyzer>...",
	Short: "Run analyzers against a timeline",
	Long: `Schedule analyzers against a timeline's current generation and run them
to completion. Declared dependencies are scheduled implicitly and run
first; an analyzer whose dependency fails is skipped.

Examples:
  sketchflow analyze bruteforce --timeline 4f6c...
  sketchflow analyze domain keyword --timeline 4f6c... --wait=false`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show analyzer sessions for a timeline",
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel an analyzer session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var analyzersCmd = &cobra.Command{
	Use:   "analyzers",
	Short: "List registered analyzers",
	RunE:  runAnalyzers,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTimeline, "timeline", "", "Timeline id (required)")
	analyzeCmd.Flags().Uint64Var(&analyzeGeneration, "generation", 0, "Generation to analyze (0=current)")
	analyzeCmd.Flags().BoolVar(&analyzeWait, "wait", true, "Wait for sessions to finish")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
	analyzeCmd.MarkFlagRequired("timeline")

	statusCmd.Flags().StringVar(&statusTimeline, "timeline", "", "Timeline id (required)")
	statusCmd.Flags().Uint64Var(&statusGeneration, "generation", 0, "Restrict to one generation (0=all)")
	statusCmd.Flags().BoolVar(&statusArtifacts, "artifacts", false, "Show committed artifacts per session")
	statusCmd.MarkFlagRequired("timeline")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(analyzersCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	a.scheduler.Start(ctx)

	sessions, err := a.scheduler.Schedule(ctx, analyzeTimeline, analyzeGeneration, args)
	if err != nil {
		return err
	}

	tui.Title(fmt.Sprintf("Scheduled %d sessions", len(sessions)))
	if !analyzeWait {
		for _, sess := range sessions {
			fmt.Println(tui.RenderSession(sess))
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	final, err := waitForSessions(waitCtx, a, sessions)
	if err != nil {
		return err
	}

	failed := 0
	for _, sess := range final {
		fmt.Println(tui.RenderSession(sess))
		if sess.Status != model.StatusDone {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions did not complete", failed, len(final))
	}
	tui.Success("All sessions completed")
	return nil
}

// waitForSessions polls until every session reaches a terminal status.
func waitForSessions(ctx context.Context, a *app, sessions []*model.AnalyzerSession) ([]*model.AnalyzerSession, error) {
	final := make([]*model.AnalyzerSession, len(sessions))

	for {
		done := 0
		for i, sess := range sessions {
			if final[i] != nil {
				done++
				continue
			}
			cur, err := a.store.GetSession(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			if cur.Status.Terminal() {
				final[i] = cur
				done++
			}
		}
		if done == len(sessions) {
			return final, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for sessions: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	t, err := a.store.GetTimeline(ctx, statusTimeline)
	if err != nil {
		return err
	}

	sessions, err := a.store.ListSessions(ctx, statusTimeline, statusGeneration)
	if err != nil {
		return err
	}

	tui.Title(fmt.Sprintf("%s (generation %d)", t.Name, t.Generation))
	if len(sessions) == 0 {
		tui.Muted("  No sessions.")
		return nil
	}

	for _, sess := range sessions {
		fmt.Println(tui.RenderSession(sess))

		if statusArtifacts && sess.Status == model.StatusDone {
			artifacts, err := a.store.ListSessionArtifacts(ctx, sess.ID)
			if err != nil {
				return err
			}
			for _, art := range artifacts {
				tui.Muted(fmt.Sprintf("    %s/%s", art.Kind, art.Name))
			}
		}
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.scheduler.Cancel(ctx, args[0]); err != nil {
		return err
	}

	sess, err := a.store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(tui.RenderSession(sess))
	return nil
}

func runAnalyzers(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	for _, def := range a.registry.List() {
		line := fmt.Sprintf("%-14s %s", def.Name, def.DisplayName)
		if len(def.DependsOn) > 0 {
			line += fmt.Sprintf("  (depends on %v)", def.DependsOn)
		}
		fmt.Println(line)
	}
	return nil
}
