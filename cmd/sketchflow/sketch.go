package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/tui"
)

var sketchCmd = &cobra.Command{
	Use:   "sketch",
	Short: "Manage investigation sketches",
}

var sketchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new investigation sketch",
	Args:  cobra.ExactArgs(1),
	RunE:  runSketchCreate,
}

var sketchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sketches and their timelines",
	RunE:  runSketchList,
}

var sketchDeleteCmd = &cobra.Command{
	Use:   "delete <sketch-id>",
	Short: "Delete a sketch and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE:  runSketchDelete,
}

func init() {
	sketchCmd.AddCommand(sketchCreateCmd)
	sketchCmd.AddCommand(sketchListCmd)
	sketchCmd.AddCommand(sketchDeleteCmd)
	rootCmd.AddCommand(sketchCmd)
}

func runSketchCreate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sk := &model.Sketch{
		ID:        uuid.New().String(),
		Name:      args[0],
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateSketch(context.Background(), sk); err != nil {
		return err
	}

	tui.Success(fmt.Sprintf("Created sketch %s", sk.Name))
	tui.Muted("  id: " + sk.ID)
	return nil
}

func runSketchList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	sketches, err := a.store.ListSketches(ctx)
	if err != nil {
		return err
	}

	if len(sketches) == 0 {
		tui.Muted("No sketches.")
		return nil
	}

	for _, sk := range sketches {
		fmt.Printf("%s  %s\n", sk.ID, sk.Name)

		timelines, err := a.store.ListTimelines(ctx, sk.ID)
		if err != nil {
			return err
		}
		for _, t := range timelines {
			tui.Muted(fmt.Sprintf("  %s  %s (generation %d)", t.ID, t.Name, t.Generation))
		}
	}
	return nil
}

func runSketchDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	timelines, err := a.store.ListTimelines(ctx, args[0])
	if err != nil {
		return err
	}
	for _, t := range timelines {
		if err := a.events.DeleteTimeline(ctx, t.ID); err != nil {
			return err
		}
	}
	if err := a.store.DeleteSketch(ctx, args[0]); err != nil {
		return err
	}

	tui.Success("Deleted sketch " + args[0])
	return nil
}
