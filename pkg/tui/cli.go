// Package tui provides styled terminal output for the CLI.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/sketchflow/sketchflow/internal/model"
)

// Colors
var (
	accent  = lipgloss.Color("#FF5F56")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warn    = lipgloss.Color("#FFBD2E")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warn)
)

// Header prints the CLI banner.
func Header(version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("  SKETCHFLOW") + mutedStyle.Render(" v"+version))
	fmt.Println(mutedStyle.Render("  Timeline ingestion and analysis for forensic investigations"))
}

// Title prints a section heading.
func Title(s string) {
	fmt.Println(accentStyle.Render("▸ " + s))
}

// Muted prints de-emphasized text.
func Muted(s string) {
	fmt.Println(mutedStyle.Render(s))
}

// Success prints a success line.
func Success(s string) {
	fmt.Println(successStyle.Render("✓ ") + s)
}

// Failure prints an error line.
func Failure(s string) {
	fmt.Println(accentStyle.Render("✗ ") + s)
}

// RenderStatus returns a styled session status badge.
func RenderStatus(status model.SessionStatus) string {
	switch status {
	case model.StatusDone:
		return successStyle.Render(string(status))
	case model.StatusError, model.StatusCancelled:
		return accentStyle.Render(string(status))
	case model.StatusRunning:
		return warnStyle.Render(string(status))
	case model.StatusSkippedDependency:
		return mutedStyle.Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}

// RenderSession formats one session as a status row.
func RenderSession(sess *model.AnalyzerSession) string {
	row := fmt.Sprintf("  %-20s %-26s attempts=%d", sess.Analyzer, RenderStatus(sess.Status), sess.AttemptCount)
	if sess.ErrorMessage != "" {
		row += "  " + mutedStyle.Render(sess.ErrorMessage)
	}
	if sess.ResultRef != "" {
		row += "  " + mutedStyle.Render(sess.ResultRef)
	}
	return row
}

// FormatCount renders an event count compactly.
func FormatCount(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// ShowProgress creates a progress bar for ingestion.
func ShowProgress(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
