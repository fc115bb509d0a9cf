// Package tui renders the CLI surface: run banner, config summary, stage
// progress and the final report. Plain streaming output, no full TUI.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/trajflow/trajflow/pkg/config"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF6B00")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
)

// PrintHeader prints the run banner.
func PrintHeader(version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("  TRAJFLOW") + mutedStyle.Render(" v"+version))
	fmt.Println(mutedStyle.Render("  Trajectory reconstruction for traffic simulation output"))
	fmt.Println()
}

// PrintConfigSummary echoes the effective configuration before the run, so a
// mis-pointed path is visible before an hour-long stage starts.
func PrintConfigSummary(cfg *config.Config) {
	line := mutedStyle.Render("  ─────────────────────────────────────")
	fmt.Println(line)
	kv("events", cfg.Paths.EventInput)
	kv("network", cfg.Paths.NetworkInput)
	kv("intermediate", cfg.Paths.Intermediate)
	kv("output", cfg.Paths.Output)
	kv("interval 1", cfg.Filters.TimeInterval1.Start+" – "+cfg.Filters.TimeInterval1.End)
	if !cfg.Filters.TimeInterval2.IsZero() {
		kv("interval 2", cfg.Filters.TimeInterval2.Start+" – "+cfg.Filters.TimeInterval2.End)
	}
	kv("cadence", fmt.Sprintf("%s (%.0fs)", cfg.Sampling.Cadence, cfg.Sampling.IntervalSeconds()))
	kv("open segments", cfg.Sampling.OpenSegments)
	kv("engine", cfg.Engine.Default)
	kv("workers", fmt.Sprintf("%d", cfg.Processing.NumWorkers))
	fmt.Println(line)
	fmt.Println()
}

func kv(key, value string) {
	fmt.Printf("  %s %s\n", mutedStyle.Render(key+":"), titleStyle.Render(value))
}

// PrintStage announces a pipeline stage.
func PrintStage(name string) {
	fmt.Println(accentStyle.Render("▸ " + name))
}

// PrintStageDone prints a stage completion line.
func PrintStageDone(name string, elapsed time.Duration, detail string) {
	fmt.Printf("  %s %s %s %s\n",
		successStyle.Render("✓"), titleStyle.Render(name),
		mutedStyle.Render(formatDuration(elapsed)), mutedStyle.Render(detail))
}

// PrintSkipped prints a skipped-stage line.
func PrintSkipped(name, reason string) {
	fmt.Printf("  %s %s %s\n",
		mutedStyle.Render("↷"), titleStyle.Render(name), mutedStyle.Render(reason))
}

// RunReport summarizes a whole pipeline run.
type RunReport struct {
	EventsScanned  int64
	EventsKept     int64
	Agents         int64
	Samples        int64
	InputBytes     int64
	Duration       time.Duration
	OutputPath     string
}

// PrintRunReport prints the final report.
func PrintRunReport(r *RunReport) {
	fmt.Println()
	fmt.Println(successStyle.Render("  ✓ RUN COMPLETE"))
	fmt.Println()
	fmt.Printf("  %s %s kept of %s scanned\n", mutedStyle.Render("Events:"),
		titleStyle.Render(formatNumber(r.EventsKept)), formatNumber(r.EventsScanned))
	fmt.Printf("  %s %s agents, %s samples\n", mutedStyle.Render("Output:"),
		titleStyle.Render(formatNumber(r.Agents)), titleStyle.Render(formatNumber(r.Samples)))
	if r.Duration > 0 {
		throughput := float64(r.EventsScanned) / r.Duration.Seconds()
		byteThroughput := float64(r.InputBytes) / r.Duration.Seconds()
		fmt.Printf("  %s %s %s\n", mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(r.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec, %s/sec)",
				formatNumber(int64(throughput)), formatBytes(int64(byteThroughput)))))
	}
	fmt.Printf("  %s %s\n", mutedStyle.Render("File:"), titleStyle.Render(r.OutputPath))
	fmt.Println()
}

// ShowProgress creates a byte-based progress bar for the event stream scan.
// total may be -1 for unknown (remote objects without a size).
func ShowProgress(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
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

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
