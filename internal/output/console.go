// Package output renders load test progress and results for the terminal
// and exports results as JSON or YAML.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/chakload/chakload/internal/loadtest"
	"github.com/chakload/chakload/internal/loadtest/metrics"
)

const (
	clearLine     = "\r\033[2K"
	boxHorizontal = "━"
	ruleWidth     = 56
)

// SnapshotSource provides live statistics of a running test.
type SnapshotSource interface {
	Snapshot() (metrics.LiveSnapshot, bool)
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer      io.Writer
	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// Console writes progress and results of a load test.
type Console struct {
	writer    io.Writer
	scheme    *ColorScheme
	isTTY     bool
	useColors bool
	quiet     bool

	mu         sync.Mutex
	liveActive bool
}

// NewConsole creates a console writer.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || IsTerminal(config.Writer)
	useColors := !config.NoColor && (config.ForceColors || (isTTY && SupportsColors()))

	scheme := NoColorScheme()
	if useColors {
		scheme = DefaultColorScheme()
		// fatih/color disables itself when stdout is not a terminal.
		for _, c := range []*color.Color{
			scheme.Title, scheme.Label, scheme.Value, scheme.Good,
			scheme.Warn, scheme.Bad, scheme.Dim, scheme.Highlight,
		} {
			c.EnableColor()
		}
	}

	return &Console{
		writer:    config.Writer,
		scheme:    scheme,
		isTTY:     isTTY,
		useColors: useColors,
		quiet:     config.Quiet,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints what is about to run.
func (c *Console) PrintHeader(cfg *loadtest.TestConfig) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.scheme.Title.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln(line)
	c.writeln(c.scheme.Label.Sprintf("Load test %s - Running [%s]", cfg.TargetURL, cfg.TestType))
	c.writeln(line)
	c.writeln(fmt.Sprintf("Users: %s  Duration: %s  Ramp-up: %s",
		c.scheme.Value.Sprint(cfg.Users),
		c.scheme.Value.Sprint(formatDuration(cfg.Duration)),
		c.scheme.Value.Sprint(formatDuration(cfg.RampUp))))
	c.writeln("")
}

// Update shows the current progress. On a terminal the status line is
// redrawn in place; otherwise one line is appended per call.
func (c *Console) Update(snap metrics.LiveSnapshot, total time.Duration) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.progressLine(snap, total)
	if c.isTTY {
		c.write(clearLine + line)
		c.liveActive = true
		return
	}
	c.writeln(line)
}

// Finish ends the live status line, if one is shown.
func (c *Console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveActive {
		c.write("\n")
		c.liveActive = false
	}
}

// Watch updates the progress display every interval until ctx is done.
func (c *Console) Watch(ctx context.Context, src SnapshotSource, total, interval time.Duration) {
	if c.quiet {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Finish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snap, ok := src.Snapshot(); ok {
				c.Update(snap, total)
			}
		}
	}
}

func (c *Console) progressLine(snap metrics.LiveSnapshot, total time.Duration) string {
	progress := 0.0
	if total > 0 {
		progress = float64(snap.Elapsed) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}

	return fmt.Sprintf("[%s/%s] %3.0f%% | users %d | reqs %s | rps %.1f | errors %s | p95 %s | %s",
		formatDuration(snap.Elapsed),
		formatDuration(total),
		progress*100,
		snap.ActiveUsers,
		c.scheme.Value.Sprint(formatNumber(snap.TotalRequests)),
		snap.RPS,
		c.scheme.ForRate(snap.ErrorRate).Sprintf("%d (%.1f%%)", snap.FailedRequests+snap.ErrorRequests, snap.ErrorRate),
		formatDurationShort(snap.Latency.P95),
		c.scheme.Highlight.Sprint(snap.Phase))
}

// PrintResults prints the final summary of a run.
func (c *Console) PrintResults(r *metrics.TestResults) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		c.writeln(fmt.Sprintf("requests=%d success=%d failed=%d rps=%.2f error_rate=%.2f%% p95=%s",
			r.TotalRequests, r.SuccessfulRequests, r.FailedRequests,
			r.RequestsPerSecond, r.ErrorRate, formatDurationShort(r.P95ResponseTime)))
		return
	}

	line := c.scheme.Title.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	status := "Completed " + SuccessIcon(!c.useColors)
	if r.TotalRequests == 0 || r.ErrorRate > 5 {
		status = "Completed with errors " + ErrorIcon(!c.useColors)
	}

	c.writeln("")
	c.writeln(line)
	c.writeln(c.scheme.Label.Sprint("Load Test Results - ") + status)
	c.writeln(line)
	c.writeln("")

	if r.RunID != "" {
		c.row("Run ID", r.RunID)
	}
	c.row("Duration", fmt.Sprintf("%s (measured %s)", formatDuration(r.Duration), formatDuration(r.Elapsed)))
	c.row("Total Reqs", formatNumber(int64(r.TotalRequests)))
	c.row("Successful", c.scheme.Good.Sprint(formatNumber(int64(r.SuccessfulRequests))))
	c.row("Failed", formatNumber(int64(r.FailedRequests)))
	c.row("Error Rate", c.scheme.ForRate(r.ErrorRate).Sprintf("%.2f%%", r.ErrorRate))
	c.row("Req/s", fmt.Sprintf("%.2f", r.RequestsPerSecond))
	c.writeln("")

	c.writeln(c.scheme.Label.Sprint("Response Times:"))
	c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(r.AvgResponseTime)))
	c.writeln(fmt.Sprintf("  Median:    %s", formatDurationShort(r.MedianResponseTime)))
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(r.MinResponseTime)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(r.MaxResponseTime)))
	c.writeln(fmt.Sprintf("  P95:       %s", percentileOrNA(r.P95ResponseTime)))
	c.writeln(fmt.Sprintf("  P99:       %s", percentileOrNA(r.P99ResponseTime)))
	c.writeln("")

	c.writeln(c.scheme.Label.Sprint("Data Transfer:"))
	c.writeln(fmt.Sprintf("  Received:  %.2f MB", r.DataReceivedMB))
	c.writeln(fmt.Sprintf("  Sent:      %.2f MB", r.DataSentMB))

	if len(r.Errors) > 0 {
		c.writeln("")
		c.writeln(c.scheme.Label.Sprint("Errors:"))
		for _, e := range sortedErrors(r.Errors) {
			c.writeln(fmt.Sprintf("  %-24s %s", e.label, c.scheme.Bad.Sprint(formatNumber(int64(e.count)))))
		}
	}
}

func (c *Console) row(label, value string) {
	c.writeln(fmt.Sprintf("%-14s %s", label+":", value))
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

type errorCount struct {
	label string
	count int
}

// sortedErrors orders error labels by count, most frequent first.
func sortedErrors(errs map[string]int) []errorCount {
	out := make([]errorCount, 0, len(errs))
	for label, count := range errs {
		out = append(out, errorCount{label, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].label < out[j].label
	})
	return out
}

func percentileOrNA(d time.Duration) string {
	if d == 0 {
		return "n/a"
	}
	return formatDurationShort(d)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}
