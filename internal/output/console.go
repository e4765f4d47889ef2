// Package output renders simulation results for people (console) and
// machines (JSON and YAML reports).
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/wesleyorama2/apptload/internal/performance/engine"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

const (
	clearLine     = "\r\033[2K"
	boxHorizontal = "━"
	ruleWidth     = 56

	progressFilled = "█"
	progressEmpty  = "░"
)

// Progress is a point-in-time view of a running simulation.
type Progress struct {
	Name     string
	Elapsed  time.Duration
	Total    time.Duration
	Phase    metrics.Phase
	Active   int64
	Requests int64
	Failed   int64
	RPS      float64
	Mean     time.Duration
	P95      time.Duration
}

// ProgressFrom builds a Progress from a live engine.
func ProgressFrom(name string, total time.Duration, e *engine.Engine) Progress {
	p := Progress{
		Name:    name,
		Elapsed: e.Elapsed(),
		Total:   total,
		Phase:   e.Phase(),
		Active:  e.ActiveUsers(),
	}
	if snap := e.Snapshot(); snap != nil {
		p.Requests = snap.TotalRequests
		p.Failed = snap.FailedRequests
		p.RPS = snap.RPS
		p.Mean = snap.Latency.Mean
		p.P95 = snap.Latency.P95
	}
	return p
}

// Fraction returns how much of the injection profile has elapsed, in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	f := float64(p.Elapsed) / float64(p.Total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	// Writer defaults to os.Stdout
	Writer io.Writer

	// Quiet prints only PASSED or FAILED per simulation
	Quiet bool

	// NoColor disables colors even on a terminal
	NoColor bool

	// ForceColor enables colors even when Writer is not a terminal
	ForceColor bool

	// ForceTTY redraws progress in place even when Writer is not a terminal
	ForceTTY bool
}

// Console writes headers, live progress and summaries for simulation runs.
// It is safe for concurrent use by simulations running side by side.
type Console struct {
	writer io.Writer
	scheme *ColorScheme
	isTTY  bool
	quiet  bool

	mu       sync.Mutex
	liveLine bool
}

// NewConsole creates a console writer.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)

	var scheme *ColorScheme
	switch {
	case cfg.NoColor:
		scheme = NoColorScheme()
	case cfg.ForceColor || (isTTY && supportsColors(os.Getenv)):
		scheme = ForcedColorScheme()
	default:
		scheme = NoColorScheme()
	}

	return &Console{
		writer: cfg.Writer,
		scheme: scheme,
		isTTY:  isTTY,
		quiet:  cfg.Quiet,
	}
}

// IsTTY returns whether progress is redrawn in place.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the banner shown before a simulation starts.
func (c *Console) PrintHeader(name, description, profile string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLiveLine()

	line := c.scheme.Border.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - Running", c.scheme.Title.Sprint(name)))
	if description != "" {
		c.writeln(c.scheme.Dim.Sprint(description))
	}
	c.writeln(line)
	if profile != "" {
		c.writeln(fmt.Sprintf("Profile:       %s", profile))
	}
	c.writeln("")
}

// PrintProgress prints one progress line. On a terminal the line is redrawn
// in place; otherwise every call appends a line.
func (c *Console) PrintProgress(p Progress) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.progressLine(p)
	if c.isTTY {
		c.write(clearLine + line)
		c.liveLine = true
		return
	}
	c.writeln(line)
}

func (c *Console) progressLine(p Progress) string {
	errRate := 0.0
	if p.Requests > 0 {
		errRate = float64(p.Failed) * 100 / float64(p.Requests)
	}
	errColor := c.scheme.Rate(100 - errRate)

	prefix := ""
	if p.Name != "" {
		prefix = c.scheme.Title.Sprint(p.Name) + " "
	}
	return fmt.Sprintf("%s%s %s | %s / %s | %s | Users: %d | Reqs: %s | RPS: %.1f | Errors: %s | Mean: %s | P95: %s",
		prefix,
		c.scheme.Success.Sprint(renderProgressBar(p.Fraction(), 20)),
		c.scheme.Label.Sprintf("%3.0f%%", p.Fraction()*100),
		formatDuration(p.Elapsed),
		formatDuration(p.Total),
		c.scheme.Phase.Sprint(p.Phase),
		p.Active,
		c.scheme.Value.Sprint(formatNumber(p.Requests)),
		p.RPS,
		errColor.Sprintf("%d (%.1f%%)", p.Failed, errRate),
		c.scheme.Latency.Sprint(formatDurationShort(p.Mean)),
		c.scheme.Latency.Sprint(formatDurationShort(p.P95)))
}

// PrintSummary prints the final report of one simulation.
func (c *Console) PrintSummary(result *engine.Result) {
	if result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLiveLine()

	if c.quiet {
		if result.Passed {
			c.writeln(fmt.Sprintf("%s %s", result.Name, c.scheme.Success.Sprint("PASSED")))
		} else {
			c.writeln(fmt.Sprintf("%s %s", result.Name, c.scheme.Error.Sprint("FAILED")))
		}
		return
	}

	line := c.scheme.Border.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	status := c.scheme.Success.Sprint("Completed ✓")
	switch {
	case !result.Passed:
		status = c.scheme.Error.Sprint("Failed ✗")
	case result.Users.Interrupted:
		status = c.scheme.Warn.Sprint("Interrupted")
	}

	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.scheme.Title.Sprint(result.Name), status))
	c.writeln(line)
	c.writeln("")

	c.writeln(fmt.Sprintf("Run ID:        %s", result.RunID))
	c.writeln(fmt.Sprintf("Profile:       %s", result.Profile))
	c.writeln(fmt.Sprintf("Duration:      %s", c.scheme.Value.Sprint(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("Users:         %s spawned, %d completed, %d aborted, %d cancelled",
		c.scheme.Value.Sprint(formatNumber(int64(result.Users.Spawned))),
		result.Users.Completed, result.Users.Aborted, result.Users.Cancelled))
	if result.Users.SpawnErrors > 0 {
		c.writeln(fmt.Sprintf("Spawn Errors:  %s", c.scheme.Error.Sprint(result.Users.SpawnErrors)))
	}
	if result.Users.GraceExpired {
		c.writeln(c.scheme.Warn.Sprint("Grace period expired; remaining users were cancelled"))
	}

	if m := result.Metrics; m != nil {
		c.writeln(fmt.Sprintf("Requests:      %s (OK %s / KO %s)",
			c.scheme.Value.Sprint(formatNumber(m.TotalRequests)),
			formatNumber(m.SuccessRequests), formatNumber(m.FailedRequests)))
		c.writeln(fmt.Sprintf("Success Rate:  %s",
			c.scheme.Rate(m.SuccessPercent).Sprintf("%.1f%%", m.SuccessPercent)))
		c.writeln(fmt.Sprintf("Throughput:    %.1f req/s", m.RPS))
		c.writeln("")
		c.printLatency(m.Latency)
		c.printRequests(m)
		c.printCounts(m)
	}

	if len(result.Verdict.Results) > 0 {
		c.writeln(c.scheme.Label.Sprint("Assertions:"))
		for _, r := range result.Verdict.Results {
			icon := c.scheme.SuccessIcon()
			if !r.Passed {
				icon = c.scheme.ErrorIcon()
			}
			c.writeln(fmt.Sprintf("  %s %s", icon, r))
		}
		c.writeln("")
	}
}

func (c *Console) printLatency(l metrics.LatencyStats) {
	c.writeln(c.scheme.Label.Sprint("Response Time:"))
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"Min", l.Min}, {"Mean", l.Mean}, {"StdDev", l.StdDev},
		{"P50", l.P50}, {"P75", l.P75}, {"P95", l.P95}, {"P99", l.P99}, {"Max", l.Max},
	}
	for _, r := range rows {
		c.writeln(fmt.Sprintf("  %-10s %s", r.name+":", c.scheme.Latency.Sprint(formatDurationShort(r.d))))
	}
	c.writeln("")
}

func (c *Console) printRequests(m *metrics.Snapshot) {
	if len(m.Requests) == 0 {
		return
	}
	names := make([]string, 0, len(m.Requests))
	for name := range m.Requests {
		names = append(names, name)
	}
	sort.Strings(names)

	c.writeln(c.scheme.Label.Sprint("Per Request:"))
	tw := tabwriter.NewWriter(c.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tCOUNT\tOK\tKO\tMEAN\tP95\tMAX")
	for _, name := range names {
		r := m.Requests[name]
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			formatNumber(r.TotalRequests),
			formatNumber(r.SuccessRequests),
			formatNumber(r.TotalRequests-r.SuccessRequests),
			formatDurationShort(r.Latency.Mean),
			formatDurationShort(r.Latency.P95),
			formatDurationShort(r.Latency.Max))
	}
	_ = tw.Flush()
	c.writeln("")
}

func (c *Console) printCounts(m *metrics.Snapshot) {
	if len(m.StatusCodes) > 0 {
		codes := make([]int, 0, len(m.StatusCodes))
		for code := range m.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		c.writeln(c.scheme.Label.Sprint("Status Codes:"))
		for _, code := range codes {
			label := fmt.Sprintf("%d", code)
			if code == 0 {
				label = "none"
			}
			c.writeln(fmt.Sprintf("  %-6s %s", label, formatNumber(m.StatusCodes[code])))
		}
		c.writeln("")
	}

	if len(m.Failures) > 0 {
		kinds := make([]string, 0, len(m.Failures))
		for k := range m.Failures {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)

		c.writeln(c.scheme.Label.Sprint("Failures:"))
		for _, k := range kinds {
			c.writeln(fmt.Sprintf("  %-10s %s", k,
				c.scheme.Error.Sprint(formatNumber(m.Failures[metrics.FailureKind(k)]))))
		}
		c.writeln("")
	}
}

// endLiveLine terminates an in-place progress line before regular output.
func (c *Console) endLiveLine() {
	if c.liveLine {
		c.write("\n")
		c.liveLine = false
	}
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func renderProgressBar(progress float64, width int) string {
	filled := int(progress * float64(width))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
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

// formatDurationShort formats a latency.
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
