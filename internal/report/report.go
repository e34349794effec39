// Package report renders an analysis to text, markdown, JSON, or YAML.
// Rendering is pure: the same analysis always produces the same bytes,
// and inputs are never mutated.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"examtrace/internal/analyzer"
)

// Format selects the output rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText:
		return FormatText, nil
	case FormatMarkdown:
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML:
		return FormatYAML, nil
	}
	return "", fmt.Errorf("report: unknown format %q (want text, markdown, json, or yaml)", s)
}

// Render writes the analysis to w in the requested format.
func Render(w io.Writer, a *analyzer.Analysis, format Format) error {
	switch format {
	case FormatText:
		return renderText(w, a)
	case FormatMarkdown:
		return renderMarkdown(w, a)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(a)
	default:
		return fmt.Errorf("report: unknown format %q", format)
	}
}

func renderText(w io.Writer, a *analyzer.Analysis) error {
	var b strings.Builder

	b.WriteString("=== Exam Session Report ===\n\n")
	fmt.Fprintf(&b, "Student Username:        %s\n", a.Metadata.Username)
	fmt.Fprintf(&b, "Hostname:                %s\n", a.Metadata.Hostname)
	fmt.Fprintf(&b, "Machine ID:              %s\n", a.Metadata.MachineID)
	fmt.Fprintf(&b, "Session Duration:        %s\n", formatDuration(a.Metadata.DurationSecs))
	fmt.Fprintf(&b, "Recorder Runs Before:    %d\n", a.RunsBefore)
	fmt.Fprintf(&b, "Shell:                   %s\n", a.Metadata.Shell)
	fmt.Fprintf(&b, "Exit Status:             %d\n", a.Metadata.ExitStatus)
	if a.Metadata.LoginSessionID != "" {
		fmt.Fprintf(&b, "Login Session:           %s (seat %s, remote=%v)\n",
			a.Metadata.LoginSessionID, a.Metadata.LoginSeat, a.Metadata.RemoteSession)
	}
	b.WriteString("\n")

	b.WriteString("--- Typing Statistics ---\n")
	s := a.Recomputed
	fmt.Fprintf(&b, "Total Keystrokes:        %d\n", s.TotalKeystrokes)
	fmt.Fprintf(&b, "Enter Pressed:           %d\n", s.EnterPressed)
	fmt.Fprintf(&b, "Backspace Used:          %d\n", s.BackspaceUsed)
	fmt.Fprintf(&b, "Paste Events:            %d\n", s.PasteEvents)
	fmt.Fprintf(&b, "Total Pasted Characters: %d\n", s.TotalPastedChars)
	fmt.Fprintf(&b, "Uncertain Bursts:        %d\n", s.UncertainBursts)
	fmt.Fprintf(&b, "Commands Executed:       %d\n", s.CommandsExecuted)
	fmt.Fprintf(&b, "Summary Agreement:       %s\n", agreement(a.SummariesAgree))
	b.WriteString("\n")

	b.WriteString("--- Typing Cadence ---\n")
	c := a.Cadence
	fmt.Fprintf(&b, "Keys Per Minute:         %.1f\n", c.KeysPerMinute)
	fmt.Fprintf(&b, "Mean Interval:           %.0f ms\n", c.MeanIntervalMs)
	fmt.Fprintf(&b, "Median Interval:         %.0f ms\n", c.MedianIntervalMs)
	fmt.Fprintf(&b, "P90 Interval:            %.0f ms\n", c.P90IntervalMs)
	for _, bucket := range c.Histogram {
		if bucket.UpToMs < 0 {
			fmt.Fprintf(&b, "  >%d ms: %d\n", lastBound(c.Histogram), bucket.Count)
		} else {
			fmt.Fprintf(&b, "  <=%d ms: %d\n", bucket.UpToMs, bucket.Count)
		}
	}
	b.WriteString("\n")

	b.WriteString("--- Command Timeline ---\n")
	if len(a.Timeline) == 0 {
		b.WriteString("(no commands recorded)\n")
	}
	for i, entry := range a.Timeline {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, formatTimestamp(entry.Time), entry.Command)
	}
	b.WriteString("\n")

	b.WriteString("--- Findings ---\n")
	if len(a.Findings) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range a.Findings {
		if f.Time > 0 {
			fmt.Fprintf(&b, "[!] %-7s %s at %s: %s\n", strings.ToUpper(string(f.Severity)), f.Name, formatTimestamp(f.Time), f.Detail)
		} else {
			fmt.Fprintf(&b, "[!] %-7s %s: %s\n", strings.ToUpper(string(f.Severity)), f.Name, f.Detail)
		}
	}

	if len(a.MemberErrors) > 0 {
		b.WriteString("\n--- Member Errors ---\n")
		for _, name := range sortedKeys(a.MemberErrors) {
			fmt.Fprintf(&b, "%s: %s\n", name, a.MemberErrors[name])
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderMarkdown(w io.Writer, a *analyzer.Analysis) error {
	var b strings.Builder

	b.WriteString("# Exam Session Report\n\n")
	fmt.Fprintf(&b, "**Student Username:** %s\n", a.Metadata.Username)
	fmt.Fprintf(&b, "**Hostname:** %s\n", a.Metadata.Hostname)
	fmt.Fprintf(&b, "**Machine ID:** %s\n", a.Metadata.MachineID)
	fmt.Fprintf(&b, "**Session Duration:** %s\n", formatDuration(a.Metadata.DurationSecs))
	fmt.Fprintf(&b, "**Recorder Runs Before:** %d\n\n", a.RunsBefore)

	b.WriteString("## Typing Statistics\n\n")
	s := a.Recomputed
	fmt.Fprintf(&b, "- Total Keystrokes: %d\n", s.TotalKeystrokes)
	fmt.Fprintf(&b, "- Enter Pressed: %d\n", s.EnterPressed)
	fmt.Fprintf(&b, "- Backspace Used: %d\n", s.BackspaceUsed)
	fmt.Fprintf(&b, "- Paste Events: %d\n", s.PasteEvents)
	fmt.Fprintf(&b, "- Total Pasted Characters: %d\n", s.TotalPastedChars)
	fmt.Fprintf(&b, "- Uncertain Bursts: %d\n", s.UncertainBursts)
	fmt.Fprintf(&b, "- Commands Executed: %d\n", s.CommandsExecuted)
	fmt.Fprintf(&b, "- Summary Agreement: %s\n\n", agreement(a.SummariesAgree))

	b.WriteString("## Typing Cadence\n\n")
	c := a.Cadence
	fmt.Fprintf(&b, "- Keys Per Minute: %.1f\n", c.KeysPerMinute)
	fmt.Fprintf(&b, "- Mean Interval: %.0f ms\n", c.MeanIntervalMs)
	fmt.Fprintf(&b, "- Median Interval: %.0f ms\n", c.MedianIntervalMs)
	fmt.Fprintf(&b, "- P90 Interval: %.0f ms\n\n", c.P90IntervalMs)

	if len(a.Timeline) > 0 {
		b.WriteString("## Command Timeline\n\n")
		for i, entry := range a.Timeline {
			fmt.Fprintf(&b, "%d. `%s` at %s\n", i+1, entry.Command, formatTimestamp(entry.Time))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Findings\n\n")
	if len(a.Findings) == 0 {
		b.WriteString("No findings.\n")
	}
	for _, f := range a.Findings {
		if f.Time > 0 {
			fmt.Fprintf(&b, "- **%s** `%s` at %s: %s\n", f.Severity, f.Name, formatTimestamp(f.Time), f.Detail)
		} else {
			fmt.Fprintf(&b, "- **%s** `%s`: %s\n", f.Severity, f.Name, f.Detail)
		}
	}

	if len(a.MemberErrors) > 0 {
		b.WriteString("\n## Member Errors\n\n")
		for _, name := range sortedKeys(a.MemberErrors) {
			fmt.Fprintf(&b, "- `%s`: %s\n", name, a.MemberErrors[name])
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func agreement(ok bool) string {
	if ok {
		return "OK"
	}
	return "MISMATCH"
}

// formatDuration renders seconds as "1h 02m 03s", dropping the hour part
// for short sessions.
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, secs)
	}
	return fmt.Sprintf("%dm %02ds", minutes, secs)
}

// formatTimestamp renders a millisecond epoch timestamp as UTC
// wall-clock time.
func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("15:04:05")
}

func lastBound(h []analyzer.HistogramBucket) int64 {
	if len(h) < 2 {
		return 0
	}
	return h[len(h)-2].UpToMs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
