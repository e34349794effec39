// Package analyzer recomputes session statistics from the raw event
// stream and turns disagreements, paste activity, and recorder-side
// flags into named findings. All computation is independent of the
// recorder's own summary so that the two can be compared.
package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"examtrace/internal/archive"
	"examtrace/internal/session"
)

// Config holds the analysis thresholds.
type Config struct {
	// HighPasteRatio is the pasted-to-total input ratio above which a
	// session is flagged.
	HighPasteRatio float64 `toml:"high_paste_ratio"`

	// LargePasteChars is the paste block size above which the finding is
	// an alert rather than a warning.
	LargePasteChars int `toml:"large_paste_chars"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		HighPasteRatio:  0.30,
		LargePasteChars: 100,
	}
}

// Validate checks threshold sanity.
func (c Config) Validate() error {
	if c.HighPasteRatio <= 0 || c.HighPasteRatio > 1 {
		return fmt.Errorf("analyzer: high_paste_ratio %v outside (0, 1]", c.HighPasteRatio)
	}
	if c.LargePasteChars <= 0 {
		return fmt.Errorf("analyzer: large_paste_chars %d must be positive", c.LargePasteChars)
	}
	return nil
}

// Severity ranks a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

// Finding names. Each analysis pass emits zero or more of these;
// findings accumulate and are never suppressed by one another.
const (
	FindingMemberUnreadable        = "member_unreadable"
	FindingSummaryMismatch         = "summary_mismatch"
	FindingLargePaste              = "large_paste"
	FindingUncertainBurst          = "uncertain_burst"
	FindingHighPasteRatio          = "high_paste_ratio"
	FindingTimestampRegression     = "timestamp_regression"
	FindingStateTampered           = "state_tampered"
	FindingForeignMachine          = "foreign_machine"
	FindingStateFileTouched        = "state_file_touched"
	FindingRunCounterDiscontinuity = "run_counter_discontinuity"
	FindingDegradedCapture         = "degraded_capture"
)

// Finding is one suspicion signal derived during analysis.
type Finding struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Time     int64    `json:"timestamp,omitempty"`
	Detail   string   `json:"detail"`
}

// TimelineEntry is one executed command with its arrival time.
type TimelineEntry struct {
	Time    int64  `json:"timestamp"`
	Command string `json:"command"`
}

// HistogramBucket counts inter-key intervals up to UpToMs milliseconds.
// The final bucket has UpToMs -1 and collects everything larger.
type HistogramBucket struct {
	UpToMs int64 `json:"up_to_ms"`
	Count  int   `json:"count"`
}

// CadenceStats summarizes typing rhythm over the session.
type CadenceStats struct {
	Keystrokes       int               `json:"keystrokes"`
	KeysPerMinute    float64           `json:"keys_per_minute"`
	MeanIntervalMs   float64           `json:"mean_interval_ms"`
	MedianIntervalMs float64           `json:"median_interval_ms"`
	P90IntervalMs    float64           `json:"p90_interval_ms"`
	Histogram        []HistogramBucket `json:"histogram"`
}

// Analysis is the complete result of examining an opened archive.
type Analysis struct {
	Metadata session.Metadata `json:"metadata"`

	Recorded       session.Summary `json:"recorded_summary"`
	Recomputed     session.Summary `json:"recomputed_summary"`
	SummariesAgree bool            `json:"summaries_agree"`

	// RunsBefore is how many recorder runs the machine had seen before
	// this session.
	RunsBefore uint64 `json:"runs_before"`

	Timeline []TimelineEntry `json:"timeline"`
	Cadence  CadenceStats    `json:"cadence"`
	Findings []Finding       `json:"findings"`

	// MemberErrors carries forward the per-member load failures, keyed by
	// member name.
	MemberErrors map[string]string `json:"member_errors,omitempty"`
}

var histogramBounds = []int64{25, 50, 100, 250, 500, 1000, 2000}

// Analyze examines an opened archive under the given thresholds.
func Analyze(a *archive.Archive, cfg Config) *Analysis {
	res := &Analysis{
		Metadata:   a.Metadata,
		Recorded:   a.Summary,
		Recomputed: RecomputeSummary(a.Events),
		Timeline:   Timeline(a.Events),
		Cadence:    Cadence(a.Events),
	}
	res.SummariesAgree = res.Recorded.Equal(res.Recomputed)
	if a.Metadata.RunCounter > 0 {
		res.RunsBefore = a.Metadata.RunCounter - 1
	}

	if len(a.MemberErrors) > 0 {
		res.MemberErrors = make(map[string]string, len(a.MemberErrors))
		for name, err := range a.MemberErrors {
			res.MemberErrors[name] = err.Error()
		}
	}

	res.Findings = findings(a, res, cfg)
	return res
}

// findings derives the suspicion signals in a fixed order so output is
// deterministic.
func findings(a *archive.Archive, res *Analysis, cfg Config) []Finding {
	var fs []Finding
	add := func(name string, sev Severity, ts int64, format string, args ...any) {
		fs = append(fs, Finding{Name: name, Severity: sev, Time: ts, Detail: fmt.Sprintf(format, args...)})
	}

	memberNames := make([]string, 0, len(res.MemberErrors))
	for name := range res.MemberErrors {
		memberNames = append(memberNames, name)
	}
	sort.Strings(memberNames)
	for _, name := range memberNames {
		add(FindingMemberUnreadable, SeverityAlert, 0, "member %s could not be loaded: %s", name, res.MemberErrors[name])
	}

	if !res.SummariesAgree {
		add(FindingSummaryMismatch, SeverityAlert, 0,
			"recorded summary disagrees with recomputation: %s", summaryDiff(res.Recorded, res.Recomputed))
	}

	for _, ev := range a.Events {
		if ev.Kind != session.KindPasteBlock {
			continue
		}
		chars := len(ev.Payload)
		switch ev.Class {
		case session.ClassUncertain:
			add(FindingUncertainBurst, SeverityInfo, ev.Time, "rapid input burst (%d chars), origin unclear", chars)
		default:
			sev := SeverityWarning
			if chars > cfg.LargePasteChars {
				sev = SeverityAlert
			}
			add(FindingLargePaste, sev, ev.Time, "paste burst (%d chars)", chars)
		}
	}

	if res.Recomputed.TotalKeystrokes > 0 {
		ratio := float64(res.Recomputed.TotalPastedChars) / float64(res.Recomputed.TotalKeystrokes)
		if ratio > cfg.HighPasteRatio {
			add(FindingHighPasteRatio, SeverityWarning, 0,
				"%.0f%% of input arrived in paste bursts (threshold %.0f%%)", ratio*100, cfg.HighPasteRatio*100)
		}
	}

	if ok, idx := session.Monotonic(a.Events); !ok {
		add(FindingTimestampRegression, SeverityAlert, a.Events[idx].Time,
			"event %d timestamp precedes its predecessor", idx)
	}

	switch a.Metadata.StateStatus {
	case "tampered":
		add(FindingStateTampered, SeverityAlert, 0, "recorder state failed checksum or decryption before the session")
	case "foreign":
		add(FindingForeignMachine, SeverityAlert, 0, "recorder state was written under a different machine fingerprint")
	}
	if a.Metadata.StateFileTouched {
		add(FindingStateFileTouched, SeverityWarning, 0, "state file was modified externally during the session")
	}

	if a.Metadata.RunCounter != a.State.RunCounter {
		add(FindingRunCounterDiscontinuity, SeverityWarning, 0,
			"metadata run counter %d disagrees with archived state counter %d", a.Metadata.RunCounter, a.State.RunCounter)
	}

	if a.Metadata.DegradedCapture {
		add(FindingDegradedCapture, SeverityWarning, 0, "event mirroring failed mid-session; the stream may be incomplete")
	}

	return fs
}

// RecomputeSummary rebuilds the counter summary from the event stream
// alone.
func RecomputeSummary(events []session.Event) session.Summary {
	var s session.Summary
	for _, ev := range events {
		switch ev.Kind {
		case session.KindKeyInput:
			s.TotalKeystrokes += len(ev.Payload)
			for _, b := range ev.Payload {
				switch b {
				case '\r', '\n':
					s.EnterPressed++
				case 0x7f, 0x08:
					s.BackspaceUsed++
				}
			}
		case session.KindPasteBlock:
			if ev.Class == session.ClassUncertain {
				s.UncertainBursts++
			} else {
				s.PasteEvents++
				s.TotalPastedChars += len(ev.Payload)
			}
		case session.KindCommandBoundary:
			s.CommandsExecuted++
		}
	}
	if len(events) > 0 {
		span := events[len(events)-1].Time - events[0].Time
		if span > 0 {
			s.DurationSeconds = span / 1000
		}
	}
	return s
}

// Timeline lists executed commands in order. Command boundary events are
// authoritative; if the stream carries none, the commands are
// reconstructed from the raw input bytes.
func Timeline(events []session.Event) []TimelineEntry {
	var entries []TimelineEntry
	for _, ev := range events {
		if ev.Kind == session.KindCommandBoundary {
			entries = append(entries, TimelineEntry{Time: ev.Time, Command: string(ev.Payload)})
		}
	}
	if entries != nil {
		return entries
	}
	return reconstructTimeline(events)
}

// reconstructTimeline rebuilds command lines from key_input payloads for
// streams recorded before boundary events existed.
func reconstructTimeline(events []session.Event) []TimelineEntry {
	var entries []TimelineEntry
	var line []byte
	for _, ev := range events {
		if ev.Kind != session.KindKeyInput {
			continue
		}
		for _, b := range ev.Payload {
			switch {
			case b == '\r' || b == '\n':
				cmd := strings.TrimSpace(string(line))
				line = line[:0]
				if cmd == "" || cmd == "exit" {
					continue
				}
				entries = append(entries, TimelineEntry{Time: ev.Time, Command: cmd})
			case b == 0x7f || b == 0x08:
				if len(line) > 0 {
					line = line[:len(line)-1]
				}
			case b >= 0x20 && b < 0x7f:
				line = append(line, b)
			}
		}
	}
	return entries
}

// Cadence computes typing-rhythm statistics over the key_input events.
func Cadence(events []session.Event) CadenceStats {
	var stats CadenceStats
	var times []int64
	for _, ev := range events {
		if ev.Kind != session.KindKeyInput {
			continue
		}
		stats.Keystrokes += len(ev.Payload)
		times = append(times, ev.Time)
	}
	if len(times) == 0 {
		return stats
	}

	span := times[len(times)-1] - times[0]
	if span > 0 {
		stats.KeysPerMinute = float64(stats.Keystrokes) / (float64(span) / 60000)
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, float64(times[i]-times[i-1]))
	}

	stats.Histogram = make([]HistogramBucket, len(histogramBounds)+1)
	for i, bound := range histogramBounds {
		stats.Histogram[i].UpToMs = bound
	}
	stats.Histogram[len(histogramBounds)].UpToMs = -1

	if len(intervals) == 0 {
		return stats
	}

	var sum float64
	for _, iv := range intervals {
		sum += iv
		placed := false
		for i, bound := range histogramBounds {
			if iv <= float64(bound) {
				stats.Histogram[i].Count++
				placed = true
				break
			}
		}
		if !placed {
			stats.Histogram[len(histogramBounds)].Count++
		}
	}
	stats.MeanIntervalMs = sum / float64(len(intervals))

	sorted := append([]float64(nil), intervals...)
	sort.Float64s(sorted)
	stats.MedianIntervalMs = percentile(sorted, 0.50)
	stats.P90IntervalMs = percentile(sorted, 0.90)
	return stats
}

// percentile takes the nearest-rank percentile of an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// summaryDiff names the counters two summaries disagree on.
func summaryDiff(a, b session.Summary) string {
	var diffs []string
	cmp := func(name string, x, y int) {
		if x != y {
			diffs = append(diffs, fmt.Sprintf("%s %d!=%d", name, x, y))
		}
	}
	cmp("total_keystrokes", a.TotalKeystrokes, b.TotalKeystrokes)
	cmp("enter_pressed", a.EnterPressed, b.EnterPressed)
	cmp("backspace_used", a.BackspaceUsed, b.BackspaceUsed)
	cmp("paste_events", a.PasteEvents, b.PasteEvents)
	cmp("total_pasted_chars", a.TotalPastedChars, b.TotalPastedChars)
	cmp("uncertain_bursts", a.UncertainBursts, b.UncertainBursts)
	cmp("commands_executed", a.CommandsExecuted, b.CommandsExecuted)
	if len(diffs) == 0 {
		return "no counter differences"
	}
	return strings.Join(diffs, ", ")
}
