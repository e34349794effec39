// Package internal provides integration tests for the full
// record-to-report pipeline:
//  1. Spool captured events durably and read them back verified
//  2. Classify paste bursts and annotate the event stream
//  3. Seal the session into an encrypted archive
//  4. Open the archive, recompute the summary, and render a report
//  5. Prove tampering anywhere in the chain is detected
package internal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"examtrace/internal/analyzer"
	"examtrace/internal/archive"
	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/machineid"
	"examtrace/internal/paste"
	"examtrace/internal/report"
	"examtrace/internal/session"
	"examtrace/internal/spool"
	"examtrace/internal/state"
)

// recordSession simulates a short exam: typed commands, one marked paste
// and one unmarked burst, producing the same artifacts the recorder
// produces.
func recordSession(t *testing.T) (events []session.Event, summary session.Summary, output []byte) {
	t.Helper()

	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	var chunks []paste.Chunk
	at := func(offsetMs int64) time.Time { return base.Add(time.Duration(offsetMs) * time.Millisecond) }

	type inputStep struct {
		offsetMs int64
		data     string
	}
	pasted := strings.Repeat("p", 40)
	burst := strings.Repeat("b", 60)
	steps := []inputStep{
		{0, "l"}, {180, "s"}, {400, "\r"},
		{5000, "\x1b[200~" + pasted + "\x1b[201~"},
		{5400, "\r"},
		{9000, burst},
		{9300, "\r"},
	}

	var tracker []byte
	var commands int
	for _, step := range steps {
		data := []byte(step.data)
		chunks = append(chunks, paste.Chunk{Time: at(step.offsetMs), Data: data})
		events = append(events, session.Event{
			Time:      at(step.offsetMs).UnixMilli(),
			Kind:      session.KindKeyInput,
			Direction: session.DirectionInput,
			Payload:   data,
		})
		for _, b := range data {
			switch {
			case b == '\r':
				line := strings.TrimSpace(string(tracker))
				tracker = tracker[:0]
				if line != "" && line != "exit" {
					commands++
					events = append(events, session.Event{
						Time:      at(step.offsetMs).UnixMilli(),
						Kind:      session.KindCommandBoundary,
						Direction: session.DirectionInput,
						Payload:   []byte(line),
					})
				}
			case b >= 0x20 && b < 0x7f:
				tracker = append(tracker, b)
			}
		}
	}

	output = []byte("$ ls\r\nnotes.txt\r\n$ ")
	events = append(events, session.Event{
		Time:      at(9400).UnixMilli(),
		Kind:      session.KindOutput,
		Direction: session.DirectionOutput,
		Payload:   output,
	})

	blocks := paste.Classify(chunks, paste.DefaultConfig())
	events = paste.AnnotateEvents(events, blocks)

	var keystrokes, enters int
	for _, c := range chunks {
		keystrokes += len(c.Data)
		for _, b := range c.Data {
			if b == '\r' {
				enters++
			}
		}
	}
	summary = session.Summary{
		TotalKeystrokes:  keystrokes,
		EnterPressed:     enters,
		CommandsExecuted: commands,
		DurationSeconds:  9,
	}
	for _, b := range blocks {
		if b.Class == session.ClassUncertain {
			summary.UncertainBursts++
		} else {
			summary.PasteEvents++
			summary.TotalPastedChars += b.Chars()
		}
	}
	return events, summary, output
}

func TestRecordToReportPipeline(t *testing.T) {
	events, summary, output := recordSession(t)

	// Durability leg: every event through the spool and back, verified.
	machineKey := bytes.Repeat([]byte{0x42}, 32)
	spoolPath := filepath.Join(t.TempDir(), "spool.db")
	sp, err := spool.Open(spoolPath, machineKey)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	for _, ev := range events {
		if err := sp.Append(ev); err != nil {
			t.Fatalf("spool.Append: %v", err)
		}
	}
	replayed, err := sp.Events()
	if err != nil {
		t.Fatalf("spool.Events: %v", err)
	}
	if len(replayed) != len(events) {
		t.Fatalf("spool replayed %d events, want %d", len(replayed), len(events))
	}
	sp.Close()

	meta := session.Metadata{
		Username:     "student",
		Hostname:     "lab-07",
		MachineID:    "abcdef0123456789abcdef0123456789",
		RunCounter:   1,
		StartTime:    events[0].Time / 1000,
		Shell:        "/bin/bash",
		TerminalType: "xterm-256color",
		StateStatus:  string(state.StatusAbsent),
	}
	meta.Finalize(time.UnixMilli(events[len(events)-1].Time))
	summary.DurationSeconds = meta.DurationSecs

	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	archivePath, err := archive.Build(archive.BuildInput{
		Session:   session.Session{Metadata: meta, Events: events, Summary: summary, Output: output},
		State:     state.Record{RunCounter: 1, Fingerprint: "00112233445566778899aabbccddeeff"},
		Key:       key,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("archive.Build: %v", err)
	}

	a, err := archive.Open(archivePath, key)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	if len(a.MemberErrors) != 0 {
		t.Fatalf("member errors: %v", a.MemberErrors)
	}

	analysis := analyzer.Analyze(a, analyzer.DefaultConfig())
	if !analysis.SummariesAgree {
		t.Errorf("recomputed summary disagrees with recorder summary:\n got %+v\nwant %+v",
			analysis.Recomputed, analysis.Recorded)
	}
	if analysis.Recomputed.PasteEvents != 2 {
		t.Errorf("paste events = %d, want 2 (one marked, one burst)", analysis.Recomputed.PasteEvents)
	}
	if analysis.Recomputed.TotalPastedChars != 100 {
		t.Errorf("pasted chars = %d, want 100", analysis.Recomputed.TotalPastedChars)
	}
	if len(analysis.Timeline) != 3 {
		t.Errorf("timeline = %d commands, want 3", len(analysis.Timeline))
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, analysis, report.FormatText); err != nil {
		t.Fatalf("report.Render: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"student", "Paste Events:            2", "Summary Agreement:       OK"} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestPipelineDetectsSummaryTampering(t *testing.T) {
	events, summary, output := recordSession(t)

	// Doctor the recorded summary before sealing, hiding a paste event.
	summary.PasteEvents = 0
	summary.TotalPastedChars = 0

	meta := session.Metadata{
		Username: "student", Hostname: "lab-07",
		MachineID: "abcdef0123456789abcdef0123456789",
		RunCounter: 1, StartTime: events[0].Time / 1000,
		Shell: "/bin/bash", TerminalType: "xterm-256color",
		StateStatus: string(state.StatusOK),
	}

	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	archivePath, err := archive.Build(archive.BuildInput{
		Session:   session.Session{Metadata: meta, Events: events, Summary: summary, Output: output},
		State:     state.Record{RunCounter: 1},
		Key:       key,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("archive.Build: %v", err)
	}

	a, err := archive.Open(archivePath, key)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	analysis := analyzer.Analyze(a, analyzer.DefaultConfig())
	if analysis.SummariesAgree {
		t.Fatal("doctored summary not detected")
	}

	found := false
	for _, f := range analysis.Findings {
		if f.Name == analyzer.FindingSummaryMismatch && f.Severity == analyzer.SeverityAlert {
			found = true
		}
	}
	if !found {
		t.Errorf("no summary_mismatch alert in findings: %+v", analysis.Findings)
	}
}

func TestPipelineRejectsWrongCredential(t *testing.T) {
	events, summary, output := recordSession(t)
	meta := session.Metadata{
		Username: "student", Hostname: "lab-07", MachineID: "m",
		RunCounter: 1, StartTime: events[0].Time / 1000,
		Shell: "/bin/bash", TerminalType: "xterm", StateStatus: "ok",
	}

	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	archivePath, err := archive.Build(archive.BuildInput{
		Session:   session.Session{Metadata: meta, Events: events, Summary: summary, Output: output},
		State:     state.Record{RunCounter: 1},
		Key:       key,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("archive.Build: %v", err)
	}

	_, err = archive.Open(archivePath, crypt.DeriveSharedKey("guessed_password"))
	if !errors.Is(err, errdefs.ErrCrypto) {
		t.Errorf("wrong credential error = %v, want ErrCrypto", err)
	}
}

func TestStateSurvivesRunsAndTravel(t *testing.T) {
	dir := t.TempDir()

	fpA := testFingerprint("machine-a")
	for i := 0; i < 3; i++ {
		st, err := state.Open(dir, fpA)
		if err != nil {
			t.Fatalf("state.Open run %d: %v", i, err)
		}
		st.Advance(time.Now())
		if err := st.Save(); err != nil {
			t.Fatalf("state.Save run %d: %v", i, err)
		}
	}

	st, err := state.Open(dir, fpA)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	if st.Status != state.StatusOK || st.Record.RunCounter != 3 {
		t.Errorf("home machine: status=%s counter=%d, want ok/3", st.Status, st.Record.RunCounter)
	}

	// The same file on another machine must not verify: the key is
	// derived from the fingerprint, so decryption itself fails.
	fpB := testFingerprint("machine-b")
	st, err = state.Open(dir, fpB)
	if err != nil {
		t.Fatalf("state.Open foreign: %v", err)
	}
	if st.Status != state.StatusTampered {
		t.Errorf("foreign machine status = %s, want tampered", st.Status)
	}

	// Flipping a byte on disk is detected the same way.
	path := filepath.Join(dir, state.FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write state: %v", err)
	}
	st, err = state.Open(dir, fpA)
	if err != nil {
		t.Fatalf("state.Open tampered: %v", err)
	}
	if st.Status != state.StatusTampered {
		t.Errorf("tampered status = %s, want tampered", st.Status)
	}
}

func testFingerprint(host string) machineid.Fingerprint {
	return machineid.Fingerprint{
		Hostname:  host,
		Username:  "student",
		MachineID: "integration-test-machine-id",
	}
}
