//go:build linux

// examtrace records a proctored terminal session: it runs the student's
// shell under a PTY, captures every keystroke and output byte, and seals
// the session into an encrypted archive for the instructor.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"examtrace/internal/archive"
	"examtrace/internal/capture"
	"examtrace/internal/config"
	"examtrace/internal/crypt"
	"examtrace/internal/logging"
	"examtrace/internal/machineid"
	"examtrace/internal/paste"
	"examtrace/internal/session"
	"examtrace/internal/spool"
	"examtrace/internal/state"
	"examtrace/internal/watcher"
)

var (
	configPath string
	outputDir  string
)

var rootCmd = &cobra.Command{
	Use:   "examtrace",
	Short: "Record a proctored terminal exam session",
	Long: `examtrace runs your shell under a recording relay. Everything you type
and everything the terminal prints is captured, classified, and sealed
into an encrypted archive that only your instructor can open.

Type 'exit' to end the session.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ~/.exam-recorder/config.toml)")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", "", "override the archive output directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.Archive.OutputDir = outputDir
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	fp := machineid.Collect()

	st, err := state.Open(cfg.State.Dir, fp)
	if err != nil {
		return err
	}
	stateStatus := st.Status
	if stateStatus == state.StatusTampered || stateStatus == state.StatusForeign {
		logger.Warn("state file did not verify, continuing flagged", "status", stateStatus)
	}
	start := time.Now()
	st.Advance(start)

	meta := session.Metadata{
		Username:     fp.Username,
		Hostname:     fp.Hostname,
		MachineID:    fp.Hex(),
		RunCounter:   st.Record.RunCounter,
		StartTime:    start.Unix(),
		Shell:        cfg.Capture.Shell,
		TerminalType: cfg.Capture.Term,
		StateStatus:  string(stateStatus),
	}
	if ls, err := machineid.CurrentLoginSession(); err == nil {
		meta.LoginSessionID = ls.ID
		meta.LoginSeat = ls.Seat
		meta.RemoteSession = ls.Remote
	}

	stateWatch, err := watcher.Watch(st.Path(), logging.Component(logger, "watcher"))
	if err != nil {
		logger.Warn("state file watching disabled", "error", err)
	}
	defer stateWatch.Close()

	machineKey, err := crypt.DeriveMachineKey(fp.Sum())
	if err != nil {
		return err
	}

	// The spool makes capture durable across a crash. Losing it degrades
	// the session; it never prevents one.
	if err := spool.Sweep(cfg.State.Dir); err != nil {
		logger.Warn("stale spool cleanup failed", "error", err)
	}
	spoolDegraded := false
	var onEvent func(session.Event) error
	spoolPath := filepath.Join(cfg.State.Dir, fmt.Sprintf("spool-%d.db", os.Getpid()))
	sp, err := spool.Open(spoolPath, machineKey)
	if err != nil {
		logger.Warn("event spool unavailable, capture is in-memory only", "error", err)
		spoolDegraded = true
	} else {
		onEvent = sp.Append
		defer sp.Close()
	}

	fmt.Println("Exam session recording started. Type 'exit' to finish.")
	fmt.Println()

	res, runErr := capture.Run(capture.Options{
		Shell:   cfg.Capture.Shell,
		Term:    cfg.Capture.Term,
		OnEvent: onEvent,
		Logger:  logging.Component(logger, "capture"),
	})
	if res == nil {
		return runErr
	}
	if runErr != nil {
		logger.Warn("session ended abnormally, sealing what was captured", "error", runErr)
	}

	if sp != nil {
		if _, err := sp.Events(); err != nil {
			logger.Warn("spool chain did not verify at session end", "error", err)
			spoolDegraded = true
		}
	}

	blocks := paste.Classify(res.InputChunks, cfg.Paste.Classifier())
	events := paste.AnnotateEvents(res.Events, blocks)

	meta.ExitStatus = res.ExitStatus
	meta.DegradedCapture = res.Degraded || spoolDegraded
	meta.StateFileTouched = stateWatch.Touched()
	meta.Finalize(res.End)

	summary := buildSummary(res, blocks, &meta)

	stateWatch.ExpectSelfWrite()
	if err := st.Save(); err != nil {
		logger.Warn("state save failed, run counter not persisted", "error", err)
	}

	key := crypt.DeriveSharedKey(cfg.Archive.Credential)
	archivePath, err := archive.Build(archive.BuildInput{
		Session: session.Session{
			Metadata: meta,
			Events:   events,
			Summary:  summary,
			Output:   res.Output,
		},
		State:     st.Snapshot(),
		Key:       key,
		OutputDir: cfg.Archive.OutputDir,
	})
	if err != nil {
		// The spool stays behind for diagnosis. Its payloads are sealed
		// with the machine key, so no plaintext survives the failed run;
		// the next session sweeps it.
		return err
	}
	if sp != nil {
		if err := sp.Remove(); err != nil {
			logger.Warn("spool cleanup failed", "path", spoolPath, "error", err)
		}
	}

	fmt.Println()
	fmt.Println("Session ended.")
	fmt.Printf("Your encrypted exam log has been saved as: %s\n", filepath.Base(archivePath))
	fmt.Println("Submit this file to your instructor.")
	return nil
}

// buildSummary assembles the recorder-side summary from the capture
// counters and the classified paste blocks.
func buildSummary(res *capture.Result, blocks []paste.Block, meta *session.Metadata) session.Summary {
	keystrokes, enters, backspaces := res.Counters()

	s := session.Summary{
		TotalKeystrokes:  keystrokes,
		EnterPressed:     enters,
		BackspaceUsed:    backspaces,
		CommandsExecuted: len(res.Commands),
		DurationSeconds:  meta.DurationSecs,
	}
	for _, b := range blocks {
		if b.Class == session.ClassUncertain {
			s.UncertainBursts++
		} else {
			s.PasteEvents++
			s.TotalPastedChars += b.Chars()
		}
	}

	if meta.DegradedCapture {
		s.Flags = append(s.Flags, session.FlagDegradedCapture)
	}
	switch meta.StateStatus {
	case string(state.StatusTampered):
		s.Flags = append(s.Flags, session.FlagStateTampered)
	case string(state.StatusForeign):
		s.Flags = append(s.Flags, session.FlagForeignMachine)
	}
	if meta.StateFileTouched {
		s.Flags = append(s.Flags, session.FlagStateFileTouched)
	}
	return s
}
