//go:build linux

// Package capture runs a shell under a pseudo-terminal and relays bytes
// bidirectionally between the controlling terminal and the child, keeping
// the real terminal in raw mode so the child observes unprocessed
// keystrokes. Every relayed byte, in both directions, is mirrored into a
// timestamped event stream independent of the pass-through path.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"examtrace/internal/paste"
	"examtrace/internal/session"
)

// Options configures a capture run. Shell and Term are supplied by the
// caller, not discovered here.
type Options struct {
	Shell string
	Term  string

	// OnEvent receives every captured event as it happens, for
	// incremental spooling. Errors degrade capture; they never interrupt
	// the session.
	OnEvent func(session.Event) error

	Logger *slog.Logger
}

// Result is everything a capture run produced.
type Result struct {
	InputChunks []paste.Chunk
	Events      []session.Event
	Output      []byte
	Commands    []Command
	ExitStatus  int
	Degraded    bool
	Start, End  time.Time
}

// Run spawns the shell under a fresh PTY and relays until it exits.
// The interactive session takes priority over capture: mirroring
// failures degrade, relay failures end the session.
func Run(opts Options) (*Result, error) {
	if opts.Shell == "" {
		return nil, errors.New("capture: shell not specified")
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("capture: open PTY slave %s: %w", slavePath, err)
	}

	cmd := exec.Command(opts.Shell)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.Env = append(os.Environ(), "TERM="+opts.Term)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	stdinFD := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		// Initial size, before the child draws its prompt.
		_ = copyWinsize(stdinFD, int(master.Fd()))
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("capture: start shell: %w", err)
	}
	// The child holds its own copy via fd 0/1/2.
	slave.Close()

	var restore func()
	if term.IsTerminal(stdinFD) {
		oldState, rawErr := term.MakeRaw(stdinFD)
		if rawErr != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			master.Close()
			return nil, fmt.Errorf("capture: raw mode: %w", rawErr)
		}
		restore = func() { _ = term.Restore(stdinFD, oldState) }
	}

	// Window resizes and termination requests arrive as signals; they
	// touch only ioctls and fd teardown, never the byte path.
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGWINCH, syscall.SIGTERM, syscall.SIGHUP)
	signalDone := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				switch sig {
				case syscall.SIGWINCH:
					_ = copyWinsize(stdinFD, int(master.Fd()))
				default:
					// Best-effort shutdown: closing the master ends the
					// relay loop, which triggers the final flush upstream.
					master.Close()
				}
			case <-signalDone:
				return
			}
		}
	}()

	r := &relay{
		onEvent: opts.OnEvent,
		logger:  opts.Logger,
		now:     time.Now,
	}

	start := time.Now()
	relayErr := r.run(os.Stdin, os.Stdout, master)
	end := time.Now()

	signal.Stop(signals)
	close(signalDone)
	if restore != nil {
		restore()
	}
	master.Close()

	exitStatus := 0
	if waitErr := cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitStatus = exitErr.ExitCode()
		} else if relayErr == nil {
			relayErr = fmt.Errorf("capture: wait shell: %w", waitErr)
		}
	}

	result := &Result{
		InputChunks: r.inputChunks,
		Events:      r.events,
		Output:      r.output,
		Commands:    r.commands,
		ExitStatus:  exitStatus,
		Degraded:    r.degraded,
		Start:       start,
		End:         end,
	}
	if relayErr != nil {
		return result, relayErr
	}
	return result, nil
}

// Counters exposes the recorder-side keystroke counters for summary
// construction.
func (r *Result) Counters() (keystrokes, enters, backspaces int) {
	for _, chunk := range r.InputChunks {
		keystrokes += len(chunk.Data)
		for _, b := range chunk.Data {
			switch b {
			case '\r', '\n':
				enters++
			case 0x7f, 0x08:
				backspaces++
			}
		}
	}
	return keystrokes, enters, backspaces
}
