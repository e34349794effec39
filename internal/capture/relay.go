//go:build linux

package capture

import (
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"examtrace/internal/errdefs"
	"examtrace/internal/paste"
	"examtrace/internal/session"
)

const readBufferSize = 4096

// relay is the single-threaded byte loop between the controlling terminal
// and the PTY master. Relaying is the hot path; capture is a mirror off
// the side of it and must never block or break the pass-through.
type relay struct {
	onEvent func(session.Event) error
	logger  *slog.Logger
	now     func() time.Time

	tracker lineTracker

	inputChunks []paste.Chunk
	events      []session.Event
	output      []byte
	commands    []Command

	degraded bool
}

// Command is a completed input line with its arrival time.
type Command struct {
	Time int64
	Line string
}

// run multiplexes readiness on the terminal input and the child-side
// output until the child exits (EIO on the master) or both streams close.
// There is no cross-stream ordering guarantee beyond per-stream byte
// order.
func (r *relay) run(input *os.File, output io.Writer, master *os.File) error {
	buf := make([]byte, readBufferSize)

	fds := []unix.PollFd{
		{Fd: int32(input.Fd()), Events: unix.POLLIN},
		{Fd: int32(master.Fd()), Events: unix.POLLIN},
	}

	for {
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errdefs.Wrap(errdefs.ErrIO, "capture.relay", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Fd >= 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			count, readErr := input.Read(buf)
			if count > 0 {
				chunk := append([]byte(nil), buf[:count]...)
				r.observeInput(chunk)
				if _, writeErr := master.Write(chunk); writeErr != nil {
					// Child side is gone; nothing left to relay to.
					return nil
				}
			}
			if readErr != nil {
				// EOF on the terminal: stop watching input but keep
				// draining child output until it exits.
				fds[0].Fd = -1
			}
		}

		if fds[1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			count, readErr := master.Read(buf)
			if count > 0 {
				chunk := append([]byte(nil), buf[:count]...)
				r.observeOutput(chunk)
				if _, writeErr := output.Write(chunk); writeErr != nil {
					return errdefs.Wrap(errdefs.ErrIO, "capture.relay", writeErr)
				}
			}
			if readErr != nil {
				// EIO is the normal signal that the slave closed (the
				// child exited). Treat any master read error as the end
				// of the session.
				return nil
			}
		}
	}
}

// observeInput mirrors an input chunk into the event stream.
func (r *relay) observeInput(chunk []byte) {
	at := r.now()
	ts := at.UnixMilli()

	r.inputChunks = append(r.inputChunks, paste.Chunk{Time: at, Data: chunk})

	r.mirror(session.Event{
		Time:      ts,
		Kind:      session.KindKeyInput,
		Direction: session.DirectionInput,
		Payload:   chunk,
	})

	for _, boundary := range r.tracker.feed(chunk, ts) {
		r.commands = append(r.commands, Command{Time: boundary.Time, Line: string(boundary.Payload)})
		r.mirror(boundary)
	}
}

// observeOutput mirrors an output chunk and accumulates the full log.
func (r *relay) observeOutput(chunk []byte) {
	r.output = append(r.output, chunk...)
	r.mirror(session.Event{
		Time:      r.now().UnixMilli(),
		Kind:      session.KindOutput,
		Direction: session.DirectionOutput,
		Payload:   chunk,
	})
}

// mirror records the event locally and forwards it to the incremental
// sink. A sink failure flips the session into degraded mode; the relay
// itself continues untouched.
func (r *relay) mirror(ev session.Event) {
	r.events = append(r.events, ev)
	if r.onEvent == nil {
		return
	}
	if err := r.onEvent(ev); err != nil {
		if !r.degraded {
			r.degraded = true
			if r.logger != nil {
				r.logger.Warn("event mirroring failed, continuing degraded", "error", err)
			}
		}
	}
}
