package capture

import (
	"strings"

	"examtrace/internal/session"
)

// lineTracker reconstructs command lines from the input byte stream so
// the relay can emit command_boundary events as they complete.
type lineTracker struct {
	line []byte
}

// feed consumes input bytes and returns a command_boundary event for each
// completed non-empty line. The "exit" command that ends the session is
// not recorded, matching what the student sees.
func (t *lineTracker) feed(data []byte, ts int64) []session.Event {
	var boundaries []session.Event
	for _, b := range data {
		switch {
		case b == '\r' || b == '\n':
			line := strings.TrimSpace(string(t.line))
			t.line = t.line[:0]
			if line == "" || line == "exit" {
				continue
			}
			boundaries = append(boundaries, session.Event{
				Time:      ts,
				Kind:      session.KindCommandBoundary,
				Direction: session.DirectionInput,
				Payload:   []byte(line),
			})
		case b == 0x7f || b == 0x08:
			if len(t.line) > 0 {
				t.line = t.line[:len(t.line)-1]
			}
		case b >= 0x20 && b < 0x7f:
			t.line = append(t.line, b)
		}
	}
	return boundaries
}

// pending reports the current partially typed line.
func (t *lineTracker) pending() string {
	return strings.TrimSpace(string(t.line))
}
