// Package session defines the event, summary, and metadata data model
// shared by the recorder and viewer pipelines.
package session

import "time"

// Direction indicates which side of the terminal relay a byte traversed.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Kind categorizes an event in the session stream.
type Kind string

const (
	// KindKeyInput is a chunk of bytes read from the controlling terminal.
	KindKeyInput Kind = "key_input"
	// KindOutput is a chunk of bytes read from the child shell.
	KindOutput Kind = "output"
	// KindPasteBlock marks a classified paste; the payload is the pasted text.
	KindPasteBlock Kind = "paste_block"
	// KindCommandBoundary marks a completed input line; the payload is the
	// reconstructed command.
	KindCommandBoundary Kind = "command_boundary"
)

// Class is the paste classification attached to input events.
type Class string

const (
	ClassTyped     Class = "typed"
	ClassPaste     Class = "paste"
	ClassUncertain Class = "uncertain"
)

// Event is one element of the append-only session stream. Timestamps are
// milliseconds since the Unix epoch and non-decreasing within a session.
type Event struct {
	Time      int64     `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Direction Direction `json:"direction"`
	Payload   []byte    `json:"payload,omitempty"`
	Class     Class     `json:"class,omitempty"`
}

// Recorder-side suspicion flags recorded in Summary and Metadata.
const (
	FlagDegradedCapture  = "degraded_capture"
	FlagStateTampered    = "state_tampered"
	FlagForeignMachine   = "foreign_machine"
	FlagStateFileTouched = "state_file_touched"
)

// Summary holds per-session counters. The recorder computes it at capture
// time; the analyzer recomputes it independently from raw events and
// treats any disagreement as a suspicion signal.
type Summary struct {
	TotalKeystrokes  int      `json:"total_keystrokes"`
	EnterPressed     int      `json:"enter_pressed"`
	BackspaceUsed    int      `json:"backspace_used"`
	PasteEvents      int      `json:"paste_events"`
	TotalPastedChars int      `json:"total_pasted_chars"`
	UncertainBursts  int      `json:"uncertain_bursts"`
	CommandsExecuted int      `json:"commands_executed"`
	DurationSeconds  int64    `json:"duration_seconds"`
	Flags            []string `json:"flags,omitempty"`
}

// Equal reports whether two summaries agree on every event-derived
// counter. Flags and wall-clock duration are excluded: they describe
// recorder-side conditions the analyzer cannot reproduce from events
// alone.
func (s Summary) Equal(o Summary) bool {
	return s.TotalKeystrokes == o.TotalKeystrokes &&
		s.EnterPressed == o.EnterPressed &&
		s.BackspaceUsed == o.BackspaceUsed &&
		s.PasteEvents == o.PasteEvents &&
		s.TotalPastedChars == o.TotalPastedChars &&
		s.UncertainBursts == o.UncertainBursts &&
		s.CommandsExecuted == o.CommandsExecuted
}

// Metadata describes the run that produced a session.
type Metadata struct {
	Username     string `json:"username"`
	Hostname     string `json:"hostname"`
	MachineID    string `json:"machine_id"`
	RunCounter   uint64 `json:"run_counter"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time,omitempty"`
	DurationSecs int64  `json:"duration_seconds,omitempty"`
	Shell        string `json:"shell"`
	TerminalType string `json:"terminal_type"`
	ExitStatus   int    `json:"exit_status"`

	// DegradedCapture is set when event mirroring failed mid-session and
	// the relay continued without it.
	DegradedCapture bool `json:"degraded_capture,omitempty"`

	// StateStatus records the state-file load outcome ("ok", "absent",
	// "tampered", "foreign").
	StateStatus string `json:"state_status,omitempty"`

	// StateFileTouched is set when the state file changed on disk during
	// the session outside the recorder's control.
	StateFileTouched bool `json:"state_file_touched,omitempty"`

	// Desktop login session info, best effort.
	LoginSessionID string `json:"login_session_id,omitempty"`
	LoginSeat      string `json:"login_seat,omitempty"`
	RemoteSession  bool   `json:"remote_session,omitempty"`
}

// Finalize stamps the end time and duration.
func (m *Metadata) Finalize(end time.Time) {
	m.EndTime = end.Unix()
	if m.EndTime > m.StartTime {
		m.DurationSecs = m.EndTime - m.StartTime
	}
}

// Session is one recorder run: exclusively owned while recording,
// immutable once archived.
type Session struct {
	Metadata Metadata
	Events   []Event
	Summary  Summary
	Output   []byte
}

// Monotonic reports whether event timestamps are non-decreasing, and the
// index of the first regression if not.
func Monotonic(events []Event) (bool, int) {
	for i := 1; i < len(events); i++ {
		if events[i].Time < events[i-1].Time {
			return false, i
		}
	}
	return true, -1
}
