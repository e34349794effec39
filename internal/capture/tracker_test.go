package capture

import (
	"reflect"
	"testing"
)

func TestLineTrackerReconstructsCommands(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		pending string
	}{
		{
			name:  "single command",
			input: "ls -la\r",
			want:  []string{"ls -la"},
		},
		{
			name:  "multiple commands",
			input: "pwd\rcat notes.txt\r",
			want:  []string{"pwd", "cat notes.txt"},
		},
		{
			name:  "backspace edits the line",
			input: "lss\x7f -la\r",
			want:  []string{"ls -la"},
		},
		{
			name:  "backspace on empty line is ignored",
			input: "\x7f\x7fls\r",
			want:  []string{"ls"},
		},
		{
			name:  "empty lines are skipped",
			input: "\r\r\rpwd\r",
			want:  []string{"pwd"},
		},
		{
			name:  "exit is not recorded",
			input: "pwd\rexit\r",
			want:  []string{"pwd"},
		},
		{
			name:  "exit with surrounding whitespace",
			input: "  exit  \r",
			want:  nil,
		},
		{
			name:  "control bytes are dropped",
			input: "ls\x1b[A\x01\r",
			want:  []string{"ls[A"},
		},
		{
			name:    "partial line stays pending",
			input:   "git sta",
			want:    nil,
			pending: "git sta",
		},
		{
			name:  "newline terminates like carriage return",
			input: "make test\n",
			want:  []string{"make test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr lineTracker
			events := tr.feed([]byte(tt.input), 1000)

			var got []string
			for _, ev := range events {
				if ev.Kind != "command_boundary" {
					t.Fatalf("unexpected event kind %q", ev.Kind)
				}
				got = append(got, string(ev.Payload))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("commands = %v, want %v", got, tt.want)
			}
			if tr.pending() != tt.pending {
				t.Errorf("pending = %q, want %q", tr.pending(), tt.pending)
			}
		})
	}
}

func TestLineTrackerAcrossChunks(t *testing.T) {
	var tr lineTracker

	if got := tr.feed([]byte("echo hel"), 100); len(got) != 0 {
		t.Fatalf("boundary emitted mid-line: %v", got)
	}
	events := tr.feed([]byte("lo\r"), 200)
	if len(events) != 1 {
		t.Fatalf("got %d boundaries, want 1", len(events))
	}
	if string(events[0].Payload) != "echo hello" {
		t.Errorf("command = %q, want %q", events[0].Payload, "echo hello")
	}
	if events[0].Time != 200 {
		t.Errorf("boundary timestamp = %d, want completion chunk time 200", events[0].Time)
	}
}
