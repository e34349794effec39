// Package paste classifies input bursts as pasted, typed, or uncertain.
//
// Two independent signals combine with OR semantics:
//
//  1. structural: bracketed-paste markers (ESC[200~ / ESC[201~) delimit
//     a block unambiguously, regardless of timing;
//  2. heuristic: a run of input chunks whose inter-arrival gaps are all
//     below a configured threshold and whose total length meets a
//     configured minimum is classified as paste even without markers.
//
// Borderline bursts that satisfy the gap criterion but fall short of the
// paste length are marked uncertain rather than forced into either class,
// so the analyzer can re-evaluate with different thresholds without
// re-capturing. Classify is a pure function over an event window; it owns
// no state.
package paste

import (
	"bytes"
	"errors"
	"time"

	"examtrace/internal/session"
)

// Bracketed-paste delimiters sent by the terminal when the application
// has enabled paste bracketing.
var (
	BeginMarker = []byte("\x1b[200~")
	EndMarker   = []byte("\x1b[201~")
)

// Config holds the classification thresholds. These are configuration,
// not constants: the viewer may re-run classification with different
// values.
type Config struct {
	// MaxInterKeyGap is the largest inter-arrival gap allowed inside a
	// heuristic burst. Human typing rarely sustains gaps this short.
	MaxInterKeyGap time.Duration

	// MinPasteRun is the minimum burst length classified as paste.
	MinPasteRun int

	// MinUncertainRun is the minimum burst length reported as uncertain.
	// Bursts shorter than this are ordinary typing.
	MinUncertainRun int
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxInterKeyGap:  30 * time.Millisecond,
		MinPasteRun:     20,
		MinUncertainRun: 10,
	}
}

// Validate checks threshold consistency.
func (c Config) Validate() error {
	if c.MaxInterKeyGap <= 0 {
		return errors.New("paste: MaxInterKeyGap must be positive")
	}
	if c.MinPasteRun <= 0 {
		return errors.New("paste: MinPasteRun must be positive")
	}
	if c.MinUncertainRun <= 0 || c.MinUncertainRun > c.MinPasteRun {
		return errors.New("paste: MinUncertainRun must be in (0, MinPasteRun]")
	}
	return nil
}

// Chunk is one input read from the controlling terminal.
type Chunk struct {
	Time time.Time
	Data []byte
}

// Block is a classified region of the input stream.
type Block struct {
	// Start and End delimit the contributing chunks: [Start, End).
	Start, End int

	// Text is the block content with paste markers stripped.
	Text []byte

	// Class is ClassPaste or ClassUncertain. Typed runs produce no block.
	Class session.Class

	// Marked is true when the block was delimited by protocol markers.
	Marked bool

	// Time is the arrival time of the block's first chunk.
	Time time.Time
}

// Chars returns the block length in bytes.
func (b Block) Chars() int { return len(b.Text) }

// Classify scans a window of input chunks and returns the paste and
// uncertain blocks found, in order of occurrence.
func Classify(chunks []Chunk, cfg Config) []Block {
	var blocks []Block

	var run struct {
		active bool
		start  int
		time   time.Time
		last   time.Time
		text   []byte
	}

	closeRun := func(end int) {
		if !run.active {
			return
		}
		if b, ok := classifyRun(run.start, end, run.time, run.text, cfg); ok {
			blocks = append(blocks, b)
		}
		run.active = false
		run.text = nil
	}

	feed := func(idx int, at time.Time, data []byte) {
		if len(data) == 0 {
			return
		}
		if run.active && at.Sub(run.last) > cfg.MaxInterKeyGap {
			closeRun(idx)
		}
		if !run.active {
			run.active = true
			run.start = idx
			run.time = at
			run.text = nil
		}
		run.last = at
		run.text = append(run.text, data...)
	}

	var marked struct {
		active bool
		start  int
		time   time.Time
		text   []byte
	}

	for i, chunk := range chunks {
		data := chunk.Data
		for len(data) > 0 {
			if marked.active {
				end := bytes.Index(data, EndMarker)
				if end < 0 {
					marked.text = append(marked.text, data...)
					data = nil
					continue
				}
				marked.text = append(marked.text, data[:end]...)
				blocks = append(blocks, Block{
					Start:  marked.start,
					End:    i + 1,
					Text:   marked.text,
					Class:  session.ClassPaste,
					Marked: true,
					Time:   marked.time,
				})
				marked.active = false
				marked.text = nil
				data = data[end+len(EndMarker):]
				continue
			}

			begin := bytes.Index(data, BeginMarker)
			if begin < 0 {
				feed(i, chunk.Time, data)
				data = nil
				continue
			}
			// Bytes before the marker belong to the heuristic stream.
			feed(i, chunk.Time, data[:begin])
			closeRun(i + 1)
			marked.active = true
			marked.start = i
			marked.time = chunk.Time
			data = data[begin+len(BeginMarker):]
		}
	}

	closeRun(len(chunks))

	// An unterminated marked block still counts: the begin marker alone
	// is unambiguous evidence of a paste.
	if marked.active {
		blocks = append(blocks, Block{
			Start:  marked.start,
			End:    len(chunks),
			Text:   marked.text,
			Class:  session.ClassPaste,
			Marked: true,
			Time:   marked.time,
		})
	}

	return blocks
}

// classifyRun applies the length thresholds to a closed heuristic run.
func classifyRun(start, end int, at time.Time, text []byte, cfg Config) (Block, bool) {
	b := Block{Start: start, End: end, Text: text, Time: at}
	switch {
	case len(text) >= cfg.MinPasteRun:
		b.Class = session.ClassPaste
	case len(text) >= cfg.MinUncertainRun:
		b.Class = session.ClassUncertain
	default:
		return Block{}, false
	}
	return b, true
}

// AnnotateEvents applies classification blocks to an event stream whose
// key_input events correspond, in order, to the chunks Classify saw.
// Constituent key_input events get their Class set, and a paste_block
// event carrying the block text is inserted before each block's first
// event. Unannotated key_input events are marked typed.
func AnnotateEvents(events []session.Event, blocks []Block) []session.Event {
	classByChunk := make(map[int]session.Class)
	blockAtChunk := make(map[int][]Block)
	for _, b := range blocks {
		for c := b.Start; c < b.End; c++ {
			classByChunk[c] = b.Class
		}
		blockAtChunk[b.Start] = append(blockAtChunk[b.Start], b)
	}

	annotated := make([]session.Event, 0, len(events)+len(blocks))
	chunkIdx := 0
	for _, ev := range events {
		if ev.Kind != session.KindKeyInput {
			annotated = append(annotated, ev)
			continue
		}
		for _, b := range blockAtChunk[chunkIdx] {
			annotated = append(annotated, session.Event{
				Time:      ev.Time,
				Kind:      session.KindPasteBlock,
				Direction: session.DirectionInput,
				Payload:   b.Text,
				Class:     b.Class,
			})
		}
		if class, ok := classByChunk[chunkIdx]; ok {
			ev.Class = class
		} else {
			ev.Class = session.ClassTyped
		}
		annotated = append(annotated, ev)
		chunkIdx++
	}
	return annotated
}
