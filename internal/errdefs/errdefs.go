// Package errdefs defines the error taxonomy and failure policy shared by
// the recorder and viewer pipelines.
//
// Every failure in the system falls into one of five kinds, and every
// fallible operation has an explicit policy: degrade-and-continue
// (fail-open) or abort-and-report (fail-closed). The capture path is
// fail-open so an internal logging error never interrupts the interactive
// session; everything touching confidentiality or integrity is fail-closed.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the five failure kinds. Packages wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrIntegrity indicates a digest or authentication-tag mismatch.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTamper indicates a state checksum or machine-fingerprint mismatch.
	ErrTamper = errors.New("tamper detected")

	// ErrCrypto indicates key derivation or cipher failure, including a
	// wrong password.
	ErrCrypto = errors.New("cryptographic operation failed")

	// ErrIO indicates a filesystem-level failure.
	ErrIO = errors.New("i/o failure")

	// ErrProtocol indicates a malformed or unexpected terminal-control
	// sequence or member document.
	ErrProtocol = errors.New("protocol violation")
)

// Policy describes how an operation responds to failure.
type Policy string

const (
	// FailOpen operations degrade and continue: the failure is recorded
	// as a flag and the session proceeds.
	FailOpen Policy = "fail-open"

	// FailClosed operations abort and report: no partial result is
	// produced on failure.
	FailClosed Policy = "fail-closed"
)

// policies is the authoritative per-operation failure policy table.
// Tests assert against this table rather than inferring policy from
// scattered error handling.
var policies = map[string]Policy{
	"capture.relay":   FailClosed, // losing the byte path ends the session
	"capture.mirror":  FailOpen,   // event mirroring never blocks the session
	"spool.append":    FailOpen,
	"spool.sweep":     FailOpen, // hygiene before a new session, never blocks one
	"watcher.state":   FailOpen,
	"state.load":      FailOpen, // tamper/foreign is flagged, not fatal
	"state.save":      FailOpen, // best-effort on exit
	"archive.seal":    FailClosed,
	"archive.open":    FailClosed,
	"archive.member":  FailClosed, // per member, isolated from siblings
	"crypt.open":      FailClosed,
	"crypt.seal":      FailClosed,
	"analyzer.report": FailClosed,
}

// PolicyFor returns the failure policy for a named operation.
// Unknown operations default to FailClosed.
func PolicyFor(op string) Policy {
	if p, ok := policies[op]; ok {
		return p
	}
	return FailClosed
}

// Wrap annotates err with an operation name and one of the sentinel kinds.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}
