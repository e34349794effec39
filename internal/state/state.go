// Package state persists the per-machine run counter as an explicit
// scoped resource: open, validate, mutate, persist, release.
//
// The record is encrypted with the machine-derived key, carries a
// trailing SHA-256 checksum over the serialized fields, and is written
// atomically (temp file then rename). Load distinguishes three outcomes
// explicitly: absent (first run), tampered/foreign, and ok. Tamper is a
// flag, not a fatal error: the session continues and the condition is
// recorded for later review.
//
// The state file is written 0600. The original design chmod'ed it to
// 0o000, but an owner can always re-grant permissions to themselves, so
// that added no protection while breaking the recorder's own re-read
// path; confidentiality comes from the machine-key encryption, not the
// mode bits.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/machineid"
)

// FileName is the state file name inside the state directory.
const FileName = "state.json.enc"

// Status is the load outcome for the state file.
type Status string

const (
	// StatusOK means the record decrypted, verified, and matched this machine.
	StatusOK Status = "ok"
	// StatusAbsent means no state file existed; the counter was seeded at 0.
	StatusAbsent Status = "absent"
	// StatusTampered means the file existed but failed decryption or its
	// checksum did not verify.
	StatusTampered Status = "tampered"
	// StatusForeign means the record verified but was written under a
	// different machine fingerprint.
	StatusForeign Status = "foreign"
)

// Record is the persisted state: one instance per machine.
type Record struct {
	RunCounter  uint64 `json:"run_counter"`
	LastRunTime int64  `json:"last_run_time,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Store is an open handle on the machine's state file.
type Store struct {
	path   string
	key    []byte
	fpHex  string
	Record Record
	Status Status
}

// DefaultDir returns the per-user state directory (~/.exam-recorder).
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrIO, "state.load", err)
	}
	return filepath.Join(home, ".exam-recorder"), nil
}

// Open reads and validates the state file under dir. Tamper and foreign
// conditions are surfaced through Status rather than an error; only
// unrecoverable I/O or key-derivation failures return an error.
func Open(dir string, fp machineid.Fingerprint) (*Store, error) {
	key, err := crypt.DeriveMachineKey(fp.Sum())
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:  filepath.Join(dir, FileName),
		key:   key,
		fpHex: fp.Hex(),
	}

	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.Status = StatusAbsent
		return s, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "state.load", err)
	}

	plaintext, err := crypt.Open(key, sealed)
	if err != nil {
		// Wrong machine key and a corrupted file are indistinguishable
		// here; both are a tamper-or-foreign condition.
		s.Status = StatusTampered
		return s, nil
	}

	record, err := splitAndVerify(plaintext)
	if err != nil {
		s.Status = StatusTampered
		return s, nil
	}

	if record.Fingerprint != "" && record.Fingerprint != s.fpHex {
		s.Record = record
		s.Status = StatusForeign
		return s, nil
	}

	s.Record = record
	s.Status = StatusOK
	return s, nil
}

// Advance increments the run counter and stamps this machine and time.
// Called once per recorder run; persisted by Save at clean exit.
func (s *Store) Advance(now time.Time) {
	s.Record.RunCounter++
	s.Record.LastRunTime = now.Unix()
	s.Record.Fingerprint = s.fpHex
}

// Snapshot returns a copy of the current record for archiving.
func (s *Store) Snapshot() Record {
	return s.Record
}

// Path returns the state file location, for external-modification watching.
func (s *Store) Path() string {
	return s.path
}

// Save recomputes the checksum, re-encrypts, and writes the state file
// atomically so a crash mid-write cannot leave a half-written file.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}

	payload, err := json.Marshal(s.Record)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	sum := sha256.Sum256(payload)
	payload = append(payload, sum[:]...)

	sealed, err := crypt.Seal(s.key, payload)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "state.save", err)
	}
	return nil
}

// splitAndVerify separates the trailing checksum and verifies it.
func splitAndVerify(plaintext []byte) (Record, error) {
	if len(plaintext) < sha256.Size {
		return Record{}, errdefs.Wrap(errdefs.ErrTamper, "state.load", fmt.Errorf("state payload too short"))
	}
	payload := plaintext[:len(plaintext)-sha256.Size]
	checksum := plaintext[len(plaintext)-sha256.Size:]

	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], checksum) {
		return Record{}, errdefs.Wrap(errdefs.ErrTamper, "state.load", fmt.Errorf("checksum mismatch"))
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, errdefs.Wrap(errdefs.ErrTamper, "state.load", err)
	}
	return record, nil
}
