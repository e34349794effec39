// Package spool persists captured events incrementally during a live
// session, so an unexpected termination loses at most the unflushed tail.
//
// Integrity model:
//  1. File permissions 0600 (owner read/write only)
//  2. Append-only: events are never modified after insertion
//  3. Payloads are sealed with the machine key; no session text is ever
//     on disk in plaintext
//  4. Each row carries an HMAC keyed off the machine key
//  5. Chain linking: each event hashes the previous event's hash
//
// The spool is working state between capture and sealing; it is read back
// at session end to build the archive and removed after a successful seal.
// A spool left behind by a crashed or failed run is swept at the start of
// the next session.
package spool

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ms    INTEGER NOT NULL,
    kind            TEXT NOT NULL,
    direction       TEXT NOT NULL,
    class           TEXT NOT NULL DEFAULT '',
    payload         BLOB,
    previous_hash   BLOB NOT NULL,
    event_hash      BLOB NOT NULL,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ms);
`

// hashDomain separates event hashes from any other SHA-256 use.
const hashDomain = "examtrace:spool-event:v1"

// ErrChainBroken is returned when the stored chain does not verify.
var ErrChainBroken = errors.New("spool: event chain verification failed")

// Spool is an open event spool for one session.
type Spool struct {
	db       *sql.DB
	path     string
	key      []byte
	prevHash [sha256.Size]byte
}

// Open creates or opens a spool database at path. The key should be the
// machine key: it seals the payloads and keys the row HMACs, so a spool
// moved off-machine neither decrypts nor verifies.
func Open(path string, key []byte) (*Spool, error) {
	if len(key) < crypt.KeySize {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "spool.open", fmt.Errorf("key must be at least %d bytes", crypt.KeySize))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.open", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.open", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.open", err)
	}

	s := &Spool{db: db, path: path, key: key}

	// Resume the chain if the spool already has rows (crash recovery).
	row := db.QueryRow(`SELECT event_hash FROM events ORDER BY id DESC LIMIT 1`)
	var last []byte
	switch err := row.Scan(&last); {
	case err == sql.ErrNoRows:
	case err != nil:
		db.Close()
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.open", err)
	default:
		copy(s.prevHash[:], last)
	}

	return s, nil
}

// Append writes one event and advances the chain. Each append is its own
// transaction so the durable prefix grows with every event. The payload
// column holds the sealed payload; the chain hash covers the plaintext.
func (s *Spool) Append(ev session.Event) error {
	eventHash := s.hashEvent(s.prevHash, ev)
	mac := s.mac(eventHash)

	sealedPayload, err := crypt.Seal(s.key[:crypt.KeySize], ev.Payload)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrCrypto, "spool.append", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO events (timestamp_ms, kind, direction, class, payload, previous_hash, event_hash, hmac)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time, string(ev.Kind), string(ev.Direction), string(ev.Class), sealedPayload,
		s.prevHash[:], eventHash[:], mac,
	)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "spool.append", err)
	}
	s.prevHash = eventHash
	return nil
}

// Events reads back the full stream, verifying the HMAC and chain link of
// every row. A broken chain is a tamper condition.
func (s *Spool) Events() ([]session.Event, error) {
	rows, err := s.db.Query(
		`SELECT timestamp_ms, kind, direction, class, payload, previous_hash, event_hash, hmac
		 FROM events ORDER BY id`)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.read", err)
	}
	defer rows.Close()

	var events []session.Event
	var expectPrev [sha256.Size]byte

	for rows.Next() {
		var ev session.Event
		var kind, direction, class string
		var sealedPayload, prev, eventHash, mac []byte
		if err := rows.Scan(&ev.Time, &kind, &direction, &class, &sealedPayload, &prev, &eventHash, &mac); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrIO, "spool.read", err)
		}
		ev.Kind = session.Kind(kind)
		ev.Direction = session.Direction(direction)
		ev.Class = session.Class(class)

		payload, err := crypt.Open(s.key[:crypt.KeySize], sealedPayload)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrTamper, "spool.read", ErrChainBroken)
		}
		if len(payload) > 0 {
			ev.Payload = payload
		}

		if !hmac.Equal(prev, expectPrev[:]) {
			return nil, errdefs.Wrap(errdefs.ErrTamper, "spool.read", ErrChainBroken)
		}
		wantHash := s.hashEvent(expectPrev, ev)
		if !hmac.Equal(eventHash, wantHash[:]) {
			return nil, errdefs.Wrap(errdefs.ErrTamper, "spool.read", ErrChainBroken)
		}
		if !hmac.Equal(mac, s.mac(wantHash)) {
			return nil, errdefs.Wrap(errdefs.ErrTamper, "spool.read", ErrChainBroken)
		}

		expectPrev = wantHash
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "spool.read", err)
	}
	return events, nil
}

// Close releases the database handle.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Remove closes the spool and deletes its files. Called after the archive
// has been sealed; the spool must not outlive the session in plaintext.
func (s *Spool) Remove() error {
	if err := s.db.Close(); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "spool.remove", err)
	}
	var firstErr error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errdefs.Wrap(errdefs.ErrIO, "spool.remove", err)
		}
	}
	return firstErr
}

// hashEvent computes the chained event hash with length framing.
func (s *Spool) hashEvent(prev [sha256.Size]byte, ev session.Event) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte{byte(len(hashDomain))})
	h.Write([]byte(hashDomain))
	h.Write(prev[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Time))
	h.Write(ts[:])

	for _, field := range [][]byte{[]byte(ev.Kind), []byte(ev.Direction), []byte(ev.Class), ev.Payload} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (s *Spool) mac(eventHash [sha256.Size]byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(eventHash[:])
	return m.Sum(nil)
}

// Sweep deletes spool files left behind by previous runs. A session that
// crashed or failed to seal leaves its spool in place; nothing reads those
// files afterwards, so they are cleared before the next session starts.
func Sweep(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "spool-*.db*"))
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "spool.sweep", err)
	}
	var firstErr error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errdefs.Wrap(errdefs.ErrIO, "spool.sweep", err)
		}
	}
	return firstErr
}
