package spool

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examtrace/internal/errdefs"
	"examtrace/internal/session"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func sampleEvents() []session.Event {
	return []session.Event{
		{Time: 1000, Kind: session.KindKeyInput, Direction: session.DirectionInput, Payload: []byte("l")},
		{Time: 1200, Kind: session.KindKeyInput, Direction: session.DirectionInput, Payload: []byte("s")},
		{Time: 1300, Kind: session.KindOutput, Direction: session.DirectionOutput, Payload: []byte("file.txt\r\n")},
		{Time: 1500, Kind: session.KindCommandBoundary, Direction: session.DirectionInput, Payload: []byte("ls")},
	}
}

func openSpool(t *testing.T, path string, key []byte) *Spool {
	t.Helper()
	s, err := Open(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendAll(t *testing.T, s *Spool, events []session.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, s.Append(ev))
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	s := openSpool(t, filepath.Join(t.TempDir(), "session.spool"), testKey)

	want := sampleEvents()
	appendAll(t, s, want)

	got, err := s.Events()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Time, got[i].Time, "event %d time", i)
		assert.Equal(t, want[i].Kind, got[i].Kind, "event %d kind", i)
		assert.Equal(t, want[i].Direction, got[i].Direction, "event %d direction", i)
		assert.Equal(t, want[i].Payload, got[i].Payload, "event %d payload", i)
	}
}

func TestReopenResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.spool")
	events := sampleEvents()

	s, err := Open(path, testKey)
	require.NoError(t, err)
	appendAll(t, s, events[:2])
	require.NoError(t, s.Close())

	// Simulated crash recovery: reopen and keep appending.
	s2 := openSpool(t, path, testKey)
	appendAll(t, s2, events[2:])

	got, err := s2.Events()
	require.NoError(t, err)
	assert.Len(t, got, len(events))
}

func TestTamperedRowDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.spool")
	s := openSpool(t, path, testKey)
	appendAll(t, s, sampleEvents())

	// Rewrite a payload behind the spool's back.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE events SET payload = ? WHERE id = 2`, []byte("X"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.Events()
	assert.ErrorIs(t, err, errdefs.ErrTamper)
}

func TestWrongKeyDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.spool")
	s, err := Open(path, testKey)
	require.NoError(t, err)
	require.NoError(t, s.Append(sampleEvents()[0]))
	require.NoError(t, s.Close())

	other := openSpool(t, path, bytes.Repeat([]byte{0x43}, 32))
	_, err = other.Events()
	assert.ErrorIs(t, err, errdefs.ErrTamper)
}

func TestShortKeyRejected(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "s.spool"), []byte("short"))
	assert.ErrorIs(t, err, errdefs.ErrCrypto)
}

func TestPayloadsSealedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.spool")
	s := openSpool(t, path, testKey)

	secret := []byte("the exam answer nobody should read off disk")
	require.NoError(t, s.Append(session.Event{
		Time:      1000,
		Kind:      session.KindKeyInput,
		Direction: session.DirectionInput,
		Payload:   secret,
	}))

	// Read the stored column directly, bypassing the spool.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var stored []byte
	require.NoError(t, db.QueryRow(`SELECT payload FROM events`).Scan(&stored))
	assert.False(t, bytes.Contains(stored, secret), "payload stored in plaintext")

	got, err := s.Events()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, secret, got[0].Payload)
}

func TestSweepRemovesStaleSpools(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "spool-1234.db"), testKey)
	require.NoError(t, err)
	require.NoError(t, s.Append(sampleEvents()[0]))
	require.NoError(t, s.Close())

	require.NoError(t, Sweep(dir))
	matches, err := filepath.Glob(filepath.Join(dir, "spool-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "stale spool files left behind")
}

func TestRemoveDeletesFiles(t *testing.T) {
	dir := t.TempDir()
	s := openSpool(t, filepath.Join(dir, "session.spool"), testKey)
	require.NoError(t, s.Append(sampleEvents()[0]))
	require.NoError(t, s.Remove())

	matches, err := filepath.Glob(filepath.Join(dir, "session.spool*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "spool files left behind after Remove")
}