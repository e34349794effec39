package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/integrity"
	"examtrace/internal/session"
	"examtrace/internal/state"
)

func testSession() session.Session {
	return session.Session{
		Metadata: session.Metadata{
			Username:     "student",
			Hostname:     "lab-07",
			MachineID:    "abcdef0123456789abcdef0123456789",
			RunCounter:   3,
			StartTime:    1756200000,
			EndTime:      1756203600,
			DurationSecs: 3600,
			Shell:        "/bin/bash",
			TerminalType: "xterm-256color",
			ExitStatus:   0,
			StateStatus:  "ok",
		},
		Events: []session.Event{
			{Time: 1756200000123, Kind: session.KindKeyInput, Direction: session.DirectionInput, Payload: []byte("ls\r"), Class: session.ClassTyped},
			{Time: 1756200000123, Kind: session.KindCommandBoundary, Direction: session.DirectionInput, Payload: []byte("ls")},
			{Time: 1756200000180, Kind: session.KindOutput, Direction: session.DirectionOutput, Payload: []byte("notes.txt\r\n")},
		},
		Summary: session.Summary{
			TotalKeystrokes:  3,
			EnterPressed:     1,
			CommandsExecuted: 1,
			DurationSeconds:  3600,
		},
		Output: []byte("$ ls\r\nnotes.txt\r\n$ "),
	}
}

func buildTestArchive(t *testing.T, key []byte) string {
	t.Helper()
	path, err := Build(BuildInput{
		Session:   testSession(),
		State:     state.Record{RunCounter: 3, LastRunTime: 1756200000, Fingerprint: "00112233445566778899aabbccddeeff"},
		Key:       key,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return path
}

func TestArchiveRoundTrip(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	if filepath.Base(path) != "exam-result-student-1756200000.zip" {
		t.Errorf("archive name = %s", filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("archive mode = %o, want 0600", perm)
	}

	a, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(a.MemberErrors) != 0 {
		t.Fatalf("member errors on clean archive: %v", a.MemberErrors)
	}

	want := testSession()
	if !reflect.DeepEqual(a.Events, want.Events) {
		t.Errorf("events do not round-trip:\n got %+v\nwant %+v", a.Events, want.Events)
	}
	if !a.Summary.Equal(want.Summary) {
		t.Errorf("summary = %+v, want %+v", a.Summary, want.Summary)
	}
	if a.Metadata != want.Metadata {
		t.Errorf("metadata = %+v, want %+v", a.Metadata, want.Metadata)
	}
	if !bytes.Equal(a.Output, want.Output) {
		t.Error("output member does not round-trip")
	}
	if a.State.RunCounter != 3 {
		t.Errorf("state run counter = %d, want 3", a.State.RunCounter)
	}
}

func TestOpenWrongCredentialFailsUniformly(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	wrongKey := crypt.DeriveSharedKey("not_the_instructor_password")
	a, err := Open(path, wrongKey)
	if err == nil {
		t.Fatal("Open succeeded with wrong credential")
	}
	if a != nil {
		t.Error("partial archive returned on authentication failure")
	}
	if !errors.Is(err, errdefs.ErrCrypto) {
		t.Errorf("error = %v, want ErrCrypto", err)
	}
}

func TestOpenTruncatedContainer(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0600); err != nil {
		t.Fatalf("truncate archive: %v", err)
	}

	if _, err := Open(path, key); !errors.Is(err, errdefs.ErrCrypto) {
		t.Errorf("error = %v, want ErrCrypto", err)
	}
}

// repack rewrites the container after mutate has edited the entry map.
// Entries keep their sealed bytes unless mutate replaces them.
func repack(t *testing.T, path string, key []byte, mutate func(entries map[string][]byte)) {
	t.Helper()

	sealed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	container, err := crypt.Open(key, sealed)
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(container), int64(len(container)))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}

	entries := make(map[string][]byte)
	var order []string
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = data
		order = append(order, f.Name)
	}

	mutate(entries)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	written := make(map[string]bool)
	for _, name := range order {
		if data, ok := entries[name]; ok {
			w, err := zw.Create(name)
			if err != nil {
				t.Fatalf("create entry %s: %v", name, err)
			}
			if _, err := w.Write(data); err != nil {
				t.Fatalf("write entry %s: %v", name, err)
			}
			written[name] = true
		}
	}
	for name, data := range entries {
		if written[name] {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	resealed, err := crypt.Seal(key, buf.Bytes())
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if err := os.WriteFile(path, resealed, 0600); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func TestCorruptedMemberIsIsolated(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	repack(t, path, key, func(entries map[string][]byte) {
		ct := entries[MemberEvents]
		ct[len(ct)-1] ^= 0x01
	})

	a, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	memberErr, flagged := a.MemberErrors[MemberEvents]
	if !flagged {
		t.Fatal("tampered member not reported")
	}
	if !errors.Is(memberErr, errdefs.ErrIntegrity) {
		t.Errorf("member error = %v, want ErrIntegrity", memberErr)
	}
	if a.Events != nil {
		t.Error("tampered member still decoded")
	}

	// Siblings are unaffected.
	for _, name := range []string{MemberSummary, MemberMetadata, MemberOutput, MemberState} {
		if err, bad := a.MemberErrors[name]; bad {
			t.Errorf("healthy member %s reported failed: %v", name, err)
		}
	}
	if a.Metadata.Username != "student" {
		t.Error("healthy metadata member not decoded")
	}
}

func TestMissingMemberIsReported(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	repack(t, path, key, func(entries map[string][]byte) {
		delete(entries, MemberState)
	})

	a, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err, ok := a.MemberErrors[MemberState]; !ok || !errors.Is(err, errdefs.ErrIntegrity) {
		t.Errorf("missing member error = %v (present=%v), want ErrIntegrity", err, ok)
	}
}

func TestUnlistedEntryIsReported(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	repack(t, path, key, func(entries map[string][]byte) {
		entries["smuggled.bin"] = []byte("extra payload")
	})

	a, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err, ok := a.MemberErrors["smuggled.bin"]; !ok || !errors.Is(err, errdefs.ErrProtocol) {
		t.Errorf("unlisted entry error = %v (present=%v), want ErrProtocol", err, ok)
	}
}

func TestSchemaRejectsMalformedMember(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	// A structurally wrong summary, properly sealed and re-listed in the
	// manifest, must still be rejected.
	repack(t, path, key, func(entries map[string][]byte) {
		bogus, err := crypt.Seal(key, []byte(`{"total_keystrokes": "three"}`))
		if err != nil {
			t.Fatalf("seal bogus member: %v", err)
		}
		entries[MemberSummary] = bogus

		var manifest map[string]any
		if err := json.Unmarshal(entries["manifest.json"], &manifest); err != nil {
			t.Fatalf("decode manifest: %v", err)
		}
		members := manifest["members"].(map[string]any)
		members[MemberSummary] = integrity.Digest(bogus)
		fixed, err := json.Marshal(manifest)
		if err != nil {
			t.Fatalf("encode manifest: %v", err)
		}
		entries["manifest.json"] = fixed
	})

	a, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err, ok := a.MemberErrors[MemberSummary]; !ok || !errors.Is(err, errdefs.ErrProtocol) {
		t.Errorf("malformed member error = %v (present=%v), want ErrProtocol", err, ok)
	}
}

func TestOpenLightSkipsSessionMembers(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	a, err := OpenLight(path, key)
	if err != nil {
		t.Fatalf("OpenLight: %v", err)
	}
	if len(a.MemberErrors) != 0 {
		t.Fatalf("member errors on clean archive: %v", a.MemberErrors)
	}

	want := testSession()
	if !a.Summary.Equal(want.Summary) {
		t.Errorf("summary = %+v, want %+v", a.Summary, want.Summary)
	}
	if a.Metadata != want.Metadata {
		t.Errorf("metadata = %+v, want %+v", a.Metadata, want.Metadata)
	}
	if a.Events != nil || a.Output != nil {
		t.Error("session members decoded by the light open")
	}

	// Digest checking still covers the members the light open skips.
	repack(t, path, key, func(entries map[string][]byte) {
		ct := entries[MemberEvents]
		ct[len(ct)-1] ^= 0x01
	})
	a, err = OpenLight(path, key)
	if err != nil {
		t.Fatalf("OpenLight after tamper: %v", err)
	}
	if err, ok := a.MemberErrors[MemberEvents]; !ok || !errors.Is(err, errdefs.ErrIntegrity) {
		t.Errorf("tampered member error = %v (present=%v), want ErrIntegrity", err, ok)
	}
	if !a.Summary.Equal(want.Summary) {
		t.Error("summary member lost after unrelated tamper")
	}
}

func TestVerifyWithoutDecryptingMembers(t *testing.T) {
	key := crypt.DeriveSharedKey(crypt.DefaultCredential)
	path := buildTestArchive(t, key)

	manifest, memberErrs, err := Verify(path, key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(memberErrs) != 0 {
		t.Errorf("member errors on clean archive: %v", memberErrs)
	}
	if got := len(manifest.Members); got != 5 {
		t.Errorf("manifest lists %d members, want 5", got)
	}

	repack(t, path, key, func(entries map[string][]byte) {
		ct := entries[MemberOutput]
		ct[0] ^= 0x80
	})
	_, memberErrs, err = Verify(path, key)
	if err != nil {
		t.Fatalf("Verify after tamper: %v", err)
	}
	if err, ok := memberErrs[MemberOutput]; !ok || !errors.Is(err, errdefs.ErrIntegrity) {
		t.Errorf("tampered member error = %v (present=%v), want ErrIntegrity", err, ok)
	}
}
