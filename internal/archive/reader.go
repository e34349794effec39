package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/integrity"
	"examtrace/internal/session"
	"examtrace/internal/state"
)

// Archive is an opened and verified result container. Members that
// failed verification, decryption, or validation are absent from the
// decoded fields and recorded in MemberErrors instead.
type Archive struct {
	Manifest *integrity.Manifest

	Events   []session.Event
	Summary  session.Summary
	Metadata session.Metadata
	Output   []byte
	State    state.Record

	// MemberErrors maps member names to whatever stopped that member
	// from loading. Members absent from this map loaded cleanly.
	MemberErrors map[string]error
}

// Open reads, authenticates, and decodes a result container. The outer
// wrapper must verify for anything to be returned; a wrong credential and
// a corrupted container are indistinguishable at this layer. Member
// failures are isolated per member, not fatal.
func Open(path string, key []byte) (*Archive, error) {
	return open(path, key, nil)
}

// lightMembers is what OpenLight decrypts; everything else is digest
// checked only.
var lightMembers = map[string]bool{
	MemberSummary:  true,
	MemberMetadata: true,
}

// OpenLight is the cheap open behind the summary view: the container is
// authenticated and every member digest is checked, but only the summary
// and metadata members are decrypted and decoded.
func OpenLight(path string, key []byte) (*Archive, error) {
	return open(path, key, lightMembers)
}

func open(path string, key []byte, only map[string]bool) (*Archive, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "archive.open", err)
	}
	container, err := crypt.Open(key, sealed)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "archive.open", fmt.Errorf("container authentication failed"))
	}

	manifest, zr, err := readManifest(container)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		Manifest:     manifest,
		MemberErrors: make(map[string]error),
	}

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.Name == manifestName {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			a.MemberErrors[f.Name] = err
			continue
		}
		if _, listed := manifest.Members[f.Name]; !listed {
			a.MemberErrors[f.Name] = errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("entry not in manifest"))
			continue
		}
		entries[f.Name] = data
	}

	for _, name := range manifest.MemberNames() {
		ct, ok := entries[name]
		if !ok {
			if _, failed := a.MemberErrors[name]; !failed {
				a.MemberErrors[name] = errdefs.Wrap(errdefs.ErrIntegrity, "archive.member", fmt.Errorf("member missing from container"))
			}
			continue
		}
		if only != nil && !only[name] {
			if err := manifest.VerifyMember(name, ct); err != nil {
				a.MemberErrors[name] = err
			}
			continue
		}
		if err := a.loadMember(name, ct, key); err != nil {
			a.MemberErrors[name] = err
		}
	}
	return a, nil
}

// loadMember verifies, decrypts, validates, and decodes one member.
func (a *Archive) loadMember(name string, ciphertext, key []byte) error {
	if err := a.Manifest.VerifyMember(name, ciphertext); err != nil {
		return err
	}
	plaintext, err := crypt.Open(key, ciphertext)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrCrypto, "archive.member", fmt.Errorf("member %s: %v", name, err))
	}

	if name == MemberOutput {
		a.Output = plaintext
		return nil
	}

	if err := validateMember(name, plaintext); err != nil {
		return err
	}

	switch name {
	case MemberEvents:
		err = json.Unmarshal(plaintext, &a.Events)
	case MemberSummary:
		err = json.Unmarshal(plaintext, &a.Summary)
	case MemberMetadata:
		err = json.Unmarshal(plaintext, &a.Metadata)
	case MemberState:
		err = json.Unmarshal(plaintext, &a.State)
	default:
		return errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("unknown member %s", name))
	}
	if err != nil {
		return errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("decode %s: %v", name, err))
	}
	return nil
}

// validateMember checks a decrypted JSON member against its schema.
func validateMember(name string, plaintext []byte) error {
	schemas, err := memberSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("no schema for member %s", name))
	}
	var instance any
	if err := json.Unmarshal(plaintext, &instance); err != nil {
		return errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("member %s is not JSON: %v", name, err))
	}
	if err := schema.Validate(instance); err != nil {
		return errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("member %s: %v", name, err))
	}
	return nil
}

// Verify authenticates the container and checks every member's ciphertext
// digest against the manifest without decrypting the members.
func Verify(path string, key []byte) (*integrity.Manifest, map[string]error, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrIO, "archive.open", err)
	}
	container, err := crypt.Open(key, sealed)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrCrypto, "archive.open", fmt.Errorf("container authentication failed"))
	}

	manifest, zr, err := readManifest(container)
	if err != nil {
		return nil, nil, err
	}

	memberErrs := make(map[string]error)
	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.Name == manifestName {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			memberErrs[f.Name] = err
			continue
		}
		if _, listed := manifest.Members[f.Name]; !listed {
			memberErrs[f.Name] = errdefs.Wrap(errdefs.ErrProtocol, "archive.member", fmt.Errorf("entry not in manifest"))
			continue
		}
		entries[f.Name] = data
	}
	for _, name := range manifest.MemberNames() {
		ct, ok := entries[name]
		if !ok {
			if _, failed := memberErrs[name]; !failed {
				memberErrs[name] = errdefs.Wrap(errdefs.ErrIntegrity, "archive.member", fmt.Errorf("member missing from container"))
			}
			continue
		}
		if err := manifest.VerifyMember(name, ct); err != nil {
			memberErrs[name] = err
		}
	}
	return manifest, memberErrs, nil
}

// readManifest opens the inner zip and decodes its manifest.
func readManifest(container []byte) (*integrity.Manifest, *zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(container), int64(len(container)))
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.open", fmt.Errorf("not a zip container: %v", err))
	}
	var manifest *integrity.Manifest
	for _, f := range zr.File {
		if f.Name != manifestName {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			return nil, nil, err
		}
		manifest = &integrity.Manifest{}
		if err := json.Unmarshal(data, manifest); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.open", fmt.Errorf("malformed manifest: %v", err))
		}
		break
	}
	if manifest == nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.open", fmt.Errorf("container has no manifest"))
	}
	if manifest.Version != integrity.ManifestVersion {
		return nil, nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.open", fmt.Errorf("unsupported manifest version %d", manifest.Version))
	}
	return manifest, zr, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "archive.member", fmt.Errorf("entry %s: %v", f.Name, err))
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "archive.member", fmt.Errorf("entry %s: %v", f.Name, err))
	}
	return data, nil
}
