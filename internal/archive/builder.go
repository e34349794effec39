package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
	"examtrace/internal/integrity"
	"examtrace/internal/session"
	"examtrace/internal/state"
)

// BuildInput is everything a sealed container is made from.
type BuildInput struct {
	Session session.Session
	State   state.Record

	// Key is the shared key derived from the instructor credential.
	Key []byte

	OutputDir string
}

// Build serializes, seals, and writes the result container. The returned
// path is the final archive location. Any failure aborts the build and
// leaves no plaintext session data on disk.
func Build(in BuildInput) (string, error) {
	members, err := serializeMembers(in)
	if err != nil {
		return "", err
	}

	manifest := integrity.NewManifest()
	sealed := make(map[string][]byte, len(members))
	for name, plaintext := range members {
		ct, err := crypt.Seal(in.Key, plaintext)
		if err != nil {
			return "", errdefs.Wrap(errdefs.ErrCrypto, "archive.seal", fmt.Errorf("member %s: %v", name, err))
		}
		sealed[name] = ct
		manifest.Add(name, ct)
	}

	container, err := buildZip(manifest, sealed)
	if err != nil {
		return "", err
	}

	sealedContainer, err := crypt.Seal(in.Key, container)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrCrypto, "archive.seal", err)
	}

	name := fmt.Sprintf("exam-result-%s-%d.zip", in.Session.Metadata.Username, in.Session.Metadata.StartTime)
	path := filepath.Join(in.OutputDir, name)
	if err := writeAtomic(in.OutputDir, path, sealedContainer); err != nil {
		return "", errdefs.Wrap(errdefs.ErrIO, "archive.seal", err)
	}
	return path, nil
}

// serializeMembers produces the plaintext of every container member.
func serializeMembers(in BuildInput) (map[string][]byte, error) {
	members := make(map[string][]byte, 5)

	for name, v := range map[string]any{
		MemberEvents:   in.Session.Events,
		MemberSummary:  in.Session.Summary,
		MemberMetadata: in.Session.Metadata,
		MemberState:    in.State,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.seal", fmt.Errorf("marshal %s: %v", name, err))
		}
		members[name] = data
	}
	members[MemberOutput] = in.Session.Output
	return members, nil
}

// buildZip assembles the inner zip: manifest first, then the sealed
// members in manifest order.
func buildZip(manifest *integrity.Manifest, sealed map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrProtocol, "archive.seal", fmt.Errorf("marshal manifest: %v", err))
	}
	if err := addZipEntry(zw, manifestName, manifestJSON); err != nil {
		return nil, err
	}
	for _, name := range manifest.MemberNames() {
		if err := addZipEntry(zw, name, sealed[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, "archive.seal", err)
	}
	return buf.Bytes(), nil
}

func addZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "archive.seal", fmt.Errorf("entry %s: %v", name, err))
	}
	if _, err := w.Write(data); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, "archive.seal", fmt.Errorf("entry %s: %v", name, err))
	}
	return nil
}

// writeAtomic writes data to path via a same-directory temp file and
// rename, mode 0600.
func writeAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".exam-result-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
