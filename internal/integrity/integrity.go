// Package integrity provides content digesting and the archive manifest.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"

	"examtrace/internal/crypt"
	"examtrace/internal/errdefs"
)

// Digest returns the hex-encoded SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks data against an expected hex digest in constant time.
func Verify(data []byte, expected string) error {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIntegrity, "integrity.verify", fmt.Errorf("malformed digest %q", expected))
	}
	got := sha256.Sum256(data)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return errdefs.Wrap(errdefs.ErrIntegrity, "integrity.verify", fmt.Errorf("digest mismatch"))
	}
	return nil
}

// Manifest lists the per-member ciphertext digests shipped inside a
// container, plus the encryption parameters the members were sealed with.
// Built once by the recorder, immutable afterwards.
type Manifest struct {
	Version int               `json:"version"`
	Members map[string]string `json:"members"`
	KDF     crypt.KDFParams   `json:"kdf"`
}

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// NewManifest returns an empty manifest with current parameters.
func NewManifest() *Manifest {
	return &Manifest{
		Version: ManifestVersion,
		Members: make(map[string]string),
		KDF:     crypt.Params(),
	}
}

// Add records the digest of a member's ciphertext.
func (m *Manifest) Add(name string, ciphertext []byte) {
	m.Members[name] = Digest(ciphertext)
}

// VerifyMember checks a member's ciphertext against its manifest entry.
func (m *Manifest) VerifyMember(name string, ciphertext []byte) error {
	expected, ok := m.Members[name]
	if !ok {
		return errdefs.Wrap(errdefs.ErrIntegrity, "integrity.verify", fmt.Errorf("member %q not in manifest", name))
	}
	if err := Verify(ciphertext, expected); err != nil {
		return fmt.Errorf("member %q: %w", name, err)
	}
	return nil
}

// MemberNames returns the manifest's member names in sorted order.
func (m *Manifest) MemberNames() []string {
	names := make([]string, 0, len(m.Members))
	for name := range m.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
