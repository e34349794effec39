// Package crypt provides authenticated encryption and key derivation for
// archive members and the local state file.
//
// Two independent key contexts exist:
//   - the shared key, derived from a configuration-supplied credential,
//     protects archive members and is known to recorder and viewer;
//   - the machine key, derived from the machine fingerprint, protects the
//     local state file and is deliberately not portable across machines.
//
// Sealed output is nonce || ciphertext || tag. Open verifies the tag
// before returning any plaintext; on mismatch it fails closed.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"examtrace/internal/errdefs"
)

const (
	// InstallSalt is the fixed per-install KDF salt.
	InstallSalt = "exam-recorder-suite-salt-v1"

	// Iterations is the PBKDF2-HMAC-SHA256 iteration count.
	Iterations = 100000

	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// machineKeyInfo domain-separates the state-file key from any other
	// use of the fingerprint material.
	machineKeyInfo = "examtrace:machine-state-key:v1"
)

// DefaultCredential is the compatibility default for the shared archive
// credential. Deployments are expected to inject their own credential via
// configuration; this value exists so archives produced by unconfigured
// recorders remain readable and so tests have a stable secret.
const DefaultCredential = "instructor_password_change_me"

// KDFParams records the derivation and cipher parameters inside the
// archive manifest so a viewer can confirm what it is verifying against.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Cipher     string `json:"cipher"`
}

// Params returns the fixed derivation parameters used by this build.
func Params() KDFParams {
	return KDFParams{
		Algorithm:  "pbkdf2-hmac-sha256",
		Iterations: Iterations,
		Salt:       InstallSalt,
		Cipher:     "aes-256-gcm",
	}
}

// DeriveSharedKey derives the 256-bit shared archive key from a credential.
func DeriveSharedKey(credential string) []byte {
	return pbkdf2.Key([]byte(credential), []byte(InstallSalt), Iterations, KeySize, sha256.New)
}

// DeriveMachineKey derives the state-file key from machine fingerprint
// material. A state file copied to a machine with a different fingerprint
// derives a different key and fails to open.
func DeriveMachineKey(fingerprint []byte) ([]byte, error) {
	if len(fingerprint) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "crypt.derive", fmt.Errorf("empty fingerprint material"))
	}
	reader := hkdf.New(sha256.New, fingerprint, []byte(InstallSalt), []byte(machineKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "crypt.derive", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
// Output layout: nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key, "crypt.seal")
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "crypt.seal", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts sealed data produced by Seal. The authentication tag is
// verified before any plaintext is returned; a mismatch yields an
// integrity error and no data.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key, "crypt.open")
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, "crypt.open", fmt.Errorf("sealed data too short (%d bytes)", len(sealed)))
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIntegrity, "crypt.open", err)
	}
	return plaintext, nil
}

func newGCM(key []byte, op string) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, op, fmt.Errorf("key is %d bytes, want %d", len(key), KeySize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, op, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCrypto, op, err)
	}
	return aead, nil
}
