// Package vault provides at-rest encryption for stored SSH and sudo
// secrets. Each field is sealed with XChaCha20-Poly1305 under a key
// derived from the process-wide master secret via HKDF-SHA256, so
// tampered or cross-secret blobs fail authentication instead of
// decrypting to garbage.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// blobVersion is prepended to every encrypted blob and bound into the
// AEAD as additional authenticated data. A future key scheme can bump
// it and coexist with old blobs.
const blobVersion byte = 0x01

// hkdfInfo provides domain separation for the vault's key derivation.
var hkdfInfo = []byte("helmsman.vault.v1")

// DecryptionError reports a blob that could not be decrypted: malformed
// encoding, unknown version, or an authentication failure (wrong or
// rotated master secret, corrupted ciphertext).
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("vault: decryption failed: %s", e.Reason)
}

// Vault seals and opens credential fields under a derived key.
type Vault struct {
	key []byte
}

// New derives the vault key from the process master secret.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("vault: master secret is empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns a storable string:
// base64(version || nonce || ciphertext+tag) with a fresh random nonce
// per call.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, []byte(plaintext), []byte{blobVersion})

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Returns DecryptionError if
// the blob is malformed or was sealed under a different master secret.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid encoding"}
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", &DecryptionError{Reason: "blob too short"}
	}
	if raw[0] != blobVersion {
		return "", &DecryptionError{Reason: fmt.Sprintf("unsupported blob version 0x%02x", raw[0])}
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := raw[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{blobVersion})
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed (wrong secret or corrupted blob)"}
	}
	return string(plaintext), nil
}
