// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// BlobKeySize is the size in bytes of the master key used to encrypt
// content-addressed blobs.
const BlobKeySize = 32

// EncryptedBlobVersion is the version byte prepended to every encrypted
// blob. It is included as additional authenticated data in the AEAD
// seal, so tampering with the version byte fails authentication rather
// than silently reinterpreting the ciphertext under a different format.
const EncryptedBlobVersion byte = 0x01

// blobKeyInfo is the HKDF info string binding key derivation to the
// content-addressed blob store, distinct from any other derivation path
// that might one day share the same master key.
var blobKeyInfo = []byte("conductor.artifact-blob.v1")

// LoadOrCreateBlobKeyFile reads a BlobKeySize-byte master key from path,
// or generates one with crypto/rand and writes it (mode 0600) if the
// file does not yet exist. This is the CLI's key-management story:
// there is no launcher process to hand a deployment key down a pipe, so
// the key lives in a small file next to the shared blob store it
// protects.
func LoadOrCreateBlobKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != BlobKeySize {
			return nil, fmt.Errorf("blob key file %s is %d bytes, want %d", path, len(data), BlobKeySize)
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading blob key file: %w", err)
	}

	key := make([]byte, BlobKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating blob key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing blob key file: %w", err)
	}
	return key, nil
}

// deriveBlobKey derives a per-blob key from the master key and the
// blob's own content hash via HKDF-SHA256, so a compromised single-blob
// key never reveals the master key or the key for any other blob.
func deriveBlobKey(masterKey []byte, contentHash [32]byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, contentHash[:], blobKeyInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving blob key: %w", err)
	}
	return key, nil
}

// encryptBlob seals plaintext with XChaCha20-Poly1305 under a key
// derived from masterKey and contentHash, binding the ciphertext to the
// exact content it protects so a ciphertext swap between two blobs in
// the shared store fails authentication instead of decrypting as the
// wrong content.
//
// Wire format: [version: 1 byte][nonce: 24 bytes][ciphertext+tag].
func encryptBlob(plaintext []byte, masterKey []byte, contentHash [32]byte) ([]byte, error) {
	key, err := deriveBlobKey(masterKey, contentHash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	aad := buildBlobAAD(EncryptedBlobVersion, contentHash)

	output := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	output = append(output, EncryptedBlobVersion)
	output = append(output, nonce...)
	output = aead.Seal(output, nonce, plaintext, aad)
	return output, nil
}

// decryptBlob reverses encryptBlob, verifying the version byte and the
// AEAD tag before returning plaintext.
func decryptBlob(encrypted []byte, masterKey []byte, contentHash [32]byte) ([]byte, error) {
	overhead := 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(encrypted) < overhead {
		return nil, fmt.Errorf("encrypted blob is %d bytes, minimum is %d", len(encrypted), overhead)
	}

	version := encrypted[0]
	if version != EncryptedBlobVersion {
		return nil, fmt.Errorf("encrypted blob version %d is not supported", version)
	}
	nonce := encrypted[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := encrypted[1+chacha20poly1305.NonceSizeX:]

	key, err := deriveBlobKey(masterKey, contentHash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	aad := buildBlobAAD(version, contentHash)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed (wrong key, tampered data, or mismatched content hash): %w", err)
	}
	return plaintext, nil
}

func buildBlobAAD(version byte, contentHash [32]byte) []byte {
	aad := make([]byte, 1+len(contentHash))
	aad[0] = version
	copy(aad[1:], contentHash[:])
	return aad
}
