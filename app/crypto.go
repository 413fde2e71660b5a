package app

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// SessionKeyFromHex converts a hex-encoded string to a 32-byte secretbox key.
// Keys shorter than 32 bytes are rejected; longer keys are truncated.
func SessionKeyFromHex(hexKey string) (*[32]byte, error) {
	decoded, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}

	if len(decoded) < 32 {
		return nil, fmt.Errorf("session key must be at least 32 bytes, got %d bytes", len(decoded))
	}

	var key [32]byte
	copy(key[:], decoded[:32])
	return &key, nil
}

// Seal encrypts plaintext with NaCl secretbox and returns base64 text with the
// nonce prepended to the ciphertext.
func Seal(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Open reverses Seal.
func Open(ciphertext []byte, key *[32]byte) ([]byte, error) {
	ciphertext = bytes.TrimSpace(ciphertext)
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(sealed, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	sealed = sealed[:n]

	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("decryption failed: invalid key or corrupted data")
	}
	return plaintext, nil
}
