// Package secrets implements authenticated encryption for credentials at
// rest. A single process-wide key encrypts all cluster credential fields.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/env360/env360/internal/domain"
)

// Encryptor performs AES-256-GCM encryption with a fixed key. The key is
// derived from arbitrary key material with SHA-256 so operators can supply
// any non-empty string.
type Encryptor struct {
	aead cipher.AEAD
}

// New creates an Encryptor from key material. Empty key material is invalid.
func New(keyMaterial string) (*Encryptor, error) {
	if keyMaterial == "" {
		return nil, domain.Invalid("encryption key", "must not be empty")
	}
	key := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64-encoded ciphertext with the
// nonce prepended. Empty plaintext round-trips to empty ciphertext so
// optional credential fields stay empty in storage.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Ciphertext sealed with a
// different key fails with an error matching domain.ErrDecrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext: %v", domain.ErrDecrypt, err)
	}
	if len(raw) < e.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", domain.ErrDecrypt)
	}
	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecrypt, err)
	}
	return string(plaintext), nil
}
