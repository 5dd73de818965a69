// Package credstore manages SaaS credentials: encrypted at rest inside
// connection rows, decrypted only at the moment of use.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// encPrefix marks ciphertext values. Stored values without it are treated
// as legacy plaintext and still decrypt, so enabling encryption later does
// not strand existing rows.
const encPrefix = "enc:"

// cipherBox encrypts and decrypts token strings with AES-256-GCM. A nil
// key means pass-through plaintext (local development); that mode is
// loudly logged once at construction.
type cipherBox struct {
	aead cipher.AEAD
}

// newCipherBox builds the box from a base64-encoded 32-byte key. An empty
// key yields plaintext mode.
func newCipherBox(encodedKey string, logger *slog.Logger) (*cipherBox, error) {
	if encodedKey == "" {
		logger.Warn("credential encryption key not set, tokens will be stored in plaintext")
		return &cipherBox{}, nil
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &cipherBox{aead: aead}, nil
}

// Encrypt seals a plaintext value. In plaintext mode it returns the input
// unchanged.
func (c *cipherBox) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || c.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Values without the ciphertext marker are
// returned as-is (legacy plaintext rows).
func (c *cipherBox) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if c.aead == nil {
		return "", fmt.Errorf("encrypted value but no encryption key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
