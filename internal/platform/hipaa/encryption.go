package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by TokenSealer.Seal so that plaintext
// rows written before encryption was enabled can still be read.
const sealedPrefix = "enc:v1:"

// ErrSealedWithoutKey is returned when a sealed value is read by a sealer
// that has no key configured.
var ErrSealedWithoutKey = errors.New("token sealer: value is encrypted but no key is configured")

// TokenSealer provides AES-256-GCM encryption for OAuth token material
// stored at rest (access, refresh and ID tokens, client secrets).
// A zero-key sealer passes values through unchanged.
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer creates a sealer from a 32-byte key. A nil or empty key
// yields a pass-through sealer.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) == 0 {
		return &TokenSealer{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("token sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token sealer: create GCM: %w", err)
	}

	return &TokenSealer{aead: aead}, nil
}

// NewTokenSealerFromHex decodes a 64-character hex key.
func NewTokenSealerFromHex(hexKey string) (*TokenSealer, error) {
	if hexKey == "" {
		return NewTokenSealer(nil)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token sealer: key is not valid hex: %w", err)
	}
	return NewTokenSealer(key)
}

// Enabled reports whether values are actually encrypted.
func (s *TokenSealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Seal encrypts plaintext and returns a prefixed base64 string. Empty input
// stays empty so optional tokens remain distinguishable from absent ones.
func (s *TokenSealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token seal: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned as-is.
func (s *TokenSealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !s.Enabled() {
		return "", ErrSealedWithoutKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("token open: base64 decode: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("token open: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("token open: %w", err)
	}
	return string(plaintext), nil
}
