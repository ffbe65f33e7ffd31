package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEmptyCiphertext is returned by Open when there is nothing to decrypt.
	ErrEmptyCiphertext = errors.New("empty ciphertext")
	// ErrNoKey is returned by a nil codec, which the service runs with when no
	// usable encryption key is configured.
	ErrNoKey = errors.New("no encryption key configured")
)

// TokenCodec encrypts OAuth tokens and mail server passwords before they reach the store.
// Sealed values are base64 text of [nonce][ciphertext][tag] so they fit a TEXT column.
type TokenCodec struct {
	aead cipher.AEAD
}

// NewTokenCodec creates a codec from a base64 encoded 32 byte key.
func NewTokenCodec(base64Key string) (*TokenCodec, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &TokenCodec{aead: gcm}, nil
}

// GenerateKey returns a fresh random key in the format NewTokenCodec expects.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext. An empty plaintext seals to an empty string.
func (c *TokenCodec) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if c == nil {
		return "", ErrNoKey
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *TokenCodec) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", ErrEmptyCiphertext
	}
	if c == nil {
		return "", ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
