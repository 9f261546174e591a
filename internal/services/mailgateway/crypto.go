package mailgateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrEncryptionFailed = errors.New("token encryption failed")
	ErrDecryptionFailed = errors.New("token decryption failed")
)

// TokenCipher seals OAuth tokens at rest with AES-256-GCM.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher derives a 32-byte key from secret.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext). The empty string stays empty.
func (c *TokenCipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", ErrDecryptionFailed
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
