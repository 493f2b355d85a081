package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt reports a failed decryption: wrong key, truncated input, or a
// tampered ciphertext. The underlying cause is never exposed.
var ErrDecrypt = errors.New("cryptox: decryption failed")

const keySize = 32 // AES-256

// Cipher provides authenticated symmetric encryption for token material.
// The key is derived once from an external secret at construction; there is
// no ambient/global key state. Decrypt must only be reached from the
// privileged token paths, never from a public read path.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from the given secret via HKDF-SHA256 and
// returns a GCM-mode cipher. The secret must come from the environment or a
// key file, never source code.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("cryptox: empty key secret")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("repazoo-token-encryption-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cryptox: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromEnv loads the key secret from the file at pathEnv if set,
// otherwise from the value of secretEnv directly.
func NewCipherFromEnv(secretEnv, pathEnv string) (*Cipher, error) {
	if path := os.Getenv(pathEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cryptox: read key file: %w", err)
		}
		return NewCipher(data)
	}
	if secret := os.Getenv(secretEnv); secret != "" {
		return NewCipher([]byte(secret))
	}
	return nil, fmt.Errorf("cryptox: neither %s nor %s is set", pathEnv, secretEnv)
}

// EncryptString seals plaintext with a random nonce and returns
// base64url([nonce][ciphertext][tag]), suitable for a text column.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString. Any failure comes back as ErrDecrypt
// so callers cannot distinguish (and cannot leak) the cause.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecrypt
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
