package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize   = 32
	nonceSize = aes.BlockSize // 16-byte IV, part of the stored-secret contract
)

var (
	// ErrDecryptionFailed covers tag mismatch, tampering, and wrong keys.
	// Callers must treat it as fatal for the operation needing the secret.
	ErrDecryptionFailed = errors.New("vault: decryption failed")

	// ErrMalformedSecret indicates the stored string is not iv:tag:ciphertext.
	ErrMalformedSecret = errors.New("vault: malformed encrypted secret")
)

// Vault seals and opens third-party API secrets with AES-256-GCM before
// they touch the database. It knows nothing about what it encrypts.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte key. There is no default key: a
// missing or wrong-sized key is a startup failure.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be exactly %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(iv):base64(tag):base64(ciphertext).
// A fresh random IV is generated per call.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext.
	tagStart := len(sealed) - v.aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens an encrypted secret, verifying the authentication tag
// before returning any data.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 3 {
		return "", ErrMalformedSecret
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformedSecret
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedSecret
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedSecret
	}
	if len(iv) != nonceSize || len(tag) != v.aead.Overhead() {
		return "", ErrMalformedSecret
	}

	plaintext, err := v.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
