package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// EncryptionKeySize is the key length required for AES-256.
const EncryptionKeySize = 32

// encryptedPrefix marks sealed snapshots so plaintext entries written before
// encryption was enabled can still be read.
var encryptedPrefix = []byte("enc:v1:")

// ErrCiphertextTooShort is returned when a sealed value is truncated.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals aggregate snapshots at rest using AES-256-GCM.
// A nil or disabled Encryptor passes data through unchanged.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor creates a new encryptor.
// If key is empty, encryption is disabled. Otherwise it must be exactly 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", EncryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm, enabled: true}, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

// Seal encrypts plaintext. additionalData binds the ciphertext to its
// storage key so a snapshot cannot be replayed under another aggregate id.
// The output format is prefix || nonce || ciphertext.
func (e *Encryptor) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(encryptedPrefix)+len(nonce)+len(plaintext)+e.aead.Overhead())
	out = append(out, encryptedPrefix...)
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, plaintext, additionalData), nil
}

// Open decrypts a value produced by Seal. Values without the encryption
// prefix are returned as is.
func (e *Encryptor) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < len(encryptedPrefix) || string(sealed[:len(encryptedPrefix)]) != string(encryptedPrefix) {
		return sealed, nil
	}
	if !e.IsEnabled() {
		return nil, fmt.Errorf("value is encrypted but no encryption key is configured")
	}

	body := sealed[len(encryptedPrefix):]
	nonceSize := e.aead.NonceSize()
	if len(body) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := body[:nonceSize], body[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}
