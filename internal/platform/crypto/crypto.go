// Package crypto encrypts subscription secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// encryptedPrefix marks values produced by AesGcmService. Values without it
// were stored before encryption was enabled and are returned unchanged.
const encryptedPrefix = "enc:v1:"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// NoopService stores secrets as plaintext.
type NoopService struct{}

func (NoopService) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (NoopService) Decrypt(stored string) (string, error)    { return stored, nil }

type AesGcmService struct {
	gcm cipher.AEAD
}

// NewAesGcmService takes a hex-encoded 32-byte key.
func NewAesGcmService(hexKey string) (*AesGcmService, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AesGcmService{gcm: gcm}, nil
}

func (s *AesGcmService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext || tag
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + hex.EncodeToString(sealed), nil
}

func (s *AesGcmService) Decrypt(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, encryptedPrefix)
	if !ok {
		return stored, nil
	}

	buffer, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(buffer) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := buffer[:nonceSize], buffer[nonceSize:]
	plain, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
