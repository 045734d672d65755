package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TranscriptCipher encrypts transcripts at rest. Output is nonce-prefixed
// ciphertext; each call draws a fresh random nonce.
type TranscriptCipher struct {
	key []byte
}

func NewTranscriptCipher(key []byte) (*TranscriptCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("transcript key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &TranscriptCipher{key: key}, nil
}

func (c *TranscriptCipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *TranscriptCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt transcript: %w", err)
	}
	return plaintext, nil
}
