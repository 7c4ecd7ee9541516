// Package security seals investigator working notes at rest. Notes are
// encrypted with ChaCha20-Poly1305 under a per-deployment key; the engine
// stores only the ciphertext and treats it as opaque bytes.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoKey is returned by the disabled sealer.
var ErrNoKey = errors.New("security: no note key configured")

// ErrCiphertext rejects sealed blobs too short to contain a nonce.
var ErrCiphertext = errors.New("security: malformed ciphertext")

// NoteSealer encrypts and decrypts investigator notes.
type NoteSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// aeadSealer is the ChaCha20-Poly1305 implementation. The nonce is random
// per seal and prepended to the ciphertext.
type aeadSealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 32-byte hex key. An empty key yields the
// disabled sealer so deployments without the feature fail closed on use,
// not at startup.
func NewSealer(keyHex string) (NoteSealer, error) {
	if keyHex == "" {
		return disabledSealer{}, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("security: note key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("security: note key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &aeadSealer{aead: aead}, nil
}

func (s *aeadSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *aeadSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ct, nil)
}

// disabledSealer refuses both directions.
type disabledSealer struct{}

func (disabledSealer) Seal([]byte) ([]byte, error) { return nil, ErrNoKey }
func (disabledSealer) Open([]byte) ([]byte, error) { return nil, ErrNoKey }
