package localstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var errShortCiphertext = errors.New("localstore: ciphertext too short")

const hkdfInfo = "swipe-companion/localstore/v1"

// Sealer protects stored values. The key name is bound to each value.
type Sealer interface {
	Seal(key string, plaintext []byte) ([]byte, error)
	Open(key string, sealed []byte) ([]byte, error)
}

// Plaintext stores values as-is
type Plaintext struct{}

func (Plaintext) Seal(_ string, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (Plaintext) Open(_ string, sealed []byte) ([]byte, error)    { return sealed, nil }

// KeyRing derives one XChaCha20-Poly1305 key per user from a configured secret
type KeyRing struct {
	secret []byte
}

// NewKeyRing returns nil for an empty secret, meaning values stay in plaintext
func NewKeyRing(secret string) *KeyRing {
	if secret == "" {
		return nil
	}
	return &KeyRing{secret: []byte(secret)}
}

// Sealer returns the sealer for userID
func (k *KeyRing) Sealer(userID string) (Sealer, error) {
	if k == nil {
		return Plaintext{}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.secret, []byte(userID), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive user key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aeadSealer{aead: aead}, nil
}

type aeadSealer struct {
	aead cipher.AEAD
}

// Seal prepends a random nonce to the ciphertext
func (s aeadSealer) Seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s aeadSealer) Open(key string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errShortCiphertext
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
}
