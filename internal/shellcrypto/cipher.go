// Package shellcrypto implements the symmetric crypto used between
// syncshell peers: authenticated frame encryption with AES-256-GCM and
// compact signed invite codes.
package shellcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the shared key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
)

var (
	// ErrAuthentication is returned when a sealed frame fails to
	// authenticate: wrong key or tampered ciphertext. Terminal for the
	// frame, never retried.
	ErrAuthentication = errors.New("shellcrypto: authentication failed")

	// ErrInvalidInvite is returned when an invite code is corrupted,
	// truncated or forged.
	ErrInvalidInvite = errors.New("shellcrypto: invalid invite code")
)

// NewSharedKey generates a random shell key.
func NewSharedKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate shared key: %w", err)
	}
	return key, nil
}

// FrameKey derives the per-shell frame encryption key from the shared
// key. Keeps the shared key itself out of the wire path.
func FrameKey(sharedKey []byte) ([]byte, error) {
	return derive(sharedKey, "syncshell frame v1")
}

// Fingerprint returns a short stable identifier for a shared key,
// suitable for phonebook entries. It does not reveal the key.
func Fingerprint(sharedKey []byte) string {
	material, err := derive(sharedKey, "syncshell fingerprint v1")
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:8])
}

func derive(sharedKey []byte, info string) ([]byte, error) {
	if len(sharedKey) != KeySize {
		return nil, fmt.Errorf("shared key must be %d bytes, got %d", KeySize, len(sharedKey))
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, sharedKey, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext with AES-256-GCM.
// Output layout: nonce (12 bytes) + ciphertext + auth tag (16 bytes).
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a frame produced by Seal. A failure to authenticate is
// reported as ErrAuthentication, distinct from malformed-input errors.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("sealed frame too short: %w", ErrAuthentication)
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
