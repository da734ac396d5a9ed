// Package crypto seals upstream credentials kept in the bindings file and
// fingerprints client keys so they never reach logs or shared stores.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a credential value produced by Encryptor.Seal.
const SealedPrefix = "enc:"

var (
	ErrEmptyKey          = errors.New("encryption key is empty")
	ErrNotSealed         = errors.New("value is not sealed")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor seals values with AES-256-GCM. The key is derived from an
// arbitrary passphrase with SHA-256.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}

	key := deriveKey(passphrase)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

func deriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Seal encrypts plaintext and returns it as "enc:<base64(nonce|ciphertext)>".
func (e *Encryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Fingerprint identifies a client key by the first 16 bytes of its
// SHA-256 digest, hex encoded.
func Fingerprint(clientKey string) string {
	sum := sha256.Sum256([]byte(clientKey))
	return hex.EncodeToString(sum[:16])
}
