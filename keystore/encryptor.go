package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor protects stored secret keys with a KEK (Key Encryption
// Key) when one is configured. Stored format:
//
//	nonce(24) || ChaCha20-Poly1305 ciphertext (with 16-byte tag)
//
// With no KEK the encryptor passes bytes through unchanged, which
// keeps old plaintext databases readable.
type Encryptor struct {
	aead cipher.AEAD
}

var (
	ErrBadKek          = errors.New("invalid KEK")
	ErrProtectedFormat = errors.New("invalid protected key format")
)

// NoEncryption returns a pass-through encryptor.
func NoEncryption() *Encryptor {
	return &Encryptor{}
}

// NewEncryptor builds an encryptor from a raw 32-byte KEK.
func NewEncryptor(kek []byte) (*Encryptor, error) {
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadKek, chacha20poly1305.KeySize, len(kek))
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	log.Info().Msg("Key-at-rest encryption enabled")
	return &Encryptor{aead: aead}, nil
}

// Enabled reports whether a KEK is active.
func (e *Encryptor) Enabled() bool {
	return e.aead != nil
}

// Encrypt protects a secret key for storage.
func (e *Encryptor) Encrypt(secret []byte) ([]byte, error) {
	if e.aead == nil {
		return secret, nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(secret)+16)
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, secret, nil), nil
}

// Decrypt recovers a secret key from storage.
func (e *Encryptor) Decrypt(stored []byte) ([]byte, error) {
	if e.aead == nil {
		return stored, nil
	}
	if len(stored) < chacha20poly1305.NonceSizeX+16 {
		return nil, ErrProtectedFormat
	}
	nonce := stored[:chacha20poly1305.NonceSizeX]
	plaintext, err := e.aead.Open(nil, nonce, stored[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored key: %w", err)
	}
	return plaintext, nil
}

// ParseKek accepts a KEK as 64 hex characters or 43/44 base64
// characters, both decoding to 32 bytes.
func ParseKek(kek string) ([]byte, error) {
	kek = strings.TrimSpace(kek)
	var raw []byte
	var err error
	switch len(kek) {
	case 64:
		raw, err = hex.DecodeString(kek)
	case 43, 44:
		raw, err = base64.StdEncoding.DecodeString(kek)
	default:
		return nil, fmt.Errorf("%w: expected 64 hex or 44 base64 chars, got %d", ErrBadKek, len(kek))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKek, err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: decoded to %d bytes", ErrBadKek, len(raw))
	}
	return raw, nil
}

// KekConfig selects where the KEK comes from. At most one source may
// be set; all empty means no encryption.
type KekConfig struct {
	// Direct is the KEK itself (hex or base64).
	Direct string `yaml:"direct"`
	// Env names an environment variable holding the KEK.
	Env string `yaml:"env"`
	// File is a path whose contents are the KEK.
	File string `yaml:"file"`
	// KMS unwraps an encrypted KEK blob through AWS KMS.
	KMS *KMSKekConfig `yaml:"kms"`
}

// EncryptorFromConfig resolves the configured KEK source.
func EncryptorFromConfig(cfg KekConfig) (*Encryptor, error) {
	switch {
	case cfg.Direct != "":
		kek, err := ParseKek(cfg.Direct)
		if err != nil {
			return nil, err
		}
		return NewEncryptor(kek)
	case cfg.Env != "":
		val, ok := os.LookupEnv(cfg.Env)
		if !ok {
			return nil, fmt.Errorf("%w: environment variable %s not set", ErrBadKek, cfg.Env)
		}
		kek, err := ParseKek(val)
		if err != nil {
			return nil, err
		}
		return NewEncryptor(kek)
	case cfg.File != "":
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read KEK file: %w", err)
		}
		kek, err := ParseKek(string(data))
		if err != nil {
			return nil, err
		}
		return NewEncryptor(kek)
	case cfg.KMS != nil:
		kek, err := unwrapKekWithKMS(cfg.KMS)
		if err != nil {
			return nil, err
		}
		return NewEncryptor(kek)
	default:
		return NoEncryption(), nil
	}
}

// GenerateKek produces a fresh KEK in hex form, for provisioning.
func GenerateKek() (string, error) {
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(kek); err != nil {
		return "", fmt.Errorf("failed to generate KEK: %w", err)
	}
	return hex.EncodeToString(kek), nil
}
