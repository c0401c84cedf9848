// Package ecies seals and opens payloads with ECIES over secp256k1:
// an ephemeral key exchange, HKDF-SHA256 key derivation, and
// AES-256-GCM. The blob is self-describing:
//
//	Bytes 0-32:  Ephemeral public key (33 bytes, compressed secp256k1)
//	Bytes 33-44: Nonce (12 bytes for AES-GCM)
//	Bytes 45+:   AES-256-GCM ciphertext (with 16-byte auth tag)
//
// Public keys travel compressed everywhere; anything that is not
// exactly 33 bytes is refused before use.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	// CompressedPubKeySize is the serialized public key length the
	// whole platform agrees on. 33 bytes: parity prefix + X.
	CompressedPubKeySize = 33

	// SecretKeySize is the length of a serialized secret scalar.
	SecretKeySize = 32

	aesGCMNonceSize  = 12
	aesGCMTagSize    = 16
	minCiphertextLen = CompressedPubKeySize + aesGCMNonceSize + aesGCMTagSize
)

// hkdfInfo domain-separates the derived key; the ephemeral public key
// is appended so each encryption derives a distinct key.
var hkdfInfo = []byte("authcore-ecies-v1")

var (
	ErrInvalidPublicKey   = errors.New("public key is not a 33-byte compressed point")
	ErrInvalidSecretKey   = errors.New("secret key is not a 32-byte scalar")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptFailed      = errors.New("decryption failed")
)

// GenerateKeyPair produces a fresh secp256k1 key pair. The returned
// public key is the compressed serialization and is guaranteed to be
// exactly CompressedPubKeySize bytes.
func GenerateKeyPair() (secret []byte, public []byte, err error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	public = priv.PubKey().SerializeCompressed()
	if len(public) != CompressedPubKeySize {
		// Cannot happen with a correct curve implementation; treated
		// as data corruption if it ever does.
		return nil, nil, ErrInvalidPublicKey
	}
	return priv.Serialize(), public, nil
}

// ParsePublicKey parses a compressed public key, enforcing the 33-byte
// serialization invariant. A 65-byte uncompressed point is rejected.
func ParsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	if len(b) != CompressedPubKeySize {
		return nil, ErrInvalidPublicKey
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// ParseSecretKey parses a 32-byte secret scalar.
func ParseSecretKey(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != SecretKeySize {
		return nil, ErrInvalidSecretKey
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// deriveKey turns the ECDH shared secret into the AES-256 key.
func deriveKey(shared, ephemeralPub []byte) ([]byte, error) {
	info := append(append([]byte{}, hkdfInfo...), ephemeralPub...)
	r := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext to the recipient public key.
func Encrypt(recipient *secp256k1.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PubKey().SerializeCompressed()

	shared := secp256k1.GenerateSharedSecret(ephemeral, recipient)
	defer zeroBytes(shared)

	key, err := deriveKey(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, CompressedPubKeySize+aesGCMNonceSize+len(plaintext)+aesGCMTagSize)
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt with the recipient secret key.
func Decrypt(secret *secp256k1.PrivateKey, blob []byte) ([]byte, error) {
	if len(blob) < minCiphertextLen {
		return nil, ErrCiphertextTooShort
	}

	ephemeralPub := blob[:CompressedPubKeySize]
	nonce := blob[CompressedPubKeySize : CompressedPubKeySize+aesGCMNonceSize]
	ciphertext := blob[CompressedPubKeySize+aesGCMNonceSize:]

	pub, err := ParsePublicKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key", ErrDecryptFailed)
	}

	shared := secp256k1.GenerateSharedSecret(secret, pub)
	defer zeroBytes(shared)

	key, err := deriveKey(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// zeroBytes overwrites sensitive material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
