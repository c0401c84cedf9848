package ecies

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	secret, public, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	if len(secret) != SecretKeySize {
		t.Errorf("Expected %d-byte secret, got %d", SecretKeySize, len(secret))
	}
	if len(public) != CompressedPubKeySize {
		t.Errorf("Expected %d-byte public key, got %d", CompressedPubKeySize, len(public))
	}
	// Compressed points start with 0x02 or 0x03.
	if public[0] != 0x02 && public[0] != 0x03 {
		t.Errorf("Unexpected compression prefix: 0x%02x", public[0])
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret, public, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	pub, err := ParsePublicKey(public)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	priv, err := ParseSecretKey(secret)
	if err != nil {
		t.Fatalf("Failed to parse secret key: %v", err)
	}

	plaintext := []byte(`{"actor_id":123,"realm_id":1}`)
	blob, err := Encrypt(pub, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(blob) < minCiphertextLen {
		t.Fatalf("Blob shorter than minimum: %d", len(blob))
	}

	out, err := Decrypt(priv, blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("Round trip mismatch: got %q", out)
	}
}

func TestEncryptProducesDistinctBlobs(t *testing.T) {
	_, public, _ := GenerateKeyPair()
	pub, _ := ParsePublicKey(public)

	a, err := Encrypt(pub, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := Encrypt(pub, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("Two encryptions of the same plaintext should differ")
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	_, public, _ := GenerateKeyPair()
	pub, _ := ParsePublicKey(public)

	otherSecret, _, _ := GenerateKeyPair()
	otherPriv, _ := ParseSecretKey(otherSecret)

	blob, err := Encrypt(pub, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(otherPriv, blob); err == nil {
		t.Fatal("Decrypt with the wrong key should fail")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	secret, public, _ := GenerateKeyPair()
	pub, _ := ParsePublicKey(public)
	priv, _ := ParseSecretKey(secret)

	blob, err := Encrypt(pub, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	blob[len(blob)-1] ^= 0x01

	if _, err := Decrypt(priv, blob); err == nil {
		t.Fatal("Decrypt of tampered blob should fail")
	}
}

func TestDecryptTooShort(t *testing.T) {
	secret, _, _ := GenerateKeyPair()
	priv, _ := ParseSecretKey(secret)

	if _, err := Decrypt(priv, make([]byte, minCiphertextLen-1)); err != ErrCiphertextTooShort {
		t.Fatalf("Expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestParsePublicKeyRejectsUncompressed(t *testing.T) {
	secret, _, _ := GenerateKeyPair()
	priv, _ := ParseSecretKey(secret)

	uncompressed := priv.PubKey().SerializeUncompressed()
	if len(uncompressed) != 65 {
		t.Fatalf("Expected 65-byte uncompressed key, got %d", len(uncompressed))
	}
	if _, err := ParsePublicKey(uncompressed); err == nil {
		t.Fatal("Uncompressed key must be rejected")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	garbage := make([]byte, CompressedPubKeySize)
	garbage[0] = 0x07 // invalid prefix
	if _, err := ParsePublicKey(garbage); err == nil {
		t.Fatal("Garbage key must be rejected")
	}

	if _, err := ParsePublicKey(nil); err != ErrInvalidPublicKey {
		t.Fatalf("Expected ErrInvalidPublicKey for nil input, got %v", err)
	}
}

func TestParseSecretKeyLength(t *testing.T) {
	if _, err := ParseSecretKey(make([]byte, 31)); err != ErrInvalidSecretKey {
		t.Fatalf("Expected ErrInvalidSecretKey, got %v", err)
	}
}
