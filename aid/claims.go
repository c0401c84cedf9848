package aid

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// PSKLength is the pre-shared key size handed to every actor. The PSK
// is returned to the client and sealed into the credential; the server
// stores nothing.
const PSKLength = 32

// IdentityClaims is the plaintext sealed into a credential. The PSK
// lives here, inside the ciphertext, so only a holder of the matching
// KS secret key can recover it.
type IdentityClaims struct {
	ActorID   uint64 `json:"actor_id"`
	RealmID   uint32 `json:"realm_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	PSK       []byte `json:"psk,omitempty"`
}

// Expired reports whether the claims are past their expiry at now.
// A zero ExpiresAt never expires.
func (c *IdentityClaims) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && c.ExpiresAt < now.Unix()
}

// Marshal serializes the claims for sealing.
func (c *IdentityClaims) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize claims: %w", err)
	}
	return data, nil
}

// UnmarshalClaims parses sealed-claims plaintext.
func UnmarshalClaims(data []byte) (*IdentityClaims, error) {
	var c IdentityClaims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return &c, nil
}

// NewPSK generates a fresh 32-byte pre-shared key.
func NewPSK() ([]byte, error) {
	psk := make([]byte, PSKLength)
	if _, err := rand.Read(psk); err != nil {
		return nil, fmt.Errorf("failed to generate PSK: %w", err)
	}
	return psk, nil
}
