package aid

import (
	"errors"
	"fmt"

	"github.com/meshrtc/authcore/wire"
)

// Credential is the sealed identity a client carries: the id of the KS
// key that can open it, and the ECIES ciphertext of the claims.
type Credential struct {
	KeyID      uint32 `cbor:"key_id"`
	Ciphertext []byte `cbor:"ciphertext"`
}

var ErrMalformedCredential = errors.New("malformed credential")

// EncodeCredential serializes a credential for the wire. Encoding is
// deterministic, so DecodeCredential followed by EncodeCredential
// reproduces the input bytes.
func EncodeCredential(c *Credential) ([]byte, error) {
	if len(c.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedCredential)
	}
	data, err := wire.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	return data, nil
}

// DecodeCredential parses credential bytes.
func DecodeCredential(data []byte) (*Credential, error) {
	var c Credential
	if err := wire.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedCredential, err)
	}
	if len(c.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedCredential)
	}
	return &c, nil
}
