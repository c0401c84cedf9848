// Package wire defines the schemas that cross service boundaries:
// the auth envelope and JSON bodies of the Key Server HTTP API, the
// CBOR allocate schema of the identity service, and the claims
// envelope carried inside a TURN username.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope authenticates a service-to-service call. The signature is
// hex HMAC-SHA256 over the canonical string
// action:subject:node_id:timestamp:nonce.
type Envelope struct {
	NodeID    string `json:"node_id" cbor:"node_id"`
	Nonce     string `json:"nonce" cbor:"nonce"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
	Signature string `json:"signature" cbor:"signature"`
}

// GenerateKeyRequest is the body of POST /generate_key.
type GenerateKeyRequest struct {
	Envelope Envelope `json:"envelope"`
}

// GenerateKeyResponse carries a freshly generated key pair's public half.
// PublicKey is base64 of the 33-byte compressed point.
type GenerateKeyResponse struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	ExpiresAt int64  `json:"expires_at"`
}

// SecretKeyRequest is the body of GET /get_secret_key/{key_id}.
type SecretKeyRequest struct {
	Envelope Envelope `json:"envelope"`
}

// SecretKeyResponse carries the 32-byte secret scalar, base64 encoded.
type SecretKeyResponse struct {
	KeyID     uint32 `json:"key_id"`
	SecretKey string `json:"secret_key"`
	ExpiresAt int64  `json:"expires_at"`
}

// PublicKeyResponse is the body of GET /get_public_key/{key_id}.
type PublicKeyResponse struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	ExpiresAt int64  `json:"expires_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	KeyCount int64  `json:"key_count"`
}

// ErrorBody is the uniform error shape at HTTP boundaries. The message
// is scrubbed of secrets and internal identifiers.
type ErrorBody struct {
	Error string `json:"error"`
}

// AllocateFailureCode enumerates the terminal outcomes of an allocate
// call that did not produce a credential.
type AllocateFailureCode uint8

const (
	FailureRealmNotFound AllocateFailureCode = 1
	FailureForbidden     AllocateFailureCode = 2
	FailureKsUnavailable AllocateFailureCode = 3
	FailureInternal      AllocateFailureCode = 4
)

// String returns the wire-stable name of the code.
func (c AllocateFailureCode) String() string {
	switch c {
	case FailureRealmNotFound:
		return "REALM_NOT_FOUND"
	case FailureForbidden:
		return "FORBIDDEN"
	case FailureKsUnavailable:
		return "KS_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// ActorType names the kind of actor being registered.
type ActorType struct {
	Mfr  string `cbor:"mfr"`
	Name string `cbor:"name"`
}

// AllocateRequest is the binary body of POST /allocate (and of the
// ais.allocate bus subject).
type AllocateRequest struct {
	RealmID   uint32    `cbor:"realm_id"`
	ActorType ActorType `cbor:"actor_type"`
}

// AllocateSuccess is the success arm of AllocateResponse.
type AllocateSuccess struct {
	ActorID                        uint64 `cbor:"actor_id"`
	Credential                     []byte `cbor:"credential"`
	PSK                            []byte `cbor:"psk"`
	SignalingHeartbeatIntervalSecs uint32 `cbor:"signaling_heartbeat_interval_secs"`
	CredentialExpiresAt            int64  `cbor:"credential_expires_at"`
}

// AllocateFailure is the failure arm of AllocateResponse.
type AllocateFailure struct {
	Code    AllocateFailureCode `cbor:"code"`
	Message string              `cbor:"message"`
}

// AllocateResponse is a one-of: exactly one of Success and Failure is set.
type AllocateResponse struct {
	Success *AllocateSuccess `cbor:"success,omitempty"`
	Failure *AllocateFailure `cbor:"failure,omitempty"`
}

// TurnClaims is the JSON carried in a TURN username: tenant id, the KS
// key id that sealed the credential, and the ciphertext (base64url in
// JSON via the ct field's string encoding).
type TurnClaims struct {
	TID   uint32 `json:"tid"`
	KeyID uint32 `json:"key_id"`
	CT    string `json:"ct"`
}

// encMode uses Core Deterministic Encoding so the same logical value
// always produces identical bytes; decode-then-encode round-trips.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// DecodeAllocateRequest parses and validates an allocate request body.
func DecodeAllocateRequest(data []byte) (*AllocateRequest, error) {
	var req AllocateRequest
	if err := decMode.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed allocate request: %w", err)
	}
	if req.RealmID == 0 {
		return nil, fmt.Errorf("allocate request missing realm_id")
	}
	return &req, nil
}

// EncodeAllocateResponse encodes either arm of the response.
func EncodeAllocateResponse(resp *AllocateResponse) ([]byte, error) {
	if (resp.Success == nil) == (resp.Failure == nil) {
		return nil, fmt.Errorf("allocate response must set exactly one of success, failure")
	}
	return encMode.Marshal(resp)
}

// DecodeAllocateResponse parses an allocate response body.
func DecodeAllocateResponse(data []byte) (*AllocateResponse, error) {
	var resp AllocateResponse
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed allocate response: %w", err)
	}
	return &resp, nil
}
