package crypto

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion tags every envelope on the wire.
const ProtocolVersion = "kvmesh-v1"

// SignedEnvelope is the outer wrapper carrying a signed payload. The
// canonical bytes for signing purposes are the payload bytes alone,
// computed before the envelope is built, so both sides hash the same
// input regardless of how the envelope itself is framed.
type SignedEnvelope struct {
	Protocol     string `json:"protocol"`
	PayloadBytes []byte `json:"payload"`
	Signature    []byte `json:"signature"`
	SignerPeerID PeerID `json:"signer_peer_id"`
}

// SealEnvelope canonically encodes payload, signs it with signer, and
// returns the wire bytes of the resulting SignedEnvelope.
func SealEnvelope(signer *Identity, payload interface{}) ([]byte, error) {
	payloadBytes, err := CanonicalBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode payload: %w", err)
	}

	env := SignedEnvelope{
		Protocol:     ProtocolVersion,
		PayloadBytes: payloadBytes,
		Signature:    signer.Sign(payloadBytes),
		SignerPeerID: signer.ID(),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode envelope: %w", err)
	}
	return out, nil
}

// OpenEnvelope decodes the wire bytes into a SignedEnvelope without
// verifying the signature; the caller looks up the signer's public
// key (which requires trust-database access) before calling Verify.
func OpenEnvelope(data []byte) (*SignedEnvelope, error) {
	var env SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("crypto: decode envelope: %w", err)
	}
	if env.Protocol != ProtocolVersion {
		return nil, fmt.Errorf("crypto: unsupported protocol version %q", env.Protocol)
	}
	if len(env.Signature) == 0 || len(env.PayloadBytes) == 0 || env.SignerPeerID == "" {
		return nil, fmt.Errorf("crypto: malformed envelope")
	}
	return &env, nil
}

// Verify checks the envelope's signature against pub and enforces
// identity coherence: the signer id claimed in the envelope must be
// the id derived from the verifying key itself.
func (e *SignedEnvelope) Verify(pub []byte) error {
	decoded, err := DecodePublicKey(pub)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	if DerivePeerID(decoded) != e.SignerPeerID {
		return ErrIdentityMismatch
	}
	if !Verify(decoded, e.PayloadBytes, e.Signature) {
		return fmt.Errorf("crypto: signature verification failed")
	}
	return nil
}

// CanonicalBytes produces the deterministic byte encoding of a payload
// used both for signing and for wire transmission. encoding/json
// serializes struct fields in declaration order, which is sufficient
// determinism for two sides running the same struct definitions; no
// map-key sorting pass is needed because payload types never encode
// maps at top level.
func CanonicalBytes(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

// DecodePayload unmarshals canonical payload bytes into dst.
func DecodePayload(data []byte, dst interface{}) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("crypto: decode payload: %w", err)
	}
	return nil
}
