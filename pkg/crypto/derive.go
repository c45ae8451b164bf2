package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoTransportSession domain-separates the transport's per-link
// symmetric session key from any other HKDF consumer that might later
// share the same ECDH output.
const hkdfInfoTransportSession = "kvmesh-transport-session-v1"

// SessionKeySize is the chacha20poly1305 key size used by the
// transport's encrypted frames.
const SessionKeySize = 32

// DeriveSessionKey derives a transport session key from an X25519
// shared secret using HKDF-SHA256 with domain separation. Both ends of
// a handshake compute the same shared secret and therefore the same
// session key without transmitting it.
func DeriveSessionKey(sharedSecret []byte) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfoTransportSession))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("crypto: derive session key: %w", err)
	}
	return key, nil
}
