// Package crypto holds the long-lived signing identity, the detached
// signature scheme over canonical message bytes, and the signed
// envelope that wraps every sync-protocol message on the wire.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PeerID is a stable identifier derived deterministically from an
// Ed25519 public key.
type PeerID string

// Identity is the process's long-lived Ed25519 keypair. Exactly one
// Identity is created per data directory; it is owned by the caller
// (the event loop at startup) and shared read-only afterward.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	id      PeerID
}

// ErrIdentityMismatch is returned when a decoded signer id does not
// match the derived id of the key used to verify it.
var ErrIdentityMismatch = errors.New("crypto: signer id does not match verifying key")

// GenerateIdentity creates a fresh random Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate identity: %w", err)
	}
	return &Identity{Public: pub, private: priv, id: DerivePeerID(pub)}, nil
}

// identityFile is the on-disk JSON shape of identity.key.
type identityFile struct {
	PrivateKey string `json:"private_key"` // base64 standard encoding of the 64-byte seed+pub
}

// LoadOrCreateIdentity loads the identity persisted at path, creating
// and persisting a new one if the file does not yet exist. The file is
// written with mode 0600, matching the rest of the persistent state
// layout under the data directory.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ident, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := saveIdentity(path, ident); saveErr != nil {
			return nil, saveErr
		}
		return ident, nil
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: read identity file: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: parse identity file: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode identity key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: identity key has wrong length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Public: pub, private: priv, id: DerivePeerID(pub)}, nil
}

func saveIdentity(path string, ident *Identity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("crypto: create data dir: %w", err)
	}
	f := identityFile{PrivateKey: base64.StdEncoding.EncodeToString(ident.private)}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("crypto: marshal identity file: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ID returns the identity's stable peer id.
func (i *Identity) ID() PeerID { return i.id }

// Sign produces a detached signature over the SHA-256 digest of b.
func (i *Identity) Sign(b []byte) []byte {
	digest := sha256.Sum256(b)
	return ed25519.Sign(i.private, digest[:])
}

// Verify checks a detached signature produced by Sign against the
// SHA-256 digest of b, using the supplied raw public key.
func Verify(pub ed25519.PublicKey, b, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	digest := sha256.Sum256(b)
	return ed25519.Verify(pub, digest[:], sig)
}

// DerivePeerID computes the stable PeerID for a public key: the hex
// encoding of its SHA-256 digest.
func DerivePeerID(pub ed25519.PublicKey) PeerID {
	sum := sha256.Sum256(pub)
	return PeerID(hex.EncodeToString(sum[:]))
}

// EncodePublicKey renders a raw public key as hex, the wire form used
// by KeyResponse/KeyAnnouncement payloads and whitelist keyfiles.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// DecodePublicKey accepts a public key in raw, hex, or base64 form and
// returns the raw ed25519.PublicKey.
func DecodePublicKey(in []byte) (ed25519.PublicKey, error) {
	if len(in) == ed25519.PublicKeySize {
		pub := make([]byte, ed25519.PublicKeySize)
		copy(pub, in)
		return pub, nil
	}
	if decoded, err := hex.DecodeString(string(in)); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(in)); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(string(in)); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	return nil, fmt.Errorf("crypto: public key has invalid encoding or length")
}
