// Package gate implements the security gate every inbound overlay
// frame passes through before it ever reaches the Dispatcher: a size
// cap, per-source rate limiting, trust-DB admission, signature
// verification and identity-coherence checks, in that order, so that
// unadmitted or malformed traffic is rejected before spending a
// verification cycle on it wherever possible.
package gate

import (
	"context"
	"fmt"

	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/protocol"
	"github.com/kvmesh/kvmesh/pkg/ratelimit"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

// Defaults mirror the configuration options' own default values.
const (
	DefaultMaxFrameSize   = 1 << 20 // 1 MiB
	DefaultRatePerMinute  = 60
	DefaultBurst          = 10
	DefaultMaxTrackedKeys = 4096
)

// RateLimited reports that a frame was dropped by the rate limiter
// before being parsed.
type RateLimited struct{ Key string }

func (e *RateLimited) Error() string { return fmt.Sprintf("gate: rate limited: %s", e.Key) }

// NotAdmitted reports that a frame's signer is not in the trust
// database, or is present but expired.
type NotAdmitted struct{ PeerID string }

func (e *NotAdmitted) Error() string { return fmt.Sprintf("gate: not admitted: %s", e.PeerID) }

// DecodeError wraps a failure to parse the outer envelope or inner
// payload.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return fmt.Sprintf("gate: decode: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// CryptoError wraps a signature-verification or identity-coherence
// failure.
type CryptoError struct{ Err error }

func (e *CryptoError) Error() string { return fmt.Sprintf("gate: crypto: %v", e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// KeyUnknown reports that the signer is admitted but the gate has no
// public key on file for it yet; the caller should request one via
// Pending before retrying the message.
type KeyUnknown struct{ PeerID string }

func (e *KeyUnknown) Error() string { return fmt.Sprintf("gate: signer key unknown: %s", e.PeerID) }

// Gate is the admission pipeline. It holds no message state of its
// own beyond rate limiting; trust lookups and pending-key bookkeeping
// are delegated to the shared Trust DB and PendingKeys set the event
// loop also owns. Blocked and Allowed are the operator-configured
// security.blocked_peers/security.allowed_peers overrides: Blocked is
// an unconditional deny list checked ahead of trust-DB admission;
// Allowed, when non-empty, restricts admission to that set on top of
// whatever the trust DB would otherwise admit.
type Gate struct {
	Trust        *trust.DB
	Pending      *protocol.PendingKeys
	Limiter      *ratelimit.IPRateLimiter
	MaxFrameSize int
	Blocked      map[string]struct{}
	Allowed      map[string]struct{}
}

// New builds a Gate with the default frame size cap and a per-source
// token bucket limiter sized for peer-rate limiting (messages per
// minute rather than per second). blockedPeers and allowedPeers are
// the operator's security.blocked_peers/security.allowed_peers lists;
// either may be nil.
func New(trustDB *trust.DB, pending *protocol.PendingKeys, ratePerMinute, burst float64, maxTracked int, blockedPeers, allowedPeers []string) *Gate {
	return &Gate{
		Trust:        trustDB,
		Pending:      pending,
		Limiter:      ratelimit.NewPeerLimiter(ratePerMinute, burst, maxTracked),
		MaxFrameSize: DefaultMaxFrameSize,
		Blocked:      toPeerSet(blockedPeers),
		Allowed:      toPeerSet(allowedPeers),
	}
}

func toPeerSet(peerIDs []string) map[string]struct{} {
	if len(peerIDs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		set[id] = struct{}{}
	}
	return set
}

// Admit runs the full admission pipeline over a raw frame received
// from sourceKey (a source IP or, once a transport session is
// established, the peer id itself). On success it returns the signer
// peer id and the decoded inner Envelope, ready for Dispatcher.Dispatch.
func (g *Gate) Admit(ctx context.Context, sourceKey string, raw []byte) (string, protocol.Envelope, error) {
	var zero protocol.Envelope

	if len(raw) > g.MaxFrameSize {
		return "", zero, &DecodeError{Err: fmt.Errorf("frame of %d bytes exceeds max %d", len(raw), g.MaxFrameSize)}
	}

	if !g.Limiter.Allow(sourceKey) {
		return "", zero, &RateLimited{Key: sourceKey}
	}

	outer, err := crypto.OpenEnvelope(raw)
	if err != nil {
		return "", zero, &DecodeError{Err: err}
	}
	signer := string(outer.SignerPeerID)

	if _, blocked := g.Blocked[signer]; blocked {
		return "", zero, &NotAdmitted{PeerID: signer}
	}
	if !g.Trust.IsAdmitted(signer) {
		return "", zero, &NotAdmitted{PeerID: signer}
	}
	if g.Allowed != nil {
		if _, ok := g.Allowed[signer]; !ok {
			return "", zero, &NotAdmitted{PeerID: signer}
		}
	}

	entry, ok := g.Trust.Lookup(signer)
	if !ok || len(entry.PublicKey) == 0 {
		g.Pending.Add(signer)
		return "", zero, &KeyUnknown{PeerID: signer}
	}

	if err := outer.Verify(entry.PublicKey); err != nil {
		return "", zero, &CryptoError{Err: err}
	}

	var inner protocol.Envelope
	if err := crypto.DecodePayload(outer.PayloadBytes, &inner); err != nil {
		return "", zero, &DecodeError{Err: err}
	}

	return signer, inner, nil
}
