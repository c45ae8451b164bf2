package gate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/protocol"
	"github.com/kvmesh/kvmesh/pkg/ratelimit"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

func newTestGate(t *testing.T) (*Gate, *trust.DB) {
	t.Helper()
	tdb, err := trust.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })

	g := New(tdb, protocol.NewPendingKeys(), 600, 20, 1024, nil, nil)
	return g, tdb
}

func sealedPut(t *testing.T, signer *crypto.Identity, key, value string) []byte {
	t.Helper()
	inner := protocol.Envelope{Kind: protocol.KindPut, Body: mustJSON(t, protocol.Put{Key: key, Value: value, Timestamp: 1})}
	raw, err := crypto.SealEnvelope(signer, inner)
	if err != nil {
		t.Fatalf("SealEnvelope: %v", err)
	}
	return raw
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := crypto.CanonicalBytes(v)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	return b
}

func TestAdmitRejectsUnadmittedSigner(t *testing.T) {
	g, _ := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()

	_, _, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if _, ok := err.(*NotAdmitted); !ok {
		t.Fatalf("expected *NotAdmitted, got %v (%T)", err, err)
	}
}

func TestAdmitRequestsKeyWhenUnknown(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()

	if err := tdb.Add(context.Background(), string(ident.ID()), "", nil, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}

	_, _, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if _, ok := err.(*KeyUnknown); !ok {
		t.Fatalf("expected *KeyUnknown, got %v (%T)", err, err)
	}
	pending := g.Pending.List()
	if len(pending) != 1 || pending[0] != string(ident.ID()) {
		t.Fatalf("expected signer queued in Pending, got %v", pending)
	}
}

func TestAdmitSucceedsForKnownAdmittedSigner(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()

	if err := tdb.Add(context.Background(), string(ident.ID()), "", ident.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}

	signer, env, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if signer != string(ident.ID()) {
		t.Fatalf("signer = %q, want %q", signer, ident.ID())
	}
	if env.Kind != protocol.KindPut {
		t.Fatalf("env.Kind = %q, want put", env.Kind)
	}
}

func TestAdmitRejectsTamperedSignature(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()
	if err := tdb.Add(context.Background(), string(ident.ID()), "", ident.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}

	env, err := crypto.OpenEnvelope(sealedPut(t, ident, "k", "v"))
	if err != nil {
		t.Fatalf("OpenEnvelope: %v", err)
	}
	env.Signature[len(env.Signature)-1] ^= 0xFF // corrupt trailing signature byte
	raw := mustJSON(t, env)

	_, _, err = g.Admit(context.Background(), "10.0.0.1", raw)
	if err == nil {
		t.Fatal("expected an error for a tampered signature")
	}
	if _, ok := err.(*CryptoError); !ok {
		if _, ok := err.(*DecodeError); !ok {
			t.Fatalf("expected *CryptoError or *DecodeError for a corrupted frame, got %T", err)
		}
	}
}

func TestAdmitRejectsOversizedFrame(t *testing.T) {
	g, _ := newTestGate(t)
	g.MaxFrameSize = 8

	_, _, err := g.Admit(context.Background(), "10.0.0.1", make([]byte, 9))
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected *DecodeError for an oversized frame, got %v (%T)", err, err)
	}
}

func TestAdmitRejectsBlockedPeerEvenIfTrusted(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()
	if err := tdb.Add(context.Background(), string(ident.ID()), "", ident.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}
	g.Blocked = toPeerSet([]string{string(ident.ID())})

	_, _, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if _, ok := err.(*NotAdmitted); !ok {
		t.Fatalf("expected *NotAdmitted for a blocked peer, got %v (%T)", err, err)
	}
}

func TestAdmitRejectsTrustedPeerNotOnAllowlist(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()
	if err := tdb.Add(context.Background(), string(ident.ID()), "", ident.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}
	g.Allowed = toPeerSet([]string{"someone-else"})

	_, _, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if _, ok := err.(*NotAdmitted); !ok {
		t.Fatalf("expected *NotAdmitted for a peer missing from the allowlist, got %v (%T)", err, err)
	}
}

func TestAdmitAcceptsTrustedPeerOnAllowlist(t *testing.T) {
	g, tdb := newTestGate(t)
	ident, _ := crypto.GenerateIdentity()
	if err := tdb.Add(context.Background(), string(ident.ID()), "", ident.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}
	g.Allowed = toPeerSet([]string{string(ident.ID())})

	_, _, err := g.Admit(context.Background(), "10.0.0.1", sealedPut(t, ident, "k", "v"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmitRateLimitsBeforeDecoding(t *testing.T) {
	g, _ := newTestGate(t)
	g.Limiter = ratelimit.New(0.001, 1, 10)
	g.Limiter.Allow("10.0.0.1") // consume the only token

	_, _, err := g.Admit(context.Background(), "10.0.0.1", []byte("not even valid json"))
	if _, ok := err.(*RateLimited); !ok {
		t.Fatalf("expected *RateLimited, got %v (%T)", err, err)
	}
}
