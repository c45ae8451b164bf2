package protocol

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/store"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

type fakePublisher struct {
	published []struct {
		kind Kind
		body interface{}
	}
}

func (f *fakePublisher) Publish(kind Kind, body interface{}) error {
	f.published = append(f.published, struct {
		kind Kind
		body interface{}
	}{kind, body})
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakePublisher) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tdb, err := trust.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })

	pub := &fakePublisher{}
	return &Dispatcher{
		Store:   s,
		Trust:   tdb,
		Pending: NewPendingKeys(),
		Cache:   NewMessageCache(),
		Self:    "local",
		Out:     pub,
	}, pub
}

func body(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDispatchPutAppliesToStore(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(ctx, "remote", Envelope{Kind: KindPut, Body: body(t, Put{Key: "x", Value: "a", Timestamp: 1})})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, ok, _ := d.Store.Get(ctx, "x")
	if !ok || got != "a" {
		t.Fatalf("Get(x) = (%q, %v), want (a, true)", got, ok)
	}
}

func TestDispatchKeyAnnouncementRequiresExistingEntry(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	ident, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	peerID := string(ident.ID())

	ann := KeyAnnouncement{
		PeerID:    peerID,
		PublicKey: crypto.EncodePublicKey(ident.Public),
		Timestamp: time.Now().Unix(),
		UID:       NewUID(),
	}

	// No whitelist entry yet: announcement must be dropped without error.
	if err := d.Dispatch(ctx, peerID, Envelope{Kind: KindKeyAnnouncement, Body: body(t, ann)}); err != nil {
		t.Fatalf("Dispatch (no entry): %v", err)
	}
	if _, ok := d.Trust.Lookup(peerID); ok {
		t.Fatal("an announcement must never create a new whitelist entry")
	}

	// Seed a minimal entry, then the identical announcement should upsert the key.
	if err := d.Trust.Add(ctx, peerID, "", nil, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}
	ann.UID = NewUID()
	if err := d.Dispatch(ctx, peerID, Envelope{Kind: KindKeyAnnouncement, Body: body(t, ann)}); err != nil {
		t.Fatalf("Dispatch (with entry): %v", err)
	}
	entry, ok := d.Trust.Lookup(peerID)
	if !ok || len(entry.PublicKey) == 0 {
		t.Fatal("expected the public key to be upserted for an already-present entry")
	}
}

func TestDispatchKeyAnnouncementRejectsIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	ident, _ := crypto.GenerateIdentity()
	other, _ := crypto.GenerateIdentity()
	if err := d.Trust.Add(ctx, string(ident.ID()), "", nil, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}

	ann := KeyAnnouncement{
		PeerID:    string(ident.ID()),
		PublicKey: crypto.EncodePublicKey(other.Public), // mismatched key
		Timestamp: time.Now().Unix(),
		UID:       NewUID(),
	}
	if err := d.Dispatch(ctx, string(ident.ID()), Envelope{Kind: KindKeyAnnouncement, Body: body(t, ann)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	entry, _ := d.Trust.Lookup(string(ident.ID()))
	if len(entry.PublicKey) != 0 {
		t.Fatal("a key whose derived id does not match the claimed peer id must never be persisted")
	}
}

func TestDispatchKeyRequestRepliesOnlyWhenKeyKnownAndRequestorAdmitted(t *testing.T) {
	ctx := context.Background()
	d, pub := newTestDispatcher(t)

	target, _ := crypto.GenerateIdentity()
	if err := d.Trust.Add(ctx, string(target.ID()), "", target.Public, nil); err != nil {
		t.Fatalf("Trust.Add(target): %v", err)
	}

	req := KeyRequest{Requestor: "unadmitted", Target: string(target.ID()), Timestamp: time.Now().Unix(), UID: NewUID()}
	if err := d.Dispatch(ctx, "someone", Envelope{Kind: KindKeyRequest, Body: body(t, req)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatal("must not reply when the requestor is not admitted")
	}

	requestor, _ := crypto.GenerateIdentity()
	if err := d.Trust.Add(ctx, string(requestor.ID()), "", requestor.Public, nil); err != nil {
		t.Fatalf("Trust.Add(requestor): %v", err)
	}
	req.Requestor = string(requestor.ID())
	req.UID = NewUID()
	if err := d.Dispatch(ctx, "someone", Envelope{Kind: KindKeyRequest, Body: body(t, req)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].kind != KindKeyResponse {
		t.Fatal("expected exactly one KeyResponse to be published")
	}
}

func TestReplaySuppressionAppliesOnceEffect(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	b, _ := crypto.GenerateIdentity()
	if err := d.Trust.Add(ctx, string(b.ID()), "", b.Public, nil); err != nil {
		t.Fatalf("Trust.Add: %v", err)
	}

	rec := TrustRecommendation{Recommender: string(b.ID()), Recommended: "c", Timestamp: time.Now().Unix(), UID: "fixed-uid"}
	if err := d.Dispatch(ctx, string(b.ID()), Envelope{Kind: KindTrustRecommendation, Body: body(t, rec)}); err != nil {
		t.Fatalf("Dispatch (first): %v", err)
	}
	if err := d.Dispatch(ctx, string(b.ID()), Envelope{Kind: KindTrustRecommendation, Body: body(t, rec)}); err != nil {
		t.Fatalf("Dispatch (replay): %v", err)
	}

	entry, ok := d.Trust.Lookup("c")
	if !ok || entry.RecommendationCount != 1 {
		t.Fatalf("replay must have no additional effect: entry=%+v ok=%v", entry, ok)
	}
}
