package protocol

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/store"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

// DefaultMaxKeyDistMessageAge is the age filter applied to every
// key-distribution message before its handler runs, used when a
// Dispatcher's MaxMessageAge is left at its zero value.
const DefaultMaxKeyDistMessageAge = 24 * time.Hour

// PendingKeys is the transient set of peer ids whose public key is
// wanted. Entries are seeded when a whitelisted peer connects without
// a known key, or when the Security Gate receives a frame from an
// admitted signer with no key on file, and cleared on receipt of a
// valid KeyResponse or KeyAnnouncement.
type PendingKeys struct {
	mu      chan struct{} // binary semaphore; avoids importing sync for a one-liner
	pending map[string]struct{}
}

// NewPendingKeys creates an empty pending-key set.
func NewPendingKeys() *PendingKeys {
	p := &PendingKeys{mu: make(chan struct{}, 1), pending: make(map[string]struct{})}
	p.mu <- struct{}{}
	return p
}

func (p *PendingKeys) lock()   { <-p.mu }
func (p *PendingKeys) unlock() { p.mu <- struct{}{} }

// Add marks peerID's key as wanted.
func (p *PendingKeys) Add(peerID string) {
	p.lock()
	defer p.unlock()
	p.pending[peerID] = struct{}{}
}

// Clear removes peerID from the wanted set.
func (p *PendingKeys) Clear(peerID string) {
	p.lock()
	defer p.unlock()
	delete(p.pending, peerID)
}

// List returns a snapshot of peer ids whose key is still wanted.
func (p *PendingKeys) List() []string {
	p.lock()
	defer p.unlock()
	out := make([]string, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	return out
}

// NewUID returns a fresh random identifier for a key-distribution message.
func NewUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Publisher sends an envelope kind/body to the overlay. Handlers use
// it only to reply to a KeyRequest with a KeyResponse.
type Publisher interface {
	Publish(kind Kind, body interface{}) error
}

// Dispatcher applies admitted, decoded messages to the Store and
// Trust DB. It is driven exclusively by the event loop: there is no
// internal locking here because the loop is the sole caller.
type Dispatcher struct {
	Store   *store.Store
	Trust   *trust.DB
	Pending *PendingKeys
	Cache   *MessageCache
	Self    string // our own peer id, for KeyRequest replies
	Out     Publisher
	Log     *slog.Logger

	// MaxMessageAge is the key-distribution age filter
	// (key_distribution.max_message_age_hours). Zero means
	// DefaultMaxKeyDistMessageAge.
	MaxMessageAge time.Duration
}

// Dispatch decodes env.Body by env.Kind and routes it to the
// appropriate handler. from is the signer peer id, already verified
// and admitted by the Security Gate before Dispatch is ever called.
func (d *Dispatcher) Dispatch(ctx context.Context, from string, env Envelope) error {
	switch env.Kind {
	case KindPut:
		var m Put
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode put: %w", err)
		}
		return d.handlePut(ctx, m)

	case KindDelete:
		var m Delete
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode delete: %w", err)
		}
		return d.handleDelete(ctx, m)

	case KindKeyRequest:
		var m KeyRequest
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode key_request: %w", err)
		}
		return d.handleKeyRequest(ctx, from, m)

	case KindKeyResponse:
		var m KeyResponse
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode key_response: %w", err)
		}
		return d.handleKeyResponse(ctx, from, m)

	case KindKeyAnnouncement:
		var m KeyAnnouncement
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode key_announcement: %w", err)
		}
		return d.handleKeyAnnouncement(ctx, from, m)

	case KindWhitelistRequest:
		var m WhitelistRequest
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode whitelist_request: %w", err)
		}
		d.handleWhitelistRequest(m)
		return nil

	case KindTrustRecommendation:
		var m TrustRecommendation
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("protocol: decode trust_recommendation: %w", err)
		}
		return d.handleTrustRecommendation(ctx, from, m)

	default:
		return fmt.Errorf("protocol: unknown message kind %q", env.Kind)
	}
}

func (d *Dispatcher) handlePut(ctx context.Context, m Put) error {
	if _, err := d.Store.PutRemote(ctx, m.Key, m.Value, m.Timestamp); err != nil {
		d.logf("store", "dropping invalid remote put: %v", err)
		return nil
	}
	return nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, m Delete) error {
	if _, err := d.Store.DeleteRemote(ctx, m.Key, m.Timestamp); err != nil {
		d.logf("store", "dropping invalid remote delete: %v", err)
		return nil
	}
	return nil
}

// checkKeyDist applies the shared age filter and replay suppression to
// every key-distribution message; it returns false if the message
// should be dropped without further processing.
func (d *Dispatcher) checkKeyDist(signer string, msg KeyDistMessage) bool {
	maxAge := d.MaxMessageAge
	if maxAge <= 0 {
		maxAge = DefaultMaxKeyDistMessageAge
	}
	msgTime := time.Unix(msg.timestamp(), 0)
	age := time.Since(msgTime)
	if age > maxAge || age < -maxAge {
		d.logf("protocol", "dropping key-distribution message outside age window")
		return false
	}
	if d.Cache.SeenBefore(signer, msg.uid()) {
		return false
	}
	return true
}

func (d *Dispatcher) handleKeyRequest(ctx context.Context, from string, m KeyRequest) error {
	if !d.checkKeyDist(from, m) {
		return nil
	}
	if !d.Trust.IsAdmitted(m.Requestor) {
		return nil
	}
	entry, ok := d.Trust.Lookup(m.Target)
	if !ok || len(entry.PublicKey) == 0 {
		return nil
	}
	return d.Out.Publish(KindKeyResponse, KeyResponse{
		Target:    m.Target,
		PublicKey: crypto.EncodePublicKey(entry.PublicKey),
		Timestamp: time.Now().Unix(),
		UID:       NewUID(),
	})
}

func (d *Dispatcher) handleKeyResponse(ctx context.Context, from string, m KeyResponse) error {
	if !d.checkKeyDist(from, m) {
		return nil
	}
	pub, err := crypto.DecodePublicKey([]byte(m.PublicKey))
	if err != nil {
		d.logf("protocol", "key_response: malformed key for %s: %v", m.Target, err)
		return nil
	}
	if string(crypto.DerivePeerID(pub)) != m.Target {
		d.logf("protocol", "key_response: identity mismatch for claimed target %s", m.Target)
		return nil
	}
	if _, ok := d.Trust.Lookup(m.Target); !ok {
		return nil // target must already have an entry; else drop
	}
	if err := d.Trust.SetPublicKey(ctx, m.Target, pub); err != nil {
		return fmt.Errorf("protocol: store key for %s: %w", m.Target, err)
	}
	d.Pending.Clear(m.Target)
	return nil
}

func (d *Dispatcher) handleKeyAnnouncement(ctx context.Context, from string, m KeyAnnouncement) error {
	if !d.checkKeyDist(from, m) {
		return nil
	}
	pub, err := crypto.DecodePublicKey([]byte(m.PublicKey))
	if err != nil {
		d.logf("protocol", "key_announcement: malformed key from %s: %v", from, err)
		return nil
	}
	derived := string(crypto.DerivePeerID(pub))
	if derived != m.PeerID || derived != from {
		d.logf("protocol", "key_announcement: identity mismatch (peer_id=%s signer=%s derived=%s)", m.PeerID, from, derived)
		return nil
	}
	if _, ok := d.Trust.Lookup(m.PeerID); !ok {
		return nil // upsert only for already-present entries
	}
	if err := d.Trust.SetPublicKey(ctx, m.PeerID, pub); err != nil {
		return fmt.Errorf("protocol: store announced key for %s: %w", m.PeerID, err)
	}
	d.Pending.Clear(m.PeerID)
	return nil
}

func (d *Dispatcher) handleWhitelistRequest(m WhitelistRequest) {
	// Never auto-added: operator policy gates whitelist admission.
	d.logf("protocol", "whitelist request from %s (name=%q) — logged only", m.Requestor, m.Name)
}

func (d *Dispatcher) handleTrustRecommendation(ctx context.Context, from string, m TrustRecommendation) error {
	if !d.checkKeyDist(from, m) {
		return nil
	}
	if from != m.Recommender {
		d.logf("protocol", "trust_recommendation: signer %s does not match recommender %s", from, m.Recommender)
		return nil
	}
	if err := d.Trust.AddRecommendation(ctx, m.Recommender, m.Recommended, m.Name); err != nil {
		d.logf("protocol", "trust_recommendation rejected: %v", err)
	}
	return nil
}

func (d *Dispatcher) logf(component, format string, args ...interface{}) {
	if d.Log == nil {
		return
	}
	d.Log.Info(fmt.Sprintf(format, args...), "component", component)
}
