package meshnet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// DefaultMeshDegree bounds how many connected peers this node forwards
// every published message to directly. Peers beyond the degree are
// still tracked as gossip-only: they can still reach us and we them,
// just not through flood forwarding.
const DefaultMeshDegree = 6

// dedupeCapacity bounds the per-message dedup set so a long-running
// node doesn't grow it without bound; old entries are evicted in
// insertion order once the cap is hit.
const dedupeCapacity = 8192

// OutgoingFrame is a message ready to hand to the transport layer.
type OutgoingFrame struct {
	PeerID string
	Bytes  []byte
}

// sender is implemented by the transport layer (or, in tests, a fake)
// so Overlay never depends on net.Conn directly.
type sender interface {
	Send(peerID string, bytes []byte) error
}

// Overlay implements the flood publish/subscribe mesh over the single
// sync topic. Each published message is delivered to every mesh
// neighbor at most once; a dedup set keyed by message id prevents
// re-forwarding a message this node has already seen.
type Overlay struct {
	mu        sync.Mutex
	neighbors []string // connected peer ids eligible for flood forwarding, bounded by degree
	degree    int
	seen      map[string]struct{}
	seenOrder []string
	transport sender
}

// NewOverlay creates an overlay bounded to degree mesh neighbors,
// forwarding through transport.
func NewOverlay(transport sender, degree int) *Overlay {
	if degree <= 0 {
		degree = DefaultMeshDegree
	}
	return &Overlay{
		degree:    degree,
		seen:      make(map[string]struct{}),
		transport: transport,
	}
}

// AddNeighbor makes peerID eligible for flood forwarding, up to the
// configured mesh degree; additional peers remain gossip-only (they
// can still publish to us and we can still unicast to them, they are
// simply excluded from this node's own flood fan-out).
func (o *Overlay) AddNeighbor(peerID string) (acceptedIntoMesh bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, n := range o.neighbors {
		if n == peerID {
			return true
		}
	}
	if len(o.neighbors) >= o.degree {
		return false
	}
	o.neighbors = append(o.neighbors, peerID)
	return true
}

// RemoveNeighbor excludes peerID from future flood forwarding, e.g.
// once its connection closes.
func (o *Overlay) RemoveNeighbor(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, n := range o.neighbors {
		if n == peerID {
			o.neighbors = append(o.neighbors[:i], o.neighbors[i+1:]...)
			return
		}
	}
}

// Neighbors returns the current flood-forwarding peer set.
func (o *Overlay) Neighbors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.neighbors))
	copy(out, o.neighbors)
	return out
}

// MessageID derives the dedup key for a wire frame: the hex SHA-256
// digest of its bytes. Frames are already signed envelopes, so two
// distinct messages never collide here short of a hash collision.
func MessageID(frame []byte) string {
	sum := sha256.Sum256(frame)
	return hex.EncodeToString(sum[:])
}

// Publish hands frame to every current mesh neighbor except
// excludeFrom (the peer it was received from, if any — pass "" for a
// locally originated publish). It records frame's message id in the
// dedup set first, so a forwarded copy that loops back is dropped by
// HandleIncoming before being re-published.
func (o *Overlay) Publish(frame []byte, excludeFrom string) error {
	id := MessageID(frame)
	o.markSeen(id)

	o.mu.Lock()
	targets := make([]string, 0, len(o.neighbors))
	for _, n := range o.neighbors {
		if n != excludeFrom {
			targets = append(targets, n)
		}
	}
	o.mu.Unlock()

	var firstErr error
	for _, peerID := range targets {
		if err := o.transport.Send(peerID, frame); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("meshnet: publish to %s: %w", peerID, err)
		}
	}
	return firstErr
}

// HandleIncoming reports whether a received frame should be delivered
// locally and forwarded on. It returns false for
// a frame whose message id has already been seen (a duplicate
// arriving via a different path through the flood), in which case the
// caller must not re-process or re-forward it.
func (o *Overlay) HandleIncoming(frame []byte) (forward bool) {
	id := MessageID(frame)
	o.mu.Lock()
	_, dup := o.seen[id]
	o.mu.Unlock()
	if dup {
		return false
	}
	o.markSeen(id)
	return true
}

func (o *Overlay) markSeen(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[id]; ok {
		return
	}
	o.seen[id] = struct{}{}
	o.seenOrder = append(o.seenOrder, id)
	if len(o.seenOrder) > dedupeCapacity {
		oldest := o.seenOrder[0]
		o.seenOrder = o.seenOrder[1:]
		delete(o.seen, oldest)
	}
}
