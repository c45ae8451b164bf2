// Package meshnet implements LAN discovery, authenticated transport,
// and the flood publish/subscribe overlay the event loop drives
// through a single ordered event channel.
package meshnet

import (
	"sync"
	"time"
)

// DefaultMaxPeers bounds memory use under a flood of bogus discovery
// advertisements; a legitimate LAN deployment is unlikely to ever
// approach it.
const DefaultMaxPeers = 1000

// PeerDeadTimeout marks a peer inactive (still listed, excluded from
// dial/fan-out candidate lists) once nothing has been heard from it.
const PeerDeadTimeout = 5 * time.Minute

// PeerRemoveTimeout drops a peer from the store entirely after an
// extended silence.
const PeerRemoveTimeout = 10 * time.Minute

const eventBufSize = 16

// DiscoveryMethod tags how a peer entry was learned.
type DiscoveryMethod string

const (
	MethodLAN     DiscoveryMethod = "lan"
	MethodOverlay DiscoveryMethod = "overlay" // learned via overlay traffic, not a direct advertisement
)

// PeerEventKind distinguishes a first sighting from a refresh.
type PeerEventKind int

const (
	PeerEventNew PeerEventKind = iota
	PeerEventUpdated
)

// PeerEvent is delivered to PeerStore subscribers.
type PeerEvent struct {
	PeerID string
	Kind   PeerEventKind
}

// PeerInfo is a discovered peer's dial/session bookkeeping. It is not
// the source of trust; admission is decided entirely by the Trust DB.
type PeerInfo struct {
	PeerID        string
	Address       string // multiaddr, e.g. /ip4/A.B.C.D/tcp/P/p2p/<peer_id>
	LastSeen      time.Time
	DiscoveredVia []DiscoveryMethod
	Connected     bool
}

// PeerStore is the live, in-memory registry of discovered/connected
// peers. It is safe for concurrent use by the discovery, transport,
// and overlay workers; the event loop reads it for status output and
// mutates it only through the operator's cleanup command (CleanupStale).
type PeerStore struct {
	mu          sync.RWMutex
	peers       map[string]*PeerInfo
	subscribers []chan PeerEvent
}

// NewPeerStore creates an empty peer store.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*PeerInfo)}
}

// Subscribe registers a channel that receives every subsequent peer event.
func (ps *PeerStore) Subscribe() <-chan PeerEvent {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch := make(chan PeerEvent, eventBufSize)
	ps.subscribers = append(ps.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (ps *PeerStore) Unsubscribe(ch <-chan PeerEvent) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, sub := range ps.subscribers {
		if sub == ch {
			ps.subscribers = append(ps.subscribers[:i], ps.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (ps *PeerStore) notify(peerID string, kind PeerEventKind) {
	ps.mu.RLock()
	subs := make([]chan PeerEvent, len(ps.subscribers))
	copy(subs, ps.subscribers)
	ps.mu.RUnlock()

	ev := PeerEvent{PeerID: peerID, Kind: kind}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Update records a discovery sighting or connection-state refresh for
// a peer. New peers beyond DefaultMaxPeers are silently dropped;
// updates to already-known peers are always accepted.
func (ps *PeerStore) Update(peerID, address string, method DiscoveryMethod) {
	var eventKind PeerEventKind
	var notified bool

	func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		now := time.Now()

		existing, exists := ps.peers[peerID]
		if !exists {
			if len(ps.peers) >= DefaultMaxPeers {
				return
			}
			ps.peers[peerID] = &PeerInfo{
				PeerID:        peerID,
				Address:       address,
				LastSeen:      now,
				DiscoveredVia: []DiscoveryMethod{method},
			}
			eventKind = PeerEventNew
			notified = true
			return
		}

		if address != "" {
			existing.Address = address
		}
		existing.LastSeen = now
		if !containsMethod(existing.DiscoveredVia, method) {
			existing.DiscoveredVia = append(existing.DiscoveredVia, method)
		}
		eventKind = PeerEventUpdated
		notified = true
	}()

	if notified {
		ps.notify(peerID, eventKind)
	}
}

func containsMethod(methods []DiscoveryMethod, target DiscoveryMethod) bool {
	for _, m := range methods {
		if m == target {
			return true
		}
	}
	return false
}

// SetConnected marks whether a transport session is currently open to peerID.
func (ps *PeerStore) SetConnected(peerID string, connected bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.peers[peerID]; ok {
		p.Connected = connected
	}
}

// Get returns a copy of the peer entry for peerID.
func (ps *PeerStore) Get(peerID string) (PeerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// All returns a snapshot of every known peer.
func (ps *PeerStore) All() []PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, *p)
	}
	return out
}

// Active returns peers seen within PeerDeadTimeout — the dial/fan-out
// candidate set.
func (ps *PeerStore) Active() []PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	now := time.Now()
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		if now.Sub(p.LastSeen) < PeerDeadTimeout {
			out = append(out, *p)
		}
	}
	return out
}

// CleanupStale removes peers unseen for longer than PeerRemoveTimeout,
// returning the removed peer ids.
func (ps *PeerStore) CleanupStale() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	var removed []string
	for id, p := range ps.peers {
		if now.Sub(p.LastSeen) > PeerRemoveTimeout {
			delete(ps.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Count returns the number of known peers.
func (ps *PeerStore) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}
