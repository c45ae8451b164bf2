package meshnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DiscoveryInterval is how often this node re-advertises itself.
const DiscoveryInterval = 10 * time.Second

// DiscoveryMulticastAddr is the well-known local-link multicast group
// and port the discovery advertisement is sent to and listened on.
const DiscoveryMulticastAddr = "239.255.77.77:7946"

const discoveryMaxDatagram = 2048

// advertisement is the payload broadcast on the local link. It carries
// only what is needed to attempt a dial; admission and identity
// verification both happen later, at the gate.
type advertisement struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
}

// Discovered carries a raw sighting up to the caller, which typically
// feeds it into a PeerStore and the event loop's discovery-event queue.
type Discovered struct {
	PeerID  string
	Address string
}

// Discovery periodically advertises this node's own address on the
// local link and reports sightings of others.
type Discovery struct {
	selfID       string
	selfAddr     string
	log          *slog.Logger
	conn         *net.UDPConn
	onDiscovered func(Discovered)
}

// NewDiscovery creates a Discovery advertising selfAddr under selfID.
// onDiscovered is invoked (from the listen goroutine) for every
// sighting of a different peer.
func NewDiscovery(selfID, selfAddr string, log *slog.Logger, onDiscovered func(Discovered)) (*Discovery, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", DiscoveryMulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("meshnet: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("meshnet: join multicast group: %w", err)
	}
	return &Discovery{
		selfID:       selfID,
		selfAddr:     selfAddr,
		log:          log,
		conn:         conn,
		onDiscovered: onDiscovered,
	}, nil
}

// Run advertises on a ticker and listens for advertisements until ctx
// is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	go d.listenLoop(ctx)
	d.advertiseLoop(ctx)
}

func (d *Discovery) advertiseLoop(ctx context.Context) {
	ticker := time.NewTicker(DiscoveryInterval)
	defer ticker.Stop()

	d.advertiseOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.advertiseOnce()
		}
	}
}

func (d *Discovery) advertiseOnce() {
	groupAddr, err := net.ResolveUDPAddr("udp4", DiscoveryMulticastAddr)
	if err != nil {
		return
	}
	ad := advertisement{PeerID: d.selfID, Address: d.selfAddr, Timestamp: time.Now().Unix()}
	data, err := json.Marshal(ad)
	if err != nil {
		return
	}
	if _, err := d.conn.WriteToUDP(data, groupAddr); err != nil && d.log != nil {
		d.log.Info("discovery advertisement failed", "component", "discovery", "error", err)
	}
}

func (d *Discovery) listenLoop(ctx context.Context) {
	buf := make([]byte, discoveryMaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}

		var ad advertisement
		if err := json.Unmarshal(buf[:n], &ad); err != nil {
			continue
		}
		if ad.PeerID == "" || ad.PeerID == d.selfID {
			continue
		}
		if d.onDiscovered != nil {
			d.onDiscovered(Discovered{PeerID: ad.PeerID, Address: ad.Address})
		}
	}
}

// Close releases the multicast socket.
func (d *Discovery) Close() error {
	return d.conn.Close()
}
