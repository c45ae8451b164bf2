// Package daemon runs the single-task event loop that owns the Store
// and Trust DB: one cooperative loop multiplexing operator commands,
// network events, and periodic timers, so neither database ever needs
// its own internal write lock.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kvmesh/kvmesh/pkg/config"
	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/gate"
	"github.com/kvmesh/kvmesh/pkg/meshnet"
	"github.com/kvmesh/kvmesh/pkg/otel"
	"github.com/kvmesh/kvmesh/pkg/protocol"
	"github.com/kvmesh/kvmesh/pkg/ratelimit"
	"github.com/kvmesh/kvmesh/pkg/store"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

const (
	announceKeyInterval    = 60 * time.Second
	requestMissingInterval = 30 * time.Second
	sweepInterval          = 1 * time.Hour
	replayExpireInterval   = 1 * time.Hour
)

// parseLogLevel converts a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigureLogging sets up the global structured logger. All existing
// log.Printf call sites are redirected through slog so they remain
// visible regardless of the configured filter level. Call once at
// program startup, after otel.Init (if used), so that when an OTLP
// log endpoint is configured this logger's output is also forwarded
// to it instead of silently overwriting otel's own log bridge.
func ConfigureLogging(level string) *slog.Logger {
	lvl := parseLogLevel(level)
	var out io.Writer = os.Stderr
	if w := otel.Writer(); w != nil {
		out = w
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0)
	return logger
}

// slogWriter adapts log.Printf output to slog at a fixed level.
type slogWriter struct{ level slog.Level }

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

// Daemon owns every mutable component reachable from the event loop:
// the Store, Trust DB, and meshnet network. It is the sole mutator of
// Store/Trust; network workers only ever hand it events over Sink.
type Daemon struct {
	cfg  config.Config
	self *crypto.Identity
	log  *slog.Logger

	store *store.Store
	trust *trust.DB

	pending *protocol.PendingKeys
	cache   *protocol.MessageCache
	gate    *gate.Gate
	dispatch *protocol.Dispatcher

	overlay *meshnet.Overlay
	peers   *meshnet.PeerStore
	connCap *ratelimit.ConnCap

	sessMu   sync.Mutex
	sessions map[string]*meshnet.Session

	listener  net.Listener
	discovery *meshnet.Discovery
	sink      meshnet.EventSink

	advertiseAddr string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the durable state under cfg.DataDir and constructs a
// Daemon ready to Run. It does not start listening or discovery; call
// Run for that.
func Open(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	self, err := crypto.LoadOrCreateIdentity(cfg.DataDir + "/identity.key")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("daemon: load identity: %w", err)
	}

	st, err := store.OpenWithLimits(cfg.DataDir+"/store.db", int(cfg.Security.MaxKeyLength), int(cfg.Security.MaxValueLength))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	trustDB, err := trust.Open(cfg.DataDir + "/store.db")
	if err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("daemon: open trust db: %w", err)
	}

	pending := protocol.NewPendingKeys()
	cache := protocol.NewMessageCache()
	g := gate.New(trustDB, pending, float64(cfg.Security.RateLimitPerMinute), float64(cfg.Security.RateLimitBurst), gate.DefaultMaxTrackedKeys, cfg.Security.BlockedPeers, cfg.Security.AllowedPeers)
	g.MaxFrameSize = int(cfg.Security.MaxMessageSize)

	peers := meshnet.NewPeerStore()
	connCap := ratelimit.NewConnCap(int(cfg.Security.MaxConnectionsPerIP))

	d := &Daemon{
		cfg:      cfg,
		self:     self,
		log:      logger,
		store:    st,
		trust:    trustDB,
		pending:  pending,
		cache:    cache,
		gate:     g,
		peers:    peers,
		connCap:  connCap,
		sessions: make(map[string]*meshnet.Session),
		sink:     meshnet.NewEventSink(256),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.overlay = meshnet.NewOverlay(d, meshnet.DefaultMeshDegree)

	d.dispatch = &protocol.Dispatcher{
		Store:         st,
		Trust:         trustDB,
		Pending:       pending,
		Cache:         cache,
		Self:          string(self.ID()),
		Out:           d,
		Log:           logger,
		MaxMessageAge: time.Duration(cfg.KeyDistribution.MaxMessageAgeHours) * time.Hour,
	}
	return d, nil
}

// Send implements meshnet's sender interface so Overlay can forward
// frames to specific neighbors over their live Session.
func (d *Daemon) Send(peerID string, bytes []byte) error {
	d.sessMu.Lock()
	sess, ok := d.sessions[peerID]
	d.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: no session to %s", peerID)
	}
	return sess.Send(bytes)
}

// Publish implements protocol.Publisher: it seals body under Kind in
// this node's own envelope and floods it to every mesh neighbor.
func (d *Daemon) Publish(kind protocol.Kind, body interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("daemon: encode %s body: %w", kind, err)
	}
	env := protocol.Envelope{Kind: kind, Body: bodyBytes}
	sealed, err := crypto.SealEnvelope(d.self, env)
	if err != nil {
		return fmt.Errorf("daemon: seal %s: %w", kind, err)
	}
	n := len(d.overlay.Neighbors())
	metricOverlayFanout.Record(d.ctx, int64(n))
	return d.overlay.Publish(sealed, "")
}

// Run starts listening, discovery, and the cooperative event loop; it
// blocks until ctx (the process's own, via signals) or the Daemon's
// own Shutdown is triggered.
func (d *Daemon) Run(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", listenAddr, err)
	}
	d.listener = ln
	d.advertiseAddr = ln.Addr().String()

	disc, err := meshnet.NewDiscovery(string(d.self.ID()), d.advertiseAddr, d.log, d.onDiscovered)
	if err != nil {
		ln.Close()
		return fmt.Errorf("daemon: start discovery: %w", err)
	}
	d.discovery = disc

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.discovery.Run(d.ctx)
	}()

	for _, addr := range d.cfg.BootstrapPeers {
		go d.dialBootstrap(addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stdin := make(chan string)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(stdin)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case stdin <- scanner.Text():
			case <-d.ctx.Done():
				return
			}
		}
	}()

	announceTicker := time.NewTicker(announceKeyInterval)
	requestTicker := time.NewTicker(requestMissingInterval)
	sweepTicker := time.NewTicker(sweepInterval)
	replayTicker := time.NewTicker(replayExpireInterval)
	defer announceTicker.Stop()
	defer requestTicker.Stop()
	defer sweepTicker.Stop()
	defer replayTicker.Stop()

	d.log.Info("daemon running", "peer_id", d.self.ID(), "listen", d.advertiseAddr)

	for {
		select {
		case sig := <-sigCh:
			d.log.Info("received signal, shutting down", "signal", sig)
			d.Shutdown()

		case <-d.ctx.Done():
			d.listener.Close()
			d.discovery.Close()
			d.wg.Wait()
			return nil

		case line, ok := <-stdin:
			if !ok {
				continue
			}
			if out := d.handleCommand(line); out != "" {
				fmt.Println(out)
			}

		case ev := <-d.sink:
			d.handleEvent(ev)

		case <-announceTicker.C:
			if d.cfg.KeyDistribution.AutoShareKeys {
				d.announceKey()
			}

		case <-requestTicker.C:
			if d.cfg.KeyDistribution.AutoRequestKeys {
				d.requestMissingKeys()
			}

		case <-sweepTicker.C:
			d.sweep()

		case <-replayTicker.C:
			removed := d.cache.ExpireOlderThan(time.Now())
			if removed > 0 {
				d.log.Info("expired replay-cache entries", "count", removed)
			}
		}
	}
}

// Shutdown cancels the daemon context; Run returns once background
// goroutines finish.
func (d *Daemon) Shutdown() { d.cancel() }

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				continue
			}
		}
		go d.acceptOne(conn)
	}
}

func (d *Daemon) acceptOne(conn net.Conn) {
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !d.connCap.Acquire(ip) {
		conn.Close()
		return
	}
	sess, err := meshnet.Accept(conn, d.self)
	if err != nil {
		d.connCap.Release(ip)
		conn.Close()
		d.log.Info("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	d.registerSession(sess, ip)
}

func (d *Daemon) dialBootstrap(addr string) {
	sess, err := meshnet.Dial(addr, "", d.self)
	if err != nil {
		d.log.Info("bootstrap dial failed", "addr", addr, "error", err)
		return
	}
	d.registerSession(sess, "")
}

func (d *Daemon) dialPeer(peerID, addr string) {
	d.sessMu.Lock()
	_, connected := d.sessions[peerID]
	d.sessMu.Unlock()
	if connected {
		return
	}
	sess, err := meshnet.Dial(addr, peerID, d.self)
	if err != nil {
		d.log.Info("dial failed", "peer_id", peerID, "addr", addr, "error", err)
		return
	}
	d.registerSession(sess, "")
}

func (d *Daemon) registerSession(sess *meshnet.Session, sourceIP string) {
	peerID := sess.PeerID()
	d.sessMu.Lock()
	d.sessions[peerID] = sess
	d.sessMu.Unlock()

	d.overlay.AddNeighbor(peerID)
	d.peers.SetConnected(peerID, true)
	d.sink.ConnectionEstablished(peerID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readPump(sess, sourceIP)
	}()
}

func (d *Daemon) readPump(sess *meshnet.Session, sourceIP string) {
	peerID := sess.PeerID()
	defer func() {
		d.sessMu.Lock()
		delete(d.sessions, peerID)
		d.sessMu.Unlock()
		d.overlay.RemoveNeighbor(peerID)
		d.peers.SetConnected(peerID, false)
		if sourceIP != "" {
			d.connCap.Release(sourceIP)
		}
		sess.Close()
		d.sink.ConnectionClosed(peerID)
	}()

	for {
		frame, err := sess.Receive()
		if err != nil {
			return
		}
		if !d.overlay.HandleIncoming(frame) {
			continue // duplicate already seen via another path
		}
		if err := d.overlay.Publish(frame, peerID); err != nil {
			d.log.Info("overlay forward failed", "error", err)
		}
		d.sink.MessageReceived(peerID, frame, meshnet.MessageID(frame))
	}
}

func (d *Daemon) onDiscovered(disc meshnet.Discovered) {
	d.peers.Update(disc.PeerID, disc.Address, meshnet.MethodLAN)
	metricPeersDiscovered.Add(d.ctx, 1)
	d.sink.PeerDiscovered(disc.PeerID, disc.Address)
}

func (d *Daemon) handleEvent(ev meshnet.Event) {
	switch ev.Kind {
	case meshnet.EventPeerDiscovered:
		if len(d.overlay.Neighbors()) < meshnet.DefaultMeshDegree {
			go d.dialPeer(ev.PeerID, ev.Address)
		}

	case meshnet.EventConnectionEstablished:
		metricPeersActive.Add(d.ctx, 1)
		if e, ok := d.trust.Lookup(ev.PeerID); ok && len(e.PublicKey) == 0 &&
			(e.ExpiresAt == nil || e.ExpiresAt.After(time.Now())) {
			d.pending.Add(ev.PeerID)
		}

	case meshnet.EventConnectionClosed:
		metricPeersActive.Add(d.ctx, -1)

	case meshnet.EventMessageReceived:
		d.admitAndDispatch(ev.From, ev.Bytes)

	case meshnet.EventSubscription:
		// Topic is always protocol.Topic in this design; nothing to route on.
	}
}

func (d *Daemon) admitAndDispatch(sourceKey string, raw []byte) {
	signer, env, err := d.gate.Admit(d.ctx, sourceKey, raw)
	if err != nil {
		d.countDrop(err)
		return
	}
	metricMessagesAdmitted.Add(d.ctx, 1)
	if err := d.dispatch.Dispatch(d.ctx, signer, env); err != nil {
		d.log.Info("dispatch failed", "signer", signer, "error", err)
	}
}

func (d *Daemon) countDrop(err error) {
	switch err.(type) {
	case *gate.RateLimited:
		metricRateLimitRejects.Add(d.ctx, 1)
	default:
		metricMessagesDropped.Add(d.ctx, 1)
	}
	d.log.Info("frame dropped by security gate", "error", err)
}

func (d *Daemon) announceKey() {
	_ = d.Publish(protocol.KindKeyAnnouncement, protocol.KeyAnnouncement{
		PeerID:    string(d.self.ID()),
		PublicKey: crypto.EncodePublicKey(d.self.Public),
		Timestamp: time.Now().Unix(),
		UID:       protocol.NewUID(),
	})
}

func (d *Daemon) requestMissingKeys() {
	for _, target := range d.pending.List() {
		_ = d.Publish(protocol.KindKeyRequest, protocol.KeyRequest{
			Requestor: string(d.self.ID()),
			Target:    target,
			Timestamp: time.Now().Unix(),
			UID:       protocol.NewUID(),
		})
	}
}

func (d *Daemon) sweep() {
	n, err := d.store.Sweep(d.ctx, store.DefaultSweepAge)
	if err != nil {
		d.log.Info("sweep failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("swept tombstones", "count", n)
	}
}
