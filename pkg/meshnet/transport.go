package meshnet

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kvmesh/kvmesh/pkg/crypto"
)

// handshakeMessage is exchanged by both sides at the start of a
// connection: an ephemeral X25519 public key and the sender's raw
// ed25519 identity key, both covered by the envelope signature over
// this message, so the remote can bind the session to a PeerID before
// deriving any shared secret. The public key travels in the clear
// here because the outer envelope carries only the signer's PeerID
// (a hash of the key), which is not by itself verifiable.
type handshakeMessage struct {
	PeerID       string `json:"peer_id"`
	PublicKey    []byte `json:"public_key"`
	EphemeralKey []byte `json:"ephemeral_key"`
}

// ErrPeerIDMismatch reports that a handshake's signed identity did not
// match the peer id the dialer expected to reach.
var ErrPeerIDMismatch = fmt.Errorf("meshnet: handshake peer id mismatch")

// Session is a mutually-authenticated, encrypted pairwise link to one
// peer. The X25519 handshake is static-key (each side's ephemeral
// public key is itself signed by its long-lived identity), binding
// the transport session to the same PeerID used at the sync layer.
// Send and Receive nonces are independent monotonic counters, one per
// direction, so the two sides never reuse a nonce under the same key.
type Session struct {
	peerID   string
	isDialer bool
	conn     net.Conn
	aead     cipher.AEAD

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
}

// Dial opens a session to addr, expecting remotePeerID on the other
// end. The local identity signs its ephemeral key so the remote can
// verify who it is talking to; the remote's signature is verified the
// same way before any application data is accepted.
func Dial(addr string, remotePeerID string, self *crypto.Identity) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("meshnet: dial %s: %w", addr, err)
	}
	sess, err := handshake(conn, self, remotePeerID, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// Accept performs the responder side of the handshake over an
// already-accepted connection. remotePeerID is unknown ahead of time;
// the caller learns it from the returned session's PeerID method.
func Accept(conn net.Conn, self *crypto.Identity) (*Session, error) {
	return handshake(conn, self, "", false)
}

func handshake(conn net.Conn, self *crypto.Identity, expectPeerID string, isDialer bool) (*Session, error) {
	curve := ecdh.X25519()
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("meshnet: generate ephemeral key: %w", err)
	}

	localMsg := handshakeMessage{
		PeerID:       string(self.ID()),
		PublicKey:    []byte(self.Public),
		EphemeralKey: ephemeral.PublicKey().Bytes(),
	}
	sealed, err := crypto.SealEnvelope(self, localMsg)
	if err != nil {
		return nil, fmt.Errorf("meshnet: seal handshake: %w", err)
	}
	if err := writeFrame(conn, sealed); err != nil {
		return nil, fmt.Errorf("meshnet: send handshake: %w", err)
	}

	remoteFrame, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("meshnet: receive handshake: %w", err)
	}
	outer, err := crypto.OpenEnvelope(remoteFrame)
	if err != nil {
		return nil, fmt.Errorf("meshnet: decode handshake: %w", err)
	}

	var remoteMsg handshakeMessage
	if err := crypto.DecodePayload(outer.PayloadBytes, &remoteMsg); err != nil {
		return nil, fmt.Errorf("meshnet: decode handshake payload: %w", err)
	}

	// remoteMsg.PublicKey must both sign this message and hash to the
	// envelope's claimed signer id, so a peer can't present a key it
	// doesn't hold or claim an id that key doesn't derive.
	if err := outer.Verify(remoteMsg.PublicKey); err != nil {
		return nil, fmt.Errorf("meshnet: verify handshake signature: %w", err)
	}

	remotePeerID := string(outer.SignerPeerID)
	if expectPeerID != "" && remotePeerID != expectPeerID {
		return nil, ErrPeerIDMismatch
	}
	if remoteMsg.PeerID != remotePeerID {
		return nil, ErrPeerIDMismatch
	}

	remotePub, err := curve.NewPublicKey(remoteMsg.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("meshnet: parse remote ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(remotePub)
	if err != nil {
		return nil, fmt.Errorf("meshnet: ecdh: %w", err)
	}

	sessionKey, err := crypto.DeriveSessionKey(shared)
	if err != nil {
		return nil, fmt.Errorf("meshnet: derive session key: %w", err)
	}
	aead, err := chacha20poly1305.New(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("meshnet: init aead: %w", err)
	}

	return &Session{peerID: remotePeerID, isDialer: isDialer, conn: conn, aead: aead}, nil
}

// PeerID returns the peer id bound to this session by the handshake.
func (s *Session) PeerID() string { return s.peerID }

// Send encrypts and writes one application frame. The nonce's
// direction bit is this side's role (dialer or acceptor) so the peer
// decrypting it derives the matching nonce on its Receive call.
func (s *Session) Send(plaintext []byte) error {
	s.mu.Lock()
	nonce := nonceFor(s.sendSeq, s.isDialer)
	s.sendSeq++
	s.mu.Unlock()

	ciphertext := s.aead.Seal(nil, nonce[:], plaintext, nil)
	return writeFrame(s.conn, ciphertext)
}

// Receive reads and decrypts one application frame, which was sent by
// the peer acting in the opposite handshake role.
func (s *Session) Receive() ([]byte, error) {
	ciphertext, err := readFrame(s.conn)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	nonce := nonceFor(s.recvSeq, !s.isDialer)
	s.recvSeq++
	s.mu.Unlock()

	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("meshnet: decrypt frame: %w", err)
	}
	return plaintext, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// nonceFor derives a 12-byte chacha20poly1305 nonce from a monotonic
// per-direction counter. The leading byte distinguishes the two
// directions so dialer and acceptor never share a counter space even
// though each starts counting from zero.
func nonceFor(seq uint64, fromDialerSide bool) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	if fromDialerSide {
		nonce[0] = 1
	}
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
