package meshnet

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/kvmesh/kvmesh/pkg/crypto"
)

func TestHandshakeEstablishesMutualSession(t *testing.T) {
	serverIdent, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	clientIdent, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverSessCh := make(chan *Session, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		sess, err := Accept(conn, serverIdent)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverSessCh <- sess
	}()

	clientSess, err := Dial(ln.Addr().String(), string(serverIdent.ID()), clientIdent)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSess.Close()

	var serverSess *Session
	select {
	case serverSess = <-serverSessCh:
	case err := <-serverErrCh:
		t.Fatalf("Accept: %v", err)
	}
	defer serverSess.Close()

	if serverSess.PeerID() != string(clientIdent.ID()) {
		t.Fatalf("server sees peer id %s, want %s", serverSess.PeerID(), clientIdent.ID())
	}
	if clientSess.PeerID() != string(serverIdent.ID()) {
		t.Fatalf("client sees peer id %s, want %s", clientSess.PeerID(), serverIdent.ID())
	}

	if err := clientSess.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := serverSess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}

	// Round-trip in the other direction must also work with the
	// independent per-direction nonce counters.
	if err := serverSess.Send([]byte("world")); err != nil {
		t.Fatalf("Send (server->client): %v", err)
	}
	got2, err := clientSess.Receive()
	if err != nil {
		t.Fatalf("Receive (client): %v", err)
	}
	if string(got2) != "world" {
		t.Fatalf("got %q, want world", got2)
	}
}

func TestDialRejectsWrongPeerID(t *testing.T) {
	serverIdent, _ := crypto.GenerateIdentity()
	clientIdent, _ := crypto.GenerateIdentity()
	wrongIdent, _ := crypto.GenerateIdentity()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		Accept(conn, serverIdent)
	}()

	_, err = Dial(ln.Addr().String(), string(wrongIdent.ID()), clientIdent)
	if err != ErrPeerIDMismatch {
		t.Fatalf("expected ErrPeerIDMismatch, got %v", err)
	}
}

// TestHandshakeRejectsForgedSignerPeerID covers an attacker who signs a
// genuine handshake with their own key but relabels the envelope's
// claimed signer as the victim peer, without holding the victim's
// private key. The responder must catch this at signature verification
// rather than trusting the claimed peer id.
func TestHandshakeRejectsForgedSignerPeerID(t *testing.T) {
	clientIdent, _ := crypto.GenerateIdentity()
	victimIdent, _ := crypto.GenerateIdentity()
	attackerIdent, _ := crypto.GenerateIdentity()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain the client's real handshake frame; this forged
		// responder never inspects it.
		if _, err := readFrame(conn); err != nil {
			return
		}

		msg := handshakeMessage{
			PeerID:       string(victimIdent.ID()),
			PublicKey:    []byte(attackerIdent.Public),
			EphemeralKey: make([]byte, 32),
		}
		sealed, err := crypto.SealEnvelope(attackerIdent, msg)
		if err != nil {
			return
		}

		// Forge the outer envelope's claimed signer without
		// re-signing: SealEnvelope correctly set SignerPeerID to
		// attackerIdent's own id, so overwrite it to impersonate
		// the victim.
		var env crypto.SignedEnvelope
		if err := json.Unmarshal(sealed, &env); err != nil {
			return
		}
		env.SignerPeerID = victimIdent.ID()
		forged, err := json.Marshal(env)
		if err != nil {
			return
		}
		writeFrame(conn, forged)
	}()

	_, err = Dial(ln.Addr().String(), string(victimIdent.ID()), clientIdent)
	if err == nil {
		t.Fatal("expected Dial to reject a handshake with a forged signer peer id")
	}
}
