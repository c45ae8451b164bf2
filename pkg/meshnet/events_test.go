package meshnet

import "testing"

func TestEventSinkDeliversInOrder(t *testing.T) {
	sink := NewEventSink(4)
	sink.PeerDiscovered("p1", "addr1")
	sink.ConnectionEstablished("p1")
	sink.MessageReceived("p1", []byte("x"), "id1")

	ev := <-sink
	if ev.Kind != EventPeerDiscovered || ev.PeerID != "p1" {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	ev = <-sink
	if ev.Kind != EventConnectionEstablished {
		t.Fatalf("unexpected second event: %+v", ev)
	}
	ev = <-sink
	if ev.Kind != EventMessageReceived || ev.MsgID != "id1" {
		t.Fatalf("unexpected third event: %+v", ev)
	}
}

func TestEventSinkDropsWhenFull(t *testing.T) {
	sink := NewEventSink(1)
	sink.PeerDiscovered("p1", "addr1")
	sink.PeerDiscovered("p2", "addr2") // sink is full; must not block

	ev := <-sink
	if ev.PeerID != "p1" {
		t.Fatalf("expected the first event to survive, got %+v", ev)
	}
	select {
	case ev := <-sink:
		t.Fatalf("expected no second event to be queued, got %+v", ev)
	default:
	}
}
