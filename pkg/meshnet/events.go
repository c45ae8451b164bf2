package meshnet

// EventKind tags which concrete payload an Event carries.
type EventKind int

const (
	EventPeerDiscovered EventKind = iota
	EventConnectionEstablished
	EventConnectionClosed
	EventMessageReceived
	EventSubscription
)

// Event is the single ordered item type the Network surfaces to the
// event loop; exactly one of the payload fields below is meaningful,
// selected by Kind.
type Event struct {
	Kind EventKind

	// EventPeerDiscovered
	PeerID  string
	Address string

	// EventMessageReceived
	From  string
	Bytes []byte
	MsgID string

	// EventSubscription
	Topic string
}

// EventSink is the single-consumer channel the event loop reads from.
// Network workers (discovery, transport, overlay) are producers; the
// event loop is the sole consumer, matching the single-task mutation
// discipline the rest of the design relies on.
type EventSink chan Event

// NewEventSink creates a buffered event channel. A modest buffer lets
// network workers make progress across a slow event-loop tick without
// blocking on a channel send that only does in-memory work.
func NewEventSink(buffer int) EventSink {
	if buffer <= 0 {
		buffer = 256
	}
	return make(EventSink, buffer)
}

func (s EventSink) emit(ev Event) {
	select {
	case s <- ev:
	default:
		// A full sink means the event loop is badly behind; drop rather
		// than block a network worker indefinitely. The loop's own
		// periodic timers are unaffected since they fire independently.
	}
}

// PeerDiscovered emits a discovery sighting.
func (s EventSink) PeerDiscovered(peerID, address string) {
	s.emit(Event{Kind: EventPeerDiscovered, PeerID: peerID, Address: address})
}

// ConnectionEstablished emits a transport-session-open notification.
func (s EventSink) ConnectionEstablished(peerID string) {
	s.emit(Event{Kind: EventConnectionEstablished, PeerID: peerID})
}

// ConnectionClosed emits a transport-session-closed notification.
func (s EventSink) ConnectionClosed(peerID string) {
	s.emit(Event{Kind: EventConnectionClosed, PeerID: peerID})
}

// MessageReceived emits an inbound overlay frame for the event loop to
// pass through the Security Gate.
func (s EventSink) MessageReceived(from string, bytes []byte, msgID string) {
	s.emit(Event{Kind: EventMessageReceived, From: from, Bytes: bytes, MsgID: msgID})
}

// Subscription emits a peer's interest in topic (always the single
// sync topic in this design, carried through for forward compatibility
// with the Network interface's general event shape).
func (s EventSink) Subscription(peerID, topic string) {
	s.emit(Event{Kind: EventSubscription, PeerID: peerID, Topic: topic})
}
