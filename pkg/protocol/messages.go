// Package protocol defines the sync-protocol message taxonomy and the
// handlers that apply admitted messages to the store and trust
// database. Topic is the single fixed pub/sub channel name carrying
// all sync traffic.
package protocol

const Topic = "kvmesh-sync"

// Kind tags which payload a SignedEnvelope carries.
type Kind string

const (
	KindPut                 Kind = "put"
	KindDelete              Kind = "delete"
	KindKeyRequest          Kind = "key_request"
	KindKeyResponse         Kind = "key_response"
	KindKeyAnnouncement     Kind = "key_announcement"
	KindWhitelistRequest    Kind = "whitelist_request"
	KindTrustRecommendation Kind = "trust_recommendation"
)

// Envelope is the JSON shape actually carried as the inner payload of
// a crypto.SignedEnvelope: a tiny tagged union so the handler can
// dispatch on Kind before decoding the type-specific body.
type Envelope struct {
	Kind Kind   `json:"kind"`
	Body []byte `json:"body"`
}

// Put is a data message replicating a local write.
type Put struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Delete is a data message replicating a local tombstone.
type Delete struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// KeyRequest asks the recipient for the public key it holds for Target.
type KeyRequest struct {
	Requestor string `json:"requestor"`
	Target    string `json:"target"`
	Timestamp int64  `json:"timestamp"`
	UID       string `json:"uid"`
}

// KeyResponse answers a KeyRequest with the key the sender holds for
// Target.
type KeyResponse struct {
	Target    string `json:"target"`
	PublicKey string `json:"public_key"` // hex-encoded raw key
	Timestamp int64  `json:"timestamp"`
	UID       string `json:"uid"`
}

// KeyAnnouncement is an unsolicited broadcast of the sender's own key.
type KeyAnnouncement struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
	Timestamp int64  `json:"timestamp"`
	UID       string `json:"uid"`
}

// WhitelistRequest asks the recipient to add the requestor to its
// whitelist. Handlers only ever log it; auto-admission is operator
// policy and is never automatic.
type WhitelistRequest struct {
	Requestor string `json:"requestor"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
	UID       string `json:"uid"`
}

// TrustRecommendation vouches for Recommended on behalf of Recommender.
type TrustRecommendation struct {
	Recommender string `json:"recommender"`
	Recommended string `json:"recommended"`
	Name        string `json:"name,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	UID         string `json:"uid"`
}

// KeyDistMessage is implemented by every key-distribution payload so
// the age filter and replay-cache lookup can be written generically.
type KeyDistMessage interface {
	uid() string
	timestamp() int64
}

func (m KeyRequest) uid() string              { return m.UID }
func (m KeyRequest) timestamp() int64         { return m.Timestamp }
func (m KeyResponse) uid() string             { return m.UID }
func (m KeyResponse) timestamp() int64        { return m.Timestamp }
func (m KeyAnnouncement) uid() string         { return m.UID }
func (m KeyAnnouncement) timestamp() int64    { return m.Timestamp }
func (m WhitelistRequest) uid() string        { return m.UID }
func (m WhitelistRequest) timestamp() int64   { return m.Timestamp }
func (m TrustRecommendation) uid() string     { return m.UID }
func (m TrustRecommendation) timestamp() int64 { return m.Timestamp }
