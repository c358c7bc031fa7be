package proto

import (
	"encoding/json"
	"time"
)

// Event kinds delivered by the relay, over the websocket or the polling
// fallback. Both paths carry the same frames.
const (
	KindNewMessage    = "new_message"
	KindCallOffer     = "call_offer"
	KindCallAnswer    = "call_answer"
	KindCallEnded     = "call_ended"
	KindDeviceRemoved = "device_removed"
	KindKeyResponse   = "e2ee_key_response"
	KindStatusUpdate  = "status_update"
	KindClipboard     = "clipboard"
	KindNotification  = "notification"
)

// Command types sent to the relay.
const (
	CmdCallOffer  = "call_offer"
	CmdCallAnswer = "call_answer"
	CmdCallEnd    = "call_end"
	CmdCallBusy   = "call_busy"
	CmdKeyRequest = "e2ee_key_request"
	CmdStatusPush = "status_update"
	CmdFindPhone  = "find_phone"
)

// Platform identifiers for paired devices.
const (
	PlatformAndroid = "android"
	PlatformMacOS   = "macos"
	PlatformWeb     = "web"
)

// DeliveryEvent is one inbound frame from the relay. EventID is the
// idempotency key: the same underlying event may arrive twice (websocket and
// polling fallback overlap after a reconnect) and must be applied once.
type DeliveryEvent struct {
	EventID    string          `json:"eventId"`
	Kind       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt int64           `json:"receivedAt,omitempty"`
}

// Command is one outbound frame to the relay.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Device describes a registered device as the relay reports it.
type Device struct {
	DeviceID    string `json:"deviceId"`
	Platform    string `json:"platform"` // android|macos|web
	DisplayName string `json:"displayName"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// CallOffer is the payload of a call_offer event or command.
type CallOffer struct {
	CallID string          `json:"callId"`
	Kind   string          `json:"kind"` // audio|video
	Peer   CallPeer        `json:"peer"`
	SDP    json.RawMessage `json:"sdp,omitempty"` // opaque to the engine
}

// CallAnswer is the payload of a call_answer event or command.
type CallAnswer struct {
	CallID    string          `json:"callId"`
	WithVideo bool            `json:"withVideo"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
}

// CallEnd is the payload of call_ended / call_busy frames.
type CallEnd struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"` // hangup|busy|cancelled|rejected
}

// CallPeer identifies the remote party of a call.
type CallPeer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// KeyRequest is the payload of an e2ee_key_request command. PublicKey is the
// ephemeral box public key the responder seals the key material against.
type KeyRequest struct {
	RequestID         string `json:"requestId"`
	RequesterDeviceID string `json:"requesterDeviceId"`
	PublicKey         []byte `json:"publicKey"`
}

// KeyResponse is the payload of an e2ee_key_response event: key material
// sealed with nacl box against the request's ephemeral public key.
type KeyResponse struct {
	RequestID string `json:"requestId"`
	SenderKey []byte `json:"senderKey"` // responder's box public key
	Sealed    []byte `json:"sealed"`    // nonce || box
}

func NowMillis() int64 { return time.Now().UnixMilli() }
