package callsig

import (
	"context"
	"errors"

	"github.com/petervdpas/tether/internal/proto"
)

// State of the single call session. Idle is the only state a new offer or
// outbound call is accepted from.
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	KindAudio = "audio"
	KindVideo = "video"
)

var (
	// ErrBusy: a call is already active; the machine enforces at most one
	// non-idle session.
	ErrBusy = errors.New("call: busy")
	// ErrNoActiveCall: the requested operation needs an active session.
	ErrNoActiveCall = errors.New("call: no active call")
	// ErrBadState: the active session is not in a state that permits the
	// requested operation.
	ErrBadState = errors.New("call: operation not valid in current state")
)

// Session is the immutable snapshot of the current call handed to observers.
// The machine owns the mutable state; UI layers only ever see copies.
type Session struct {
	CallID     string         `json:"callId"`
	Direction  string         `json:"direction"` // incoming|outgoing
	Kind       string         `json:"kind"`      // audio|video as offered
	Peer       proto.CallPeer `json:"peer"`
	State      State          `json:"state"`
	WithVideo  bool           `json:"withVideo"` // negotiated, after degradation
	Degraded   bool           `json:"degraded"`  // video requested but denied locally
	StartedAt  int64          `json:"startedAt"`
	AnsweredAt int64          `json:"answeredAt,omitempty"`
	EndedAt    int64          `json:"endedAt,omitempty"`
	EndReason  string         `json:"endReason,omitempty"`
}

// Signaler is the only surface the call machine needs from the transport
// layer. transport.Manager satisfies it.
type Signaler interface {
	Send(ctx context.Context, cmd proto.Command) error
	Subscribe() (ch chan *proto.DeliveryEvent, cancel func())
}

// Ringer abstracts the platform tone side effects. The incoming ringtone and
// the outgoing ringback are distinct tones; each Stop must be safe to call
// when the tone is not playing.
type Ringer interface {
	StartRingtone()
	StopRingtone()
	StartRingback()
	StopRingback()
}

// Notifier abstracts the platform incoming-call notification.
type Notifier interface {
	ShowIncomingCall(s Session)
	ClearCallNotification(callID string)
}

// MediaGate reports whether local video capture is permitted right now. When
// it is not, an answer requesting video degrades to audio-only instead of
// failing the call.
type MediaGate interface {
	VideoPermitted() bool
}
