// Package callsig drives the call lifecycle shared by device-to-device and
// user-to-user calls: offer through termination, for both directions, with
// the ringtone/notification side effects owned here so no transition can
// leave a tone playing.
package callsig

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/tether/internal/proto"
)

// Machine is the single-call state machine. Every transition serializes
// through its mutex: no two goroutines mutate the session concurrently.
type Machine struct {
	sig      Signaler
	ringer   Ringer
	notifier Notifier
	media    MediaGate
	clock    clockwork.Clock

	connectingTimeout time.Duration

	mu        sync.Mutex
	cur       *Session
	ringing   bool // incoming ringtone playing
	ringback  bool // outgoing ringback playing
	connTimer clockwork.Timer

	listenerMu sync.RWMutex
	listeners  map[chan Session]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a call machine attached to sig and starts consuming signaling
// events immediately.
func New(sig Signaler, ringer Ringer, notifier Notifier, media MediaGate, connectingTimeout time.Duration, clock clockwork.Clock) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Machine{
		sig:               sig,
		ringer:            ringer,
		notifier:          notifier,
		media:             media,
		clock:             clock,
		connectingTimeout: connectingTimeout,
		listeners:         make(map[chan Session]struct{}),
		done:              make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Current returns a snapshot of the active session, if any.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Session{}, false
	}
	return *m.cur, true
}

// Subscribe returns a channel receiving a session snapshot on every state
// change. An Idle transition is signalled by a zero-CallID snapshot.
func (m *Machine) Subscribe() (ch chan Session, cancel func()) {
	ch = make(chan Session, 16)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// StartCall begins an outgoing call to peer. Only valid from Idle.
func (m *Machine) StartCall(ctx context.Context, peer proto.CallPeer, withVideo bool) (Session, error) {
	kind := KindAudio
	if withVideo {
		kind = KindVideo
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	s := &Session{
		CallID:    uuid.NewString(),
		Direction: DirectionOutgoing,
		Kind:      kind,
		Peer:      peer,
		State:     StateRinging,
		WithVideo: withVideo,
		StartedAt: proto.NowMillis(),
	}
	m.cur = s
	m.ringback = true
	m.ringer.StartRingback()
	snap := *s
	m.mu.Unlock()

	m.publish(snap)
	log.Printf("CALL [%s]: outgoing %s call to %s, ringing", snap.CallID, kind, peer.ID)

	err := m.sig.Send(ctx, proto.Command{
		Type:    proto.CmdCallOffer,
		Payload: proto.CallOffer{CallID: snap.CallID, Kind: kind, Peer: peer},
	})
	if err != nil {
		m.finish(snap.CallID, StateFailed, "offer send failed")
		return Session{}, err
	}
	return snap, nil
}

// Answer accepts the ringing incoming call. When video is requested but the
// local media permission is unavailable the call degrades to audio-only
// rather than failing; the degradation is recorded on the session.
func (m *Machine) Answer(ctx context.Context, withVideo bool) (Session, error) {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return Session{}, ErrNoActiveCall
	}
	if s.State != StateRinging || s.Direction != DirectionIncoming {
		m.mu.Unlock()
		return Session{}, ErrBadState
	}

	if withVideo && !m.media.VideoPermitted() {
		withVideo = false
		s.Degraded = true
		log.Printf("CALL [%s]: video permission unavailable, degrading to audio", s.CallID)
	}
	s.WithVideo = withVideo
	s.State = StateConnecting
	s.AnsweredAt = proto.NowMillis()
	m.stopAlertsLocked(s.CallID)
	m.armConnectingTimerLocked(s.CallID)
	snap := *s
	m.mu.Unlock()

	m.publish(snap)
	log.Printf("CALL [%s]: answered (video=%v), connecting", snap.CallID, withVideo)

	err := m.sig.Send(ctx, proto.Command{
		Type:    proto.CmdCallAnswer,
		Payload: proto.CallAnswer{CallID: snap.CallID, WithVideo: withVideo},
	})
	if err != nil {
		m.finish(snap.CallID, StateFailed, "answer send failed")
		return Session{}, err
	}
	return snap, nil
}

// Reject declines the active call. Valid from any non-terminal state; the
// ringtone stop and notification clear happen regardless of which state the
// call was in.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	callID := s.CallID
	m.mu.Unlock()

	_ = m.sig.Send(ctx, proto.Command{
		Type:    proto.CmdCallEnd,
		Payload: proto.CallEnd{CallID: callID, Reason: "rejected"},
	})
	m.finish(callID, StateEnded, "rejected")
	return nil
}

// End hangs up the active call.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	callID := s.CallID
	m.mu.Unlock()

	_ = m.sig.Send(ctx, proto.Command{
		Type:    proto.CmdCallEnd,
		Payload: proto.CallEnd{CallID: callID, Reason: "hangup"},
	})
	m.finish(callID, StateEnded, "hangup")
	return nil
}

// MediaConnected marks the media path as established, completing
// Connecting → Connected. The media layer (out of scope here) calls this
// once its transport is up.
func (m *Machine) MediaConnected() {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	s.State = StateConnected
	m.disarmConnectingTimerLocked()
	snap := *s
	m.mu.Unlock()

	m.publish(snap)
	log.Printf("CALL [%s]: connected", snap.CallID)
}

// Close shuts the machine down, ending any active call locally.
func (m *Machine) Close() {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		s := m.cur
		m.mu.Unlock()
		if s != nil {
			m.finish(s.CallID, StateEnded, "shutdown")
		}
	})
}

// dispatchLoop consumes signaling events from the transport and routes them
// into transitions.
func (m *Machine) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(ev)
		}
	}
}

func (m *Machine) dispatch(ev *proto.DeliveryEvent) {
	switch ev.Kind {
	case proto.KindCallOffer:
		var offer proto.CallOffer
		if err := json.Unmarshal(ev.Payload, &offer); err != nil {
			log.Printf("CALL: bad offer payload: %v", err)
			return
		}
		m.receiveOffer(offer)
	case proto.KindCallAnswer:
		var ans proto.CallAnswer
		if err := json.Unmarshal(ev.Payload, &ans); err != nil {
			log.Printf("CALL: bad answer payload: %v", err)
			return
		}
		m.receiveAnswer(ans)
	case proto.KindCallEnded:
		var end proto.CallEnd
		if err := json.Unmarshal(ev.Payload, &end); err != nil {
			log.Printf("CALL: bad end payload: %v", err)
			return
		}
		m.receiveEnd(end)
	}
}

// receiveOffer handles an inbound call offer. A duplicate offer for the
// known call id is a no-op; an offer while another call is active is
// auto-rejected with busy, leaving the active call untouched.
func (m *Machine) receiveOffer(offer proto.CallOffer) {
	m.mu.Lock()
	if m.cur != nil {
		if m.cur.CallID == offer.CallID {
			m.mu.Unlock()
			return // duplicate delivery
		}
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, rejecting offer %s", offer.CallID, offer.CallID)
		_ = m.sig.Send(context.Background(), proto.Command{
			Type:    proto.CmdCallBusy,
			Payload: proto.CallEnd{CallID: offer.CallID, Reason: "busy"},
		})
		return
	}

	s := &Session{
		CallID:    offer.CallID,
		Direction: DirectionIncoming,
		Kind:      offer.Kind,
		Peer:      offer.Peer,
		State:     StateRinging,
		WithVideo: offer.Kind == KindVideo,
		StartedAt: proto.NowMillis(),
	}
	m.cur = s
	m.ringing = true
	m.ringer.StartRingtone()
	snap := *s
	m.mu.Unlock()

	m.notifier.ShowIncomingCall(snap)
	m.publish(snap)
	log.Printf("CALL [%s]: incoming %s call from %s, ringing", snap.CallID, snap.Kind, snap.Peer.ID)
}

// receiveAnswer handles the remote side answering our outgoing call:
// Ringing(outgoing) → Connecting.
func (m *Machine) receiveAnswer(ans proto.CallAnswer) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.CallID != ans.CallID {
		m.mu.Unlock()
		return
	}
	if s.State != StateRinging || s.Direction != DirectionOutgoing {
		m.mu.Unlock()
		return
	}
	s.State = StateConnecting
	s.WithVideo = s.WithVideo && ans.WithVideo
	s.AnsweredAt = proto.NowMillis()
	m.stopAlertsLocked(s.CallID)
	m.armConnectingTimerLocked(s.CallID)
	snap := *s
	m.mu.Unlock()

	m.publish(snap)
	log.Printf("CALL [%s]: remote answered, connecting", snap.CallID)
}

// receiveEnd handles a remote termination (hangup, busy, cancelled) for the
// active call id. Events for unknown call ids are ignored.
func (m *Machine) receiveEnd(end proto.CallEnd) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.CallID != end.CallID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	reason := end.Reason
	if reason == "" {
		reason = "remote ended"
	}
	m.finish(end.CallID, StateEnded, reason)
}

// finish runs the unconditional termination path for callID: stop tones,
// clear the notification, disarm timers, publish the terminal snapshot, then
// return to Idle. Every way a call can finish funnels through here — losing
// a ringtone stop on an edge transition is exactly the bug this machine
// exists to prevent.
func (m *Machine) finish(callID string, terminal State, reason string) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.CallID != callID {
		// Stale termination (e.g. timer for an already-finished call); the
		// alert teardown below still runs so no tone can survive.
		m.stopAlertsLocked(callID)
		m.mu.Unlock()
		return
	}

	m.stopAlertsLocked(callID)
	m.disarmConnectingTimerLocked()
	s.State = terminal
	s.EndedAt = proto.NowMillis()
	s.EndReason = reason
	snap := *s
	m.cur = nil
	m.mu.Unlock()

	m.publish(snap)
	log.Printf("CALL [%s]: %s (%s)", callID, terminal, reason)

	// Ended|Failed → Idle is automatic once side effects are done.
	m.publish(Session{State: StateIdle})
}

// stopAlertsLocked stops whichever tone is playing and clears the incoming
// notification. Guarded flags ensure each stop fires exactly once per call.
// Callers hold m.mu.
func (m *Machine) stopAlertsLocked(callID string) {
	if m.ringing {
		m.ringing = false
		m.ringer.StopRingtone()
		m.notifier.ClearCallNotification(callID)
	}
	if m.ringback {
		m.ringback = false
		m.ringer.StopRingback()
	}
}

// armConnectingTimerLocked schedules the Connecting → Failed timeout.
// Callers hold m.mu.
func (m *Machine) armConnectingTimerLocked(callID string) {
	if m.connTimer != nil {
		m.connTimer.Stop()
	}
	m.connTimer = m.clock.AfterFunc(m.connectingTimeout, func() {
		m.onConnectingTimeout(callID)
	})
}

func (m *Machine) disarmConnectingTimerLocked() {
	if m.connTimer != nil {
		m.connTimer.Stop()
		m.connTimer = nil
	}
}

func (m *Machine) onConnectingTimeout(callID string) {
	m.mu.Lock()
	s := m.cur
	stale := s == nil || s.CallID != callID || s.State != StateConnecting
	m.mu.Unlock()
	if stale {
		return
	}
	log.Printf("CALL [%s]: connecting timeout", callID)
	m.finish(callID, StateFailed, "connect timeout")
}

func (m *Machine) publish(s Session) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	m.listenerMu.RUnlock()
}
