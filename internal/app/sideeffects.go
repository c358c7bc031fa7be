package app

import (
	"log"

	"github.com/petervdpas/tether/internal/callsig"
)

// Headless defaults for the platform side effects. Real shells (Compose on
// the phone, the menu-bar app on desktop) pass their own implementations.

type logRinger struct{}

func (logRinger) StartRingtone() { log.Printf("RING: ringtone start") }
func (logRinger) StopRingtone()  { log.Printf("RING: ringtone stop") }
func (logRinger) StartRingback() { log.Printf("RING: ringback start") }
func (logRinger) StopRingback()  { log.Printf("RING: ringback stop") }

type logNotifier struct{}

func (logNotifier) ShowIncomingCall(s callsig.Session) {
	log.Printf("NOTIFY: incoming %s call from %s", s.Kind, s.Peer.Name)
}

func (logNotifier) ClearCallNotification(callID string) {
	log.Printf("NOTIFY: cleared call notification %s", callID)
}

// allowVideo permits video capture unconditionally; shells wire the real
// permission probe.
type allowVideo struct{}

func (allowVideo) VideoPermitted() bool { return true }
