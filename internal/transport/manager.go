// Package transport is the single logical delivery channel between this
// device and the relay: a websocket primary path plus a REST polling fallback,
// both feeding one dedup'd event stream. Consumers subscribe for typed
// DeliveryEvents and never learn which path carried a given frame.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
	"github.com/petervdpas/tether/internal/util"
)

// ErrNotConnected is returned by Send when the socket is down and no REST
// fallback is configured. Commands are never silently dropped.
var ErrNotConnected = errors.New("transport: not connected")

// ConnState is the observable connection state of the websocket path.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Options configures the transport.
type Options struct {
	// Websocket URL of the relay event stream (ws:// or wss://).
	WSURL string

	// Reconnect backoff bounds.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// How long the socket may stay down before FallbackActive reports true
	// and the CRITICAL/HIGH pollers take over.
	FallbackAfter time.Duration

	// Page size for message cursor polling.
	PollLimit int

	// AuthToken is sent as a bearer header on the websocket dial.
	AuthToken string
}

// SeenStore persists the dedup window across restarts.
type SeenStore interface {
	SaveSeenEvents(ids []string) error
	LoadSeenEvents(limit int) ([]string, error)
}

// Manager owns the websocket connection loop, the dedup window and the
// polling fallback entry points.
type Manager struct {
	opt   Options
	rc    *relay.Client
	clock clockwork.Clock
	dedup *dedup
	store SeenStore

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnState
	downSince time.Time
	cursor    string // last message-poll cursor

	writeMu sync.Mutex // serializes websocket writes

	listenerMu sync.RWMutex
	listeners  map[chan *proto.DeliveryEvent]struct{}

	stateMu   sync.RWMutex
	stateSubs map[chan ConnState]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a transport for the given relay. rc may be nil, in which case
// there is no polling fallback and Send fails with ErrNotConnected while the
// socket is down. store may be nil for a purely in-memory dedup window.
func New(opt Options, rc *relay.Client, store SeenStore, clock clockwork.Clock) (*Manager, error) {
	if opt.WSURL != "" {
		u, err := url.Parse(opt.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return nil, fmt.Errorf("transport: bad websocket url %q", opt.WSURL)
		}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	m := &Manager{
		opt:       opt,
		rc:        rc,
		clock:     clock,
		dedup:     newDedup(4096),
		store:     store,
		state:     StateDisconnected,
		downSince: clock.Now(),
		listeners: make(map[chan *proto.DeliveryEvent]struct{}),
		stateSubs: make(map[chan ConnState]struct{}),
		done:      make(chan struct{}),
	}

	if store != nil {
		ids, err := store.LoadSeenEvents(m.dedup.capacity())
		if err != nil {
			log.Printf("TRANSPORT: load seen events: %v", err)
		} else {
			m.dedup.load(ids)
		}
	}

	return m, nil
}

// SetDedupCapacity resizes the dedup window. Call before Connect.
func (m *Manager) SetDedupCapacity(n int) { m.dedup.resize(n) }

// SetAuthToken replaces the bearer token presented on websocket dials. A live
// connection keeps running; the next (re)dial uses the new token. Called when
// pairing mints a fresh relay token, so the socket does not stay stuck on a
// stale credential until restart.
func (m *Manager) SetAuthToken(token string) {
	m.mu.Lock()
	m.opt.AuthToken = token
	m.mu.Unlock()
}

// Connect starts the websocket connection loop. Idempotent.
func (m *Manager) Connect() {
	if m.opt.WSURL == "" {
		log.Printf("TRANSPORT: no websocket url configured, polling only")
		return
	}
	m.startOnce.Do(func() {
		go m.connectLoop()
	})
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FallbackActive reports whether the socket has been down long enough for
// CRITICAL/HIGH sync tasks to switch to active polling.
func (m *Manager) FallbackActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateConnected {
		return false
	}
	return m.clock.Since(m.downSince) >= m.opt.FallbackAfter
}

// Send delivers one command to the relay: over the websocket when connected,
// over REST when a relay client is configured, ErrNotConnected otherwise.
func (m *Manager) Send(ctx context.Context, cmd proto.Command) error {
	m.mu.RLock()
	conn, connected := m.conn, m.state == StateConnected
	m.mu.RUnlock()

	if connected && conn != nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(util.DefaultRequestTimeout))
		if err := conn.WriteJSON(cmd); err == nil {
			return nil
		} else {
			log.Printf("TRANSPORT: websocket write failed, trying fallback: %v", err)
		}
	}

	if m.rc != nil {
		return m.rc.PostCommand(ctx, cmd)
	}
	return ErrNotConnected
}

// Subscribe returns a channel of deduplicated inbound events. A fresh
// subscriber only receives events arriving after subscription; historical
// catch-up is the per-feature poller's job via cursor polling.
func (m *Manager) Subscribe() (ch chan *proto.DeliveryEvent, cancel func()) {
	ch = make(chan *proto.DeliveryEvent, 64)

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

// SubscribeState returns a channel of connection-state changes.
func (m *Manager) SubscribeState() (ch chan ConnState, cancel func()) {
	ch = make(chan ConnState, 8)

	m.stateMu.Lock()
	m.stateSubs[ch] = struct{}{}
	m.stateMu.Unlock()

	cancel = func() {
		m.stateMu.Lock()
		if _, ok := m.stateSubs[ch]; ok {
			delete(m.stateSubs, ch)
			close(ch)
		}
		m.stateMu.Unlock()
	}
	return ch, cancel
}

// Close stops the connection loop, persists the dedup window and closes the
// socket. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()

		if m.store != nil {
			if err := m.store.SaveSeenEvents(m.dedup.snapshot()); err != nil {
				log.Printf("TRANSPORT: persist seen events: %v", err)
			}
		}
	})
}

// Inject feeds one event into the dedup'd delivery path. Exported for the
// pollers and for tests; the websocket read loop uses the same entry point.
// Returns true if the event was fresh and fanned out, false if it was a
// duplicate.
func (m *Manager) Inject(ev *proto.DeliveryEvent) bool {
	if ev == nil || ev.EventID == "" {
		return false
	}
	if m.dedup.seen(ev.EventID) {
		return false
	}
	if ev.ReceivedAt == 0 {
		ev.ReceivedAt = proto.NowMillis()
	}

	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the delivery path.
		}
	}
	m.listenerMu.RUnlock()
	return true
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s != StateConnected {
		m.downSince = m.clock.Now()
	}
	m.mu.Unlock()

	log.Printf("TRANSPORT: %s", s)

	m.stateMu.RLock()
	for ch := range m.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
	m.stateMu.RUnlock()
}

// connectLoop dials the relay websocket, reads frames until the connection
// dies, and redials with capped exponential backoff.
func (m *Manager) connectLoop() {
	backoff := m.opt.ReconnectMin

	for {
		select {
		case <-m.done:
			return
		default:
		}

		m.setState(StateConnecting)

		conn, err := m.dial()
		if err != nil {
			m.setState(StateDisconnected)
			log.Printf("TRANSPORT: dial failed, retrying in %s: %v", backoff, err)
			select {
			case <-m.done:
				return
			case <-m.clock.After(backoff):
			}
			backoff *= 2
			if backoff > m.opt.ReconnectMax {
				backoff = m.opt.ReconnectMax
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)
		backoff = m.opt.ReconnectMin

		m.readLoop(conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		m.setState(StateDisconnected)
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	m.mu.RLock()
	token := m.opt.AuthToken
	m.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultRequestTimeout}
	hdr := make(map[string][]string)
	if token != "" {
		hdr["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := dialer.Dial(m.opt.WSURL, hdr)
	return conn, err
}

// readLoop drains frames from one websocket connection until it fails.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		var ev proto.DeliveryEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !strings.Contains(err.Error(), "use of closed") {
				log.Printf("TRANSPORT: read failed: %v", err)
			}
			return
		}
		m.Inject(&ev)
	}
}
