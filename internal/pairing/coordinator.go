// Package pairing owns the device-pairing lifecycle: the pair/unpair state
// machine, the privacy purge on identity switches, the E2EE key-exchange
// handshake and the background keep-alive token. All session mutations
// serialize through the Coordinator; nothing else writes PairedSession.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
	"github.com/petervdpas/tether/internal/storage"
)

// State of the pairing lifecycle.
type State string

const (
	StateUnpaired  State = "unpaired"
	StatePairing   State = "pairing"
	StatePaired    State = "paired"
	StateUnpairing State = "unpairing"
)

var (
	// ErrAlreadyPaired: a different identity is already paired; unpair first.
	ErrAlreadyPaired = errors.New("pairing: already paired to another user")
	// ErrNotPaired: the operation requires an active pairing.
	ErrNotPaired = errors.New("pairing: not paired")
	// ErrKeyExchangeTimeout: no e2ee_key_response arrived in time. The
	// request is marked expired and a fresh one is issued on retry.
	ErrKeyExchangeTimeout = errors.New("pairing: key exchange timed out")
)

// KeepAlive is the single OS-level "stay alive while backgrounded" token.
// The coordinator guarantees Acquire/Release are each invoked at most once
// per pairing, so implementations need no double-acquire guard of their own.
type KeepAlive interface {
	Acquire()
	Release()
}

// NoopKeepAlive is for platforms (and tests) without a background token.
type NoopKeepAlive struct{}

func (NoopKeepAlive) Acquire() {}
func (NoopKeepAlive) Release() {}

// Transport is the slice of the delivery transport the coordinator needs.
type Transport interface {
	Send(ctx context.Context, cmd proto.Command) error
	Subscribe() (ch chan *proto.DeliveryEvent, cancel func())
}

// Options configures a Coordinator.
type Options struct {
	Platform           string
	DisplayName        string
	KeyExchangeTimeout time.Duration
}

// Coordinator drives pairing. StopDependents is invoked during unpair BEFORE
// any session state is cleared, so a stopped-but-not-cleared session can
// never observe events; the app wires it to stop the scheduler, the call
// machine and its transport subscriptions.
type Coordinator struct {
	opt   Options
	rc    *relay.Client
	db    *storage.DB
	tr    Transport
	clock clockwork.Clock
	alive KeepAlive

	// StopDependents is called at the start of every unpair. May be nil.
	StopDependents func()

	mu        sync.Mutex
	state     State
	session   storage.PairedSession
	aliveHeld bool
	lastKX    *KeyExchangeRequest

	kx keyExchanger

	stateMu   sync.RWMutex
	stateSubs map[chan State]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Coordinator, restoring any persisted session. The background
// token is re-acquired when a paired session survives a restart.
func New(opt Options, rc *relay.Client, db *storage.DB, tr Transport, alive KeepAlive, clock clockwork.Clock) (*Coordinator, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if alive == nil {
		alive = NoopKeepAlive{}
	}

	sess, err := db.LoadSession()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		opt:       opt,
		rc:        rc,
		db:        db,
		tr:        tr,
		clock:     clock,
		alive:     alive,
		state:     StateUnpaired,
		session:   sess,
		stateSubs: make(map[chan State]struct{}),
		done:      make(chan struct{}),
	}

	if sess.IsPaired() {
		c.state = StatePaired
		c.acquireAliveLocked()
		if tok := db.AuthToken(); tok != "" {
			rc.SetAuthToken(tok)
		}
		log.Printf("PAIR: restored session for user %s (device %s)", sess.UserID, sess.DeviceID)
	}

	go c.dispatchLoop()
	return c, nil
}

// State returns the current pairing state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Coordinator) Session() storage.PairedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SubscribeState returns a channel of pairing-state changes.
func (c *Coordinator) SubscribeState() (ch chan State, cancel func()) {
	ch = make(chan State, 8)

	c.stateMu.Lock()
	c.stateSubs[ch] = struct{}{}
	c.stateMu.Unlock()

	cancel = func() {
		c.stateMu.Lock()
		if _, ok := c.stateSubs[ch]; ok {
			delete(c.stateSubs, ch)
			close(ch)
		}
		c.stateMu.Unlock()
	}
	return ch, cancel
}

// Pair runs the pairing handshake for userID. Re-pairing with the identity
// the cache already belongs to reuses the cache as-is (zero-bandwidth
// re-pair); pairing with a different identity purges the previous user's
// cache BEFORE any new data is accepted. That ordering is a privacy
// invariant, not an optimization.
func (c *Coordinator) Pair(ctx context.Context, userID string) error {
	c.mu.Lock()
	switch c.state {
	case StatePaired:
		already := c.session.UserID
		c.mu.Unlock()
		if already == userID {
			return nil
		}
		return ErrAlreadyPaired
	case StatePairing, StateUnpairing:
		c.mu.Unlock()
		return errors.New("pairing: transition already in progress")
	}
	c.setStateLocked(StatePairing)
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.setStateLocked(StateUnpaired)
		c.mu.Unlock()
		return err
	}

	init, err := c.rc.PairInitiate(ctx, c.opt.Platform, c.opt.DisplayName)
	if err != nil {
		return fail(err)
	}
	redeemed, err := c.rc.PairRedeem(ctx, init.PairingID, userID)
	if err != nil {
		return fail(err)
	}

	// Privacy check against the persisted previous identity.
	if prev := c.Session().LastPairedUserID; prev != "" && prev != userID {
		if err := c.db.CacheClear(prev); err != nil {
			return fail(err)
		}
		log.Printf("PAIR: purged cached data of previous identity")
	} else if prev == userID {
		log.Printf("PAIR: same identity re-paired, local cache trusted")
	}

	sess := storage.PairedSession{
		UserID:           userID,
		DeviceID:         redeemed.DeviceID,
		PairedAt:         proto.NowMillis(),
		LastPairedUserID: userID,
	}
	if err := c.db.SaveSession(sess); err != nil {
		return fail(err)
	}
	if err := c.db.SaveAuthToken(redeemed.AuthToken); err != nil {
		return fail(err)
	}
	c.rc.SetAuthToken(redeemed.AuthToken)

	c.mu.Lock()
	c.session = sess
	c.acquireAliveLocked()
	c.setStateLocked(StatePaired)
	c.mu.Unlock()

	log.Printf("PAIR: paired as device %s for user %s", sess.DeviceID, userID)

	// Key sync is folded into the pairing flow; a timeout here is not a
	// pairing failure — the exchange retries automatically on next start.
	if c.db.KeyMaterial() == nil {
		if _, err := c.RequestKeyExchange(ctx); err != nil {
			log.Printf("PAIR: key exchange pending, will retry automatically: %v", err)
		}
	}
	return nil
}

// Unpair tears the pairing down: dependents stop first, then the device is
// unregistered with the relay, and only after that does the local auth token
// go away (it authenticates the unregister call). clearCache additionally
// wipes the identity's cached data.
func (c *Coordinator) Unpair(ctx context.Context, clearCache bool) error {
	return c.unpair(ctx, clearCache, false)
}

func (c *Coordinator) unpair(ctx context.Context, clearCache, removedRemotely bool) error {
	c.mu.Lock()
	if c.state != StatePaired {
		c.mu.Unlock()
		return ErrNotPaired
	}
	sess := c.session
	c.setStateLocked(StateUnpairing)
	c.mu.Unlock()

	// Stop everything that consumes events before any state is cleared.
	if c.StopDependents != nil {
		c.StopDependents()
	}

	if !removedRemotely {
		if err := c.rc.RemoveDevice(ctx, sess.DeviceID); err != nil {
			// Proceed with the local teardown: a device must be able to
			// unpair while the relay is unreachable.
			log.Printf("PAIR: relay unregister failed, unpairing locally: %v", err)
		}
	}

	// Token invalidation strictly after the unregister attempt.
	if err := c.db.ClearAuthToken(); err != nil {
		log.Printf("PAIR: clear auth token: %v", err)
	}
	c.rc.SetAuthToken("")

	if err := c.db.ClearSession(); err != nil {
		log.Printf("PAIR: clear session: %v", err)
	}
	if err := c.db.ClearKeyMaterial(); err != nil {
		log.Printf("PAIR: clear key material: %v", err)
	}
	if clearCache {
		if err := c.db.CacheClear(sess.UserID); err != nil {
			log.Printf("PAIR: clear cache: %v", err)
		}
	}

	c.mu.Lock()
	c.session = storage.PairedSession{LastPairedUserID: sess.LastPairedUserID}
	c.releaseAliveLocked()
	c.setStateLocked(StateUnpaired)
	c.mu.Unlock()

	log.Printf("PAIR: unpaired (cache cleared=%v)", clearCache)
	return nil
}

// AutoKeySync requests key material in the background when a paired session
// exists without local E2EE keys (typically after a reinstall or key wipe).
// It is a no-op while pairing is in progress — the pairing flow carries its
// own key sync — and self-cancelling when an exchange is already in flight.
func (c *Coordinator) AutoKeySync(ctx context.Context) {
	c.mu.Lock()
	skip := c.state != StatePaired
	c.mu.Unlock()
	if skip || c.db.KeyMaterial() != nil {
		return
	}

	go func() {
		if _, err := c.RequestKeyExchange(ctx); err != nil {
			log.Printf("PAIR: auto key sync pending, will retry automatically: %v", err)
		}
	}()
}

// Close shuts the coordinator down without unpairing. The background token
// is released; the persisted session survives for the next start.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.releaseAliveLocked()
		c.mu.Unlock()
	})
}

// dispatchLoop watches the event stream for a device_removed broadcast
// naming this device: the remote side unpaired us, so the local teardown
// runs without a relay unregister call.
func (c *Coordinator) dispatchLoop() {
	ch, cancel := c.tr.Subscribe()
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != proto.KindDeviceRemoved {
				continue
			}
			var p struct {
				DeviceID string `json:"deviceId"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.DeviceID != c.Session().DeviceID {
				continue
			}
			log.Printf("PAIR: device removed remotely, unpairing")
			if err := c.unpair(context.Background(), false, true); err != nil && !errors.Is(err, ErrNotPaired) {
				log.Printf("PAIR: remote-initiated unpair: %v", err)
			}
		}
	}
}

// acquireAliveLocked acquires the background token if not already held.
// Callers hold c.mu.
func (c *Coordinator) acquireAliveLocked() {
	if c.aliveHeld {
		return
	}
	c.aliveHeld = true
	c.alive.Acquire()
}

// releaseAliveLocked releases the token exactly once. Callers hold c.mu.
func (c *Coordinator) releaseAliveLocked() {
	if !c.aliveHeld {
		return
	}
	c.aliveHeld = false
	c.alive.Release()
}

// setStateLocked updates the state and notifies subscribers. Callers hold c.mu.
func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s

	c.stateMu.RLock()
	for ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
	c.stateMu.RUnlock()
}
