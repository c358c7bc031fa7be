package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
	"github.com/petervdpas/tether/internal/storage"
)

// fakeTransport records outbound commands and fans inbound events out to all
// subscribers, standing in for the websocket transport.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []proto.Command
	subs   map[chan *proto.DeliveryEvent]struct{}
	onSend func(cmd proto.Command)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[chan *proto.DeliveryEvent]struct{})}
}

func (f *fakeTransport) Send(_ context.Context, cmd proto.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (f *fakeTransport) Subscribe() (chan *proto.DeliveryEvent, func()) {
	ch := make(chan *proto.DeliveryEvent, 16)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

func (f *fakeTransport) broadcast(kind string, payload any) {
	b, _ := json.Marshal(payload)
	ev := &proto.DeliveryEvent{EventID: uuid.NewString(), Kind: kind, Payload: b}
	f.mu.Lock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *fakeTransport) countSent(cmdType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c.Type == cmdType {
			n++
		}
	}
	return n
}

// fulfillKeyRequests wires the transport to answer every key request by
// sealing material against the request's ephemeral public key, optionally
// after a delay.
func (f *fakeTransport) fulfillKeyRequests(t *testing.T, material []byte, delay time.Duration) {
	t.Helper()
	f.mu.Lock()
	f.onSend = func(cmd proto.Command) {
		kr, ok := cmd.Payload.(proto.KeyRequest)
		if !ok {
			return
		}
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			resp, err := SealKeyMaterial(material, kr.PublicKey)
			require.NoError(t, err)
			resp.RequestID = kr.RequestID
			f.broadcast(proto.KindKeyResponse, resp)
		}()
	}
	f.mu.Unlock()
}

// fakeRelay is an httptest relay covering the pairing endpoints. Device
// removals are recorded in order alongside whatever the test appends.
type fakeRelay struct {
	srv *httptest.Server

	mu    sync.Mutex
	order []string
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pair/initiate":
			json.NewEncoder(w).Encode(relay.PairInitiateResult{PairingID: "p-1"})
		case r.URL.Path == "/pair/redeem":
			var in struct {
				UserID string `json:"userId"`
			}
			json.NewDecoder(r.Body).Decode(&in)
			json.NewEncoder(w).Encode(relay.PairRedeemResult{
				DeviceID:  "dev-1",
				UserID:    in.UserID,
				AuthToken: "tok-" + in.UserID,
			})
		case len(r.URL.Path) > len("/devices/") && r.URL.Path[:9] == "/devices/":
			fr.record("remove")
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) record(step string) {
	fr.mu.Lock()
	fr.order = append(fr.order, step)
	fr.mu.Unlock()
}

func (fr *fakeRelay) steps() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.order...)
}

func newTestCoordinator(t *testing.T, fr *fakeRelay, ft *fakeTransport) (*Coordinator, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(Options{
		Platform:           proto.PlatformMacOS,
		DisplayName:        "test desktop",
		KeyExchangeTimeout: 2 * time.Second,
	}, relay.NewClient(fr.srv.URL), db, ft, nil, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, db
}

func TestPairPersistsSessionAndToken(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("secret-keys"), 0)
	c, db := newTestCoordinator(t, newFakeRelay(t), ft)

	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.Equal(t, StatePaired, c.State())

	sess := c.Session()
	require.Equal(t, "alice", sess.UserID)
	require.Equal(t, "dev-1", sess.DeviceID)
	require.Equal(t, "tok-alice", db.AuthToken())

	// Key sync is folded into pairing.
	require.Equal(t, []byte("secret-keys"), db.KeyMaterial())
	kx, ok := c.LastKeyExchange()
	require.True(t, ok)
	require.Equal(t, KXFulfilled, kx.Status)
}

func TestPairIdempotentForSameUser(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, _ := newTestCoordinator(t, newFakeRelay(t), ft)

	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.ErrorIs(t, c.Pair(context.Background(), "bob"), ErrAlreadyPaired)
}

func TestUnpairStopsDependentsBeforeRelayAndToken(t *testing.T) {
	fr := newFakeRelay(t)
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, db := newTestCoordinator(t, fr, ft)
	require.NoError(t, c.Pair(context.Background(), "alice"))

	c.StopDependents = func() {
		fr.record("stop")
		// Dependents stop while the session still exists.
		require.True(t, c.Session().IsPaired())
	}

	require.NoError(t, c.Unpair(context.Background(), false))
	require.Equal(t, []string{"stop", "remove"}, fr.steps(),
		"dependents stop before the relay unregister")

	require.Equal(t, StateUnpaired, c.State())
	require.Empty(t, db.AuthToken())
	require.Nil(t, db.KeyMaterial())

	sess, err := db.LoadSession()
	require.NoError(t, err)
	require.False(t, sess.IsPaired())
	require.Equal(t, "alice", sess.LastPairedUserID, "previous identity survives for the privacy check")
}

func TestIdentitySwitchPurgesPreviousCache(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, db := newTestCoordinator(t, newFakeRelay(t), ft)

	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.NoError(t, db.CachePut("alice", "messages", "m1", []byte(`{}`)))
	require.NoError(t, c.Unpair(context.Background(), false))

	// Unpair without cache clear keeps the rows for a zero-bandwidth re-pair.
	n, err := db.CacheCount("alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A different identity purges them before any new data lands.
	require.NoError(t, c.Pair(context.Background(), "bob"))
	n, err = db.CacheCount("alice")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSameIdentityRepairKeepsCache(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, db := newTestCoordinator(t, newFakeRelay(t), ft)

	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.NoError(t, db.CachePut("alice", "messages", "m1", []byte(`{}`)))
	require.NoError(t, c.Unpair(context.Background(), false))
	require.NoError(t, c.Pair(context.Background(), "alice"))

	n, err := db.CacheCount("alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRemoteDeviceRemovalUnpairsLocally(t *testing.T) {
	fr := newFakeRelay(t)
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, _ := newTestCoordinator(t, fr, ft)
	require.NoError(t, c.Pair(context.Background(), "alice"))
	before := len(fr.steps())

	ft.broadcast(proto.KindDeviceRemoved, map[string]string{"deviceId": "dev-1"})

	require.Eventually(t, func() bool {
		return c.State() == StateUnpaired
	}, 2*time.Second, 10*time.Millisecond)
	// The relay already removed us; no unregister call goes out.
	require.Len(t, fr.steps(), before)
}

func TestRemovalOfOtherDeviceIgnored(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, _ := newTestCoordinator(t, newFakeRelay(t), ft)
	require.NoError(t, c.Pair(context.Background(), "alice"))

	ft.broadcast(proto.KindDeviceRemoved, map[string]string{"deviceId": "someone-else"})

	require.Never(t, func() bool {
		return c.State() != StatePaired
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestKeyExchangeCoalescesConcurrentCalls(t *testing.T) {
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)
	c, _ := newTestCoordinator(t, newFakeRelay(t), ft)
	require.NoError(t, c.Pair(context.Background(), "alice"))
	// Slow the responder down so the concurrent callers overlap in flight.
	ft.fulfillKeyRequests(t, []byte("shared"), 300*time.Millisecond)
	base := ft.countSent(proto.CmdKeyRequest)

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.RequestKeyExchange(context.Background())
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, []byte("shared"), results[0])
	require.Equal(t, []byte("shared"), results[1])
	require.Equal(t, 1, ft.countSent(proto.CmdKeyRequest)-base,
		"concurrent exchanges must coalesce onto one outbound request")
}

func TestKeyExchangeTimeoutMarksExpired(t *testing.T) {
	ft := newFakeTransport() // never answers
	db, err := storage.Open(filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(Options{
		Platform:           proto.PlatformMacOS,
		DisplayName:        "test desktop",
		KeyExchangeTimeout: 100 * time.Millisecond,
	}, relay.NewClient(newFakeRelay(t).srv.URL), db, ft, nil, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// Pairing succeeds even though its folded key sync times out.
	require.NoError(t, c.Pair(context.Background(), "alice"))
	require.Equal(t, StatePaired, c.State())
	require.Nil(t, db.KeyMaterial())

	_, err = c.RequestKeyExchange(context.Background())
	require.ErrorIs(t, err, ErrKeyExchangeTimeout)

	kx, ok := c.LastKeyExchange()
	require.True(t, ok)
	require.Equal(t, KXExpired, kx.Status)
}

func TestSessionSurvivesRestart(t *testing.T) {
	fr := newFakeRelay(t)
	ft := newFakeTransport()
	ft.fulfillKeyRequests(t, []byte("k"), 0)

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "tether.db"))
	require.NoError(t, err)

	opt := Options{Platform: proto.PlatformMacOS, DisplayName: "d", KeyExchangeTimeout: 2 * time.Second}
	c, err := New(opt, relay.NewClient(fr.srv.URL), db, ft, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Pair(context.Background(), "alice"))
	c.Close()
	require.NoError(t, db.Close())

	db2, err := storage.Open(filepath.Join(dir, "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })

	c2, err := New(opt, relay.NewClient(fr.srv.URL), db2, ft, nil, nil)
	require.NoError(t, err)
	t.Cleanup(c2.Close)

	require.Equal(t, StatePaired, c2.State())
	require.Equal(t, "alice", c2.Session().UserID)
	require.Equal(t, []byte("k"), db2.KeyMaterial())
}
