package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
)

func newTestManager(t *testing.T, rc *relay.Client, clock clockwork.Clock) *Manager {
	t.Helper()
	m, err := New(Options{
		ReconnectMin:  time.Second,
		ReconnectMax:  time.Minute,
		FallbackAfter: 10 * time.Second,
		PollLimit:     50,
	}, rc, nil, clock)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func event(id, kind string) *proto.DeliveryEvent {
	return &proto.DeliveryEvent{EventID: id, Kind: kind, Payload: json.RawMessage(`{}`)}
}

func TestInjectDeduplicates(t *testing.T) {
	m := newTestManager(t, nil, clockwork.NewFakeClock())

	ch, cancel := m.Subscribe()
	defer cancel()

	require.True(t, m.Inject(event("e1", proto.KindNewMessage)))
	require.False(t, m.Inject(event("e1", proto.KindNewMessage)), "second delivery of the same eventId must be discarded")
	require.True(t, m.Inject(event("e2", proto.KindNewMessage)))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.EventID)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %v", got)
		}
	}
	require.Equal(t, []string{"e1", "e2"}, got)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %s", ev.EventID)
	default:
	}
}

func TestSendFailsWithoutConnectionOrFallback(t *testing.T) {
	m := newTestManager(t, nil, clockwork.NewFakeClock())

	err := m.Send(context.Background(), proto.Command{Type: proto.CmdStatusPush})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestFallbackActivatesAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, nil, clock)

	require.False(t, m.FallbackActive(), "fresh disconnect must not trip the fallback immediately")
	clock.Advance(11 * time.Second)
	require.True(t, m.FallbackActive())
}

func TestPollAndPushShareDedupSpace(t *testing.T) {
	// Relay serves the same underlying event the websocket already pushed:
	// the poll path must not double-apply it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages":
			json.NewEncoder(w).Encode(relay.MessagesPage{
				Events: []proto.DeliveryEvent{
					{EventID: "dup", Kind: proto.KindNewMessage, Payload: json.RawMessage(`{}`)},
					{EventID: "poll-only", Kind: proto.KindNewMessage, Payload: json.RawMessage(`{}`)},
				},
				Cursor: "c2",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, relay.NewClient(srv.URL), clock)

	ch, cancel := m.Subscribe()
	defer cancel()

	// Push path delivers first.
	require.True(t, m.Inject(event("dup", proto.KindNewMessage)))

	// Socket has been down past the threshold: poller becomes active.
	clock.Advance(11 * time.Second)
	require.NoError(t, m.PollMessages(context.Background()))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.EventID)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %v", got)
		}
	}
	require.Equal(t, []string{"dup", "poll-only"}, got)
}

func TestPollIsNoOpWhileSocketHealthyWindow(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(relay.MessagesPage{})
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, relay.NewClient(srv.URL), clock)

	// Below the fallback threshold the poller must not hit the relay.
	require.NoError(t, m.PollMessages(context.Background()))
	require.Zero(t, calls)
}

func TestSetAuthTokenUsedOnRedial(t *testing.T) {
	// The relay only upgrades authenticated dials. A transport started before
	// pairing must pick up the freshly minted token on its next redial
	// instead of staying stuck on the stale credential.
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := New(Options{
		WSURL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectMin:  10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		FallbackAfter: time.Minute,
	}, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.Connect()
	require.Never(t, func() bool {
		return m.State() == StateConnected
	}, 200*time.Millisecond, 20*time.Millisecond)

	m.SetAuthToken("tok")
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollCallCommandsAcks(t *testing.T) {
	var acked []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/calls/commands" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"commands": []proto.DeliveryEvent{
					{EventID: "cmd1", Kind: proto.KindCallOffer, Payload: json.RawMessage(`{}`)},
				},
			})
		case r.Method == http.MethodPost:
			// /calls/commands/{id}/ack
			acked = append(acked, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	m := newTestManager(t, relay.NewClient(srv.URL), clock)
	clock.Advance(11 * time.Second)

	require.NoError(t, m.PollCallCommands(context.Background()))
	require.Equal(t, []string{"/calls/commands/cmd1/ack"}, acked)
}
