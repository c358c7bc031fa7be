package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/petervdpas/tether/internal/conditions"
	"github.com/petervdpas/tether/internal/pairing"
	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/sched"
	"github.com/petervdpas/tether/internal/storage"
	"github.com/petervdpas/tether/internal/transport"
	"github.com/petervdpas/tether/internal/util"
)

// registerSyncTasks starts the recurring sync features. Message and call
// polling are CRITICAL (they are the websocket's fallback path and must not
// slow down on low battery); the status heartbeat is HIGH; contact and photo
// refreshes ride the MEDIUM/LOW tiers and only run on charger + wifi.
// StartTask is a no-op for already-running tasks, so re-registration after a
// re-pair is safe.
func registerSyncTasks(s *sched.Scheduler, tr *transport.Manager, cond conditions.Provider, coord *pairing.Coordinator) {
	s.StartTask(sched.Task{
		Name:     "messages",
		Priority: sched.Critical,
		Run:      tr.PollMessages,
	})
	s.StartTask(sched.Task{
		Name:     "call-commands",
		Priority: sched.Critical,
		Run:      tr.PollCallCommands,
	})
	s.StartTask(sched.Task{
		Name:     "status-heartbeat",
		Priority: sched.High,
		Run: func(ctx context.Context) error {
			snap := cond.Current()
			return tr.Send(ctx, proto.Command{
				Type: proto.CmdStatusPush,
				Payload: map[string]any{
					"deviceId":     coord.Session().DeviceID,
					"batteryLevel": snap.BatteryLevel,
					"isCharging":   snap.IsCharging,
					"ts":           proto.NowMillis(),
				},
			})
		},
	})
	s.StartTask(sched.Task{
		Name:     "contacts",
		Priority: sched.Medium,
		Run:      tr.PollMessages, // contacts arrive on the same cursor feed
	})
	s.StartTask(sched.Task{
		Name:     "photos",
		Priority: sched.Low,
		Run:      tr.PollMessages,
	})
}

// runSuspendWatcher cancels the non-CRITICAL sync tasks while the battery
// sits at or below the suspend threshold with no charger attached, and
// re-registers them via register once conditions recover. Message and call
// polling stay alive throughout.
func runSuspendWatcher(ctx context.Context, cond conditions.Provider, s *sched.Scheduler, suspendPct int, register func()) {
	ch, cancel := cond.Subscribe()
	defer cancel()

	suspended := batterySuspended(cond.Current(), suspendPct)
	if suspended {
		s.StopNonCritical()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			now := batterySuspended(snap, suspendPct)
			if now == suspended {
				continue
			}
			suspended = now
			if now {
				log.Printf("APP: battery at %d%%, suspending non-critical sync", snap.BatteryLevel)
				s.StopNonCritical()
			} else {
				log.Printf("APP: battery recovered, resuming sync tasks")
				register()
			}
		}
	}
}

func batterySuspended(snap conditions.Snapshot, pct int) bool {
	return !snap.IsCharging && snap.BatteryLevel <= pct
}

// runCacheWriter consumes the deduplicated event stream and lands syncable
// payloads in the privacy cache under the currently paired identity. This is
// the only writer of cached sync data; UI feature services read through the
// cache, never from the transport directly.
func runCacheWriter(ctx context.Context, tr *transport.Manager, coord *pairing.Coordinator, db *storage.DB, recent *util.RingBuffer[proto.DeliveryEvent]) {
	events, cancel := tr.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			recent.Push(*ev)

			var feature string
			switch ev.Kind {
			case proto.KindNewMessage:
				feature = "messages"
			case proto.KindClipboard:
				feature = "clipboard"
			case proto.KindNotification:
				feature = "notifications"
			case proto.KindStatusUpdate:
				feature = "status"
			default:
				continue // call/pairing frames are not cacheable sync data
			}

			sess := coord.Session()
			if !sess.IsPaired() {
				continue // no identity to scope the entry to
			}

			key := ev.EventID
			var body struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err == nil && body.ID != "" {
				key = body.ID
			}

			if err := db.CachePut(sess.UserID, feature, key, ev.Payload); err != nil {
				log.Printf("STORE: cache %s/%s: %v", feature, key, err)
			}
		}
	}
}
