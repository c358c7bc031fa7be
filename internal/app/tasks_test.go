package app

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/tether/internal/callsig"
	"github.com/petervdpas/tether/internal/conditions"
	"github.com/petervdpas/tether/internal/config"
	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/sched"
	"github.com/petervdpas/tether/internal/util"
)

type nopSignaler struct {
	ch chan *proto.DeliveryEvent
}

func newNopSignaler() *nopSignaler {
	return &nopSignaler{ch: make(chan *proto.DeliveryEvent, 4)}
}

func (s *nopSignaler) Send(context.Context, proto.Command) error { return nil }

func (s *nopSignaler) Subscribe() (chan *proto.DeliveryEvent, func()) {
	return s.ch, func() {}
}

func noopTask(context.Context) error { return nil }

func taskNames(s *sched.Scheduler) []string {
	var names []string
	for _, st := range s.Status() {
		names = append(names, st.Name)
	}
	sort.Strings(names)
	return names
}

func TestStopDependentsTearsEverythingDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cond := conditions.NewStaticProvider(conditions.Snapshot{
		BatteryLevel: 80, IsCharging: true, IsOnWifi: true,
	})
	s := sched.New(tuningFrom(config.Default().Sync), cond, clock)
	t.Cleanup(s.Close)
	s.StartTask(sched.Task{Name: "messages", Priority: sched.Critical, Run: noopTask})
	s.StartTask(sched.Task{Name: "contacts", Priority: sched.Medium, Run: noopTask})

	calls := callsig.New(newNopSignaler(), logRinger{}, logNotifier{}, allowVideo{}, time.Minute, clock)
	t.Cleanup(calls.Close)
	_, err := calls.StartCall(context.Background(), proto.CallPeer{ID: "phone"}, false)
	require.NoError(t, err)

	recent := util.NewRingBuffer[proto.DeliveryEvent](8)
	recent.Push(proto.DeliveryEvent{EventID: "e1", Kind: proto.KindNewMessage})

	stopDependents(s, calls, recent)()

	require.Empty(t, s.Status())
	_, active := calls.Current()
	require.False(t, active, "an active call must be hung up before the session goes away")
	require.Zero(t, recent.Len(), "debug buffer must not retain the unpaired identity's events")
}

func TestSuspendWatcherDropsAndRestoresNonCritical(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cond := conditions.NewStaticProvider(conditions.Snapshot{BatteryLevel: 60})
	s := sched.New(tuningFrom(config.Default().Sync), cond, clock)
	t.Cleanup(s.Close)

	register := func() {
		s.StartTask(sched.Task{Name: "messages", Priority: sched.Critical, Run: noopTask})
		s.StartTask(sched.Task{Name: "status-heartbeat", Priority: sched.High, Run: noopTask})
		s.StartTask(sched.Task{Name: "contacts", Priority: sched.Medium, Run: noopTask})
	}
	register()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runSuspendWatcher(ctx, cond, s, 5, register)

	// Battery hits the suspend tier: everything below critical goes away.
	// Re-set inside the poll so the watcher sees it even if it subscribed
	// after the first notification.
	require.Eventually(t, func() bool {
		cond.Set(conditions.Snapshot{BatteryLevel: 3})
		return len(s.Status()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"messages"}, taskNames(s))

	// Charger attached: the full task set comes back.
	require.Eventually(t, func() bool {
		cond.Set(conditions.Snapshot{BatteryLevel: 3, IsCharging: true})
		return len(s.Status()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"contacts", "messages", "status-heartbeat"}, taskNames(s))
}

func TestSuspendWatcherIgnoresFlapsWithinTier(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cond := conditions.NewStaticProvider(conditions.Snapshot{BatteryLevel: 4})
	s := sched.New(tuningFrom(config.Default().Sync), cond, clock)
	t.Cleanup(s.Close)

	var registered atomic.Int32
	register := func() { registered.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runSuspendWatcher(ctx, cond, s, 5, register)

	// Still suspended: a 4% → 3% change must not re-register anything.
	cond.Set(conditions.Snapshot{BatteryLevel: 3})
	require.Never(t, func() bool { return registered.Load() != 0 }, 200*time.Millisecond, 20*time.Millisecond)
}
