// Package sched owns the recurring sync tasks and adapts each task's polling
// interval to the device's battery, charging, network and activity state.
package sched

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/tether/internal/conditions"
)

// TaskFunc is the body of one sync task run. It must honor ctx cancellation;
// a returned error stays local to the task.
type TaskFunc func(ctx context.Context) error

// Task is one recurring, independently scheduled sync feature.
type Task struct {
	Name     string
	Priority Priority
	Run      TaskFunc
}

// TaskStatus is the observable state of a scheduled task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Priority  string        `json:"priority"`
	Active    bool          `json:"active"`
	Interval  time.Duration `json:"interval"`
	LastRunAt int64         `json:"lastRunAt"`
	NextDueAt int64         `json:"nextDueAt"`
}

type taskState struct {
	task   Task
	cancel context.CancelFunc
	kick   chan struct{} // wakes the job to recompute its wait

	mu        sync.Mutex
	interval  time.Duration
	lastRunAt int64
	nextDueAt int64
}

func (st *taskState) schedule(ivl time.Duration, now time.Time) {
	st.mu.Lock()
	st.interval = ivl
	st.nextDueAt = now.Add(ivl).UnixMilli()
	st.mu.Unlock()
}

func (st *taskState) ran(now time.Time) {
	st.mu.Lock()
	st.lastRunAt = now.UnixMilli()
	st.mu.Unlock()
}

// Scheduler owns the task jobs. Each job is an independent goroutine with
// its own context; one task failing or backing off never touches a sibling.
type Scheduler struct {
	tuning   Tuning
	provider conditions.Provider
	clock    clockwork.Clock

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*taskState
	prev  conditions.Snapshot

	condCancel func()
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a scheduler reading conditions from provider. It subscribes to
// the provider immediately; tasks start on StartTask.
func New(tuning Tuning, provider conditions.Provider, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tuning:     tuning,
		provider:   provider,
		clock:      clock,
		rootCtx:    ctx,
		rootCancel: cancel,
		tasks:      make(map[string]*taskState),
		prev:       provider.Current(),
	}

	ch, cancelSub := provider.Subscribe()
	s.condCancel = cancelSub
	go func() {
		for snap := range ch {
			s.OnConditionsChanged(snap)
		}
	}()

	return s
}

// StartTask spawns the periodic job for t. Starting an already-running task
// is a no-op.
func (s *Scheduler) StartTask(t Task) {
	s.mu.Lock()
	if _, exists := s.tasks[t.Name]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	st := &taskState{task: t, cancel: cancel, kick: make(chan struct{}, 1)}
	s.tasks[t.Name] = st
	s.mu.Unlock()

	log.Printf("SCHED: start %s (%s)", t.Name, t.Priority)
	s.wg.Add(1)
	go s.runTask(ctx, st)
}

// StopTask cancels the named task's job. Idempotent: stopping a stopped or
// unknown task is a no-op, not an error.
func (s *Scheduler) StopTask(name string) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	if ok {
		st.cancel()
		log.Printf("SCHED: stop %s", name)
	}
}

// StopAll cancels every task but keeps the scheduler alive, so tasks can be
// registered again after a re-pair.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopTask(name)
	}
}

// StopNonCritical cancels every task below CRITICAL. Used when the app is
// suspended or the battery reaches the suspended tier; call and message
// polling stay alive.
func (s *Scheduler) StopNonCritical() {
	s.mu.Lock()
	var names []string
	for name, st := range s.tasks {
		if st.task.Priority != Critical {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopTask(name)
	}
}

// OnConditionsChanged recomputes intervals for the tasks a snapshot change
// affects. A wifi-only change touches just MEDIUM/LOW; anything involving
// battery, charging or activity touches every tier. A task is only kicked
// when its newly computed interval differs from the scheduled one by more
// than the hysteresis margin, so condition flapping cannot thrash jobs.
func (s *Scheduler) OnConditionsChanged(snap conditions.Snapshot) {
	s.mu.Lock()
	prev := s.prev
	s.prev = snap

	wifiOnly := prev.IsOnWifi != snap.IsOnWifi &&
		prev.BatteryLevel == snap.BatteryLevel &&
		prev.IsCharging == snap.IsCharging &&
		prev.LastUserActivityAt == snap.LastUserActivityAt

	now := s.clock.Now()
	for _, st := range s.tasks {
		if wifiOnly && st.task.Priority != Medium && st.task.Priority != Low {
			continue
		}
		newIvl, _ := IntervalFor(st.task.Priority, snap, s.tuning, now)

		st.mu.Lock()
		cur := st.interval
		st.mu.Unlock()

		diff := newIvl - cur
		if diff < 0 {
			diff = -diff
		}
		if diff > s.tuning.Hysteresis {
			select {
			case st.kick <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()
}

// Status returns the observable state of all running tasks.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		out = append(out, TaskStatus{
			Name:      st.task.Name,
			Priority:  st.task.Priority.String(),
			Active:    true,
			Interval:  st.interval,
			LastRunAt: st.lastRunAt,
			NextDueAt: st.nextDueAt,
		})
		st.mu.Unlock()
	}
	return out
}

// Close cancels every job and the condition subscription. Idempotent.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		s.rootCancel()
		if s.condCancel != nil {
			s.condCancel()
		}
		s.mu.Lock()
		s.tasks = make(map[string]*taskState)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// runTask is one task's job loop: wait the adaptive interval, run, repeat.
// The interval is recomputed from a fresh condition snapshot after every
// run and whenever a kick arrives.
func (s *Scheduler) runTask(ctx context.Context, st *taskState) {
	defer s.wg.Done()

	failBackoff := time.Duration(0)

	for {
		ivl, runnable := IntervalFor(st.task.Priority, s.provider.Current(), s.tuning, s.clock.Now())
		if failBackoff > ivl {
			ivl = failBackoff
		}
		st.schedule(ivl, s.clock.Now())

		timer := s.clock.NewTimer(ivl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-st.kick:
			timer.Stop()
			continue
		case <-timer.Chan():
		}

		if !runnable {
			// Tier barred under current conditions; re-check next wakeup.
			continue
		}

		if err := st.task.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Local to this task: back off and retry on its own schedule.
			if failBackoff == 0 {
				failBackoff = ivl
			}
			failBackoff *= 2
			if failBackoff > s.tuning.Max {
				failBackoff = s.tuning.Max
			}
			log.Printf("SCHED: %s failed (retry in ≤%s): %v", st.task.Name, failBackoff, err)
		} else {
			failBackoff = 0
		}
		st.ran(s.clock.Now())
	}
}
