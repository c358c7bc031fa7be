package sched

import (
	"time"

	"github.com/petervdpas/tether/internal/conditions"
	"github.com/petervdpas/tether/internal/util"
)

// Priority tiers governing how aggressively a sync task is scheduled under
// power constraints.
type Priority int

const (
	Critical Priority = iota // calls and messages, always fast
	High                     // notifications, clipboard, status
	Medium                   // contacts, photos
	Low                      // bulk media
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	}
	return "UNKNOWN"
}

// Tuning holds the interval tiers and thresholds the interval function maps
// device conditions onto.
type Tuning struct {
	Min      time.Duration // user recently active
	Critical time.Duration // fixed fast tier for calls/messages
	Moderate time.Duration // charging or on wifi
	Default  time.Duration
	Max      time.Duration // low battery, not charging

	ActivityWindow time.Duration
	LowBatteryPct  int
	Hysteresis     time.Duration
}

// IntervalFor computes the polling interval for a task of priority p under
// snapshot snap. It is a pure function: the scheduler re-evaluates it after
// every run and on every condition change, never caching a fixed value.
//
// runnable is false when the tier is barred from running at all: MEDIUM and
// LOW tasks require both charging and wifi, and are skipped entirely — not
// merely slowed — without them.
func IntervalFor(p Priority, snap conditions.Snapshot, t Tuning, now time.Time) (interval time.Duration, runnable bool) {
	runnable = true
	if p == Medium || p == Low {
		runnable = snap.IsCharging && snap.IsOnWifi
	}

	switch {
	case snap.TimeSinceActivity(now) < t.ActivityWindow:
		interval = t.Min
	case p == Critical:
		// Exempt from the battery clamp: calls and messages must keep
		// arriving even at 5% battery.
		interval = t.Critical
	case snap.BatteryLevel < t.LowBatteryPct && !snap.IsCharging:
		interval = t.Max
	case snap.IsCharging || snap.IsOnWifi:
		interval = t.Moderate
	default:
		interval = t.Default
	}

	return util.Clamp(interval, t.Min, t.Max), runnable
}
