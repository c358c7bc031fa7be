// Package app wires the engine together: storage, relay client, transport,
// conditions, scheduler, call machine, pairing coordinator and the local API.
// Components are constructed explicitly and stopped in reverse order; none
// of them know about each other beyond the interfaces they are handed.
package app

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/tether/internal/api"
	"github.com/petervdpas/tether/internal/callsig"
	"github.com/petervdpas/tether/internal/conditions"
	"github.com/petervdpas/tether/internal/config"
	"github.com/petervdpas/tether/internal/pairing"
	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
	"github.com/petervdpas/tether/internal/sched"
	"github.com/petervdpas/tether/internal/storage"
	"github.com/petervdpas/tether/internal/transport"
	"github.com/petervdpas/tether/internal/util"
)

// Options for one engine run.
type Options struct {
	DataDir string
	Cfg     config.Config

	// Platform side effects. Nil fields get logging defaults, which is all a
	// headless run needs.
	Ringer    callsig.Ringer
	Notifier  callsig.Notifier
	Media     callsig.MediaGate
	KeepAlive pairing.KeepAlive
}

// Run starts the engine and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	clock := clockwork.NewRealClock()

	if opt.Ringer == nil {
		opt.Ringer = logRinger{}
	}
	if opt.Notifier == nil {
		opt.Notifier = logNotifier{}
	}
	if opt.Media == nil {
		opt.Media = allowVideo{}
	}
	if opt.KeepAlive == nil {
		opt.KeepAlive = pairing.NoopKeepAlive{}
	}

	// ── Storage
	db, err := storage.Open(util.ResolvePath(opt.DataDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	// ── Relay client + delivery transport
	rc := relay.NewClient(cfg.Relay.BaseURL)
	if tok := db.AuthToken(); tok != "" {
		rc.SetAuthToken(tok)
	}

	wsURL, err := websocketURL(cfg.Relay.BaseURL, cfg.Relay.WSPath)
	if err != nil {
		return err
	}
	tr, err := transport.New(transport.Options{
		WSURL:         wsURL,
		ReconnectMin:  time.Duration(cfg.Relay.ReconnectMinSec) * time.Second,
		ReconnectMax:  time.Duration(cfg.Relay.ReconnectMaxSec) * time.Second,
		FallbackAfter: time.Duration(cfg.Relay.FallbackAfterSec) * time.Second,
		PollLimit:     cfg.Relay.PollLimit,
		AuthToken:     db.AuthToken(),
	}, rc, db, clock)
	if err != nil {
		return err
	}
	tr.SetDedupCapacity(cfg.Storage.DedupCapacity)
	defer tr.Close()

	// ── Conditions
	cond := conditions.NewFileProvider(
		util.ResolvePath(opt.DataDir, cfg.Conditions.SnapshotFile),
		time.Duration(cfg.Conditions.PollSec)*time.Second,
	)
	if err := cond.Start(); err != nil {
		return fmt.Errorf("start conditions provider: %w", err)
	}
	defer cond.Close()

	// ── Scheduler
	scheduler := sched.New(tuningFrom(cfg.Sync), cond, clock)
	defer scheduler.Close()

	// ── Call machine
	calls := callsig.New(tr, opt.Ringer, opt.Notifier, opt.Media,
		time.Duration(cfg.Call.ConnectingTimeoutSec)*time.Second, clock)
	defer calls.Close()

	// ── Pairing coordinator
	coord, err := pairing.New(pairing.Options{
		Platform:           cfg.Device.Platform,
		DisplayName:        cfg.Device.DisplayName,
		KeyExchangeTimeout: time.Duration(cfg.Pairing.KeyExchangeTimeoutSec) * time.Second,
	}, rc, db, tr, opt.KeepAlive, clock)
	if err != nil {
		return fmt.Errorf("init pairing: %w", err)
	}
	defer coord.Close()

	// ── Debug buffer + per-feature cache writer
	recent := util.NewRingBuffer[proto.DeliveryEvent](200)
	go runCacheWriter(ctx, tr, coord, db, recent)

	coord.StopDependents = stopDependents(scheduler, calls, recent)

	// ── Sync tasks follow the pairing state: running while Paired, stopped
	// by StopDependents on unpair, suspended below the battery threshold.
	register := func() {
		if coord.State() == pairing.StatePaired {
			registerSyncTasks(scheduler, tr, cond, coord)
		}
	}
	register()
	go runSuspendWatcher(ctx, cond, scheduler, cfg.Sync.SuspendBatteryPct, register)
	go func() {
		ch, cancel := coord.SubscribeState()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				switch st {
				case pairing.StatePaired:
					// Pairing minted a fresh relay token; the websocket
					// redial must present it too.
					tr.SetAuthToken(db.AuthToken())
					registerSyncTasks(scheduler, tr, cond, coord)
				case pairing.StateUnpaired:
					tr.SetAuthToken("")
				}
			}
		}
	}()

	tr.Connect()
	coord.AutoKeySync(ctx)

	// ── Local API
	var srv *api.Server
	if cfg.API.HTTPAddr != "" {
		srv = api.New(cfg.API.HTTPAddr, api.Deps{
			Pairing:   coord,
			Calls:     calls,
			Scheduler: scheduler,
			Transport: tr,
			Relay:     rc,
			Recent:    recent,
			Debug:     cfg.API.Debug,
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
		defer srv.Close()
	}

	log.Printf("tether: engine up (device %q, platform %s)", cfg.Device.DisplayName, cfg.Device.Platform)
	<-ctx.Done()
	log.Printf("tether: shutting down")
	return nil
}

// stopDependents builds the teardown the pairing coordinator runs before
// clearing any session state: sync tasks stop, an active call hangs up, and
// the debug buffer forgets the identity's events.
func stopDependents(s *sched.Scheduler, calls *callsig.Machine, recent *util.RingBuffer[proto.DeliveryEvent]) func() {
	return func() {
		s.StopAll()
		if _, active := calls.Current(); active {
			hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = calls.End(hangCtx)
			cancel()
		}
		recent.Reset()
	}
}

func tuningFrom(s config.Sync) sched.Tuning {
	return sched.Tuning{
		Min:            time.Duration(s.MinIntervalSec) * time.Second,
		Critical:       time.Duration(s.CriticalIntervalSec) * time.Second,
		Moderate:       time.Duration(s.ModerateIntervalSec) * time.Second,
		Default:        time.Duration(s.DefaultIntervalSec) * time.Second,
		Max:            time.Duration(s.MaxIntervalSec) * time.Second,
		ActivityWindow: time.Duration(s.ActivityWindowSec) * time.Second,
		LowBatteryPct:  s.LowBatteryPct,
		Hysteresis:     time.Duration(s.HysteresisSec) * time.Second,
	}
}

// websocketURL joins the relay base url and ws path, switching the scheme.
func websocketURL(base, path string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("relay base url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
