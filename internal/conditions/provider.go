// Package conditions exposes the device condition snapshot the host platform
// keeps refreshed (battery, charging, network, last user interaction). The
// engine only ever reads it: the snapshot file is written by the platform
// shell, and this package turns file updates into a typed stream.
package conditions

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/tether/internal/util"
)

// Snapshot is the read-only device state the scheduler derives intervals from.
type Snapshot struct {
	BatteryLevel       int   `json:"battery_level"` // 0..100
	IsCharging         bool  `json:"is_charging"`
	IsOnWifi           bool  `json:"is_on_wifi"`
	LastUserActivityAt int64 `json:"last_user_activity_at"` // unix millis
}

// TimeSinceActivity returns how long ago the user last interacted, relative
// to now.
func (s Snapshot) TimeSinceActivity(now time.Time) time.Duration {
	if s.LastUserActivityAt <= 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.UnixMilli(s.LastUserActivityAt))
}

// Provider supplies the current snapshot and a change stream.
type Provider interface {
	Current() Snapshot
	Subscribe() (ch chan Snapshot, cancel func())
}

// FileProvider reads the snapshot from a JSON file the host platform keeps
// up to date, watching it with fsnotify and polling as a fallback for
// filesystems without working watches.
type FileProvider struct {
	path     string
	pollIvl  time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	current Snapshot

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}
}

// NewFileProvider creates a provider for the snapshot file at path. The file
// may not exist yet; a conservative default (unknown battery, no wifi) is
// served until it appears.
func NewFileProvider(path string, pollIvl time.Duration) *FileProvider {
	p := &FileProvider{
		path:      path,
		pollIvl:   pollIvl,
		done:      make(chan struct{}),
		current:   Snapshot{BatteryLevel: 100},
		listeners: make(map[chan Snapshot]struct{}),
	}
	p.reload()
	return p
}

// Start begins watching the snapshot file. Returns an error only if the
// fsnotify watcher cannot be created; a missing file is not an error.
func (p *FileProvider) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	p.watcher = w

	// Watch the directory, not the file: editors and platform shells replace
	// the file atomically, which unregisters a file-level watch.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		log.Printf("COND: watch %s failed, polling only: %v", filepath.Dir(p.path), err)
	}

	go p.loop()
	return nil
}

// Current returns the latest snapshot.
func (p *FileProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving each changed snapshot.
func (p *FileProvider) Subscribe() (chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	p.listenerMu.Lock()
	p.listeners[ch] = struct{}{}
	p.listenerMu.Unlock()

	cancel := func() {
		p.listenerMu.Lock()
		if _, ok := p.listeners[ch]; ok {
			delete(p.listeners, ch)
			close(ch)
		}
		p.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops the watcher and poll loop.
func (p *FileProvider) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			p.watcher.Close()
		}
	})
}

func (p *FileProvider) loop() {
	ticker := time.NewTicker(p.pollIvl)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("COND: watch error: %v", err)
		case <-ticker.C:
			p.reload()
		}
	}
}

// reload re-reads the snapshot file and notifies listeners on change.
func (p *FileProvider) reload() {
	var s Snapshot
	if err := util.ReadJSONFile(p.path, &s); err != nil {
		return // keep serving the last known snapshot
	}

	p.mu.Lock()
	changed := s != p.current
	p.current = s
	p.mu.Unlock()

	if !changed {
		return
	}

	p.listenerMu.RLock()
	for ch := range p.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	p.listenerMu.RUnlock()
}

// StaticProvider serves a fixed snapshot. Used in tests and on platforms
// where the shell pushes snapshots directly.
type StaticProvider struct {
	mu      sync.RWMutex
	current Snapshot

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}
}

// NewStaticProvider creates a provider initialized to s.
func NewStaticProvider(s Snapshot) *StaticProvider {
	return &StaticProvider{
		current:   s,
		listeners: make(map[chan Snapshot]struct{}),
	}
}

// Current returns the stored snapshot.
func (p *StaticProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Set replaces the snapshot and notifies subscribers.
func (p *StaticProvider) Set(s Snapshot) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	p.listenerMu.RLock()
	for ch := range p.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	p.listenerMu.RUnlock()
}

// Subscribe returns a channel receiving each Set snapshot.
func (p *StaticProvider) Subscribe() (chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	p.listenerMu.Lock()
	p.listeners[ch] = struct{}{}
	p.listenerMu.Unlock()

	cancel := func() {
		p.listenerMu.Lock()
		if _, ok := p.listeners[ch]; ok {
			delete(p.listeners, ch)
			close(ch)
		}
		p.listenerMu.Unlock()
	}
	return ch, cancel
}
