package transport

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedup is the bounded window of recently applied event ids. The websocket
// read loop and both pollers share it, so a frame delivered on one path and
// redelivered on the other is applied once. eventId, not a sequence number,
// is the key: the overlap window after a reconnect gives no cross-path
// ordering to sequence against.
type dedup struct {
	mu  sync.Mutex
	cap int
	c   *lru.Cache[string, struct{}]
}

func newDedup(capacity int) *dedup {
	c, _ := lru.New[string, struct{}](capacity)
	return &dedup{cap: capacity, c: c}
}

// seen records id and reports whether it was already present.
func (d *dedup) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.c.Get(id); ok {
		return true
	}
	d.c.Add(id, struct{}{})
	return false
}

// snapshot returns all ids, oldest first, for persistence.
func (d *dedup) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Keys()
}

// load seeds the window with persisted ids (oldest first).
func (d *dedup) load(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.c.Add(id, struct{}{})
	}
}

// resize replaces the capacity, keeping the newest entries.
func (d *dedup) resize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n == d.cap {
		return
	}
	d.cap = n
	d.c.Resize(n)
}

func (d *dedup) capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cap
}
