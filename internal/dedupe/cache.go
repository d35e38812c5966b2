// ABOUTME: Bounded, time-windowed set of chat message IDs already handled.
// ABOUTME: Expiry is checked on access; the oldest IDs are evicted at capacity.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultWindow   = 10 * time.Minute
	DefaultCapacity = 1024
)

type seenID struct {
	id   string
	at   time.Time
	elem *list.Element
}

// Window tracks message IDs seen within a sliding time window.
// The zero value is not usable; call New.
type Window struct {
	mu       sync.Mutex
	ids      map[string]*seenID
	order    *list.List // oldest first
	window   time.Duration
	capacity int
	now      func() time.Time
}

// New creates a Window. Non-positive arguments fall back to the defaults.
func New(window time.Duration, capacity int) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		ids:      make(map[string]*seenID),
		order:    list.New(),
		window:   window,
		capacity: capacity,
		now:      time.Now,
	}
}

// Key scopes a message ID to the room or channel it arrived in.
func Key(scope, id string) string {
	return scope + "\x00" + id
}

// Seen reports whether id was already recorded inside the window, and
// records it if not. An empty id is never considered seen.
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if _, ok := w.ids[id]; ok {
		return true
	}
	if len(w.ids) >= w.capacity {
		w.removeLocked(w.order.Front())
	}
	entry := &seenID{id: id, at: now}
	entry.elem = w.order.PushBack(entry)
	w.ids[id] = entry
	return false
}

// Len returns the number of IDs currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(w.now())
	return len(w.ids)
}

// expireLocked drops IDs older than the window. Entries are appended in
// time order, so it stops at the first live one.
func (w *Window) expireLocked(now time.Time) {
	for e := w.order.Front(); e != nil; e = w.order.Front() {
		entry := e.Value.(*seenID)
		if now.Sub(entry.at) < w.window {
			return
		}
		w.removeLocked(e)
	}
}

func (w *Window) removeLocked(e *list.Element) {
	if e == nil {
		return
	}
	entry := w.order.Remove(e).(*seenID)
	delete(w.ids, entry.id)
}
