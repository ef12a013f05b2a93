package controller

import (
	"container/list"
	"sync"
	"time"
)

// refreshTracker remembers how often recent (operation, folder) keys were
// requested and reports when a key is hot enough to force a refresh.
// It holds at most capacity keys and evicts the least recently used one.
type refreshTracker struct {
	mu        sync.Mutex
	capacity  int
	window    time.Duration
	threshold int
	items     map[string]*list.Element
	evictList *list.List
	now       func() time.Time
}

type requestWindow struct {
	key   string
	start time.Time
	count int
}

func newRefreshTracker(capacity int, window time.Duration, threshold int) *refreshTracker {
	if capacity <= 0 {
		capacity = 10
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 2
	}
	return &refreshTracker{
		capacity:  capacity,
		window:    window,
		threshold: threshold,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		now:       time.Now,
	}
}

// Record counts a request for key and reports whether it exceeded the
// threshold inside the current window. A hit starts a new window.
func (t *refreshTracker) Record(operation, folderID string) bool {
	key := operation + "\x00" + folderID
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		t.evictList.MoveToFront(elem)
		w := elem.Value.(*requestWindow)
		if now.Sub(w.start) > t.window {
			w.start = now
			w.count = 1
			return false
		}
		w.count++
		if w.count > t.threshold {
			w.start = now
			w.count = 0
			return true
		}
		return false
	}

	t.items[key] = t.evictList.PushFront(&requestWindow{key: key, start: now, count: 1})
	for t.evictList.Len() > t.capacity {
		oldest := t.evictList.Back()
		t.evictList.Remove(oldest)
		delete(t.items, oldest.Value.(*requestWindow).key)
	}
	return false
}

// Len returns the number of tracked keys.
func (t *refreshTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictList.Len()
}
