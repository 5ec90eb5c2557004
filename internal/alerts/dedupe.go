package alerts

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// dedupeSet is a fixed-capacity LRU set of alert keys. The key is
// "<ticker>:<timestamp truncated to minute>", so re-posts of the same alert
// within the window collapse onto one trace. A single mutex guards the set;
// it is only held for a map/list update.
type dedupeSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List               // front = most recent
	byKey map[string]*list.Element // key -> element whose Value is dedupeEntry
}

type dedupeEntry struct {
	key     string
	traceID string
}

func newDedupeSet(capacity int) *dedupeSet {
	return &dedupeSet{
		cap:   capacity,
		order: list.New(),
		byKey: make(map[string]*list.Element, capacity),
	}
}

// alertKey builds the dedupe key for a ticker and alert timestamp.
func alertKey(ticker string, ts time.Time) string {
	return fmt.Sprintf("%s:%s", ticker, ts.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"))
}

// Check looks up the key. If present, it returns the trace ID recorded for
// the first occurrence and true. Otherwise it inserts the key with the given
// trace ID, evicting the oldest entry at capacity, and returns false.
func (d *dedupeSet) Check(key, traceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.byKey[key]; ok {
		d.order.MoveToFront(el)
		return el.Value.(dedupeEntry).traceID, true
	}

	el := d.order.PushFront(dedupeEntry{key: key, traceID: traceID})
	d.byKey[key] = el
	if d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.byKey, oldest.Value.(dedupeEntry).key)
	}
	return "", false
}

// Len returns the current number of tracked keys.
func (d *dedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
