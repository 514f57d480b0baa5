package cache

import (
	"container/list"
	"sync"

	"github.com/pageflow/pageflow"
	"github.com/prometheus/client_golang/prometheus"
)

// TextureEntry is what L1 stores per key: the uploaded GPU texture handle
// and its pixel dimensions.
type TextureEntry struct {
	TextureID uint32
	Width     int
	Height    int
}

type l1entry struct {
	key   pageflow.TextureKey
	entry TextureEntry
}

// L1 is an item-count-bounded cache of uploaded GPU textures, keyed by
// (path, page). Eviction picks the non-pinned entry whose page is farthest
// from the current page, in either direction, so the pages nearest the
// reader are the last to drop out.
type L1 struct {
	mu       sync.Mutex
	ll       *list.List
	index    map[pageflow.TextureKey]*list.Element
	pinned   map[pageflow.TextureKey]struct{}
	capacity int
	current  pageflow.PageIndex
	pending  []uint32

	gaugeItems   prometheus.Gauge
	counterEvict prometheus.Counter
}

// NewL1 constructs an L1 cache with the given item-count capacity.
func NewL1(capacity int) *L1 {
	return &L1{
		ll:       list.New(),
		index:    make(map[pageflow.TextureKey]*list.Element),
		pinned:   make(map[pageflow.TextureKey]struct{}),
		capacity: capacity,
		gaugeItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pageflow",
			Subsystem: "l1",
			Name:      "items",
			Help:      "Current items resident in the L1 texture cache.",
		}),
		counterEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageflow",
			Subsystem: "l1",
			Name:      "evictions_total",
			Help:      "Entries evicted from the L1 texture cache.",
		}),
	}
}

func (c *L1) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.gaugeItems, c.counterEvict}
}

// SetCurrentPage updates the page distance eviction is measured against.
func (c *L1) SetCurrentPage(p pageflow.PageIndex) {
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
}

// Get returns the texture entry for key, promoting it to most-recently-used.
func (c *L1) Get(key pageflow.TextureKey) (TextureEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return TextureEntry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*l1entry).entry, true
}

// Pin marks key as ineligible for eviction. Pinning a key not yet present
// is a no-op; the mark is recorded so the key sticks once Insert is called.
func (c *L1) Pin(key pageflow.TextureKey) {
	c.mu.Lock()
	c.pinned[key] = struct{}{}
	c.mu.Unlock()
}

// Unpin lifts the eviction-immunity mark on key.
func (c *L1) Unpin(key pageflow.TextureKey) {
	c.mu.Lock()
	delete(c.pinned, key)
	c.mu.Unlock()
}

// UnpinAll lifts every pin.
func (c *L1) UnpinAll() {
	c.mu.Lock()
	c.pinned = make(map[pageflow.TextureKey]struct{})
	c.mu.Unlock()
}

// Insert adds or overwrites the entry for key. An overwrite never evicts.
// A new insert evicts, using the distance policy, until the cache is back
// within capacity; pinned keys (including key itself, if just pinned) are
// never evicted. If every resident entry is pinned and capacity is still
// exceeded, eviction stops without trimming the pinned set.
func (c *L1) Insert(key pageflow.TextureKey, entry TextureEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*l1entry).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&l1entry{key: key, entry: entry})
	c.index[key] = el
	c.gaugeItems.Set(float64(c.ll.Len()))
	c.evictToCapacity()
}

// evictToCapacity evicts, by distance policy, until the cache is at or under
// capacity or every remaining entry is pinned. Callers must hold mu.
func (c *L1) evictToCapacity() {
	for c.ll.Len() > c.capacity {
		victim := c.pickVictim()
		if victim == nil {
			// Every remaining entry is pinned; stop without trimming it.
			break
		}
		c.evictElement(victim)
	}
	c.gaugeItems.Set(float64(c.ll.Len()))
}

// pickVictim selects the non-pinned element whose page is farthest from the
// current page, breaking ties by oldest (closest to the list's back).
// Callers must hold mu.
func (c *L1) pickVictim() *list.Element {
	var best *list.Element
	bestDist := -1
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*l1entry)
		if _, ok := c.pinned[e.key]; ok {
			continue
		}
		d := dist(e.key.Page, c.current)
		if d > bestDist {
			bestDist = d
			best = el
		}
	}
	return best
}

func dist(a, b pageflow.PageIndex) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

// EvictOutside drops non-pinned entries whose page falls outside
// [start, end). Entries whose key cannot be read as a page index (there are
// none in this implementation, since TextureKey.Page is always a valid
// int) are never present, so this only ever applies the range test.
func (c *L1) EvictOutside(start, end pageflow.PageIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*l1entry)
		if _, ok := c.pinned[e.key]; !ok {
			if e.key.Page < start || e.key.Page >= end {
				c.evictElement(el)
			}
		}
		el = next
	}
	c.gaugeItems.Set(float64(c.ll.Len()))
}

// DrainPendingDeletions returns and clears the queue of texture ids
// scheduled for GPU-side deletion. Only the render thread should call this.
func (c *L1) DrainPendingDeletions() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Clear empties the cache, queuing every resident texture for deletion.
func (c *L1) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		c.pending = append(c.pending, el.Value.(*l1entry).entry.TextureID)
	}
	c.ll.Init()
	c.index = make(map[pageflow.TextureKey]*list.Element)
	c.pinned = make(map[pageflow.TextureKey]struct{})
	c.gaugeItems.Set(0)
}

// Len reports the number of resident entries, for tests.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evictElement removes el from the list and index, queuing its texture for
// deletion. Callers must hold mu.
func (c *L1) evictElement(el *list.Element) {
	e := el.Value.(*l1entry)
	c.ll.Remove(el)
	delete(c.index, e.key)
	c.pending = append(c.pending, e.entry.TextureID)
	c.counterEvict.Inc()
}
