// Package cache implements the two in-process cache tiers that sit between
// the decoder pool and the renderer: L2 holds decoded host-memory bitmaps
// under a byte budget, L1 holds GPU texture handles under an item-count
// budget with pinning and distance-based eviction.
package cache

import (
	"container/list"
	"sync"

	"github.com/pageflow/pageflow"
	"github.com/prometheus/client_golang/prometheus"
)

type l2entry struct {
	page   pageflow.PageIndex
	bitmap *pageflow.Bitmap
}

// L2 is a byte-bounded LRU of decoded bitmaps, keyed by page index.
//
// All mutating operations, including Get (which promotes), serialize under
// a single mutex. The lock is never held across decoder or I/O work; callers
// pass already-decoded bitmaps in.
type L2 struct {
	mu       sync.Mutex
	ll       *list.List
	index    map[pageflow.PageIndex]*list.Element
	total    int
	capacity int

	onInsert func(pageflow.PageIndex)

	gaugeBytes    prometheus.Gauge
	counterEvict  prometheus.Counter
	counterReject prometheus.Counter
}

// NewL2 constructs an L2 cache with the given byte capacity. onInsert, if
// non-nil, is invoked synchronously after every successful insert, outside
// the cache's lock, once the bitmap is fully stored — callers use this to
// notify the prefetcher and the texture manager that a page closed the gap
// between decode and GPU residency.
func NewL2(capacity int, onInsert func(pageflow.PageIndex)) *L2 {
	return &L2{
		ll:       list.New(),
		index:    make(map[pageflow.PageIndex]*list.Element),
		capacity: capacity,
		onInsert: onInsert,
		gaugeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pageflow",
			Subsystem: "l2",
			Name:      "bytes",
			Help:      "Current bytes resident in the L2 pixel cache.",
		}),
		counterEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageflow",
			Subsystem: "l2",
			Name:      "evictions_total",
			Help:      "Entries evicted from the L2 pixel cache.",
		}),
		counterReject: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageflow",
			Subsystem: "l2",
			Name:      "oversize_rejections_total",
			Help:      "Inserts rejected for exceeding L2 capacity outright.",
		}),
	}
}

// Collectors returns the cache's prometheus collectors for registration by
// the caller; L2 does not register itself so that multiple instances (e.g.
// in tests) don't collide in the default registry.
func (c *L2) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.gaugeBytes, c.counterEvict, c.counterReject}
}

// Get returns the bitmap for page, promoting it to most-recently-used.
func (c *L2) Get(page pageflow.PageIndex) (*pageflow.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[page]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*l2entry).bitmap, true
}

// Insert adds or replaces the bitmap for page, evicting least-recently-used
// entries until the new total fits within capacity. A bitmap larger than
// capacity outright is rejected: logged via the reject counter and not
// inserted, leaving the cache unchanged.
func (c *L2) Insert(page pageflow.PageIndex, bm *pageflow.Bitmap) bool {
	n := bm.Bytes()
	c.mu.Lock()
	if n > c.capacity {
		c.counterReject.Inc()
		c.mu.Unlock()
		return false
	}
	if el, ok := c.index[page]; ok {
		old := el.Value.(*l2entry)
		c.total -= old.bitmap.Bytes()
		old.bitmap = bm
		c.total += n
		c.ll.MoveToFront(el)
		// The replacement bitmap may be larger than the one it displaced
		// (e.g. a resampling-mode change re-decodes at a new size), so the
		// budget must be re-enforced here too, same as a fresh insert.
		for c.total > c.capacity {
			back := c.ll.Back()
			if back == nil || back == el {
				break
			}
			c.evictElement(back)
		}
	} else {
		for c.total+n > c.capacity {
			back := c.ll.Back()
			if back == nil {
				break
			}
			c.evictElement(back)
		}
		el := c.ll.PushFront(&l2entry{page: page, bitmap: bm})
		c.index[page] = el
		c.total += n
	}
	c.gaugeBytes.Set(float64(c.total))
	c.mu.Unlock()
	if c.onInsert != nil {
		c.onInsert(page)
	}
	return true
}

// EvictOutside drops every entry whose page falls outside [start, end).
func (c *L2) EvictOutside(start, end pageflow.PageIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		p := el.Value.(*l2entry).page
		if p < start || p >= end {
			c.evictElement(el)
		}
		el = next
	}
	c.gaugeBytes.Set(float64(c.total))
}

// SetCapacity updates the byte budget, evicting least-recently-used entries
// until the cache again fits under it.
func (c *L2) SetCapacity(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = bytes
	for c.total > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.evictElement(back)
	}
	c.gaugeBytes.Set(float64(c.total))
}

// Clear empties the cache.
func (c *L2) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[pageflow.PageIndex]*list.Element)
	c.total = 0
	c.gaugeBytes.Set(0)
}

// Len reports the number of resident entries, for tests.
func (c *L2) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evictElement removes el from the list and index. Callers must hold mu.
func (c *L2) evictElement(el *list.Element) {
	e := el.Value.(*l2entry)
	c.ll.Remove(el)
	delete(c.index, e.page)
	c.total -= e.bitmap.Bytes()
	c.counterEvict.Inc()
}
