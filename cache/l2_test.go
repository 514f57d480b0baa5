package cache

import (
	"testing"

	"github.com/pageflow/pageflow"
)

func bmOf(n int) *pageflow.Bitmap {
	return &pageflow.Bitmap{Width: n, Height: 1, Pix: make([]byte, n*3)}
}

func TestL2CapacityInvariant(t *testing.T) {
	l2 := NewL2(30, nil) // 30 bytes = 10 pixels
	l2.Insert(0, bmOf(4))
	l2.Insert(1, bmOf(4))
	l2.Insert(2, bmOf(4)) // total would be 36 > 30, must evict page 0

	if _, ok := l2.Get(0); ok {
		t.Fatalf("page 0 should have been evicted")
	}
	if _, ok := l2.Get(1); !ok {
		t.Fatalf("page 1 should remain")
	}
	if _, ok := l2.Get(2); !ok {
		t.Fatalf("page 2 should remain")
	}
}

func TestL2OversizeRejected(t *testing.T) {
	l2 := NewL2(10, nil)
	if l2.Insert(0, bmOf(10)) {
		t.Fatalf("insert of oversize bitmap should be rejected")
	}
	if l2.Len() != 0 {
		t.Fatalf("cache must remain empty after a rejected insert")
	}
}

func TestL2LRUPromotion(t *testing.T) {
	l2 := NewL2(30, nil) // capacity is bytes, not items: fits 3 pages of 9 bytes (bmOf(3))
	l2.Insert(0, bmOf(3))
	l2.Insert(1, bmOf(3))
	l2.Insert(2, bmOf(3))
	// total = 27, all fit under 30.
	l2.Get(0) // promote 0 to MRU
	l2.Insert(3, bmOf(3))
	// total would be 36 > 30: evict LRU, which is now page 1 (0 was promoted).
	if _, ok := l2.Get(1); ok {
		t.Fatalf("page 1 should have been evicted as LRU")
	}
	if _, ok := l2.Get(0); !ok {
		t.Fatalf("page 0 was promoted and should remain")
	}
}

func TestL2EvictOutside(t *testing.T) {
	l2 := NewL2(1000, nil)
	for p := 0; p < 5; p++ {
		l2.Insert(pageflow.PageIndex(p), bmOf(1))
	}
	l2.EvictOutside(2, 4) // keep pages 2,3
	if l2.Len() != 2 {
		t.Fatalf("expected 2 entries remaining, got %d", l2.Len())
	}
	for _, p := range []pageflow.PageIndex{2, 3} {
		if _, ok := l2.Get(p); !ok {
			t.Fatalf("page %d should remain", p)
		}
	}
}

func TestL2OnInsertFires(t *testing.T) {
	var got []pageflow.PageIndex
	l2 := NewL2(1000, func(p pageflow.PageIndex) { got = append(got, p) })
	l2.Insert(0, bmOf(1))
	l2.Insert(1, bmOf(1))
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("onInsert callback fired unexpectedly: %v", got)
	}
}

func TestL2OverwriteGrowthTriggersEviction(t *testing.T) {
	l2 := NewL2(10, nil) // 10 bytes = ~3 pixels
	l2.Insert(0, bmOf(1))
	l2.Insert(1, bmOf(1))
	l2.Insert(2, bmOf(1)) // total = 9, all fit
	// Overwriting page 2 with a much bigger bitmap must evict older entries
	// to stay within capacity, not just adjust the running total.
	l2.Insert(2, bmOf(3)) // 9 bytes alone, total would be 15 > 10 without eviction
	if _, ok := l2.Get(0); ok {
		t.Fatalf("page 0 should have been evicted to make room for the larger page 2")
	}
	if _, ok := l2.Get(2); !ok {
		t.Fatalf("page 2 should remain with its new, larger bitmap")
	}
}

func TestL2SetCapacity(t *testing.T) {
	l2 := NewL2(1000, nil)
	for p := 0; p < 5; p++ {
		l2.Insert(pageflow.PageIndex(p), bmOf(3))
	}
	l2.SetCapacity(27) // room for 3 pages of 9 bytes
	if l2.Len() != 3 {
		t.Fatalf("expected 3 entries after shrink, got %d", l2.Len())
	}
}
