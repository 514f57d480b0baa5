// Package pageflow implements the page-readiness pipeline for a
// high-throughput image viewer: a two-tier cache of decoded pixels and GPU
// textures, a priority decoder pool, a background archive extractor, and a
// reactive prefetch controller that keeps a residency window of pages ready
// around the page currently on screen.
package pageflow

import "fmt"

// PageIndex identifies a page by its position in the ordered entry list,
// zero-based.
type PageIndex int

// EntryKey identifies a single orderable unit of content: an archive member
// name, or a path relative to an opened folder.
type EntryKey string

// TextureKey identifies a GPU-resident texture. Path is the opened
// folder/archive/image path: a texture for page P of archive A is distinct
// from a texture for page P of archive B, so the key carries both.
type TextureKey struct {
	Path string
	Page PageIndex
}

func (k TextureKey) String() string {
	return fmt.Sprintf("%s::%d", k.Path, k.Page)
}

// Priority distinguishes work requested because the user is looking at a
// page right now (Display) from work requested speculatively to keep the
// residency window full (Prefetch). Display strictly preempts Prefetch
// everywhere the two compete: the decoder pool's dispatch order and the
// byte cache's wait-for-fill predicate.
type Priority int

const (
	Display Priority = iota
	Prefetch
)

func (p Priority) String() string {
	switch p {
	case Display:
		return "display"
	case Prefetch:
		return "prefetch"
	default:
		return "priority(?)"
	}
}

// Generation is a monotonically increasing stamp minted once per
// open/reopen of content. Results computed under a stale generation are
// discarded rather than cancelled in flight.
type Generation uint64

// Bitmap is a decoded page: Width*Height*3 bytes of interleaved BGR, with no
// padding between rows. Every decoder implementation normalizes to this
// layout regardless of the source image's native color model.
type Bitmap struct {
	Width, Height int
	Pix           []byte
}

// Bytes reports the size of Pix, which callers use against the L2 cache's
// byte budget.
func (b *Bitmap) Bytes() int {
	return len(b.Pix)
}

// Valid reports whether Pix has exactly the length Width*Height*3 implies.
func (b *Bitmap) Valid() bool {
	return b != nil && len(b.Pix) == b.Width*b.Height*3
}

// ExtractionStatus is the lifecycle state of a background archive
// extraction.
type ExtractionStatus int

const (
	Pending ExtractionStatus = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s ExtractionStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "status(?)"
	}
}

// LoadTask is a unit of decode work: decode the page at Page, at the given
// Priority. LoadTasks order by Priority first (Display before Prefetch), so
// a priority queue built from them drains Display work first.
type LoadTask struct {
	Priority Priority
	Page     PageIndex
}

// Window is an inclusive, already-clamped range of page indices: the
// residency window the prefetcher computes around one or more base pages.
type Window struct {
	Lo, Hi PageIndex
}

// Contains reports whether p falls within the window.
func (w Window) Contains(p PageIndex) bool {
	return p >= w.Lo && p <= w.Hi
}

// ResidencyWindow computes the union of [p-radius, p+radius] over every
// base page, clamped to [0, count-1]. base is typically one page index, or
// two adjacent indices when a spread view is showing a page pair. The
// result is the smallest single Window spanning that union: callers that
// need per-base windows should call this once per base page instead.
func ResidencyWindow(base []PageIndex, radius int, count int) Window {
	if count <= 0 || len(base) == 0 {
		return Window{0, -1}
	}
	lo, hi := base[0], base[0]
	for _, p := range base {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	lo -= PageIndex(radius)
	hi += PageIndex(radius)
	if lo < 0 {
		lo = 0
	}
	if hi > PageIndex(count-1) {
		hi = PageIndex(count - 1)
	}
	return Window{Lo: lo, Hi: hi}
}
