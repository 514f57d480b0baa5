// Package prefetch implements the reactive controller that keeps the
// residency window around the current page full: on every navigation it
// computes the L2 and L1 windows and issues decode and texture-prep
// requests to close whatever gaps exist, without ever polling.
package prefetch

import (
	"sync"

	"github.com/pageflow/pageflow"
)

// Decoder is the subset of the decode pool the prefetcher drives.
type Decoder interface {
	InFlightOrQueued(page pageflow.PageIndex) bool
	Enqueue(page pageflow.PageIndex, entry pageflow.EntryKey, priority pageflow.Priority, generation pageflow.Generation)
}

// L2 is the subset of cache.L2 the prefetcher reads and ranges over.
type L2 interface {
	Get(pageflow.PageIndex) (*pageflow.Bitmap, bool)
	EvictOutside(start, end pageflow.PageIndex)
}

// TexturePrepper is the subset of texture.Manager the prefetcher drives.
type TexturePrepper interface {
	PublishPrefetchRange(pageflow.Window)
}

// EntryLookup resolves a page index to its entry key, so the prefetcher can
// enqueue decode work without knowing about FileLoader directly.
type EntryLookup interface {
	EntryAt(pageflow.PageIndex) pageflow.EntryKey
	Len() int
	Generation() pageflow.Generation
}

// GPUChecker reports whether a page already has a resident texture, so the
// prefetcher doesn't re-request one.
type GPUChecker interface {
	HasTexture(key pageflow.TextureKey) bool
}

// L1Ranger is the subset of cache.L1 the prefetcher range-evicts: once the
// GPU window narrows, anything outside it is queued for GPU deletion even
// if it would otherwise survive on LRU/distance grounds.
type L1Ranger interface {
	EvictOutside(start, end pageflow.PageIndex)
}

// Prefetcher is the reactive controller. Inputs arrive as method calls
// (NavigateTo, SettingsChanged, OnL2Inserted); outputs are decode enqueues,
// texture-prep callbacks, and range-evictions on both caches — there is no
// internal loop or timer.
type Prefetcher struct {
	decoder    Decoder
	l2         L2
	l1         L1Ranger
	gpuChecker GPUChecker
	texPrep    TexturePrepper
	loader     EntryLookup

	mu                   sync.Mutex
	radiusL2             int
	radiusL1             int
	gpuActive            bool
	texturePath          string
	currentPage          pageflow.PageIndex
	currentSpread        bool
	lastW1               pageflow.Window
	haveLastCall         bool
	onTexturePrepRequest func(pageflow.PageIndex, *pageflow.Bitmap)
}

// New constructs a Prefetcher. gpuActive controls whether step 4 (texture
// prep / L1 range-eviction) runs at all, per §4.6's "if GPU backend is
// active" guard.
func New(decoder Decoder, l2 L2, l1 L1Ranger, gpuChecker GPUChecker, texPrep TexturePrepper, loader EntryLookup, radiusL2, radiusL1 int, gpuActive bool) *Prefetcher {
	return &Prefetcher{
		decoder:    decoder,
		l2:         l2,
		l1:         l1,
		gpuChecker: gpuChecker,
		texPrep:    texPrep,
		loader:     loader,
		radiusL2:   radiusL2,
		radiusL1:   radiusL1,
		gpuActive:  gpuActive,
	}
}

// SetTexturePath sets the path component of the texture keys this
// prefetcher issues gap-fill requests for; texture keys are scoped by the
// opened path so a stale generation's keys never collide with the
// current one.
func (p *Prefetcher) SetTexturePath(path string) {
	p.mu.Lock()
	p.texturePath = path
	p.mu.Unlock()
}

// OnTexturePrepRequest registers the callback invoked when the prefetcher
// decides a page needs a texture prepared from an already-decoded bitmap.
func (p *Prefetcher) OnTexturePrepRequest(f func(pageflow.PageIndex, *pageflow.Bitmap)) {
	p.mu.Lock()
	p.onTexturePrepRequest = f
	p.mu.Unlock()
}

// base returns the base page set per §3's residency window rule: a single
// page in non-spread mode, or the page and its successor in spread mode,
// clamped to the entry list.
func base(p pageflow.PageIndex, spread bool, count int) []pageflow.PageIndex {
	if !spread || int(p)+1 >= count {
		return []pageflow.PageIndex{p}
	}
	return []pageflow.PageIndex{p, p + 1}
}

// NavigateTo is the controller's main entry point, invoked on every
// navigation. It is idempotent: calling it twice in a row with the same
// (page, spread) and no intervening cache changes issues no new tasks the
// second time, since every step below only acts on pages found to be
// absent from the relevant tier.
func (p *Prefetcher) NavigateTo(page pageflow.PageIndex, spread bool) {
	p.mu.Lock()
	p.currentPage = page
	p.currentSpread = spread
	gpuActive := p.gpuActive
	radiusL2, radiusL1 := p.radiusL2, p.radiusL1
	p.mu.Unlock()

	count := p.loader.Len()
	b := base(page, spread, count)
	w2 := pageflow.ResidencyWindow(b, radiusL2, count)
	w1 := pageflow.ResidencyWindow(b, radiusL1, count)

	p.mu.Lock()
	p.lastW1 = w1
	p.haveLastCall = true
	p.mu.Unlock()

	if p.texPrep != nil {
		p.texPrep.PublishPrefetchRange(w1)
	}

	p.l2.EvictOutside(w2.Lo, w2.Hi+1)

	gen := p.loader.Generation()
	for pg := w2.Lo; pg <= w2.Hi; pg++ {
		if _, ok := p.l2.Get(pg); ok {
			continue
		}
		if p.decoder.InFlightOrQueued(pg) {
			continue
		}
		entry := p.loader.EntryAt(pg)
		if entry == "" {
			continue
		}
		p.decoder.Enqueue(pg, entry, pageflow.Prefetch, gen)
	}

	if !gpuActive {
		return
	}
	if p.l1 != nil {
		p.l1.EvictOutside(w1.Lo, w1.Hi+1)
	}
	for pg := w1.Lo; pg <= w1.Hi; pg++ {
		p.fillGPUGap(pg)
	}
}

// fillGPUGap requests a texture-prep for page if it's present in L2 but
// absent from L1.
func (p *Prefetcher) fillGPUGap(page pageflow.PageIndex) {
	bm, ok := p.l2.Get(page)
	if !ok {
		return
	}
	p.mu.Lock()
	path := p.texturePath
	cb := p.onTexturePrepRequest
	p.mu.Unlock()

	key := pageflow.TextureKey{Path: path, Page: page}
	if p.gpuChecker.HasTexture(key) {
		return
	}
	if cb != nil {
		cb(page, bm)
	}
}

// OnL2Inserted re-evaluates the GPU gap-fill step for a single page, the
// trigger that closes the gap between a just-decoded page and its GPU
// residency (§4.6's dedicated handler, rather than re-running the whole
// window computation).
func (p *Prefetcher) OnL2Inserted(page pageflow.PageIndex) {
	p.mu.Lock()
	w1 := p.lastW1
	active := p.gpuActive && p.haveLastCall
	p.mu.Unlock()
	if !active || !w1.Contains(page) {
		return
	}
	p.fillGPUGap(page)
}

// SettingsChanged updates the radii and replays NavigateTo for the current
// page/spread state, per §4.6.
func (p *Prefetcher) SettingsChanged(radiusL2, radiusL1 int) {
	p.mu.Lock()
	p.radiusL2 = radiusL2
	p.radiusL1 = radiusL1
	page, spread := p.currentPage, p.currentSpread
	p.mu.Unlock()
	p.NavigateTo(page, spread)
}
