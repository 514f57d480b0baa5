// Package viewer implements the Core façade: the single entry point a UI
// adapter talks to (open, display, navigate, configure) and the place
// every subsystem — caches, decoder pool, extractor, prefetcher, texture
// manager — is constructed and wired together.
package viewer

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/cache"
	"github.com/pageflow/pageflow/config"
	"github.com/pageflow/pageflow/decode"
	"github.com/pageflow/pageflow/events"
	"github.com/pageflow/pageflow/extractor"
	"github.com/pageflow/pageflow/fileloader"
	"github.com/pageflow/pageflow/prefetch"
	"github.com/pageflow/pageflow/texture"
)

// Core is the page-readiness pipeline façade.
type Core struct {
	opts       config.Options
	bus        *events.Bus
	gen        atomic.Uint64
	uploader   texture.Uploader
	registerer prometheus.Registerer

	mu           sync.Mutex
	loader       *fileloader.Loader
	extr         *extractor.Extractor
	pool         *decode.Pool
	prefetcher   *prefetch.Prefetcher
	texMgr       *texture.Manager
	l2           *cache.L2
	l1           *cache.L1
	folderStarts []pageflow.PageIndex
	currentPage  pageflow.PageIndex
}

// New constructs a Core with default options and the given GPU uploader
// (nil is valid; GPU texture prep is then simply never active).
func New(uploader texture.Uploader) *Core {
	c := &Core{opts: config.Defaults(), bus: events.New(), uploader: uploader}
	return c
}

// SetMetricsRegisterer sets the prometheus registerer the L1/L2 cache
// collectors are registered against on the next Open. A nil registerer
// (the default) leaves metrics uncollected.
func (c *Core) SetMetricsRegisterer(r prometheus.Registerer) {
	c.mu.Lock()
	c.registerer = r
	c.mu.Unlock()
}

// Bus returns the event bus a UI adapter subscribes to.
func (c *Core) Bus() *events.Bus { return c.bus }

// gpuActive reports whether the configured rendering backend wants texture
// residency managed at all.
func (c *Core) gpuActive() bool {
	return c.opts.RenderingBackend == config.Gpu
}

// hasTextureAdapter adapts L1.Get to prefetch.GPUChecker.
type hasTextureAdapter struct{ l1 *cache.L1 }

func (a hasTextureAdapter) HasTexture(key pageflow.TextureKey) bool {
	_, ok := a.l1.Get(key)
	return ok
}

var tracer = otel.Tracer("github.com/pageflow/pageflow/viewer")

// Open creates a new FileLoader (and generation), replacing any current
// one; clears L2; for archives, starts the extractor; sets the current
// page to 0; and enqueues a Display decode for page 0.
func (c *Core) Open(path string) error {
	_, span := tracer.Start(context.Background(), "viewer.Open", trace.WithAttributes())
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	newGen := pageflow.Generation(c.gen.Add(1))

	if c.extr != nil {
		c.extr.Stop()
	}
	oldLoader := c.loader

	loader, err := fileloader.New(path, newGen)
	if err != nil {
		return err
	}

	c.l2 = cache.NewL2(c.opts.L2CapacityBytes(), c.onL2Inserted)
	c.l1 = cache.NewL1(c.opts.L1CapacityItems())
	if c.registerer != nil {
		for _, col := range c.l2.Collectors() {
			_ = c.registerer.Register(col)
		}
		for _, col := range c.l1.Collectors() {
			_ = c.registerer.Register(col)
		}
	}
	c.pool = decode.New(loader, int(c.opts.DecodeWorkers))
	var texPrep prefetch.TexturePrepper
	if c.uploader != nil {
		c.texMgr = texture.New(c.l1, c.uploader, c.onTextureReady)
		texPrep = c.texMgr
	}
	c.prefetcher = prefetch.New(c.pool, l2Adapter{c.l2}, c.l1, hasTextureAdapter{c.l1}, texPrep, loaderAdapter{loader}, int(c.opts.CPUPrefetchRadius), int(c.opts.GPUPrefetchRadius), c.gpuActive())
	c.prefetcher.SetTexturePath(path)
	if c.texMgr != nil {
		c.prefetcher.OnTexturePrepRequest(func(page pageflow.PageIndex, bm *pageflow.Bitmap) {
			c.texMgr.Enqueue(pageflow.TextureKey{Path: path, Page: page}, bm)
		})
	}
	c.loader = loader
	c.folderStarts = computeFolderStarts(loader.Entries())
	c.currentPage = 0

	go c.drainResults(newGen, c.pool, c.l2)

	if loader.Mode() == fileloader.ModeArchive {
		c.extr = extractor.New(loader.Reader(), loader.Entries(), 0, loader,
			func(name pageflow.EntryKey) { c.bus.PublishFirstFileExtracted(events.FirstFileExtracted{Name: name}) },
			func(status pageflow.ExtractionStatus) { c.bus.PublishExtractionFinished(events.ExtractionFinished{Status: status}) },
		)
		go c.extr.Run()
	} else {
		c.extr = nil
	}

	if oldLoader != nil {
		go func(l *fileloader.Loader) {
			time.Sleep(5 * time.Second)
			if err := l.Close(); err != nil {
				zlog.Error(context.Background()).Err(err).Msg("closing superseded loader")
			}
		}(oldLoader)
	}

	c.enqueueDisplayLocked(0)
	return nil
}

// onL2Inserted is called by L2 after every successful insert; it publishes
// PageInserted and re-evaluates the GPU gap-fill step for that page.
func (c *Core) onL2Inserted(page pageflow.PageIndex) {
	c.bus.PublishPageInserted(events.PageInserted{Page: page})
	c.mu.Lock()
	pf := c.prefetcher
	c.mu.Unlock()
	if pf != nil {
		pf.OnL2Inserted(page)
	}
}

func (c *Core) onTextureReady(key pageflow.TextureKey) {
	c.bus.PublishTextureReady(events.TextureReady{Key: key})
}

// drainResults reads decode results off pool and applies them to l2, both
// captured once at spawn time (the pool/L2 pair Open constructed for gen).
// It never reads c.pool/c.l2 again: if a later Open swaps those fields for
// a new generation, this goroutine keeps draining the OLD pool into the
// OLD cache until that pool closes, so a stale-generation result can never
// land in a newer L2.
func (c *Core) drainResults(gen pageflow.Generation, pool *decode.Pool, l2 *cache.L2) {
	for res := range pool.Results() {
		if res.Generation != gen {
			continue // Oblivious: stale-generation result, silently dropped.
		}
		if res.Err != nil {
			zlog.Info(context.Background()).Err(res.Err).Int("page", int(res.Page)).Msg("decode failed")
			continue
		}
		l2.Insert(res.Page, res.Bitmap)
	}
}

// enqueueDisplayLocked enqueues a Display decode for page, unless it is
// already resident in L2 or already queued or in flight. Callers must hold
// c.mu.
func (c *Core) enqueueDisplayLocked(page pageflow.PageIndex) {
	if _, ok := c.l2.Get(page); ok {
		return
	}
	if c.pool.InFlightOrQueued(page) {
		return
	}
	entry := c.loader.EntryAt(page)
	if entry == "" {
		return
	}
	c.pool.Enqueue(page, entry, pageflow.Display, c.loader.Generation())
}

// Display sets the current page, unpins old display keys, pins new ones,
// enqueues Display decodes for the new page(s), and requests a prefetch
// sweep.
func (c *Core) Display(page pageflow.PageIndex) {
	c.mu.Lock()
	if c.loader == nil {
		c.mu.Unlock()
		return
	}
	path := c.loader.Path()
	count := c.loader.Len()
	spread := c.opts.IsSpreadView
	pages := displayPages(page, spread, count)

	c.l1.UnpinAll()
	for _, p := range pages {
		c.l1.Pin(pageflow.TextureKey{Path: path, Page: p})
		c.enqueueDisplayLocked(p)
	}
	c.currentPage = page
	c.l1.SetCurrentPage(page)
	if c.extr != nil {
		c.extr.SetCurrentPage(page)
	}
	prefetcher := c.prefetcher
	texMgr := c.texMgr
	keys := make([]pageflow.TextureKey, len(pages))
	for i, p := range pages {
		keys[i] = pageflow.TextureKey{Path: path, Page: p}
	}
	c.mu.Unlock()

	if texMgr != nil {
		texMgr.SetDisplayed(keys)
	}
	prefetcher.NavigateTo(page, spread)
}

// displayPages computes the displayed key set for a navigation, per §8 S2:
// in spread mode the current page is the pair-left member of {page,page+1},
// clamped so the last page in an odd-count list displays alone.
func displayPages(page pageflow.PageIndex, spread bool, count int) []pageflow.PageIndex {
	if !spread || int(page)+1 >= count {
		return []pageflow.PageIndex{page}
	}
	return []pageflow.PageIndex{page, page + 1}
}

// Navigate moves the current page by step, honoring spread-view step size
// and the single-page-at-folder-boundary adjustment from
// spread_view_first_page_single.
func (c *Core) Navigate(step int) {
	c.mu.Lock()
	if c.loader == nil {
		c.mu.Unlock()
		return
	}
	cur := c.currentPage
	count := c.loader.Len()
	spread := c.opts.IsSpreadView
	singleAtBoundary := c.opts.SpreadViewFirstPageSingle
	starts := c.folderStarts
	c.mu.Unlock()

	next := nextPage(cur, step, spread, singleAtBoundary, starts, count)
	if next != cur {
		c.Display(next)
	}
}

// nextPage implements the navigation arithmetic from the original's
// EventHandler._navigate: the page step is normally 2 in spread view, but
// drops to 1 when either the current page or the destination page is a
// folder-boundary single page (so a lone last page of one folder and the
// lone first page of the next each get their own step).
func nextPage(cur pageflow.PageIndex, direction int, spread, singleAtBoundary bool, folderStarts []pageflow.PageIndex, count int) pageflow.PageIndex {
	step := 1
	if spread {
		step = 2
	}
	if spread && singleAtBoundary {
		singles := map[pageflow.PageIndex]bool{0: true}
		for _, s := range folderStarts {
			singles[s] = true
		}
		isLastOfFolder := singles[cur+1]
		switch {
		case direction > 0 && (singles[cur] || isLastOfFolder):
			step = 1
		case direction < 0 && singles[cur-1]:
			step = 1
		}
	}
	delta := step
	if direction < 0 {
		delta = -step
	}
	next := int(cur) + delta
	switch {
	case next < 0:
		return 0
	case next >= count:
		last := pageflow.PageIndex(count - 1)
		if cur == last {
			return cur
		}
		return last
	default:
		return pageflow.PageIndex(next)
	}
}

// NavigateFolder jumps to the start of the previous/next folder.
func (c *Core) NavigateFolder(delta int) {
	c.mu.Lock()
	starts := c.folderStarts
	cur := c.currentPage
	c.mu.Unlock()
	if len(starts) == 0 {
		return
	}
	pos := sort.Search(len(starts), func(i int) bool { return starts[i] > cur }) - 1
	newPos := pos + delta
	if newPos < 0 || newPos >= len(starts) {
		return
	}
	if starts[newPos] != cur {
		c.Display(starts[newPos])
	}
}

// FolderStartIndices returns the page index each distinct folder (when
// multiple archive folders or directories are concatenated into one
// listing) begins at.
func (c *Core) FolderStartIndices() []pageflow.PageIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.folderStarts
}

// Configure replaces the whole option set with next, after validating and
// clamping it, then the prefetcher replays its window computation for the
// new radii.
//
// A resampling-mode change is a cyclic-state change, not a retroactive one
// (§1): it invalidates the whole affected tier (L2 for CPU, L1 for GPU) and
// forces a full re-decode/re-upload rather than updating entries in place.
func (c *Core) Configure(next config.Options) {
	next.Validate()
	c.mu.Lock()
	prev := c.opts
	c.opts = next
	if c.l2 != nil {
		c.l2.SetCapacity(next.L2CapacityBytes())
	}
	cpuResamplingChanged := next.ResamplingModeCPU != prev.ResamplingModeCPU
	gpuResamplingChanged := next.ResamplingModeGPU != prev.ResamplingModeGPU
	if cpuResamplingChanged && c.l2 != nil {
		c.l2.Clear()
	}
	if gpuResamplingChanged && c.l1 != nil {
		c.l1.Clear()
	}
	if (cpuResamplingChanged || gpuResamplingChanged) && c.loader != nil {
		for _, p := range displayPages(c.currentPage, next.IsSpreadView, c.loader.Len()) {
			c.enqueueDisplayLocked(p)
		}
	}
	prefetcher := c.prefetcher
	currentPage, spread := c.currentPage, next.IsSpreadView
	c.mu.Unlock()
	if prefetcher != nil {
		prefetcher.SettingsChanged(int(next.CPUPrefetchRadius), int(next.GPUPrefetchRadius))
		if cpuResamplingChanged || gpuResamplingChanged {
			// Re-run now that the cleared tier reads back empty, so the
			// gap-fill loops re-enqueue every window page.
			prefetcher.NavigateTo(currentPage, spread)
		}
	}
}

// RenderFrame must be called once per frame on the render thread; it drains
// L1's pending GPU deletions and the texture manager's upload queue.
func (c *Core) RenderFrame() []uint32 {
	c.mu.Lock()
	texMgr := c.texMgr
	c.mu.Unlock()
	if texMgr == nil {
		return nil
	}
	return texMgr.RenderFrame()
}

// Shutdown stops the prefetcher (implicitly, by no longer driving it),
// then drains the decoder pool, each bounded by timeout.
func (c *Core) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	pool := c.pool
	extr := c.extr
	c.mu.Unlock()

	if pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pool.Close(ctx); err != nil {
			zlog.Error(ctx).Err(err).Msg("decoder pool did not drain within deadline")
		}
	}
	if extr != nil {
		extr.Stop()
		select {
		case <-extr.Done():
		case <-time.After(timeout):
			zlog.Error(context.Background()).Msg("extractor did not stop within deadline")
		}
	}
}

// computeFolderStarts returns the page index of the first member of every
// distinct directory prefix, in the order those directories first appear.
func computeFolderStarts(entries []pageflow.EntryKey) []pageflow.PageIndex {
	seen := make(map[string]bool)
	var starts []pageflow.PageIndex
	for i, e := range entries {
		d := path.Dir(string(e))
		if !seen[d] {
			seen[d] = true
			starts = append(starts, pageflow.PageIndex(i))
		}
	}
	return starts
}

// l2Adapter adapts *cache.L2 to prefetch.L2.
type l2Adapter struct{ l2 *cache.L2 }

func (a l2Adapter) Get(p pageflow.PageIndex) (*pageflow.Bitmap, bool) { return a.l2.Get(p) }
func (a l2Adapter) EvictOutside(start, end pageflow.PageIndex)       { a.l2.EvictOutside(start, end) }

// loaderAdapter adapts *fileloader.Loader to prefetch.EntryLookup.
type loaderAdapter struct{ l *fileloader.Loader }

func (a loaderAdapter) EntryAt(p pageflow.PageIndex) pageflow.EntryKey { return a.l.EntryAt(p) }
func (a loaderAdapter) Len() int                                       { return a.l.Len() }
func (a loaderAdapter) Generation() pageflow.Generation                { return a.l.Generation() }
