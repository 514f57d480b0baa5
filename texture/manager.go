// Package texture is the core-side contract for getting a decoded bitmap
// onto the GPU: an upload queue populated off the render thread, and the
// pin/unpin-on-display bookkeeping L1 needs. No GL call is ever made here;
// actual uploads are delegated to an Uploader the render thread owns.
package texture

import (
	"context"
	"sync"

	"github.com/quay/zlog"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/cache"
)

// Uploader performs the actual GPU upload. Implementations must only be
// called from the render thread.
type Uploader interface {
	Upload(key pageflow.TextureKey, bm *pageflow.Bitmap) (textureID uint32, err error)
}

// uploadRequest is one pending upload.
type uploadRequest struct {
	key    pageflow.TextureKey
	bitmap *pageflow.Bitmap
}

// Manager owns the upload queue and the published GPU prefetch range that
// filters which uploads are worth performing.
type Manager struct {
	l1       *cache.L1
	uploader Uploader

	mu         sync.Mutex
	queue      []uploadRequest
	displayed  map[pageflow.TextureKey]struct{}
	publishedW pageflow.Window
	onReady    func(pageflow.TextureKey)
}

// New constructs a Manager backed by l1, delivering uploads through
// uploader. onReady, if non-nil, is called after each successful upload
// with the key now resident in L1 (the core façade wires this to the
// TextureReady event).
func New(l1 *cache.L1, uploader Uploader, onReady func(pageflow.TextureKey)) *Manager {
	return &Manager{
		l1:        l1,
		uploader:  uploader,
		displayed: make(map[pageflow.TextureKey]struct{}),
		onReady:   onReady,
	}
}

// Enqueue requests that key/bm be uploaded on the next render frame. Safe
// to call from any thread (the decoder pool or the prefetcher).
func (m *Manager) Enqueue(key pageflow.TextureKey, bm *pageflow.Bitmap) {
	m.mu.Lock()
	m.queue = append(m.queue, uploadRequest{key: key, bitmap: bm})
	m.mu.Unlock()
}

// SetDisplayed replaces the currently-displayed key set, used both to pin
// the new keys in L1 (done by the caller, which owns L1 directly) and to
// decide which queued uploads are still worth performing.
func (m *Manager) SetDisplayed(keys []pageflow.TextureKey) {
	m.mu.Lock()
	m.displayed = make(map[pageflow.TextureKey]struct{}, len(keys))
	for _, k := range keys {
		m.displayed[k] = struct{}{}
	}
	m.mu.Unlock()
}

// PublishPrefetchRange records the GPU prefetch range an upload is allowed
// to target even when it isn't currently displayed.
func (m *Manager) PublishPrefetchRange(w pageflow.Window) {
	m.mu.Lock()
	m.publishedW = w
	m.mu.Unlock()
}

// RenderFrame must be called once per frame, on the render thread only. It
// first drains L1's pending GPU deletions (so no freshly-freed texture id
// is reused before its delete lands) and then drains the upload queue,
// performing each upload and inserting the result into L1, pinning it if
// it's in the currently-displayed set.
//
// An upload is skipped — left in neither L1 nor the queue, simply dropped —
// if its key is neither displayed nor within the published prefetch range;
// the page will be retried on the next navigation that makes it relevant.
// An upload that errors is logged and dropped from the queue: the page
// remains un-textured until a later navigation re-requests it.
func (m *Manager) RenderFrame() []uint32 {
	deleted := m.l1.DrainPendingDeletions()

	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	displayed := m.displayed
	w := m.publishedW
	m.mu.Unlock()

	for _, req := range queue {
		_, isDisplayed := displayed[req.key]
		if !isDisplayed && !w.Contains(req.key.Page) {
			continue
		}
		id, err := m.uploader.Upload(req.key, req.bitmap)
		if err != nil {
			zlog.Warn(context.Background()).Err(err).Str("key", req.key.String()).Msg("texture upload failed")
			continue
		}
		m.l1.Insert(req.key, cache.TextureEntry{TextureID: id, Width: req.bitmap.Width, Height: req.bitmap.Height})
		if isDisplayed {
			m.l1.Pin(req.key)
		}
		if m.onReady != nil {
			m.onReady(req.key)
		}
	}
	return deleted
}
