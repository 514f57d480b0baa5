// Package events is the typed notification bus the core façade uses to tell
// a UI adapter what happened, replacing the signal/slot plumbing of a GUI
// toolkit with plain Go callbacks.
package events

import (
	"sync"

	"github.com/pageflow/pageflow"
)

// FirstFileExtracted fires once per archive, the first time the extractor
// inserts any member into L3.
type FirstFileExtracted struct {
	Name pageflow.EntryKey
}

// PageInserted fires every time a page is stored into L2.
type PageInserted struct {
	Page pageflow.PageIndex
}

// TextureReady fires every time a texture is uploaded and inserted into L1.
type TextureReady struct {
	Key pageflow.TextureKey
}

// ExtractionFinished fires once, when an archive's extractor reaches a
// terminal status (Completed or Cancelled).
type ExtractionFinished struct {
	Status pageflow.ExtractionStatus
}

// Bus fans a small fixed set of typed events out to subscribers. Unlike a
// general pub-sub system, each event type has its own subscriber list: a
// subscriber for one topic never receives another topic's events, so
// handlers don't need a type switch.
//
// Publish is synchronous: it calls every current subscriber on the
// publisher's own goroutine. Callers that need GL-affecting events (e.g.
// TextureReady) delivered on the render thread are expected to subscribe a
// handler that itself posts to that thread's queue; the bus does not pick
// a delivery thread on its subscribers' behalf.
type Bus struct {
	mu                 sync.RWMutex
	firstFileExtracted []func(FirstFileExtracted)
	pageInserted       []func(PageInserted)
	textureReady       []func(TextureReady)
	extractionFinished []func(ExtractionFinished)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) OnFirstFileExtracted(f func(FirstFileExtracted)) {
	b.mu.Lock()
	b.firstFileExtracted = append(b.firstFileExtracted, f)
	b.mu.Unlock()
}

func (b *Bus) OnPageInserted(f func(PageInserted)) {
	b.mu.Lock()
	b.pageInserted = append(b.pageInserted, f)
	b.mu.Unlock()
}

func (b *Bus) OnTextureReady(f func(TextureReady)) {
	b.mu.Lock()
	b.textureReady = append(b.textureReady, f)
	b.mu.Unlock()
}

func (b *Bus) OnExtractionFinished(f func(ExtractionFinished)) {
	b.mu.Lock()
	b.extractionFinished = append(b.extractionFinished, f)
	b.mu.Unlock()
}

func (b *Bus) PublishFirstFileExtracted(ev FirstFileExtracted) {
	b.mu.RLock()
	subs := b.firstFileExtracted
	b.mu.RUnlock()
	for _, f := range subs {
		f(ev)
	}
}

func (b *Bus) PublishPageInserted(ev PageInserted) {
	b.mu.RLock()
	subs := b.pageInserted
	b.mu.RUnlock()
	for _, f := range subs {
		f(ev)
	}
}

func (b *Bus) PublishTextureReady(ev TextureReady) {
	b.mu.RLock()
	subs := b.textureReady
	b.mu.RUnlock()
	for _, f := range subs {
		f(ev)
	}
}

func (b *Bus) PublishExtractionFinished(ev ExtractionFinished) {
	b.mu.RLock()
	subs := b.extractionFinished
	b.mu.RUnlock()
	for _, f := range subs {
		f(ev)
	}
}
