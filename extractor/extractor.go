// Package extractor runs the background producer that pulls archive
// members into L3, one archive loader at a time, prioritizing the folder
// closest to the page the user is currently looking at.
package extractor

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/quay/zlog"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/archive"
)

// insertNotifier receives the two notifications the extractor owes the
// loader: a byte insertion (which also wakes L3's condvar waiters) and
// each extraction status change. The first-ever extraction in the archive
// is reported through the onFirstFile callback instead.
type insertNotifier interface {
	InsertBytes(entry pageflow.EntryKey, data []byte)
	SetExtractionStatus(pageflow.ExtractionStatus)
}

type folder struct {
	dir     string
	start   pageflow.PageIndex // index of the folder's first member in the global entry order
	members []pageflow.EntryKey
}

// Extractor is one background producer for one archive loader.
type Extractor struct {
	reader  archive.Reader
	loader  insertNotifier
	current atomic.Int64 // current page index, read between folders only

	onFirstFile func(pageflow.EntryKey)
	onFinished  func(pageflow.ExtractionStatus)

	mu        sync.Mutex
	remaining []*folder // unextracted folders
	stopped   bool

	firstEmitted atomic.Bool
	done         chan struct{}
}

// New partitions entries (in their already-naturally-sorted global order,
// starting at startPage) by directory prefix and returns an Extractor ready
// to Run.
func New(reader archive.Reader, entries []pageflow.EntryKey, startPage pageflow.PageIndex, loader insertNotifier, onFirstFile func(pageflow.EntryKey), onFinished func(pageflow.ExtractionStatus)) *Extractor {
	e := &Extractor{
		reader:      reader,
		loader:      loader,
		onFirstFile: onFirstFile,
		onFinished:  onFinished,
		done:        make(chan struct{}),
	}
	e.current.Store(int64(startPage))
	e.remaining = partitionByFolder(entries, startPage)
	return e
}

// partitionByFolder groups entries by path.Dir, recording each group's
// start index in the global (page-index) order.
func partitionByFolder(entries []pageflow.EntryKey, base pageflow.PageIndex) []*folder {
	byDir := make(map[string]*folder)
	var order []string
	for i, e := range entries {
		d := path.Dir(string(e))
		f, ok := byDir[d]
		if !ok {
			f = &folder{dir: d, start: base + pageflow.PageIndex(i)}
			byDir[d] = f
			order = append(order, d)
		}
		f.members = append(f.members, e)
	}
	out := make([]*folder, len(order))
	for i, d := range order {
		out[i] = byDir[d]
	}
	return out
}

// SetCurrentPage updates the page the extractor measures folder distance
// against. Non-blocking; the extractor re-reads this only between folders.
func (e *Extractor) SetCurrentPage(p pageflow.PageIndex) {
	e.current.Store(int64(p))
}

// Stop requests the extractor halt between members.
func (e *Extractor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

// Done returns a channel closed once Run returns.
func (e *Extractor) Done() <-chan struct{} {
	return e.done
}

// Run extracts every member, folder by folder, until the unextracted set
// is empty or Stop is called. Intended to be run on its own goroutine.
func (e *Extractor) Run() {
	defer close(e.done)
	e.loader.SetExtractionStatus(pageflow.Running)

	status := pageflow.Completed
	for {
		if e.isStopped() {
			status = pageflow.Cancelled
			break
		}
		f := e.pickNextFolder()
		if f == nil {
			break
		}
		e.extractFolder(f)
		if e.isStopped() {
			status = pageflow.Cancelled
			break
		}
	}

	e.loader.SetExtractionStatus(status)
	if e.onFinished != nil {
		e.onFinished(status)
	}
}

func (e *Extractor) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// pickNextFolder removes and returns the folder containing the current
// page if unextracted, else the remaining folder with minimum distance
// from the current page, ties broken by ascending start index.
func (e *Extractor) pickNextFolder() *folder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.remaining) == 0 {
		return nil
	}
	cur := pageflow.PageIndex(e.current.Load())

	sort.SliceStable(e.remaining, func(i, j int) bool {
		return e.remaining[i].start < e.remaining[j].start
	})

	best := 0
	bestDist := distOrContains(e.remaining[0], cur)
	for i := 1; i < len(e.remaining); i++ {
		d := distOrContains(e.remaining[i], cur)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	f := e.remaining[best]
	e.remaining = append(e.remaining[:best], e.remaining[best+1:]...)
	return f
}

// distOrContains returns 0 if cur falls within the folder's member range,
// otherwise the distance from cur to the folder's start.
func distOrContains(f *folder, cur pageflow.PageIndex) int {
	end := f.start + pageflow.PageIndex(len(f.members))
	if cur >= f.start && cur < end {
		return 0
	}
	d := int(f.start) - int(cur)
	if d < 0 {
		d = -d
	}
	return d
}

// extractFolder reads every member of f in file-list order into L3. A
// member read that fails is logged and skipped, considered failed-final:
// it never blocks Display waiters for other members since every waiter on
// the shared condvar re-checks only its own entry on each broadcast.
func (e *Extractor) extractFolder(f *folder) {
	ctx := zlog.ContextWithValues(context.Background(), "component", "extractor/Extractor/extractFolder")
	for _, member := range f.members {
		if e.isStopped() {
			return
		}
		data, err := e.reader.Read(member)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("member", string(member)).Msg("skipping unreadable archive member")
			continue
		}
		e.loader.InsertBytes(member, data)
		if e.firstEmitted.CompareAndSwap(false, true) && e.onFirstFile != nil {
			e.onFirstFile(member)
		}
	}
}
