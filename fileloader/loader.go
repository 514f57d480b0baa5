// Package fileloader determines what was opened (a single image, a folder,
// or an archive), resolves its naturally ordered entry list, and serves
// byte fetches through the L3 cache with the condvar wait-for-fill
// protocol Display-priority archive reads depend on.
package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/quay/zlog"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/archive"
	"github.com/pageflow/pageflow/internal/natural"
)

// Mode is how the opened path was interpreted.
type Mode int

const (
	ModeSingleImage Mode = iota
	ModeFolder
	ModeArchive
)

// Loader is a FileLoader: one instance per opened path, stamped with the
// generation it was created under.
type Loader struct {
	path       string
	mode       Mode
	generation pageflow.Generation
	entries    []pageflow.EntryKey // naturally ordered
	reader     archive.Reader      // nil unless mode == ModeArchive
	dir        string              // folder containing the entries, for folder/single modes

	mu     sync.Mutex
	cond   *sync.Cond
	bytes  map[pageflow.EntryKey][]byte
	status pageflow.ExtractionStatus
}

// New determines path's mode, resolves its ordered entry list, and returns
// a Loader stamped with generation. For archives it opens an archive.Reader
// immediately (needed to resolve the entry list); that reader is also used
// by the fallback synchronous read path and by the extractor.
func New(path string, generation pageflow.Generation) (*Loader, error) {
	l := &Loader{path: path, generation: generation, bytes: make(map[pageflow.EntryKey][]byte)}
	l.cond = sync.NewCond(&l.mu)

	info, err := os.Stat(path)
	if err != nil {
		return nil, &pageflow.Error{Op: "fileloader.New", Kind: pageflow.KindNotFound, Inner: err}
	}

	switch {
	case info.IsDir():
		l.mode = ModeFolder
		l.dir = path
		names, err := listImagesInDir(path)
		if err != nil {
			return nil, err
		}
		l.entries = names
	case archive.IsArchive(path):
		l.mode = ModeArchive
		l.status = pageflow.Pending
		r, err := archive.Open(path)
		if err != nil {
			return nil, err
		}
		l.reader = r
		l.entries = r.List()
	case archive.IsImage(path):
		l.mode = ModeSingleImage
		l.dir = filepath.Dir(path)
		l.entries = []pageflow.EntryKey{pageflow.EntryKey(filepath.Base(path))}
	default:
		return nil, &pageflow.Error{Op: "fileloader.New", Kind: pageflow.KindUnsupported, Message: path}
	}

	if len(l.entries) == 0 {
		return nil, &pageflow.Error{Op: "fileloader.New", Kind: pageflow.KindNotFound, Message: "no images found"}
	}
	return l, nil
}

func listImagesInDir(dir string) ([]pageflow.EntryKey, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, &pageflow.Error{Op: "fileloader.listImagesInDir", Kind: pageflow.KindReadFailed, Inner: err}
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if archive.IsImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	natural.Strings(names)
	keys := make([]pageflow.EntryKey, len(names))
	for i, n := range names {
		keys[i] = pageflow.EntryKey(n)
	}
	return keys, nil
}

// Mode reports how the path was interpreted.
func (l *Loader) Mode() Mode { return l.mode }

// Path returns the opened path.
func (l *Loader) Path() string { return l.path }

// Generation returns the generation this loader was stamped with.
func (l *Loader) Generation() pageflow.Generation { return l.generation }

// Entries returns the naturally ordered entry list. The page at index i
// corresponds to Entries()[i].
func (l *Loader) Entries() []pageflow.EntryKey { return l.entries }

// Len returns the number of pages.
func (l *Loader) Len() int { return len(l.entries) }

// EntryAt returns the entry key for a page index, or "" if out of range.
func (l *Loader) EntryAt(page pageflow.PageIndex) pageflow.EntryKey {
	if int(page) < 0 || int(page) >= len(l.entries) {
		return ""
	}
	return l.entries[page]
}

// SetExtractionStatus updates the status the fetch protocol checks, and
// wakes every goroutine waiting in Fetch so they can re-evaluate their
// should-wait predicate (e.g. on Completed/Cancelled, Display waiters must
// stop waiting and fall back to a synchronous read).
func (l *Loader) SetExtractionStatus(s pageflow.ExtractionStatus) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
	l.cond.Broadcast()
}

// ExtractionStatus returns the current status.
func (l *Loader) ExtractionStatus() pageflow.ExtractionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// InsertBytes stores entry's bytes into L3 and wakes every Fetch waiter.
// Called by the extractor after each member it pulls from the archive.
func (l *Loader) InsertBytes(entry pageflow.EntryKey, data []byte) {
	l.mu.Lock()
	l.bytes[entry] = data
	l.mu.Unlock()
	l.cond.Broadcast()
}

// hasBytes reports whether entry is already in L3. Callers must hold mu.
func (l *Loader) hasBytes(entry pageflow.EntryKey) ([]byte, bool) {
	b, ok := l.bytes[entry]
	return b, ok
}

// Fetch implements the L3 fetch(entry, priority) protocol (§4.3):
//
//  1. Acquire the lock. While entry is absent: if this is an archive whose
//     extractor is Running and priority is Display, wait on the condition
//     variable (the mutex is released during the wait); otherwise stop
//     waiting.
//  2. Release the lock. If the entry is now present, return it.
//  3. Otherwise, for an archive Prefetch call, return a miss. Any other
//     call performs a synchronous fallback: archive without a reader
//     returns a miss; archive with a reader reads the member directly and
//     stores it into L3; folder/single reads the file directly.
//
// A Prefetch call on an archive never blocks in step 1 and never reads the
// archive in step 3, whether or not a reader is open. A Display call blocks
// until the extractor either fills the entry or the archive's status moves
// out of Running.
func (l *Loader) Fetch(ctx context.Context, entry pageflow.EntryKey, priority pageflow.Priority) ([]byte, error) {
	l.mu.Lock()
	for {
		if b, ok := l.hasBytes(entry); ok {
			l.mu.Unlock()
			return b, nil
		}
		shouldWait := l.mode == ModeArchive && l.status == pageflow.Running && priority == pageflow.Display
		if !shouldWait {
			break
		}
		l.cond.Wait()
	}
	if b, ok := l.hasBytes(entry); ok {
		l.mu.Unlock()
		return b, nil
	}
	l.mu.Unlock()

	if l.mode == ModeArchive && priority == pageflow.Prefetch {
		// Prefetch on an archive returns a miss rather than performing real
		// decompression I/O here, even when a reader is open: prefetch must
		// stay an O(1) cache operation, never a blocking archive read.
		return nil, &pageflow.Error{Op: "fileloader.Fetch", Kind: pageflow.KindNotFound, Message: string(entry)}
	}
	return l.fallbackRead(entry)
}

// fallbackRead performs the synchronous read named in step 3 of Fetch. It is
// never reached for an archive Prefetch call (Fetch returns a miss before
// calling it); every other path may perform real I/O.
func (l *Loader) fallbackRead(entry pageflow.EntryKey) ([]byte, error) {
	switch l.mode {
	case ModeArchive:
		if l.reader == nil {
			return nil, &pageflow.Error{Op: "fileloader.Fetch", Kind: pageflow.KindNotFound, Message: string(entry)}
		}
		data, err := l.reader.Read(entry)
		if err != nil {
			zlog.Warn(context.Background()).Err(err).Str("entry", string(entry)).Msg("fallback archive read failed")
			return nil, &pageflow.Error{Op: "fileloader.fallbackRead", Kind: pageflow.KindReadFailed, Inner: err}
		}
		l.InsertBytes(entry, data)
		return data, nil
	default:
		full := filepath.Join(l.dir, string(entry))
		data, err := os.ReadFile(full)
		if err != nil {
			zlog.Warn(context.Background()).Err(err).Str("path", full).Msg("fallback file read failed")
			return nil, &pageflow.Error{Op: "fileloader.fallbackRead", Kind: pageflow.KindReadFailed, Inner: err}
		}
		return data, nil
	}
}

// Close releases the archive reader, if any. Safe to call once the loader
// has been superseded and its extractor has finished draining.
func (l *Loader) Close() error {
	if l.reader != nil {
		return l.reader.Close()
	}
	return nil
}

// Reader exposes the underlying archive.Reader for the extractor's use;
// nil for non-archive modes.
func (l *Loader) Reader() archive.Reader { return l.reader }
