package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pageflow/pageflow"
)

func writeTestImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("fake-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNewFolderNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, "img2.jpg", "img10.jpg", "img1.jpg")

	l, err := New(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.Mode() != ModeFolder {
		t.Fatalf("expected ModeFolder, got %v", l.Mode())
	}
	want := []pageflow.EntryKey{"img1.jpg", "img2.jpg", "img10.jpg"}
	got := l.Entries()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNewSingleImage(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, "only.png")
	path := filepath.Join(dir, "only.png")

	l, err := New(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.Mode() != ModeSingleImage {
		t.Fatalf("expected ModeSingleImage, got %v", l.Mode())
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
}

func TestFetchFolderDirectRead(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, "a.jpg")
	l, err := New(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := l.Fetch(context.Background(), "a.jpg", pageflow.Display)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fake-bytes" {
		t.Fatalf("unexpected bytes: %q", data)
	}
}

// TestFetchArchiveDisplayBlocksUntilExtracted mirrors property 8 and
// scenario S4: a Display fetch on an archive whose extractor is Running
// blocks until the entry is inserted.
func TestFetchArchiveDisplayBlocksUntilExtracted(t *testing.T) {
	l := &Loader{mode: ModeArchive, bytes: make(map[pageflow.EntryKey][]byte)}
	l.cond = sync.NewCond(&l.mu)
	l.status = pageflow.Running

	done := make(chan []byte, 1)
	go func() {
		b, err := l.Fetch(context.Background(), "005.jpg", pageflow.Display)
		if err != nil {
			t.Error(err)
			return
		}
		done <- b
	}()

	select {
	case <-done:
		t.Fatal("fetch returned before the entry was inserted")
	case <-time.After(50 * time.Millisecond):
	}

	l.InsertBytes("005.jpg", []byte("extracted"))

	select {
	case b := <-done:
		if string(b) != "extracted" {
			t.Fatalf("got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not wake after insertion")
	}
}

// TestFetchArchivePrefetchNeverBlocks mirrors property 9: a Prefetch fetch
// on an archive with no reader returns immediately with a miss, regardless
// of extractor state.
func TestFetchArchivePrefetchNeverBlocks(t *testing.T) {
	l := &Loader{mode: ModeArchive, bytes: make(map[pageflow.EntryKey][]byte)}
	l.cond = sync.NewCond(&l.mu)
	l.status = pageflow.Running

	done := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "missing.jpg", pageflow.Prefetch)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a not-found error for a miss with no reader")
		}
	case <-time.After(time.Second):
		t.Fatal("prefetch fetch should not block")
	}
}

// countingReader is an archive.Reader stub that records whether Read was
// ever invoked, so a test can assert a code path never touches it.
type countingReader struct {
	reads int
}

func (r *countingReader) List() []pageflow.EntryKey { return nil }
func (r *countingReader) Read(pageflow.EntryKey) ([]byte, error) {
	r.reads++
	return []byte("real-bytes"), nil
}
func (r *countingReader) Close() error { return nil }

// TestFetchArchivePrefetchNeverBlocksWithOpenReader extends property 9 to the
// case a reader IS open: a Prefetch fetch must still return a miss in O(1)
// without performing a real archive read, not just when no reader exists.
func TestFetchArchivePrefetchNeverBlocksWithOpenReader(t *testing.T) {
	r := &countingReader{}
	l := &Loader{mode: ModeArchive, bytes: make(map[pageflow.EntryKey][]byte), reader: r}
	l.cond = sync.NewCond(&l.mu)
	l.status = pageflow.Running

	done := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "missing.jpg", pageflow.Prefetch)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a not-found error for a prefetch miss")
		}
	case <-time.After(time.Second):
		t.Fatal("prefetch fetch should not block")
	}
	if r.reads != 0 {
		t.Fatalf("prefetch must not perform a real archive read, got %d reads", r.reads)
	}
}

// TestFetchArchiveDisplayStopsWaitingOnStatusChange covers the other half
// of should_wait: once status leaves Running, a blocked Display waiter
// wakes and falls through to a (missing-reader) miss rather than waiting
// forever.
func TestFetchArchiveDisplayStopsWaitingOnStatusChange(t *testing.T) {
	l := &Loader{mode: ModeArchive, bytes: make(map[pageflow.EntryKey][]byte)}
	l.cond = sync.NewCond(&l.mu)
	l.status = pageflow.Running

	done := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "never.jpg", pageflow.Display)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.SetExtractionStatus(pageflow.Completed)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a not-found error once extraction completed without the entry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not wake on status change")
	}
}
