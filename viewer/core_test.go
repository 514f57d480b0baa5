package viewer

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/config"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func makeFolder(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		writePNG(t, filepath.Join(dir, pngName(i)), 4, 4, color.RGBA{R: uint8(i), A: 255})
	}
	return dir
}

func pngName(i int) string {
	return "page" + itoa(i) + ".png"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

type fakeUploader struct{ next uint32 }

func (u *fakeUploader) Upload(key pageflow.TextureKey, bm *pageflow.Bitmap) (uint32, error) {
	u.next++
	return u.next, nil
}

// waitForL2 polls until page p is resident in c's L2 or the deadline passes.
func waitForL2(t *testing.T, c *Core, p pageflow.PageIndex) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, ok := c.l2.Get(p)
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("page %d never became resident in L2", p)
}

// TestOpenPopulatesPrefetchWindow mirrors scenario S1: opening a 30-page
// folder and displaying page 0 with the default radius should, soon after,
// have decoded and cached pages 0..cpu_prefetch_radius around page 0.
func TestOpenPopulatesPrefetchWindow(t *testing.T) {
	dir := makeFolder(t, 30)
	c := New(&fakeUploader{})
	if err := c.Open(dir); err != nil {
		t.Fatal(err)
	}
	c.Display(0)

	waitForL2(t, c, 0)
	waitForL2(t, c, 10)

	c.mu.Lock()
	n := c.l2.Len()
	c.mu.Unlock()
	if n < 11 {
		t.Fatalf("expected at least 11 resident pages after cold open, got %d", n)
	}
}

// TestNavigateAdvancesCurrentPage checks that navigating forward in
// non-spread mode moves exactly one page.
func TestNavigateAdvancesCurrentPage(t *testing.T) {
	dir := makeFolder(t, 10)
	up := &fakeUploader{}
	c := New(up)
	opts := config.Defaults()
	opts.IsSpreadView = false
	c.Configure(opts)
	if err := c.Open(dir); err != nil {
		t.Fatal(err)
	}

	c.Navigate(1)

	c.mu.Lock()
	cur := c.currentPage
	c.mu.Unlock()
	if cur != 1 {
		t.Fatalf("expected current page 1, got %d", cur)
	}
}

// TestOpenMintsNewGeneration covers the first half of scenario S3: a second
// Open call mints a new generation. That stale results stay out of the new
// L2 is checked by TestOpenReplacesGenerationDropsStaleResultFromNewL2.
func TestOpenMintsNewGeneration(t *testing.T) {
	dirA := makeFolder(t, 5)
	dirB := makeFolder(t, 5)
	c := New(&fakeUploader{})

	if err := c.Open(dirA); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(dirB); err != nil {
		t.Fatal(err)
	}

	waitForL2(t, c, 0)

	c.mu.Lock()
	gen := c.loader.Generation()
	c.mu.Unlock()
	if gen != 2 {
		t.Fatalf("expected generation 2 after second Open, got %d", gen)
	}
}

// TestOpenReplacesGenerationDropsStaleResultFromNewL2 mirrors scenario S3
// more directly than TestOpenMintsNewGeneration: the
// first Open's page 0 decode is made slow (a large image) so its result is
// very likely still in flight when the second Open swaps in a new pool and
// L2; the old generation's drainResults goroutine must insert its eventual
// result into the OLD L2 it was spawned against, never into the new one.
func TestOpenReplacesGenerationDropsStaleResultFromNewL2(t *testing.T) {
	dirA := t.TempDir()
	writePNG(t, filepath.Join(dirA, "page0.png"), 900, 900, color.RGBA{R: 1, A: 255})
	dirB := t.TempDir()
	writePNG(t, filepath.Join(dirB, "page0.png"), 4, 4, color.RGBA{R: 2, A: 255})

	c := New(&fakeUploader{})
	if err := c.Open(dirA); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(dirB); err != nil {
		t.Fatal(err)
	}

	waitForL2(t, c, 0)
	// Give dirA's slower decode time to complete and, if the stale-generation
	// guard were broken, to land in the new L2.
	time.Sleep(300 * time.Millisecond)

	c.mu.Lock()
	bm, ok := c.l2.Get(0)
	c.mu.Unlock()
	if !ok {
		t.Fatal("page 0 should be resident in the current L2")
	}
	if bm.Width != 4 {
		t.Fatalf("expected dirB's 4x4 page 0 in the current L2, got width %d (a stale-generation result leaked in)", bm.Width)
	}
}

// TestConfigureShrinksL2Capacity checks that a lowered L2 capacity passed
// through Configure is the one the core holds afterwards.
func TestConfigureShrinksL2Capacity(t *testing.T) {
	dir := makeFolder(t, 5)
	c := New(&fakeUploader{})
	if err := c.Open(dir); err != nil {
		t.Fatal(err)
	}

	next := config.Defaults()
	next.L2CapacityMB = 64
	c.Configure(next)

	c.mu.Lock()
	got := c.opts.L2CapacityMB
	c.mu.Unlock()
	if diff := cmp.Diff(uint32(64), got); diff != "" {
		t.Fatalf("L2 capacity mismatch (-want +got):\n%s", diff)
	}
}

// TestConfigureResamplingModeChangeInvalidatesL2 covers §1's "resampler
// quality switching triggers full re-decode of the affected tier": changing
// resampling_mode_cpu must clear L2 (not retroactively patch it) and the
// current page must come back resident again afterward.
func TestConfigureResamplingModeChangeInvalidatesL2(t *testing.T) {
	dir := makeFolder(t, 5)
	c := New(&fakeUploader{})
	if err := c.Open(dir); err != nil {
		t.Fatal(err)
	}
	waitForL2(t, c, 0)

	next := c.opts
	next.ResamplingModeCPU = "lanczos3"
	c.Configure(next)

	c.mu.Lock()
	n := c.l2.Len()
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected L2 cleared immediately after a resampling-mode change, got %d entries still resident", n)
	}

	waitForL2(t, c, 0) // re-decode must be re-triggered, not left empty forever
}

// TestComputeFolderStartsAcrossFolders exercises the folder-boundary
// navigation supplement: two adjacent sub-folders each contribute a
// distinct starting page, which is what NavigateFolder jumps between.
func TestComputeFolderStartsAcrossFolders(t *testing.T) {
	root := t.TempDir()
	subA := filepath.Join(root, "a")
	subB := filepath.Join(root, "b")
	if err := os.MkdirAll(subA, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(subB, 0o755); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(subA, "1.png"), 2, 2, color.White)
	writePNG(t, filepath.Join(subA, "2.png"), 2, 2, color.White)
	writePNG(t, filepath.Join(subB, "1.png"), 2, 2, color.White)

	// A flat folder loader only sees one directory's worth of images, so
	// this test instead validates computeFolderStarts directly against a
	// synthetic entry list spanning two folders, which is how an archive
	// with multiple internal directories is represented once extracted.
	entries := []pageflow.EntryKey{"a/1.png", "a/2.png", "b/1.png"}
	starts := computeFolderStarts(entries)
	want := []pageflow.PageIndex{0, 2}
	if diff := cmp.Diff(want, starts); diff != "" {
		t.Fatalf("folder starts mismatch (-want +got):\n%s", diff)
	}
}
