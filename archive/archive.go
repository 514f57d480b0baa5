// Package archive opens zip, 7z, and rar archives and exposes their image
// members through a single Reader interface, so fileloader doesn't need to
// know which archive format it's holding.
package archive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pageflow/pageflow"
	"github.com/pageflow/pageflow/internal/natural"
)

// Reader lists and reads the members of one opened archive. Implementations
// are not safe for concurrent Read calls from multiple goroutines; callers
// (the extractor and the L3 fallback path) serialize their own access.
type Reader interface {
	// List returns every member naturally sorted by name, already filtered
	// to recognized image extensions.
	List() []pageflow.EntryKey
	// Read returns the raw bytes of one member.
	Read(pageflow.EntryKey) ([]byte, error)
	Close() error
}

// imageExts mirrors the file formats table: recognized image extensions,
// matched case-insensitively.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".webp": true, ".avif": true, ".jp2": true, ".j2k": true,
}

// IsImage reports whether name has a recognized image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// archiveExts mirrors the file formats table's archive extensions.
var archiveExts = map[string]bool{
	".zip": true, ".cbz": true,
	".7z": true, ".cb7": true,
	".rar": true, ".cbr": true,
}

// IsArchive reports whether path has a recognized archive extension.
func IsArchive(path string) bool {
	return archiveExts[strings.ToLower(filepath.Ext(path))]
}

// Open opens path as an archive, dispatching on extension. The returned
// Reader's List() result is already naturally sorted.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return openZip(path)
	case ".7z", ".cb7":
		return openSevenZip(path)
	case ".rar", ".cbr":
		return openRar(path)
	default:
		return nil, &pageflow.Error{
			Op:      "archive.Open",
			Kind:    pageflow.KindUnsupported,
			Message: fmt.Sprintf("unrecognized archive extension: %s", path),
		}
	}
}

// sortedImageNames filters names to recognized images and naturally sorts
// the result; every Reader implementation's List() routes through this so
// member order is consistent regardless of format.
func sortedImageNames(names []string) []pageflow.EntryKey {
	var filtered []string
	for _, n := range names {
		if IsImage(n) {
			filtered = append(filtered, n)
		}
	}
	natural.Strings(filtered)
	keys := make([]pageflow.EntryKey, len(filtered))
	for i, n := range filtered {
		keys[i] = pageflow.EntryKey(n)
	}
	return keys
}
