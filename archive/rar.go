package archive

import (
	"io"
	"os"

	"github.com/nwaples/rardecode/v2"
	"github.com/pageflow/pageflow"
)

// rarReader holds just the archive path: rar's compression is a solid
// stream rather than an independently-seekable member table, so List and
// Read each open a fresh decoder and scan forward to the wanted entry
// (rardecode/v2 is chosen over v1 for multi-volume and better seeking
// support, though this reader still scans sequentially per Read).
type rarReader struct {
	path string
}

func openRar(path string) (Reader, error) {
	// Verify the archive opens and is readable up front so a bad path
	// surfaces ReadFailed immediately rather than on first List/Read.
	f, err := os.Open(path)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.openRar", Kind: pageflow.KindReadFailed, Inner: err}
	}
	defer f.Close()
	if _, err := rardecode.NewReader(f); err != nil {
		return nil, &pageflow.Error{Op: "archive.openRar", Kind: pageflow.KindReadFailed, Inner: err}
	}
	return &rarReader{path: path}, nil
}

func (r *rarReader) List() []pageflow.EntryKey {
	f, err := os.Open(r.path)
	if err != nil {
		return nil
	}
	defer f.Close()
	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil
	}
	var names []string
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if !hdr.IsDir {
			names = append(names, hdr.Name)
		}
	}
	return sortedImageNames(names)
}

func (r *rarReader) Read(key pageflow.EntryKey) ([]byte, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.rarReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	defer f.Close()
	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.rarReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return nil, &pageflow.Error{Op: "archive.rarReader.Read", Kind: pageflow.KindNotFound, Message: string(key)}
		}
		if err != nil {
			return nil, &pageflow.Error{Op: "archive.rarReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
		}
		if hdr.Name != string(key) {
			continue
		}
		b, err := io.ReadAll(rr)
		if err != nil {
			return nil, &pageflow.Error{Op: "archive.rarReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
		}
		return b, nil
	}
}

func (r *rarReader) Close() error {
	return nil
}
