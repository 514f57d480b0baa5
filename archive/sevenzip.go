package archive

import (
	"io"

	"github.com/bodgit/sevenzip"
	"github.com/pageflow/pageflow"
)

type sevenZipReader struct {
	zr     *sevenzip.ReadCloser
	byName map[string]*sevenzip.File
}

func openSevenZip(path string) (Reader, error) {
	zr, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.openSevenZip", Kind: pageflow.KindReadFailed, Inner: err}
	}
	byName := make(map[string]*sevenzip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		byName[f.Name] = f
	}
	return &sevenZipReader{zr: zr, byName: byName}, nil
}

func (r *sevenZipReader) List() []pageflow.EntryKey {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return sortedImageNames(names)
}

func (r *sevenZipReader) Read(key pageflow.EntryKey) ([]byte, error) {
	f, ok := r.byName[string(key)]
	if !ok {
		return nil, &pageflow.Error{Op: "archive.sevenZipReader.Read", Kind: pageflow.KindNotFound, Message: string(key)}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.sevenZipReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.sevenZipReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	return b, nil
}

func (r *sevenZipReader) Close() error {
	return r.zr.Close()
}
