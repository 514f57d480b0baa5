package archive

import (
	"archive/zip"
	"io"

	kflate "github.com/klauspost/compress/flate"
	"github.com/pageflow/pageflow"
)

func init() {
	// klauspost/compress's flate decompressor is a faster drop-in for the
	// deflate method used by nearly every .zip/.cbz in the wild.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
}

type zipReader struct {
	zr *zip.ReadCloser
	// byName indexes members by name for random-access Read calls; built
	// once at Open time since zip.Reader.File is a flat slice.
	byName map[string]*zip.File
}

func openZip(path string) (Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.openZip", Kind: pageflow.KindReadFailed, Inner: err}
	}
	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		byName[f.Name] = f
		names = append(names, f.Name)
	}
	return &zipReader{zr: zr, byName: byName}, nil
}

func (r *zipReader) List() []pageflow.EntryKey {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return sortedImageNames(names)
}

func (r *zipReader) Read(key pageflow.EntryKey) ([]byte, error) {
	f, ok := r.byName[string(key)]
	if !ok {
		return nil, &pageflow.Error{Op: "archive.zipReader.Read", Kind: pageflow.KindNotFound, Message: string(key)}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.zipReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &pageflow.Error{Op: "archive.zipReader.Read", Kind: pageflow.KindReadFailed, Inner: err}
	}
	return b, nil
}

func (r *zipReader) Close() error {
	return r.zr.Close()
}
