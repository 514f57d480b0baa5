// Package decode turns raw image bytes into the normalized 24-bit BGR
// bitmaps the rest of the pipeline works with, and runs that conversion
// through a two-lane priority worker pool.
package decode

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/pageflow/pageflow"
)

// Decode turns raw image bytes into a Bitmap normalized to interleaved BGR,
// regardless of the source's native color model. JP2/J2K and AVIF have no
// registered decoder and surface as a DecodeFailed error, per the error
// taxonomy's treatment of unsupported codecs.
func Decode(raw []byte) (*pageflow.Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &pageflow.Error{Op: "decode.Decode", Kind: pageflow.KindDecodeFailed, Inner: err}
	}
	return toBGR(img), nil
}

// toBGR flattens any image.Image into interleaved BGR bytes. Concrete
// image types returned by the standard decoders are handled with direct
// pixel-buffer access; anything else falls back to the generic At method.
func toBGR(img image.Image) *pageflow.Bitmap {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			srow := src.PixOffset(b.Min.X, b.Min.Y+y)
			drow := y * w * 3
			for x := 0; x < w; x++ {
				si := srow + x*4
				di := drow + x*3
				out[di+0] = src.Pix[si+2] // B
				out[di+1] = src.Pix[si+1] // G
				out[di+2] = src.Pix[si+0] // R
			}
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			srow := src.PixOffset(b.Min.X, b.Min.Y+y)
			drow := y * w * 3
			for x := 0; x < w; x++ {
				si := srow + x*4
				di := drow + x*3
				out[di+0] = src.Pix[si+2]
				out[di+1] = src.Pix[si+1]
				out[di+2] = src.Pix[si+0]
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			srow := src.PixOffset(b.Min.X, b.Min.Y+y)
			drow := y * w * 3
			for x := 0; x < w; x++ {
				v := src.Pix[srow+x]
				out[drow+x*3+0] = v
				out[drow+x*3+1] = v
				out[drow+x*3+2] = v
			}
		}
	default:
		for y := 0; y < h; y++ {
			drow := y * w * 3
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				di := drow + x*3
				out[di+0] = byte(bl >> 8)
				out[di+1] = byte(g >> 8)
				out[di+2] = byte(r >> 8)
			}
		}
	}

	return &pageflow.Bitmap{Width: w, Height: h, Pix: out}
}
