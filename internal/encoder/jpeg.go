package encoder

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// DefaultQuality matches the compression level viewers have always received.
const DefaultQuality = 80

// Encoder turns a raw capture buffer into compressed image bytes.
type Encoder interface {
	Encode(buf *types.RawBuffer) ([]byte, error)
}

// Options configure a JPEGEncoder.
type Options struct {
	Quality  int  // 1..100, 0 means DefaultQuality
	MaxWidth int  // Downscale wider frames to this width, 0 disables
	Overlay  bool // Stamp the capture time in the top-left corner
}

// JPEGEncoder packs, optionally scales and annotates, then JPEG-encodes frames.
// It holds no per-frame state and is safe for concurrent use.
type JPEGEncoder struct {
	opts Options
}

// NewJPEGEncoder returns an encoder with opts applied.
func NewJPEGEncoder(opts Options) *JPEGEncoder {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &JPEGEncoder{opts: opts}
}

// Encode implements Encoder.
func (e *JPEGEncoder) Encode(buf *types.RawBuffer) ([]byte, error) {
	img, err := Pack(buf)
	if err != nil {
		return nil, err
	}

	var out image.Image = img
	if e.opts.MaxWidth > 0 && img.Rect.Dx() > e.opts.MaxWidth {
		// Height 0 keeps the aspect ratio.
		out = resize.Resize(uint(e.opts.MaxWidth), 0, img, resize.Bilinear)
	}

	if e.opts.Overlay && !buf.Timestamp.IsZero() {
		out = stampTime(out, buf.Timestamp.Format("2006/01/02 15:04:05.000"))
	}

	var b bytes.Buffer
	if err := jpeg.Encode(&b, out, &jpeg.Options{Quality: e.opts.Quality}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// stampTime draws text in white on a black box at the top-left corner.
func stampTime(src image.Image, text string) image.Image {
	dst, ok := src.(draw.Image)
	if !ok {
		rgba := image.NewRGBA(src.Bounds())
		draw.Draw(rgba, rgba.Bounds(), src, src.Bounds().Min, draw.Src)
		dst = rgba
	}

	face := basicfont.Face7x13
	const pad = 4
	origin := dst.Bounds().Min
	textWidth := font.MeasureString(face, text).Ceil()
	box := image.Rect(origin.X, origin.Y, origin.X+textWidth+2*pad, origin.Y+face.Height+2*pad)
	draw.Draw(dst, box, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(origin.X+pad, origin.Y+pad+face.Ascent),
	}
	d.DrawString(text)
	return dst
}
