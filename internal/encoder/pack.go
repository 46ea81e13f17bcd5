package encoder

import (
	"errors"
	"fmt"
	"image"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

var (
	// ErrUnsupportedPixelStride is returned for anything other than 4-byte RGBA pixels.
	ErrUnsupportedPixelStride = errors.New("unsupported pixel stride")
	// ErrBufferTooSmall is returned when the buffer cannot hold Height rows.
	ErrBufferTooSmall = errors.New("raw buffer too small")
	// ErrInvalidGeometry is returned for empty images or a row stride shorter than a row.
	ErrInvalidGeometry = errors.New("invalid buffer geometry")
)

// Pack copies buf into a tightly packed Width×Height RGBA image, dropping the
// per-row padding that capture surfaces add after each row.
func Pack(buf *types.RawBuffer) (*image.RGBA, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrInvalidGeometry)
	}
	if buf.PixelStride != 4 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPixelStride, buf.PixelStride)
	}
	if buf.Width <= 0 || buf.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, buf.Width, buf.Height)
	}
	rowBytes := buf.Width * buf.PixelStride
	if buf.RowStride < rowBytes {
		return nil, fmt.Errorf("%w: row stride %d < row bytes %d", ErrInvalidGeometry, buf.RowStride, rowBytes)
	}
	// The last row does not need its padding.
	need := buf.RowStride*(buf.Height-1) + rowBytes
	if len(buf.Pix) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(buf.Pix), need)
	}

	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	if buf.RowStride == rowBytes {
		copy(img.Pix, buf.Pix[:need])
		return img, nil
	}
	for y := 0; y < buf.Height; y++ {
		src := buf.Pix[y*buf.RowStride : y*buf.RowStride+rowBytes]
		copy(img.Pix[y*img.Stride:], src)
	}
	return img, nil
}
