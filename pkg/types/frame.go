package types

import "time"

// Frame is one compressed snapshot of the captured display.
// Data is shared by reference between the sink and every reader holding the
// frame, so it must never be modified once published.
type Frame struct {
	Data      []byte    // Encoded image bytes (JPEG)
	Timestamp time.Time // Time the raw buffer was captured
	Seq       uint64    // Assigned by the sink on publish, starts at 1
	Width     int       // Captured width in pixels
	Height    int       // Captured height in pixels
}

// Size returns the number of encoded bytes.
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// RawBuffer is an uncompressed RGBA_8888 pixel buffer as delivered by a
// capture source. Rows may carry padding: RowStride can exceed
// Width*PixelStride.
type RawBuffer struct {
	Pix         []byte
	Width       int
	Height      int
	PixelStride int // Bytes per pixel
	RowStride   int // Bytes per row, including padding
	Timestamp   time.Time
}

// RowPadding returns the number of padding bytes at the end of every row.
func (b *RawBuffer) RowPadding() int {
	return b.RowStride - b.PixelStride*b.Width
}
