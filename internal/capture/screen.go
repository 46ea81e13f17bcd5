package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// ScreenSource captures a desktop display through the platform screenshot API.
type ScreenSource struct {
	display int
	bounds  image.Rectangle
	loop    *tickLoop
}

// OpenScreen validates params and binds a ScreenSource to the requested
// display. When Width/Height are set, the captured region is the top-left
// Width×Height area of the display.
func OpenScreen(params Params) (Source, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	n := screenshot.NumActiveDisplays()
	if n == 0 || params.Display >= n {
		return nil, fmt.Errorf("%w: display %d of %d", ErrNoDisplay, params.Display, n)
	}

	bounds := screenshot.GetDisplayBounds(params.Display)
	if params.Width > 0 && params.Width < bounds.Dx() {
		bounds.Max.X = bounds.Min.X + params.Width
	}
	if params.Height > 0 && params.Height < bounds.Dy() {
		bounds.Max.Y = bounds.Min.Y + params.Height
	}

	s := &ScreenSource{
		display: params.Display,
		bounds:  bounds,
	}
	s.loop = newTickLoop(params.FPS, s.grab, func(err error) {
		logger.Warn("Capture", "Display %d capture failed: %v", s.display, err)
	})

	logger.Info("Capture", "Screen source on display %d (%dx%d @ %d fps, reported dpi %d)",
		params.Display, bounds.Dx(), bounds.Dy(), params.FPS, params.DPI)
	return s, nil
}

// Bounds returns the captured region.
func (s *ScreenSource) Bounds() image.Rectangle {
	return s.bounds
}

func (s *ScreenSource) grab(now time.Time) (*types.RawBuffer, error) {
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return nil, err
	}
	return &types.RawBuffer{
		Pix:         img.Pix,
		Width:       img.Rect.Dx(),
		Height:      img.Rect.Dy(),
		PixelStride: 4,
		RowStride:   img.Stride,
		Timestamp:   now,
	}, nil
}

// Start begins capturing at the configured rate.
func (s *ScreenSource) Start(handler FrameHandler) error {
	return s.loop.start(handler)
}

// Stop halts capture and waits for the capture goroutine to exit.
func (s *ScreenSource) Stop() error {
	s.loop.halt()
	return nil
}
