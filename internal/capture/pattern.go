package capture

import (
	"image/color"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

const (
	patternWidth      = 640
	patternHeight     = 480
	patternRowPadding = 64 // bytes of padding per row, like a GPU-aligned surface
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var patternColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// PatternSource renders scrolling color bars. It needs no display, so it
// serves headless hosts and tests.
type PatternSource struct {
	width  int
	height int
	frame  int
	loop   *tickLoop
}

// OpenPattern validates params and returns a PatternSource. Width and Height
// default to 640×480.
func OpenPattern(params Params) (Source, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &PatternSource{
		width:  params.Width,
		height: params.Height,
	}
	if s.width == 0 {
		s.width = patternWidth
	}
	if s.height == 0 {
		s.height = patternHeight
	}
	s.loop = newTickLoop(params.FPS, s.grab, nil)

	logger.Info("Capture", "Pattern source %dx%d @ %d fps", s.width, s.height, params.FPS)
	return s, nil
}

// Render draws the bars shifted by offset pixels into a padded buffer.
func (s *PatternSource) Render(offset int, now time.Time) *types.RawBuffer {
	rowStride := s.width*4 + patternRowPadding
	pix := make([]byte, rowStride*s.height)

	barWidth := max(s.width/len(patternColors), 1)
	for y := 0; y < s.height; y++ {
		row := pix[y*rowStride:]
		for x := 0; x < s.width; x++ {
			c := patternColors[((x+offset)/barWidth)%len(patternColors)]
			i := x * 4
			row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, c.A
		}
		// Garbage in the padding must never reach the encoded image.
		for i := s.width * 4; i < rowStride; i++ {
			row[i] = 0x7f
		}
	}

	return &types.RawBuffer{
		Pix:         pix,
		Width:       s.width,
		Height:      s.height,
		PixelStride: 4,
		RowStride:   rowStride,
		Timestamp:   now,
	}
}

func (s *PatternSource) grab(now time.Time) (*types.RawBuffer, error) {
	// Only the loop goroutine touches s.frame.
	s.frame++
	return s.Render(s.frame*4, now), nil
}

// Start begins rendering at the configured rate.
func (s *PatternSource) Start(handler FrameHandler) error {
	return s.loop.start(handler)
}

// Stop halts rendering and waits for the render goroutine to exit.
func (s *PatternSource) Stop() error {
	s.loop.halt()
	return nil
}
