package capture

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

var (
	// ErrMissingToken is returned when the host did not pass a capture grant.
	ErrMissingToken = errors.New("capture token missing")
	// ErrNoDisplay is returned when the requested display does not exist.
	ErrNoDisplay = errors.New("no display available")
	// ErrInvalidParams is returned for negative sizes or a non-positive frame rate.
	ErrInvalidParams = errors.New("invalid capture parameters")
)

// Params describe the capture session requested by the host process.
// Zero Width/Height ask the source to use the display's native size.
type Params struct {
	Width   int
	Height  int
	// DPI is the density the host reports for the display. Sources capture
	// physical pixels and do not scale by it; the screen source logs it.
	DPI     int
	Display int
	FPS     int
	Token   string
}

// Validate checks the grant token first, then the geometry.
func (p Params) Validate() error {
	if p.Token == "" {
		return ErrMissingToken
	}
	if p.Width < 0 || p.Height < 0 || p.DPI < 0 || p.Display < 0 {
		return fmt.Errorf("%w: width=%d height=%d dpi=%d display=%d",
			ErrInvalidParams, p.Width, p.Height, p.DPI, p.Display)
	}
	if p.FPS <= 0 {
		return fmt.Errorf("%w: fps=%d", ErrInvalidParams, p.FPS)
	}
	return nil
}

// FrameHandler receives raw buffers on the source's own goroutine and takes
// ownership of them. It must return quickly.
type FrameHandler func(buf *types.RawBuffer)

// Source is a running capture session.
type Source interface {
	// Start begins delivering buffers to handler.
	Start(handler FrameHandler) error
	// Stop ends delivery and releases capture resources. It is safe to call
	// more than once and before Start.
	Stop() error
}

// Opener creates a Source for the given parameters.
type Opener func(params Params) (Source, error)

// OpenerFor returns the opener registered under name ("screen" or "pattern").
func OpenerFor(name string) (Opener, error) {
	switch name {
	case "screen":
		return OpenScreen, nil
	case "pattern":
		return OpenPattern, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", name)
	}
}
