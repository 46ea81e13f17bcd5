package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

const (
	// Boundary separates parts of the MJPEG response.
	Boundary = "frame"
	// MultipartContentType is the Content-Type of the MJPEG response.
	MultipartContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

// MultipartWriter writes frames as parts of a multipart/x-mixed-replace
// response:
//
//	--frame\r\n
//	Content-Type: image/jpeg\r\n
//	Content-Length: N\r\n
//	\r\n
//	<N bytes>\r\n
type MultipartWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

// NewMultipartWriter wraps w. Each frame gets its own write deadline of
// timeout when the connection supports deadlines; zero disables them.
func NewMultipartWriter(w http.ResponseWriter, timeout time.Duration) *MultipartWriter {
	return &MultipartWriter{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
	}
}

// WriteHeaders sets the streaming headers and sends the status line.
func (m *MultipartWriter) WriteHeaders() error {
	h := m.w.Header()
	h.Set("Content-Type", MultipartContentType)
	h.Set("Cache-Control", "no-cache")
	m.w.WriteHeader(http.StatusOK)
	return m.flush()
}

// WriteFrame implements FrameWriter.
func (m *MultipartWriter) WriteFrame(frame *types.Frame) error {
	if m.timeout > 0 {
		err := m.rc.SetWriteDeadline(time.Now().Add(m.timeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame.Data))
	if _, err := io.WriteString(m.w, header); err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	if _, err := m.w.Write(frame.Data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return fmt.Errorf("write part delimiter: %w", err)
	}
	return m.flush()
}

func (m *MultipartWriter) flush() error {
	if err := m.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Transport names the writer in session listings.
func (m *MultipartWriter) Transport() string { return "mjpeg" }

func transportName(w FrameWriter) string {
	if t, ok := w.(interface{ Transport() string }); ok {
		return t.Transport()
	}
	return "custom"
}
